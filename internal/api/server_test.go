package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockmaster-io/dockmaster/pkg/build"
	"github.com/dockmaster-io/dockmaster/pkg/exec"
	"github.com/dockmaster-io/dockmaster/pkg/logs"
	"github.com/dockmaster-io/dockmaster/pkg/stream"
	"github.com/dockmaster-io/dockmaster/pkg/types"
)

// fakeDockerClient implements types.Client for stream handler tests.
type fakeDockerClient struct {
	runningErr error
	logSource  io.ReadCloser
	execSess   types.ExecSession
}

func (f *fakeDockerClient) EnsureRunning(_ context.Context, _ string) error {
	return f.runningErr
}

func (f *fakeDockerClient) StreamLogs(_ context.Context, _ string, _ types.LogsOptions) (io.ReadCloser, error) {
	return f.logSource, nil
}

func (f *fakeDockerClient) CreateExec(_ context.Context, _ string, _ types.ExecOptions) (types.ExecSession, error) {
	if f.execSess == nil {
		return nil, errors.New("no exec session scripted")
	}

	return f.execSess, nil
}

// syncBuffer is a mutex-guarded bytes.Buffer safe for cross-goroutine use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

// fakeExecSession captures input and serves a scripted output stream.
type fakeExecSession struct {
	input  syncBuffer
	output *io.PipeReader
	writer *io.PipeWriter

	mu     sync.Mutex
	closed bool
}

func newFakeExecSession() *fakeExecSession {
	r, w := io.Pipe()

	return &fakeExecSession{output: r, writer: w}
}

func (s *fakeExecSession) ID() string        { return "exec-1" }
func (s *fakeExecSession) Input() io.Writer  { return &s.input }
func (s *fakeExecSession) Output() io.Reader { return s.output }

func (s *fakeExecSession) inputString() string {
	return s.input.String()
}

func (s *fakeExecSession) Resize(_ context.Context, _, _ uint) error { return nil }

func (s *fakeExecSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		s.writer.Close()
	}
}

// scriptedProcess is a build process whose exit the test controls. Terminate
// behaves like a honored SIGTERM: the stream ends and Wait returns 1.
type scriptedProcess struct {
	reader *io.PipeReader
	writer *io.PipeWriter

	mu       sync.Mutex
	exitCode int
	exited   chan struct{}
	done     bool
}

func newScriptedProcess() *scriptedProcess {
	r, w := io.Pipe()

	return &scriptedProcess{reader: r, writer: w, exited: make(chan struct{})}
}

func (p *scriptedProcess) WriteLine(line string) {
	_, _ = p.writer.Write([]byte(line))
}

func (p *scriptedProcess) Exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return
	}

	p.done = true
	p.exitCode = code
	p.writer.Close()
	close(p.exited)
}

func (p *scriptedProcess) Output() io.Reader { return p.reader }

func (p *scriptedProcess) Terminate() error {
	p.Exit(1)

	return nil
}

func (p *scriptedProcess) Wait() (int, error) {
	<-p.exited

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.exitCode, nil
}

// scriptedRunner hands out queued processes.
type scriptedRunner struct {
	mu        sync.Mutex
	processes []*scriptedProcess
}

func (r *scriptedRunner) Start(_ context.Context, _ []string) (build.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.processes) == 0 {
		return nil, errors.New("no process scripted")
	}

	process := r.processes[0]
	r.processes = r.processes[1:]

	return process, nil
}

func newTestRegistry(t *testing.T, processes ...*scriptedProcess) *build.Registry {
	t.Helper()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/src", 0o755))

	return build.NewRegistry(&scriptedRunner{processes: processes}, build.WithFs(fs))
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(New(cfg).Handler())
	t.Cleanup(server.Close)

	return server
}

func dialWS(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + path

	conn, _, err := websocket.DefaultDialer.Dial(url, nil) //nolint:bodyclose
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

// readUntil reads envelopes, skipping keepalives, until one of the wanted
// type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want types.MessageType) types.StreamMessage {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))

	for {
		var msg types.StreamMessage
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %q envelope", want)

		if msg.Type == types.MessagePing {
			continue
		}

		if msg.Type == want {
			return msg
		}

		require.NotEqual(t, types.MessageError, msg.Type, "unexpected error envelope: %s", msg.Message)
	}
}

func framedLogs(lines ...string) io.ReadCloser {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(stream.Encode(stream.Stdout, []byte(line)))
	}

	return io.NopCloser(&buf)
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t, Config{})

	resp, err := http.Get(server.URL + "/v1/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartBuildRejectsMissingTags(t *testing.T) {
	registry := newTestRegistry(t)
	server := newTestServer(t, Config{Builds: registry})

	body := strings.NewReader(`{"context":"/src","tags":[]}`)

	resp, err := http.Post(server.URL+"/v1/builds", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errBody map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.Contains(t, errBody["error"], "tag")
}

func TestStartBuildRejectsMalformedBody(t *testing.T) {
	registry := newTestRegistry(t)
	server := newTestServer(t, Config{Builds: registry})

	resp, err := http.Post(server.URL+"/v1/builds", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartBuildReturnsStreamURL(t *testing.T) {
	process := newScriptedProcess()
	registry := newTestRegistry(t, process)
	server := newTestServer(t, Config{Builds: registry})

	body := strings.NewReader(`{"context":"/src","tags":["app:latest"]}`)

	resp, err := http.Post(server.URL+"/v1/builds", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var buildResp types.BuildResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&buildResp))
	assert.NotEmpty(t, buildResp.BuildID)
	assert.Equal(t, "/ws/builds/"+buildResp.BuildID, buildResp.StreamURL)

	process.Exit(0)
}

func TestBuildStreamUnknownJob(t *testing.T) {
	registry := newTestRegistry(t)
	server := newTestServer(t, Config{Builds: registry})

	conn := dialWS(t, server, "/internal/builds/nope")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg types.StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, types.MessageError, msg.Type)
	assert.Equal(t, http.StatusNotFound, msg.Code)
}

func TestBuildStreamDeliversLogsAndCompletion(t *testing.T) {
	process := newScriptedProcess()
	registry := newTestRegistry(t, process)
	server := newTestServer(t, Config{Builds: registry})

	buildID, err := registry.Start(context.Background(), types.BuildRequest{
		Context: "/src",
		Tags:    []string{"app:latest"},
	})
	require.NoError(t, err)

	conn := dialWS(t, server, "/internal/builds/"+buildID)

	connected := readUntil(t, conn, types.MessageConnected)
	assert.Equal(t, buildID, connected.BuildID)

	process.WriteLine("Step 1/2 : FROM alpine\n")

	logMsg := readUntil(t, conn, types.MessageLog)
	assert.Equal(t, "Step 1/2 : FROM alpine\n", logMsg.Data)

	process.Exit(0)

	complete := readUntil(t, conn, types.MessageComplete)
	assert.Equal(t, types.StatusSuccess, complete.Status)
}

func TestBuildStreamCancel(t *testing.T) {
	process := newScriptedProcess()
	registry := newTestRegistry(t, process)
	server := newTestServer(t, Config{Builds: registry})

	buildID, err := registry.Start(context.Background(), types.BuildRequest{
		Context: "/src",
		Tags:    []string{"app:latest"},
	})
	require.NoError(t, err)

	conn := dialWS(t, server, "/internal/builds/"+buildID)
	readUntil(t, conn, types.MessageConnected)

	require.NoError(t, conn.WriteJSON(types.ClientMessage{Type: types.MessageCancel}))

	ack := readUntil(t, conn, types.MessageCancelled)
	assert.Equal(t, types.StatusCancelled, ack.Status)

	complete := readUntil(t, conn, types.MessageComplete)
	assert.Equal(t, types.StatusCancelled, complete.Status)
}

func TestLogsStreamForwardsDecodedChunks(t *testing.T) {
	client := &fakeDockerClient{logSource: framedLogs("hello\n", "world\n")}
	server := newTestServer(t, Config{Logs: logs.New(client)})

	conn := dialWS(t, server, "/internal/containers/c1/logs?tail=50")

	readUntil(t, conn, types.MessageConnected)

	first := readUntil(t, conn, types.MessageLog)
	assert.Equal(t, "hello\n", first.Data)

	second := readUntil(t, conn, types.MessageLog)
	assert.Equal(t, "world\n", second.Data)

	readUntil(t, conn, types.MessageEnd)
}

func TestLogsStreamMissingContainer(t *testing.T) {
	client := &fakeDockerClient{runningErr: types.NewTargetNotFoundError("no such container")}
	server := newTestServer(t, Config{Logs: logs.New(client)})

	conn := dialWS(t, server, "/internal/containers/gone/logs")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg types.StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, types.MessageError, msg.Type)
	assert.Equal(t, http.StatusNotFound, msg.Code)
}

func TestExecStreamRelaysInputAndOutput(t *testing.T) {
	session := newFakeExecSession()
	client := &fakeDockerClient{execSess: session}
	server := newTestServer(t, Config{Exec: exec.New(client)})

	conn := dialWS(t, server, "/internal/containers/c1/exec?tty=true")

	readUntil(t, conn, types.MessageConnected)

	input := types.ClientMessage{Type: types.MessageExec, Data: json.RawMessage(`"ls -la\n"`)}
	raw, err := json.Marshal(input)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	assert.Eventually(t, func() bool {
		return strings.Contains(session.inputString(), "ls -la")
	}, 2*time.Second, 10*time.Millisecond)

	_, err = session.writer.Write([]byte("total 0\n"))
	require.NoError(t, err)

	output := readUntil(t, conn, types.MessageOutput)
	assert.Equal(t, "total 0\n", output.Data)

	session.Close()

	readUntil(t, conn, types.MessageEnd)
}

func TestUnknownContainerRoute(t *testing.T) {
	server := newTestServer(t, Config{})

	conn := dialWS(t, server, "/internal/containers/c1/attach")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg types.StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, types.MessageError, msg.Type)
	assert.Equal(t, http.StatusNotFound, msg.Code)
}
