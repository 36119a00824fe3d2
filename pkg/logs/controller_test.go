package logs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockmaster-io/dockmaster/pkg/stream"
	"github.com/dockmaster-io/dockmaster/pkg/types"
)

// fakeClient implements types.Client for controller tests.
type fakeClient struct {
	runningErr error
	logsErr    error
	source     io.ReadCloser
}

func (f *fakeClient) EnsureRunning(_ context.Context, _ string) error {
	return f.runningErr
}

func (f *fakeClient) StreamLogs(_ context.Context, _ string, _ types.LogsOptions) (io.ReadCloser, error) {
	if f.logsErr != nil {
		return nil, f.logsErr
	}

	return f.source, nil
}

func (f *fakeClient) CreateExec(_ context.Context, _ string, _ types.ExecOptions) (types.ExecSession, error) {
	return nil, errors.New("not implemented")
}

// recordingConn captures envelopes written to it.
type recordingConn struct {
	mu       sync.Mutex
	messages []types.StreamMessage
	failAt   int // fail the nth write (1-based), 0 means never
	writes   int
}

func (c *recordingConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writes++
	if c.failAt > 0 && c.writes >= c.failAt {
		return errors.New("connection closed")
	}

	msg, ok := v.(types.StreamMessage)
	if !ok {
		return errors.New("unexpected message type")
	}

	c.messages = append(c.messages, msg)

	return nil
}

func (c *recordingConn) Close() error { return nil }

func (c *recordingConn) typesSeen() []types.MessageType {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make([]types.MessageType, 0, len(c.messages))
	for _, m := range c.messages {
		seen = append(seen, m.Type)
	}

	return seen
}

func framed(lines ...string) io.ReadCloser {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(stream.Encode(stream.Stdout, []byte(line)))
	}

	return io.NopCloser(&buf)
}

func TestAttachRejectsMissingContainer(t *testing.T) {
	client := &fakeClient{runningErr: types.NewTargetNotFoundError("container gone not found")}
	controller := New(client)

	err := controller.Attach(context.Background(), &recordingConn{}, "gone", types.LogsOptions{})

	var streamErr *types.StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, 404, streamErr.Code)
}

func TestAttachRejectsStoppedContainer(t *testing.T) {
	client := &fakeClient{runningErr: types.NewTargetNotRunningError("container stopped is not running")}
	controller := New(client)

	err := controller.Attach(context.Background(), &recordingConn{}, "stopped", types.LogsOptions{})

	var streamErr *types.StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, 400, streamErr.Code)
}

func TestAttachDecodesAndForwardsChunks(t *testing.T) {
	client := &fakeClient{source: framed("line one\n", "line two\n")}
	controller := New(client)
	conn := &recordingConn{}

	err := controller.Attach(context.Background(), conn, "c1", types.LogsOptions{})
	require.NoError(t, err)

	seen := conn.typesSeen()
	require.Equal(t, []types.MessageType{
		types.MessageConnected,
		types.MessageLog,
		types.MessageLog,
		types.MessageEnd,
	}, seen)
	assert.Equal(t, "line one\n", conn.messages[1].Data)
	assert.Equal(t, "line two\n", conn.messages[2].Data)
}

func TestAttachStopsOnClientDisconnect(t *testing.T) {
	client := &fakeClient{source: framed("one\n", "two\n", "three\n")}
	controller := New(client)
	conn := &recordingConn{failAt: 2} // fail on the first log write

	err := controller.Attach(context.Background(), conn, "c1", types.LogsOptions{})
	assert.NoError(t, err)
	assert.Equal(t, []types.MessageType{types.MessageConnected}, conn.typesSeen())
}

func TestAttachEmitsKeepalivePings(t *testing.T) {
	reader, writer := io.Pipe()
	client := &fakeClient{source: reader}
	controller := NewWithPingInterval(client, 10*time.Millisecond)
	conn := &recordingConn{}

	done := make(chan struct{})
	go func() {
		_ = controller.Attach(context.Background(), conn, "c1", types.LogsOptions{})
		close(done)
	}()

	assert.Eventually(t, func() bool {
		for _, msgType := range conn.typesSeen() {
			if msgType == types.MessagePing {
				return true
			}
		}

		return false
	}, time.Second, 5*time.Millisecond)

	writer.Close()
	<-done
}
