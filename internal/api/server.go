// Package api hosts the internal stream tier: the websocket endpoints the
// gateway bridges into, the REST endpoint that starts builds, and the
// Prometheus scrape endpoint. It binds to a loopback or private address and
// performs no authentication of its own; the gateway is the sole trust
// boundary.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dockmaster-io/dockmaster/pkg/build"
	"github.com/dockmaster-io/dockmaster/pkg/exec"
	"github.com/dockmaster-io/dockmaster/pkg/logs"
	"github.com/dockmaster-io/dockmaster/pkg/metrics"
	"github.com/dockmaster-io/dockmaster/pkg/types"
)

// readHeaderTimeout is the timeout for reading request headers.
const readHeaderTimeout = 10 * time.Second

// shutdownTimeout bounds graceful server shutdown.
const shutdownTimeout = 5 * time.Second

// defaultExecCmd is the command run when an exec request names none.
const defaultExecCmd = "/bin/sh"

// Config carries the dependencies of the internal stream server.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string
	// Logs attaches follow-mode container log streams.
	Logs *logs.Controller
	// Exec opens interactive exec sessions.
	Exec *exec.Controller
	// Builds owns the build job registry.
	Builds *build.Registry
	// Metrics is the process-wide metrics collector; nil disables /metrics.
	Metrics *metrics.Metrics
}

// Server is the internal HTTP and websocket server.
type Server struct {
	cfg      Config
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// New constructs the internal server and registers its routes.
func New(cfg Config) *Server {
	server := &Server{
		cfg: cfg,
		mux: http.NewServeMux(),
		upgrader: websocket.Upgrader{
			// The gateway dials server-to-server; there is no browser
			// origin to check on this tier.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}

	server.mux.HandleFunc("/internal/containers/", server.handleContainerStream)
	server.mux.HandleFunc("/internal/builds/", server.handleBuildStream)
	server.mux.HandleFunc("/v1/builds", server.handleStartBuild)
	server.mux.HandleFunc("/v1/healthz", server.handleHealthz)

	if cfg.Metrics != nil {
		server.mux.Handle("/metrics", cfg.Metrics.Handler())
	}

	return server
}

// Handler exposes the route table, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully. A clean
// shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errs := make(chan error, 1)

	go func() {
		logrus.WithField("addr", s.cfg.Addr).Info("Starting internal stream server")
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Failed to shut down internal stream server")

		return err
	}

	return nil
}

// handleHealthz reports liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleStartBuild accepts a build request and returns the job id plus the
// public stream path a client should subscribe on.
func (s *Server) handleStartBuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST required")

		return
	}

	var req types.BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed build request")

		return
	}

	// The build must outlive this request; only gateway shutdown or an
	// explicit cancel ends it.
	buildID, err := s.cfg.Builds.Start(context.WithoutCancel(r.Context()), req)
	if err != nil {
		status := http.StatusBadGateway
		if build.IsInvalidRequest(err) {
			status = http.StatusBadRequest
		}

		writeJSONError(w, status, err.Error())

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(types.BuildResponse{
		BuildID:   buildID,
		StreamURL: "/ws/builds/" + buildID,
	})
}

// writeJSONError writes a structured error body with the given status.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// handleContainerStream upgrades and dispatches the per-container websocket
// routes: /internal/containers/{id}/logs and /internal/containers/{id}/exec.
func (s *Server) handleContainerStream(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/internal/containers/")

	containerID, mode, ok := strings.Cut(rest, "/")
	if !ok || containerID == "" {
		http.NotFound(w, r)

		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Debug("Failed to upgrade container stream request")

		return
	}
	defer conn.Close()

	switch mode {
	case "logs":
		s.serveLogs(r, conn, containerID)
	case "exec":
		s.serveExec(r, conn, containerID)
	default:
		_ = conn.WriteJSON(types.NewTargetNotFoundError("unknown container stream route").Envelope())
	}
}

// serveLogs attaches a follow-mode log stream and relays it until either
// side ends.
func (s *Server) serveLogs(r *http.Request, conn *websocket.Conn, containerID string) {
	query := r.URL.Query()
	opts := types.LogsOptions{
		Tail:       query.Get("tail"),
		Timestamps: query.Get("timestamps") != "false",
		Since:      query.Get("since"),
		Until:      query.Get("until"),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Inbound frames carry nothing for a log stream, but reading them is
	// what surfaces the peer's close.
	go func() {
		defer cancel()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.cfg.Logs.Attach(ctx, conn, containerID, opts); err != nil {
		s.writeStreamError(conn, err)
	}
}

// serveExec opens an interactive exec session and relays frames in both
// directions until the process exits or the peer disconnects.
func (s *Server) serveExec(r *http.Request, conn *websocket.Conn, containerID string) {
	query := r.URL.Query()

	cmd := strings.Fields(query.Get("cmd"))
	if len(cmd) == 0 {
		cmd = []string{defaultExecCmd}
	}

	opts := types.ExecOptions{
		Cmd:        cmd,
		TTY:        query.Get("tty") != "false",
		User:       query.Get("user"),
		Privileged: query.Get("privileged") == "true",
		Env:        parseEnv(query.Get("env")),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session, err := s.cfg.Exec.Open(ctx, conn, containerID, opts)
	if err != nil {
		s.writeStreamError(conn, err)

		return
	}
	defer session.Close()

	go func() {
		defer session.Close()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}

			session.HandleClientMessage(ctx, raw)
		}
	}()

	<-session.Done()
}

// parseEnv interprets the env query parameter as either a JSON string array
// or a single KEY=VALUE entry.
func parseEnv(raw string) []string {
	if raw == "" {
		return nil
	}

	var entries []string
	if err := json.Unmarshal([]byte(raw), &entries); err == nil {
		return entries
	}

	return []string{raw}
}

// handleBuildStream subscribes the connection to a build job's log stream on
// /internal/builds/{id}. Inbound control envelopes may cancel the job.
func (s *Server) handleBuildStream(w http.ResponseWriter, r *http.Request) {
	buildID := strings.TrimPrefix(r.URL.Path, "/internal/builds/")
	if buildID == "" || strings.Contains(buildID, "/") {
		http.NotFound(w, r)

		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Debug("Failed to upgrade build stream request")

		return
	}
	defer conn.Close()

	if err := s.cfg.Builds.Subscribe(buildID, conn); err != nil {
		_ = conn.WriteJSON(types.NewTargetNotFoundError(err.Error()).Envelope())

		return
	}
	defer s.cfg.Builds.Unsubscribe(buildID, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg types.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		if msg.Type == types.MessageCancel {
			if s.cfg.Builds.Cancel(buildID) {
				logrus.WithField("build_id", buildID).Info("Build cancelled by subscriber")
			}
		}
	}
}

// writeStreamError sends err to the peer as a structured envelope. Errors
// that are not StreamErrors are reported as upstream failures without
// leaking internals.
func (s *Server) writeStreamError(conn *websocket.Conn, err error) {
	var streamErr *types.StreamError
	if !errors.As(err, &streamErr) {
		streamErr = types.NewUpstreamUnavailableError("stream failed")
	}

	_ = conn.WriteJSON(streamErr.Envelope())
}
