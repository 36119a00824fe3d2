// Package gateway implements the streaming bridge: it accepts client
// WebSocket connections, authenticates and authorizes them, opens the paired
// upstream connection into the internal execution tier, and forwards
// bidirectionally with keepalive and idempotent teardown.
package gateway

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dockmaster-io/dockmaster/pkg/auth"
	"github.com/dockmaster-io/dockmaster/pkg/metrics"
	"github.com/dockmaster-io/dockmaster/pkg/types"
)

// defaultPingInterval is the keepalive cadence on both bridge legs.
const defaultPingInterval = 30 * time.Second

// writeTimeout bounds a single write on either leg.
const writeTimeout = 10 * time.Second

// upstreamDialTimeout bounds the upstream connection handshake.
const upstreamDialTimeout = 10 * time.Second

// Config wires a Gateway.
type Config struct {
	// Verifier validates bearer credentials into principals.
	Verifier *auth.Verifier

	// UpstreamBase is the base URL of the internal stream server, e.g.
	// "ws://127.0.0.1:9446".
	UpstreamBase string

	// PingInterval overrides the keepalive cadence. Zero means the default.
	PingInterval time.Duration

	// Metrics is optional streaming instrumentation.
	Metrics *metrics.Metrics
}

// Gateway accepts and bridges client streaming connections.
type Gateway struct {
	cfg      Config
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// New creates a Gateway from the given configuration.
func New(cfg Config) *Gateway {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}

	return &Gateway{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from the web UI origin; the bearer
			// token is the access control, not the Origin header.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: upstreamDialTimeout},
	}
}

// Handler returns the HTTP handler serving the /ws/ streaming routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", g.handleStream)

	return mux
}

// handleStream runs one connection through the bridge state machine. All
// failures are caught here; nothing propagates to crash the hosting process.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logrus.WithFields(logrus.Fields{
				"path":  r.URL.Path,
				"panic": recovered,
			}).Error("Recovered panic in stream handler")
		}
	}()

	clientConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Debug("WebSocket upgrade failed")

		return
	}

	bridge := newBridge(clientConn, g.cfg.PingInterval, g.cfg.Metrics)
	defer bridge.teardown()

	bridge.setState(StateAuthenticating)

	principal, streamErr := g.authenticate(r)
	if streamErr == nil {
		streamErr = g.authorize(principal, r.URL.Path)
	}

	if streamErr != nil {
		g.cfg.Metrics.ConnectionRejected()
		bridge.reject(streamErr)

		return
	}

	bridge.principal = principal

	upstreamConn, streamErr := g.dialUpstream(r)
	if streamErr != nil {
		g.cfg.Metrics.ConnectionRejected()
		g.cfg.Metrics.UpstreamError()
		bridge.reject(streamErr)

		return
	}

	bridge.attachUpstream(upstreamConn)

	logrus.WithFields(logrus.Fields{
		"bridge_id": bridge.id,
		"path":      r.URL.Path,
		"user":      principal.Username,
		"role":      principal.Role,
	}).Info("Bridged streaming connection")

	bridge.run()
}

// authenticate verifies the bearer credential into a Principal.
func (g *Gateway) authenticate(r *http.Request) (*types.Principal, *types.StreamError) {
	token := auth.ExtractToken(r)
	if token == "" {
		return nil, types.NewAuthenticationError("missing bearer token")
	}

	principal, err := g.cfg.Verifier.Verify(token)
	if err != nil {
		return nil, types.NewAuthenticationError("invalid bearer token")
	}

	return principal, nil
}

// authorize checks the route's required permission against the principal's
// role. It runs before any upstream work.
func (g *Gateway) authorize(principal *types.Principal, path string) *types.StreamError {
	perm, ok := auth.RequiredPermission(path)
	if !ok {
		return types.NewTargetNotFoundError("unknown streaming route")
	}

	if !auth.HasPermission(principal.Role, perm) {
		return types.NewAuthorizationError(
			"role " + string(principal.Role) + " lacks permission " + string(perm),
		)
	}

	return nil
}

// dialUpstream opens the paired connection into the internal execution tier.
// The public /ws/ prefix maps onto the internal route space; query parameters
// pass through except the credential, which never leaves the gateway.
func (g *Gateway) dialUpstream(r *http.Request) (*websocket.Conn, *types.StreamError) {
	upstreamURL, err := url.Parse(g.cfg.UpstreamBase)
	if err != nil {
		return nil, types.NewUpstreamUnavailableError("invalid upstream address")
	}

	upstreamURL.Path = "/internal/" + strings.TrimPrefix(r.URL.Path, "/ws/")

	query := r.URL.Query()
	query.Del("token")
	upstreamURL.RawQuery = query.Encode()

	conn, _, err := g.dialer.Dial(upstreamURL.String(), nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"upstream": upstreamURL.String(),
			"error":    err,
		}).Warn("Failed to open upstream connection")

		return nil, types.NewUpstreamUnavailableError("internal stream tier unavailable")
	}

	return conn, nil
}
