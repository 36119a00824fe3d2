package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dockmaster-io/dockmaster/pkg/metrics"
	"github.com/dockmaster-io/dockmaster/pkg/types"
)

// State is a bridge's position in its lifecycle. Closed is terminal.
type State string

// Bridge lifecycle states.
const (
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateBridging       State = "bridging"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
)

// leg is one side of the bridge with serialized writes, since the forwarding
// loop and the keepalive ticker both write to it.
type leg struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *leg) writeMessage(messageType int, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	return l.conn.WriteMessage(messageType, data)
}

func (l *leg) writeJSON(v interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	return l.conn.WriteJSON(v)
}

func (l *leg) ping() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.conn.WriteControl(
		websocket.PingMessage,
		nil,
		time.Now().Add(writeTimeout),
	)
}

// bridge pairs a client-side connection with an upstream connection and owns
// both legs: it is the only entity permitted to close them.
type bridge struct {
	id       string
	client   *leg
	upstream *leg

	principal *types.Principal

	pingInterval time.Duration
	metrics      *metrics.Metrics

	stateMu sync.Mutex
	state   State

	closeOnce sync.Once
	done      chan struct{}
}

// newBridge wraps a freshly accepted client connection. The upstream leg is
// attached after authentication and authorization succeed.
func newBridge(clientConn *websocket.Conn, pingInterval time.Duration, m *metrics.Metrics) *bridge {
	m.BridgeOpened()

	return &bridge{
		id:           uuid.NewString(),
		client:       &leg{conn: clientConn},
		pingInterval: pingInterval,
		metrics:      m,
		state:        StateConnecting,
		done:         make(chan struct{}),
	}
}

// setState advances the lifecycle. Closed is terminal: no transition leaves
// it.
func (b *bridge) setState(next State) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if b.state == StateClosed {
		return
	}

	b.state = next
}

// currentState reports the bridge's lifecycle position.
func (b *bridge) currentState() State {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	return b.state
}

// attachUpstream pairs the upstream leg and enters Bridging.
func (b *bridge) attachUpstream(conn *websocket.Conn) {
	b.upstream = &leg{conn: conn}
	b.setState(StateBridging)
}

// reject sends one structured error envelope to the client and tears down.
func (b *bridge) reject(streamErr *types.StreamError) {
	logrus.WithFields(logrus.Fields{
		"bridge_id": b.id,
		"code":      streamErr.Code,
		"message":   streamErr.Message,
	}).Debug("Rejecting streaming connection")

	_ = b.client.writeJSON(streamErr.Envelope())
	b.teardown()
}

// run forwards messages between the legs until either emits a terminal
// event, keeping both alive with periodic pings. It blocks until teardown.
func (b *bridge) run() {
	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()
		b.forward(b.client, b.upstream)
	}()

	go func() {
		defer wg.Done()
		b.forward(b.upstream, b.client)
	}()

	go b.keepalive()

	wg.Wait()
	b.teardown()
}

// forward relays messages from one leg to the other verbatim; the only
// transformation is re-serialization by the websocket layer. The first read
// or write failure ends the bridge.
func (b *bridge) forward(from, to *leg) {
	for {
		messageType, data, err := from.conn.ReadMessage()
		if err != nil {
			b.teardown()

			return
		}

		if err := to.writeMessage(messageType, data); err != nil {
			b.teardown()

			return
		}
	}
}

// keepalive pings both legs to detect half-open connections.
func (b *bridge) keepalive() {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.client.ping(); err != nil {
				b.teardown()

				return
			}

			if b.upstream != nil {
				if err := b.upstream.ping(); err != nil {
					b.teardown()

					return
				}
			}
		case <-b.done:
			return
		}
	}
}

// teardown closes both legs and cancels the keepalive timer. It is guarded
// so racing triggers (client close vs upstream error) execute it exactly
// once; later invocations are no-ops.
func (b *bridge) teardown() {
	b.closeOnce.Do(func() {
		b.setState(StateClosing)
		close(b.done)

		_ = b.client.conn.Close()

		if b.upstream != nil {
			_ = b.upstream.conn.Close()
		}

		b.setState(StateClosed)
		b.metrics.BridgeClosed()

		logrus.WithField("bridge_id", b.id).Debug("Bridge torn down")
	})
}
