// Package exec implements the interactive exec session controller: one
// hijacked bidirectional channel into a running container, relayed to one
// bridged connection with an explicit control-message envelope.
package exec

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dockmaster-io/dockmaster/pkg/stream"
	"github.com/dockmaster-io/dockmaster/pkg/types"
)

// defaultPingInterval is the keepalive cadence on exec connections.
const defaultPingInterval = 30 * time.Second

// outputBufferSize is the chunk size for reads from the hijacked channel.
const outputBufferSize = 8192

// errSessionClosed indicates input arrived after the session ended.
var errSessionClosed = errors.New("exec session is closed")

// Controller opens exec sessions against the engine.
type Controller struct {
	client       types.Client
	pingInterval time.Duration
}

// New creates an exec session controller backed by the given engine client.
func New(client types.Client) *Controller {
	return &Controller{client: client, pingInterval: defaultPingInterval}
}

// Open validates the target, attaches a hijacked exec channel, and returns
// the running session. The caller feeds inbound client frames through
// Session.HandleClientMessage and blocks on Session.Done.
//
// A container that is missing or not running fails with a *types.StreamError
// before any channel is opened.
func (c *Controller) Open(
	ctx context.Context,
	conn types.Conn,
	containerID string,
	opts types.ExecOptions,
) (*Session, error) {
	if err := c.client.EnsureRunning(ctx, containerID); err != nil {
		return nil, err
	}

	execSession, err := c.client.CreateExec(ctx, containerID, opts)
	if err != nil {
		return nil, types.NewUpstreamUnavailableError(err.Error())
	}

	session := &Session{
		containerID: containerID,
		exec:        execSession,
		conn:        conn,
		tty:         opts.TTY,
		done:        make(chan struct{}),
	}

	if err := session.send(types.NewStreamMessage(types.MessageConnected)); err != nil {
		execSession.Close()

		return nil, err
	}

	go session.pumpOutput()
	go session.keepalive(c.pingInterval)

	logrus.WithFields(logrus.Fields{
		"container_id": containerID,
		"exec_id":      execSession.ID(),
		"tty":          opts.TTY,
	}).Debug("Opened exec session")

	return session, nil
}

// Session is one live exec relay: hijacked channel on one side, bridged
// connection on the other.
type Session struct {
	containerID string
	exec        types.ExecSession
	conn        types.Conn
	tty         bool

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Done is closed when the session has been torn down, whichever side ended
// it first.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// HandleClientMessage processes one inbound client frame. Every frame must be
// a JSON control envelope with a type discriminator; anything else is a
// protocol error, logged and ignored so a single bad message never tears down
// the relay.
func (s *Session) HandleClientMessage(ctx context.Context, raw []byte) {
	var msg types.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"container_id": s.containerID,
			"error":        err,
		}).Warn("Ignoring malformed exec control message")

		return
	}

	switch msg.Type {
	case types.MessageExec:
		var input string
		if err := json.Unmarshal(msg.Data, &input); err != nil {
			logrus.WithField("container_id", s.containerID).
				Warn("Ignoring exec message with non-string data")

			return
		}

		if err := s.writeInput([]byte(input)); err != nil {
			logrus.WithError(err).Debug("Failed to write exec input")
			s.Close()
		}
	case types.MessageResize:
		s.handleResize(ctx, msg.Data)
	case types.MessagePing:
		// Client keepalive; nothing to forward.
	default:
		logrus.WithFields(logrus.Fields{
			"container_id": s.containerID,
			"type":         msg.Type,
		}).Warn("Ignoring exec control message of unknown type")
	}
}

// handleResize forwards a terminal resize to the engine. It is a silent no-op
// unless the session has a TTY and both dimensions are positive.
func (s *Session) handleResize(ctx context.Context, data json.RawMessage) {
	if !s.tty {
		return
	}

	var dims types.ResizePayload
	if err := json.Unmarshal(data, &dims); err != nil {
		logrus.WithField("container_id", s.containerID).
			Warn("Ignoring resize message with malformed dimensions")

		return
	}

	if dims.Cols == 0 || dims.Rows == 0 {
		return
	}

	if err := s.exec.Resize(ctx, dims.Cols, dims.Rows); err != nil {
		logrus.WithError(err).Debug("Failed to resize exec session")
	}
}

// writeInput writes client payload bytes verbatim to the channel's stdin.
func (s *Session) writeInput(data []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}

	if _, err := s.exec.Input().Write(data); err != nil {
		return err
	}

	return nil
}

// pumpOutput forwards channel output to the client until the channel ends or
// errors. TTY output is forwarded raw; non-TTY output is demultiplexed first
// since the engine frames it.
func (s *Session) pumpOutput() {
	buf := make([]byte, outputBufferSize)

	for {
		n, err := s.exec.Output().Read(buf)
		if n > 0 {
			if s.tty {
				s.emitOutput(string(buf[:n]))
			} else {
				for _, chunk := range stream.Decode(buf[:n]) {
					s.emitOutput(chunk)
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				_ = s.send(types.NewStreamMessage(types.MessageEnd))
			} else {
				msg := types.NewStreamMessage(types.MessageError)
				msg.Message = err.Error()
				_ = s.send(msg)
			}

			s.Close()

			return
		}
	}
}

// emitOutput sends one output envelope; a failed send means the client is
// gone and the session is torn down.
func (s *Session) emitOutput(data string) {
	msg := types.NewStreamMessage(types.MessageOutput)
	msg.Data = data

	if err := s.send(msg); err != nil {
		s.Close()
	}
}

// keepalive emits pings until the session ends.
func (s *Session) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.send(types.NewStreamMessage(types.MessagePing))
		case <-s.done:
			return
		}
	}
}

// send serializes envelope writes so the output pump and the keepalive ticker
// never interleave on the connection.
func (s *Session) send(msg types.StreamMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.conn.WriteJSON(msg)
}

// Close tears the session down: the hijacked channel is released exactly once
// no matter how many triggers race (channel end, channel error, client
// disconnect, client error).
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.exec.Close()

		logrus.WithFields(logrus.Fields{
			"container_id": s.containerID,
			"exec_id":      s.exec.ID(),
		}).Debug("Closed exec session")
	})
}
