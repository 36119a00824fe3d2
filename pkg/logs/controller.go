// Package logs implements the follow-mode log stream controller: it attaches
// to one container's log source and forwards decoded chunks to a single
// bridged connection until either side ends.
package logs

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dockmaster-io/dockmaster/pkg/stream"
	"github.com/dockmaster-io/dockmaster/pkg/types"
)

// defaultPingInterval is how often a keepalive ping is emitted independent of
// data flow, so idle connections are detected.
const defaultPingInterval = 30 * time.Second

// readBufferSize is the chunk size for reads from the log source.
const readBufferSize = 8192

// Controller attaches follow-mode log sources to bridged connections.
type Controller struct {
	client       types.Client
	pingInterval time.Duration
}

// New creates a log stream controller backed by the given engine client.
func New(client types.Client) *Controller {
	return &Controller{client: client, pingInterval: defaultPingInterval}
}

// NewWithPingInterval creates a controller with a custom keepalive interval.
// Used by tests.
func NewWithPingInterval(client types.Client, interval time.Duration) *Controller {
	return &Controller{client: client, pingInterval: interval}
}

// Attach opens a follow-mode log stream for the container and forwards
// decoded chunks to conn as "log" envelopes until the source closes ("end"),
// errors ("error"), or ctx is cancelled.
//
// The target must exist and be running; otherwise the precondition failure is
// returned as a *types.StreamError before any stream is opened.
func (c *Controller) Attach(
	ctx context.Context,
	conn types.Conn,
	containerID string,
	opts types.LogsOptions,
) error {
	clog := logrus.WithField("container_id", containerID)

	if err := c.client.EnsureRunning(ctx, containerID); err != nil {
		return err
	}

	source, err := c.client.StreamLogs(ctx, containerID, opts)
	if err != nil {
		return types.NewUpstreamUnavailableError(err.Error())
	}
	defer source.Close()

	writer := newEnvelopeWriter(conn)
	if err := writer.send(types.NewStreamMessage(types.MessageConnected)); err != nil {
		return err
	}

	// Keepalive runs independent of data flow.
	stopPing := writer.startPing(c.pingInterval)
	defer stopPing()

	clog.Debug("Attached to log stream")

	buf := make([]byte, readBufferSize)

	for {
		n, readErr := source.Read(buf)
		if n > 0 {
			for _, chunk := range stream.Decode(buf[:n]) {
				msg := types.NewStreamMessage(types.MessageLog)
				msg.Data = chunk

				if err := writer.send(msg); err != nil {
					clog.WithError(err).Debug("Client disconnected from log stream")

					return nil
				}
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) || ctx.Err() != nil {
				_ = writer.send(types.NewStreamMessage(types.MessageEnd))

				return nil
			}

			clog.WithError(readErr).Debug("Log source errored")

			msg := types.NewStreamMessage(types.MessageError)
			msg.Message = readErr.Error()
			_ = writer.send(msg)

			return readErr
		}
	}
}

// envelopeWriter serializes envelope writes to one connection so the data
// loop and the keepalive ticker never interleave writes.
type envelopeWriter struct {
	mu   sync.Mutex
	conn types.Conn
}

func newEnvelopeWriter(conn types.Conn) *envelopeWriter {
	return &envelopeWriter{conn: conn}
}

func (w *envelopeWriter) send(msg types.StreamMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.conn.WriteJSON(msg)
}

// startPing emits keepalive pings until the returned stop function is called.
func (w *envelopeWriter) startPing(interval time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				_ = w.send(types.NewStreamMessage(types.MessagePing))
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}
