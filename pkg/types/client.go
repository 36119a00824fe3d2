package types

import (
	"context"
	"io"
)

// Conn is the minimal transport surface the stream controllers and the build
// registry write envelopes to. *websocket.Conn satisfies it, and tests
// substitute recording fakes.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// LogsOptions configures a follow-mode log attachment.
type LogsOptions struct {
	Tail       string // Number of trailing lines to include, or "all".
	Timestamps bool   // Prefix each line with its timestamp.
	Since      string // Only lines after this RFC3339 time or duration.
	Until      string // Only lines before this RFC3339 time or duration.
}

// ExecOptions configures an interactive exec session inside a container.
type ExecOptions struct {
	Cmd        []string // Command vector to run.
	TTY        bool     // Allocate a pseudo-terminal.
	User       string   // Optional user to run as.
	Privileged bool     // Run with extended privileges.
	Env        []string // Additional environment entries.
}

// ExecSession is one hijacked bidirectional channel into a running container.
//
// A session owns exactly one channel; Close is safe to call more than once.
type ExecSession interface {
	// ID returns the engine's exec instance identifier.
	ID() string

	// Input is the stdin side of the hijacked channel.
	Input() io.Writer

	// Output is the combined stdout/stderr side. In non-TTY mode the bytes
	// are multiplexed in the engine's frame format.
	Output() io.Reader

	// Resize updates the pseudo-terminal dimensions. Only meaningful for
	// TTY sessions.
	Resize(ctx context.Context, cols, rows uint) error

	// Close releases the hijacked channel.
	Close()
}

// Client is the engine surface consumed by the stream controllers.
//
// It abstracts the Docker API operations the streaming core needs so tests
// can drive the controllers against fakes.
type Client interface {
	// EnsureRunning returns nil if the container exists and is running,
	// a TargetNotFound StreamError if it does not exist, and a
	// TargetNotRunning StreamError otherwise.
	EnsureRunning(ctx context.Context, containerID string) error

	// StreamLogs opens a follow-mode log stream for the container. The
	// returned reader yields the engine's multiplexed frame format.
	StreamLogs(ctx context.Context, containerID string, opts LogsOptions) (io.ReadCloser, error)

	// CreateExec creates and attaches an exec instance, returning the
	// hijacked session.
	CreateExec(ctx context.Context, containerID string, opts ExecOptions) (ExecSession, error)
}
