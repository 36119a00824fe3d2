package container

import (
	"context"
	"fmt"
	"io"
	"sync"

	dockerTypes "github.com/docker/docker/api/types"
	dockerContainer "github.com/docker/docker/api/types/container"
	dockerClient "github.com/docker/docker/client"
)

// execSession owns one hijacked exec channel. Close is idempotent because
// teardown can race between the engine side ending and the client side
// disconnecting.
type execSession struct {
	id        string
	api       dockerClient.APIClient
	response  dockerTypes.HijackedResponse
	closeOnce sync.Once
}

// ID returns the engine's exec instance identifier.
func (s *execSession) ID() string {
	return s.id
}

// Input is the stdin side of the hijacked channel.
func (s *execSession) Input() io.Writer {
	return s.response.Conn
}

// Output is the combined stdout/stderr side of the hijacked channel.
func (s *execSession) Output() io.Reader {
	return s.response.Reader
}

// Resize updates the pseudo-terminal dimensions of the exec instance.
func (s *execSession) Resize(ctx context.Context, cols, rows uint) error {
	err := s.api.ContainerExecResize(ctx, s.id, dockerContainer.ResizeOptions{
		Width:  cols,
		Height: rows,
	})
	if err != nil {
		return fmt.Errorf("failed to resize exec instance %s: %w", s.id, err)
	}

	return nil
}

// Close releases the hijacked channel. Safe to call more than once.
func (s *execSession) Close() {
	s.closeOnce.Do(func() {
		s.response.Close()
	})
}
