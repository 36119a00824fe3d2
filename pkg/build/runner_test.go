package build

import (
	"context"
	"io"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drainOutput reads a process's combined output to EOF the same way the
// registry monitor does, so a writer that never closes shows up as a hang.
func drainOutput(t *testing.T, process Process) string {
	t.Helper()

	done := make(chan string, 1)

	go func() {
		data, _ := io.ReadAll(process.Output())
		done <- string(data)
	}()

	select {
	case output := <-done:
		return output
	case <-time.After(5 * time.Second):
		t.Fatal("combined output never reached EOF after process exit")

		return ""
	}
}

func TestDockerCLIRunnerOutputEndsOnExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	runner := &DockerCLIRunner{Binary: "/bin/echo"}

	process, err := runner.Start(context.Background(), []string{"layers pushed"})
	require.NoError(t, err)

	output := drainOutput(t, process)
	assert.Contains(t, output, "layers pushed")

	code, err := process.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestDockerCLIRunnerReportsExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	runner := &DockerCLIRunner{Binary: "/bin/sh"}

	process, err := runner.Start(context.Background(), []string{"-c", "echo failing step; exit 3"})
	require.NoError(t, err)

	output := drainOutput(t, process)
	assert.Contains(t, output, "failing step")

	code, err := process.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestDockerCLIRunnerStartFailure(t *testing.T) {
	runner := &DockerCLIRunner{Binary: "/nonexistent/docker-binary"}

	_, err := runner.Start(context.Background(), []string{"build"})
	assert.Error(t, err)
}
