package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Process is one running external build process.
type Process interface {
	// Output yields the process's combined stdout and stderr.
	Output() io.Reader

	// Terminate sends a graceful termination signal. The process may keep
	// running briefly; Wait observes the eventual exit.
	Terminate() error

	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
}

// ProcessRunner spawns build processes. The registry takes it as a dependency
// so tests can substitute scripted processes.
type ProcessRunner interface {
	Start(ctx context.Context, args []string) (Process, error)
}

// DockerCLIRunner spawns `docker build` via the local Docker CLI.
type DockerCLIRunner struct {
	// Binary overrides the docker executable name. Empty means "docker".
	Binary string
}

// Start spawns the build process with combined output piped back.
func (r *DockerCLIRunner) Start(ctx context.Context, args []string) (Process, error) {
	binary := r.Binary
	if binary == "" {
		binary = "docker"
	}

	cmd := exec.CommandContext(ctx, binary, args...)

	reader, writer := io.Pipe()
	cmd.Stdout = writer
	cmd.Stderr = writer

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn %s: %w", binary, err)
	}

	logrus.WithFields(logrus.Fields{
		"pid":  cmd.Process.Pid,
		"args": args,
	}).Debug("Spawned build process")

	process := &cliProcess{cmd: cmd, reader: reader, writer: writer, exited: make(chan struct{})}

	// Reap the process as soon as it exits so the output pipe reaches EOF;
	// readers drain combined output to EOF before calling Wait, so the
	// writer must not stay open until then.
	go func() {
		process.waitErr = cmd.Wait()
		_ = writer.Close()
		close(process.exited)
	}()

	return process, nil
}

// cliProcess wraps an os/exec command with pipe plumbing.
type cliProcess struct {
	cmd    *exec.Cmd
	reader *io.PipeReader
	writer *io.PipeWriter

	// waitErr is written by the reaper goroutine before exited is closed.
	waitErr error
	exited  chan struct{}
}

func (p *cliProcess) Output() io.Reader {
	return p.reader
}

func (p *cliProcess) Terminate() error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal build process: %w", err)
	}

	return nil
}

func (p *cliProcess) Wait() (int, error) {
	<-p.exited

	err := p.waitErr
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}

	return -1, fmt.Errorf("failed to wait for build process: %w", err)
}
