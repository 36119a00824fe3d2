// Package container wraps the Docker API client with the operations the
// streaming core needs: liveness checks, follow-mode log streams, and
// hijacked exec sessions.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	cerrdefs "github.com/containerd/errdefs"
	dockerContainer "github.com/docker/docker/api/types/container"
	dockerClient "github.com/docker/docker/client"

	"github.com/dockmaster-io/dockmaster/pkg/types"
)

// Errors for engine operations.
var (
	// errInspectFailed indicates a container inspect call failed for a reason
	// other than the container not existing.
	errInspectFailed = errors.New("failed to inspect container")
	// errLogsFailed indicates the engine refused to open a log stream.
	errLogsFailed = errors.New("failed to open log stream")
	// errCreateExecFailed indicates exec instance creation failed.
	errCreateExecFailed = errors.New("failed to create exec instance")
	// errAttachExecFailed indicates attaching to an exec instance failed.
	errAttachExecFailed = errors.New("failed to attach to exec instance")
)

// client is the concrete implementation of types.Client backed by the Docker
// API.
type client struct {
	api dockerClient.APIClient
}

// NewClient initializes a Docker-backed engine client.
//
// The client is configured from the environment (DOCKER_HOST,
// DOCKER_CERT_PATH, etc.) with API version autonegotiation, matching how the
// engine endpoint is selected everywhere else in Dockmaster.
//
// Returns:
//   - types.Client: Initialized client instance (exits on failure).
func NewClient() types.Client {
	cli, err := dockerClient.NewClientWithOpts(
		dockerClient.FromEnv,
		dockerClient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize Docker client")
	}

	logrus.WithField("api_version", cli.ClientVersion()).
		Debug("Initialized Docker client")

	return &client{api: cli}
}

// NewClientFromAPI wraps an existing API client. Used by tests.
func NewClientFromAPI(api dockerClient.APIClient) types.Client {
	return &client{api: api}
}

// EnsureRunning verifies the container exists and is running.
//
// It distinguishes a missing container (404 semantics) from one that exists
// but is stopped (400 semantics), which callers surface as different
// structured errors before any stream is opened.
func (c *client) EnsureRunning(ctx context.Context, containerID string) error {
	info, err := c.api.ContainerInspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return types.NewTargetNotFoundError(
				fmt.Sprintf("container %s not found", containerID),
			)
		}

		return fmt.Errorf("%w: %w", errInspectFailed, err)
	}

	if info.State == nil || !info.State.Running {
		return types.NewTargetNotRunningError(
			fmt.Sprintf("container %s is not running", containerID),
		)
	}

	return nil
}

// StreamLogs opens a follow-mode combined stdout/stderr log stream.
//
// The returned reader carries the engine's multiplexed frame format; callers
// decode it with the stream package.
func (c *client) StreamLogs(
	ctx context.Context,
	containerID string,
	opts types.LogsOptions,
) (io.ReadCloser, error) {
	clog := logrus.WithField("container_id", shortID(containerID))

	tail := opts.Tail
	if tail == "" {
		tail = "100"
	}

	clog.WithFields(logrus.Fields{
		"tail":       tail,
		"timestamps": opts.Timestamps,
	}).Debug("Opening follow-mode log stream")

	reader, err := c.api.ContainerLogs(ctx, containerID, dockerContainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       tail,
		Timestamps: opts.Timestamps,
		Since:      opts.Since,
		Until:      opts.Until,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errLogsFailed, err)
	}

	return reader, nil
}

// CreateExec creates an exec instance and attaches its hijacked channel.
func (c *client) CreateExec(
	ctx context.Context,
	containerID string,
	opts types.ExecOptions,
) (types.ExecSession, error) {
	clog := logrus.WithField("container_id", shortID(containerID))

	execConfig := dockerContainer.ExecOptions{
		Cmd:          opts.Cmd,
		Tty:          opts.TTY,
		User:         opts.User,
		Privileged:   opts.Privileged,
		Env:          opts.Env,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	clog.WithField("command", strings.Join(opts.Cmd, " ")).Debug("Creating exec instance")

	exec, err := c.api.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCreateExecFailed, err)
	}

	clog.WithField("exec_id", exec.ID).Debug("Attaching to exec instance")

	response, err := c.api.ContainerExecAttach(
		ctx,
		exec.ID,
		dockerContainer.ExecStartOptions{Tty: opts.TTY},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errAttachExecFailed, err)
	}

	return &execSession{
		id:       exec.ID,
		api:      c.api,
		response: response,
	}, nil
}

// shortID trims a container ID to the customary 12-character form for logs.
func shortID(containerID string) string {
	const shortLen = 12
	if len(containerID) > shortLen {
		return containerID[:shortLen]
	}

	return containerID
}
