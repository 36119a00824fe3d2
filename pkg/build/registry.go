package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/dockmaster-io/dockmaster/pkg/metrics"
	"github.com/dockmaster-io/dockmaster/pkg/types"
)

// defaultRetention is how long finished jobs are kept before the sweep
// removes them.
const defaultRetention = 10 * time.Minute

// sweepSchedule is the cron spec driving the retention sweep.
const sweepSchedule = "@every 1m"

// startTimeout bounds how long Start waits for spawn confirmation before
// failing instead of hanging.
const startTimeout = 5 * time.Second

// outputChunkSize is the read size for build process output.
const outputChunkSize = 4096

// Errors returned by registry operations.
var (
	// errNoTags indicates a build request without any image tag.
	errNoTags = errors.New("build request must include at least one tag")
	// errContextMissing indicates the build context path does not exist.
	errContextMissing = errors.New("build context path does not exist")
	// errUnknownJob indicates the referenced build job does not exist.
	errUnknownJob = errors.New("unknown build job")
	// errStartTimeout indicates the build process did not confirm startup in time.
	errStartTimeout = errors.New("timed out waiting for build process to start")
)

// IsInvalidRequest reports whether err means the build request itself was
// rejected, as opposed to an engine or process failure.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, errNoTags) || errors.Is(err, errContextMissing)
}

// IsUnknownJob reports whether err refers to a build id with no job.
func IsUnknownJob(err error) bool {
	return errors.Is(err, errUnknownJob)
}

// Registry owns the process-scoped map of build jobs. It is constructed at
// service start, injected into handlers, and serializes every mutation
// (start, subscribe, broadcast, sweep) behind a single mutex.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*Job

	runner    ProcessRunner
	fs        afero.Fs
	retention time.Duration
	sweeper   *cron.Cron
	metrics   *metrics.Metrics
	closed    bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithRetention overrides how long finished jobs are retained.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) { r.retention = d }
}

// WithFs overrides the filesystem used for context validation. Used by tests.
func WithFs(fs afero.Fs) Option {
	return func(r *Registry) { r.fs = fs }
}

// WithMetrics attaches the process-wide metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates a build job registry using the given process runner.
func NewRegistry(runner ProcessRunner, opts ...Option) *Registry {
	registry := &Registry{
		jobs:      make(map[string]*Job),
		runner:    runner,
		fs:        afero.NewOsFs(),
		retention: defaultRetention,
	}

	for _, opt := range opts {
		opt(registry)
	}

	return registry
}

// StartSweeper begins the periodic retention sweep. Jobs that have been in a
// terminal state longer than the retention window are removed; building jobs
// are never swept regardless of age.
func (r *Registry) StartSweeper() {
	r.sweeper = cron.New()
	// The schedule is a compile-time constant, so AddFunc cannot fail.
	_ = r.sweeper.AddFunc(sweepSchedule, r.Sweep)
	r.sweeper.Start()
}

// Shutdown stops the sweeper and terminates any still-building jobs.
func (r *Registry) Shutdown() {
	if r.sweeper != nil {
		r.sweeper.Stop()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	for _, job := range r.jobs {
		if job.Status == types.StatusBuilding && job.process != nil {
			_ = job.process.Terminate()
		}
	}
}

// Start validates the request, spawns the build process, and returns the
// generated job id while the build runs asynchronously.
func (r *Registry) Start(ctx context.Context, req types.BuildRequest) (string, error) {
	args, err := r.buildArgs(req)
	if err != nil {
		return "", err
	}

	process, err := r.startProcess(ctx, args)
	if err != nil {
		return "", err
	}

	job := newJob(uuid.NewString(), process)

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"build_id": job.ID,
		"tags":     req.Tags,
	}).Info("Started build")

	go r.monitor(job)

	r.metrics.BuildStarted()

	return job.ID, nil
}

// startProcess spawns the build process, failing after startTimeout rather
// than hanging on an unresponsive engine.
func (r *Registry) startProcess(ctx context.Context, args []string) (Process, error) {
	type result struct {
		process Process
		err     error
	}

	results := make(chan result, 1)

	go func() {
		process, err := r.runner.Start(ctx, args)
		results <- result{process: process, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			return nil, types.NewUpstreamUnavailableError(res.err.Error())
		}

		return res.process, nil
	case <-time.After(startTimeout):
		// A process that starts after the deadline is orphaned; reap it.
		go func() {
			if res := <-results; res.process != nil {
				_ = res.process.Terminate()
			}
		}()

		return nil, types.NewUpstreamUnavailableError(errStartTimeout.Error())
	}
}

// buildArgs converts a request into the docker build argument vector.
func (r *Registry) buildArgs(req types.BuildRequest) ([]string, error) {
	if len(req.Tags) == 0 {
		return nil, errNoTags
	}

	contextPath := req.Context
	if contextPath == "" {
		contextPath = "."
	}

	if exists, err := afero.DirExists(r.fs, contextPath); err != nil || !exists {
		return nil, fmt.Errorf("%w: %s", errContextMissing, contextPath)
	}

	args := []string{"build"}

	if req.Dockerfile != "" {
		args = append(args, "-f", req.Dockerfile)
	}

	for _, tag := range req.Tags {
		args = append(args, "-t", tag)
	}

	for _, key := range sortedKeys(req.BuildArgs) {
		args = append(args, "--build-arg", key+"="+req.BuildArgs[key])
	}

	if req.Target != "" {
		args = append(args, "--target", req.Target)
	}

	if req.Platform != "" {
		args = append(args, "--platform", req.Platform)
	}

	if req.NoCache {
		args = append(args, "--no-cache")
	}

	if req.Pull {
		args = append(args, "--pull")
	}

	for _, key := range sortedKeys(req.Labels) {
		args = append(args, "--label", key+"="+req.Labels[key])
	}

	return append(args, contextPath), nil
}

// Subscribe registers a connection on a job's stream. The subscriber
// immediately receives a "connected" envelope with the current status, then a
// single "logs" catch-up of everything buffered so far, after which only new
// chunks are delivered individually. A job already finished yields the
// terminal "complete" envelope right away.
func (r *Registry) Subscribe(buildID string, conn types.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[buildID]
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownJob, buildID)
	}

	connected := job.envelope(types.MessageConnected)
	connected.Status = job.Status

	if err := conn.WriteJSON(connected); err != nil {
		return nil // Subscriber vanished before it ever joined.
	}

	if len(job.buffer) > 0 {
		catchUp := job.envelope(types.MessageLogs)
		catchUp.Data = strings.Join(job.buffer, "")

		if err := conn.WriteJSON(catchUp); err != nil {
			return nil
		}
	}

	if job.Status.Terminal() {
		complete := r.terminalEnvelope(job)
		_ = conn.WriteJSON(complete)

		return nil
	}

	job.subscribers[conn] = &subscriber{conn: conn, delivered: len(job.buffer)}

	logrus.WithFields(logrus.Fields{
		"build_id":    buildID,
		"subscribers": len(job.subscribers),
	}).Debug("Build subscriber attached")

	return nil
}

// Unsubscribe removes a connection from a job's stream. Unknown ids and
// connections are no-ops.
func (r *Registry) Unsubscribe(buildID string, conn types.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job, ok := r.jobs[buildID]; ok {
		delete(job.subscribers, conn)
	}
}

// Cancel requests graceful termination of a building job. It returns false
// if the job does not exist or is not building. The status flips to
// cancelled and subscribers get a "cancelled" acknowledgment immediately,
// even though the process may take a moment to exit; the terminal "complete"
// broadcast still follows the actual exit.
func (r *Registry) Cancel(buildID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[buildID]
	if !ok || job.Status != types.StatusBuilding {
		return false
	}

	job.Status = types.StatusCancelled

	if job.process != nil {
		if err := job.process.Terminate(); err != nil {
			logrus.WithError(err).WithField("build_id", buildID).
				Warn("Failed to signal build process")
		}
	}

	// Acknowledge immediately; the terminal "complete" broadcast follows
	// once the process actually exits.
	ack := job.envelope(types.MessageCancelled)
	ack.Status = types.StatusCancelled

	for conn := range job.subscribers {
		if err := conn.WriteJSON(ack); err != nil {
			logrus.WithField("build_id", buildID).
				Debug("Subscriber missed cancel acknowledgment")
		}
	}

	logrus.WithField("build_id", buildID).Info("Cancelled build")

	return true
}

// Status returns a job's current status.
func (r *Registry) Status(buildID string) (types.BuildStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[buildID]
	if !ok {
		return "", false
	}

	return job.Status, true
}

// monitor is the job's single producer: it captures output chunks in order,
// delivers them to subscribers, and handles process exit.
func (r *Registry) monitor(job *Job) {
	buf := make([]byte, outputChunkSize)

	for {
		n, err := job.process.Output().Read(buf)
		if n > 0 {
			r.appendChunk(job, string(buf[:n]))
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				logrus.WithError(err).WithField("build_id", job.ID).
					Debug("Build output read ended")
			}

			break
		}
	}

	exitCode, waitErr := job.process.Wait()
	r.finish(job, exitCode, waitErr)
}

// appendChunk appends one captured chunk and flushes it to every current
// subscriber. Chunks are never appended once the job has left building, so a
// cancel that lands mid-read drops the remaining output.
func (r *Registry) appendChunk(job *Job, chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job.Status != types.StatusBuilding {
		return
	}

	job.buffer = append(job.buffer, chunk)
	r.deliverLocked(job)
}

// deliverLocked sends each subscriber its undelivered chunks in buffer order.
// A send failure removes only that subscriber. Iterates a snapshot so removal
// during the loop is safe. Caller holds r.mu.
func (r *Registry) deliverLocked(job *Job) {
	subs := make([]*subscriber, 0, len(job.subscribers))
	for _, sub := range job.subscribers {
		subs = append(subs, sub)
	}

	for _, sub := range subs {
		for sub.delivered < len(job.buffer) {
			msg := job.envelope(types.MessageLog)
			msg.Data = job.buffer[sub.delivered]

			if err := sub.conn.WriteJSON(msg); err != nil {
				delete(job.subscribers, sub.conn)
				r.metrics.SubscriberDropped()

				logrus.WithField("build_id", job.ID).
					Debug("Dropped unresponsive build subscriber")

				break
			}

			sub.delivered++
		}
	}
}

// finish records the terminal state, broadcasts exactly one "complete"
// envelope, and clears the subscriber set so no further messages can reach
// previously registered connections.
func (r *Registry) finish(job *Job, exitCode int, waitErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Flush anything captured after the last delivery.
	r.deliverLocked(job)

	switch {
	case job.Status == types.StatusCancelled:
		// Cancel already set the terminal state; the exit is expected.
	case waitErr != nil:
		job.Status = types.StatusError
		job.Error = waitErr.Error()
	case exitCode == 0:
		job.Status = types.StatusSuccess
	default:
		job.Status = types.StatusError
		job.Error = fmt.Sprintf("build exited with code %d", exitCode)
	}

	job.Finished = time.Now()
	job.process = nil

	complete := r.terminalEnvelope(job)
	for conn := range job.subscribers {
		if err := conn.WriteJSON(complete); err != nil {
			logrus.WithField("build_id", job.ID).
				Debug("Subscriber missed terminal broadcast")
		}
	}

	job.subscribers = make(map[types.Conn]*subscriber)

	r.metrics.BuildFinished()

	logrus.WithFields(logrus.Fields{
		"build_id": job.ID,
		"status":   job.Status,
		"duration": job.Finished.Sub(job.Started).Round(time.Millisecond),
	}).Info("Build finished")
}

// terminalEnvelope builds the single "complete" message for a finished job.
func (r *Registry) terminalEnvelope(job *Job) types.StreamMessage {
	complete := job.envelope(types.MessageComplete)
	complete.Status = job.Status
	complete.Message = job.Error

	return complete
}

// Sweep removes jobs that have been terminal longer than the retention
// window. Building jobs are never removed.
func (r *Registry) Sweep() {
	cutoff := time.Now().Add(-r.retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, job := range r.jobs {
		if job.Status.Terminal() && job.Finished.Before(cutoff) {
			delete(r.jobs, id)

			logrus.WithField("build_id", id).Debug("Swept finished build")
		}
	}
}

// sortedKeys returns map keys in stable order so argument vectors are
// deterministic.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
