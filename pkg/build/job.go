// Package build owns long-running image build processes: it spawns them,
// buffers their output, fans chunks out to any number of simultaneous
// subscribers, and bounds memory with a retention sweep over finished jobs.
package build

import (
	"time"

	"github.com/dockmaster-io/dockmaster/pkg/types"
)

// Job is the registry's record of one spawned build process, its buffered
// output, and its current subscribers.
//
// Invariants: at most one live process per job; once Status leaves
// StatusBuilding the subscriber set is cleared and no further chunks are
// appended. The registry is the sole mutator and serializes all access behind
// its mutex.
type Job struct {
	ID       string
	Status   types.BuildStatus
	Started  time.Time
	Finished time.Time
	Error    string

	process Process

	// buffer is the append-only ordered sequence of captured text chunks.
	buffer []string

	// subscribers maps connections to their delivery cursor. A subscriber is
	// removed on send failure without its cooperation.
	subscribers map[types.Conn]*subscriber
}

// subscriber tracks one connection's position in the job's buffer.
type subscriber struct {
	conn types.Conn

	// delivered is the index of the next buffer chunk to send.
	delivered int
}

// newJob creates a building job with an empty buffer.
func newJob(id string, process Process) *Job {
	return &Job{
		ID:          id,
		Status:      types.StatusBuilding,
		Started:     time.Now(),
		process:     process,
		subscribers: make(map[types.Conn]*subscriber),
	}
}

// envelope stamps a message of the given type with this job's id.
func (j *Job) envelope(msgType types.MessageType) types.StreamMessage {
	msg := types.NewStreamMessage(msgType)
	msg.BuildID = j.ID

	return msg
}
