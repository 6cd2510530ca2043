// Package buffer implements deferred job enqueueing. Jobs added to a
// buffered queue are parked in a Storage backend instead of the job store,
// then periodically flushed: buffered entries are reduced (collapsed) into
// a smaller set of jobs before being enqueued for real.
package buffer

import (
	"context"
	"time"

	"github.com/MohamedSaeedBekhit/firelancer/id"
	"github.com/MohamedSaeedBekhit/firelancer/job"
)

// Entry is a buffered job awaiting flush.
type Entry struct {
	ID id.BufferEntryID `json:"id"`
	// BufferID groups entries that may be collapsed into one another.
	// By default it is the queue name; callers can supply a finer key.
	BufferID  string      `json:"buffer_id"`
	Job       *job.Record `json:"job"`
	CreatedAt time.Time   `json:"created_at"`
}

// NewEntry wraps a job record in a buffer entry under the given buffer key.
func NewEntry(bufferID string, rec *job.Record) *Entry {
	return &Entry{
		ID:        id.NewBufferEntryID(),
		BufferID:  bufferID,
		Job:       rec,
		CreatedAt: time.Now().UTC(),
	}
}

// Storage is the pluggable persistence strategy for buffered entries.
// Implementations must keep entries grouped per queue and preserve
// insertion order within a queue.
type Storage interface {
	// AddEntry persists an entry for the given queue.
	AddEntry(ctx context.Context, queueName string, e *Entry) error

	// BufferSize returns the number of buffered entries per queue.
	// Empty queueNames means all queues with buffered entries.
	BufferSize(ctx context.Context, queueNames []string) (map[string]int, error)

	// Consume atomically removes and returns all buffered entries for the
	// queue in insertion order. Returns an empty slice when none exist.
	Consume(ctx context.Context, queueName string) ([]*Entry, error)

	// Restore re-inserts entries previously returned by Consume, used when
	// a flush fails partway so no buffered work is lost.
	Restore(ctx context.Context, queueName string, entries []*Entry) error
}

// ReduceFunc collapses a batch of buffered entries into the jobs that
// should actually be enqueued. It receives all entries consumed for one
// queue in insertion order.
type ReduceFunc func(entries []*Entry) []*job.Record

// DefaultReduce keeps the most recent entry per BufferID, preserving the
// first-seen order of the buffer keys. Entries for the same logical work
// therefore collapse into a single job carrying the latest payload.
func DefaultReduce(entries []*Entry) []*job.Record {
	latest := make(map[string]*job.Record, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, seen := latest[e.BufferID]; !seen {
			order = append(order, e.BufferID)
		}
		latest[e.BufferID] = e.Job
	}

	out := make([]*job.Record, 0, len(order))
	for _, key := range order {
		out = append(out, latest[key])
	}

	return out
}
