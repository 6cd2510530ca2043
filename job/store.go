package job

import (
	"context"
	"time"

	"github.com/MohamedSaeedBekhit/firelancer/id"
)

// ListOptions controls filtering and pagination for FindMany.
type ListOptions struct {
	// QueueNames filters by queue. Empty means all queues.
	QueueNames []string
	// States filters by job state. Empty means all states.
	States []State
	// Limit is the maximum number of records to return. Zero means no limit.
	Limit int
	// Offset is the number of records to skip.
	Offset int
}

// Store is the pluggable persistence strategy for job records.
//
// The in-memory implementation (store/memory) keeps an ordered list per
// process; it is not durable across restarts and is intended for
// single-process and development use. Durable implementations live in
// store/postgres and store/redis.
type Store interface {
	// Add persists a new record in pending state. Returns
	// firelancer.ErrStoreUnavailable (wrapped) when the backing store is
	// unreachable.
	Add(ctx context.Context, r *Record) error

	// Next atomically claims one pending or retrying-and-due record from
	// the given queues, transitioning it to running, stamping StartedAt
	// and incrementing Attempts. At most one concurrent claimant can win
	// any given record. Returns (nil, nil) when no record is due.
	Next(ctx context.Context, queueNames []string) (*Record, error)

	// Update persists progress/state/result changes.
	Update(ctx context.Context, r *Record) error

	// FindOne retrieves a record by ID. Returns firelancer.ErrJobNotFound
	// when missing.
	FindOne(ctx context.Context, jobID id.JobID) (*Record, error)

	// FindMany returns records matching the given options, ordered by
	// creation time.
	FindMany(ctx context.Context, opts ListOptions) ([]*Record, error)

	// CancelJob settles the record as cancelled if it is not already
	// settled. Cancelling a settled record is a no-op, not an error.
	CancelJob(ctx context.Context, jobID id.JobID) error

	// RemoveSettledJobs deletes settled records older than the given time
	// from the named queues (empty means all) and returns how many were
	// removed.
	RemoveSettledJobs(ctx context.Context, queueNames []string, olderThan time.Time) (int, error)
}
