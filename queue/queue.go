package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MohamedSaeedBekhit/firelancer/backoff"
	"github.com/MohamedSaeedBekhit/firelancer/buffer"
	"github.com/MohamedSaeedBekhit/firelancer/job"
	"golang.org/x/time/rate"
)

// ProcessFunc executes one job. The returned value is JSON-marshaled and
// stored as the job result. Returning firelancer.ErrJobCancelled (wrapped
// or bare) settles the job as cancelled instead of failed.
type ProcessFunc func(ctx context.Context, j *Job) (any, error)

// Config declares a queue at registration time.
type Config struct {
	// Name identifies the queue. Must be unique within the service.
	Name string

	// Process is the handler executed for each claimed job.
	Process ProcessFunc

	// Retries is the default retry budget for jobs added to this queue.
	Retries int

	// Backoff overrides the service-wide retry delay strategy.
	Backoff backoff.Strategy

	// Buffered routes added jobs into the buffer service instead of the
	// job store until the next flush.
	Buffered bool

	// Reduce collapses buffered entries at flush time. Nil uses
	// buffer.DefaultReduce. Only meaningful when Buffered is set.
	Reduce buffer.ReduceFunc

	// RateLimit caps job executions per second for this queue's worker.
	// Zero means unlimited.
	RateLimit rate.Limit

	// RateBurst is the burst size for RateLimit. Defaults to 1 when
	// RateLimit is set.
	RateBurst int
}

// AddOption configures a single Add call.
type AddOption func(*addOptions)

type addOptions struct {
	retries   int
	hasRetry  bool
	bufferKey string
}

// WithRetries overrides the queue's default retry budget for this job.
func WithRetries(n int) AddOption {
	return func(o *addOptions) {
		o.retries = n
		o.hasRetry = true
	}
}

// WithBufferKey sets the buffer grouping key for this job. Buffered jobs
// sharing a key collapse into one at flush time. Defaults to the queue
// name, which collapses all buffered jobs of the queue together.
func WithBufferKey(key string) AddOption {
	return func(o *addOptions) { o.bufferKey = key }
}

// JobQueue is a producer handle for a registered queue. Handles exist for
// every registered queue even when the queue is not active in this
// process; adding through an inactive handle still enqueues, and another
// process running the queue picks the job up.
type JobQueue struct {
	name   string
	active bool
	cfg    Config
	svc    *Service
}

// Name returns the queue name.
func (q *JobQueue) Name() string { return q.name }

// Active reports whether this process runs a worker for the queue.
func (q *JobQueue) Active() bool { return q.active }

// Add enqueues a job with the given JSON payload. For buffered queues the
// job is parked in the buffer until the next flush; otherwise it is
// persisted pending and picked up by the queue's worker.
func (q *JobQueue) Add(ctx context.Context, data json.RawMessage, opts ...AddOption) (*job.Record, error) {
	options := addOptions{retries: q.cfg.Retries}
	for _, opt := range opts {
		opt(&options)
	}

	rec := job.New(q.name, data, options.retries)

	if q.cfg.Buffered {
		if err := q.svc.buffers.Add(ctx, rec, options.bufferKey); err != nil {
			return nil, err
		}

		return rec, nil
	}

	if err := q.svc.store.Add(ctx, rec); err != nil {
		return nil, fmt.Errorf("queue %q: add job: %w", q.name, err)
	}
	q.svc.hooks.EmitJobEnqueued(ctx, rec)

	return rec, nil
}
