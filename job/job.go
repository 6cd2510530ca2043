package job

import (
	"encoding/json"
	"time"

	firelancer "github.com/MohamedSaeedBekhit/firelancer"
	"github.com/MohamedSaeedBekhit/firelancer/id"
)

// State represents the lifecycle state of a job record.
type State string

const (
	// StatePending means the job is waiting to be claimed by a worker.
	StatePending State = "PENDING"
	// StateRunning means a worker is currently executing the job.
	StateRunning State = "RUNNING"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "COMPLETED"
	// StateFailed means the job failed and exhausted its retry budget.
	StateFailed State = "FAILED"
	// StateCancelled means the job was explicitly cancelled.
	StateCancelled State = "CANCELLED"
	// StateRetrying means the job failed but is scheduled for another attempt.
	StateRetrying State = "RETRYING"
)

// IsTerminal reports whether the state is a settled (terminal) state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Record is the durable representation of a unit of work.
//
// Invariants: IsSettled is true iff State is terminal; Attempts never
// exceeds Retries+1; Progress is monotonically non-decreasing while the
// record is running. Records are never mutated after settlement except by
// cleanup/deletion.
type Record struct {
	firelancer.Entity

	ID        id.JobID        `json:"id"`
	QueueName string          `json:"queue_name"`
	Data      json.RawMessage `json:"data,omitempty"`
	State     State           `json:"state"`
	Progress  int             `json:"progress"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	SettledAt *time.Time      `json:"settled_at,omitempty"`
	IsSettled bool            `json:"is_settled"`
	// Retries is the maximum retry budget configured for the job.
	Retries int `json:"retries"`
	// Attempts is the number of attempts made so far.
	Attempts int `json:"attempts"`
	// RetryAt is the earliest time a retrying job may be re-claimed.
	RetryAt *time.Time `json:"retry_at,omitempty"`
}

// New creates a pending Record for the given queue with a JSON payload.
func New(queueName string, data json.RawMessage, retries int) *Record {
	return &Record{
		Entity:    firelancer.NewEntity(),
		ID:        id.NewJobID(),
		QueueName: queueName,
		Data:      data,
		State:     StatePending,
		Retries:   retries,
	}
}

// SetProgress updates Progress, clamping n to [0,100]. Progress never
// decreases, and is only tracked while the record is running.
func (r *Record) SetProgress(n int) {
	if r.State != StateRunning {
		return
	}
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	if n > r.Progress {
		r.Progress = n
	}
}

// Start transitions the record to running for a new attempt.
func (r *Record) Start(now time.Time) {
	r.State = StateRunning
	r.Attempts++
	r.StartedAt = &now
	r.RetryAt = nil
	r.UpdatedAt = now
}

// Complete settles the record as completed with an optional result.
func (r *Record) Complete(result json.RawMessage, now time.Time) {
	r.State = StateCompleted
	r.Progress = 100
	r.Result = result
	r.settle(now)
}

// Fail settles the record as failed, storing the error message.
func (r *Record) Fail(errMsg string, now time.Time) {
	r.State = StateFailed
	r.Error = errMsg
	r.settle(now)
}

// Cancel settles the record as cancelled. It is a no-op if the record is
// already settled.
func (r *Record) Cancel(now time.Time) {
	if r.IsSettled {
		return
	}
	r.State = StateCancelled
	r.settle(now)
}

// Defer schedules another attempt after the given delay, recording the
// error from the failed attempt.
func (r *Record) Defer(errMsg string, delay time.Duration, now time.Time) {
	r.State = StateRetrying
	r.Error = errMsg
	at := now.Add(delay)
	r.RetryAt = &at
	r.UpdatedAt = now
}

// ShouldRetry reports whether the record has attempts remaining.
func (r *Record) ShouldRetry() bool {
	return r.Attempts <= r.Retries
}

func (r *Record) settle(now time.Time) {
	r.IsSettled = true
	r.SettledAt = &now
	r.UpdatedAt = now
}
