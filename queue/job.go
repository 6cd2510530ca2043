package queue

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/MohamedSaeedBekhit/firelancer/id"
	"github.com/MohamedSaeedBekhit/firelancer/job"
)

// Job is the live handle passed to a queue's process function. It exposes
// the claimed record read-only, plus progress reporting and cooperative
// cancellation checks backed by the store.
type Job struct {
	rec    *job.Record
	store  job.Store
	hooks  *Hooks
	logger *slog.Logger
}

// ID returns the job record's identifier.
func (j *Job) ID() id.JobID { return j.rec.ID }

// QueueName returns the name of the queue the job belongs to.
func (j *Job) QueueName() string { return j.rec.QueueName }

// Data returns the job's JSON payload.
func (j *Job) Data() json.RawMessage { return j.rec.Data }

// UnmarshalData decodes the job payload into v.
func (j *Job) UnmarshalData(v any) error {
	return json.Unmarshal(j.rec.Data, v)
}

// Attempts returns the current attempt number (1 for the first run).
func (j *Job) Attempts() int { return j.rec.Attempts }

// Retries returns the job's retry budget.
func (j *Job) Retries() int { return j.rec.Retries }

// Progress returns the last reported progress percentage.
func (j *Job) Progress() int { return j.rec.Progress }

// SetProgress reports progress in percent, clamped to [0,100] and never
// decreasing. The update is persisted best-effort: a store error is
// logged, not returned, so progress reporting cannot fail the job.
func (j *Job) SetProgress(ctx context.Context, n int) {
	before := j.rec.Progress
	j.rec.SetProgress(n)
	if j.rec.Progress == before {
		return
	}

	if err := j.store.Update(ctx, j.rec); err != nil {
		j.logger.Warn("failed to persist job progress",
			slog.String("job_id", j.rec.ID.String()),
			slog.Int("progress", j.rec.Progress),
			slog.Any("error", err))

		return
	}
	j.hooks.EmitJobProgress(ctx, j.rec, j.rec.Progress)
}

// Cancelled reports whether the job has been cancelled in the store while
// running. Long-running handlers should poll this and return
// firelancer.ErrJobCancelled to abort promptly.
func (j *Job) Cancelled(ctx context.Context) bool {
	stored, err := j.store.FindOne(ctx, j.rec.ID)
	if err != nil {
		j.logger.Warn("failed to check job cancellation",
			slog.String("job_id", j.rec.ID.String()),
			slog.Any("error", err))

		return false
	}

	return stored.State == job.StateCancelled
}
