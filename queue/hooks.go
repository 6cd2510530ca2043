package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MohamedSaeedBekhit/firelancer/job"
)

// Extension is the base interface all lifecycle extensions implement.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// JobEnqueued is called after a job is successfully enqueued.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, rec *job.Record) error
}

// JobStarted is called when a worker begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, rec *job.Record) error
}

// JobProgress is called when a running job reports progress.
type JobProgress interface {
	OnJobProgress(ctx context.Context, rec *job.Record, progress int) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, rec *job.Record, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally (no more retries).
type JobFailed interface {
	OnJobFailed(ctx context.Context, rec *job.Record, err error) error
}

// JobRetrying is called when a job fails but is scheduled for retry.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, rec *job.Record, attempt int, nextRunAt time.Time) error
}

// JobCancelled is called when a job settles as cancelled.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, rec *job.Record) error
}

// Hooks is the registry of lifecycle extensions. Hook errors are logged
// and never propagate into job execution.
type Hooks struct {
	mu     sync.RWMutex
	exts   []Extension
	logger *slog.Logger
}

// NewHooks creates an empty hook registry. A nil logger defaults to
// slog.Default.
func NewHooks(logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hooks{logger: logger}
}

// Register adds an extension to the registry.
func (h *Hooks) Register(ext Extension) {
	h.mu.Lock()
	h.exts = append(h.exts, ext)
	h.mu.Unlock()
}

func (h *Hooks) snapshot() []Extension {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return append([]Extension(nil), h.exts...)
}

func (h *Hooks) logHookError(name, hook string, rec *job.Record, err error) {
	h.logger.Warn("extension hook failed",
		slog.String("extension", name),
		slog.String("hook", hook),
		slog.String("job_id", rec.ID.String()),
		slog.Any("error", err))
}

// EmitJobEnqueued notifies all JobEnqueued extensions.
func (h *Hooks) EmitJobEnqueued(ctx context.Context, rec *job.Record) {
	for _, ext := range h.snapshot() {
		if hook, ok := ext.(JobEnqueued); ok {
			if err := hook.OnJobEnqueued(ctx, rec); err != nil {
				h.logHookError(ext.Name(), "OnJobEnqueued", rec, err)
			}
		}
	}
}

// EmitJobStarted notifies all JobStarted extensions.
func (h *Hooks) EmitJobStarted(ctx context.Context, rec *job.Record) {
	for _, ext := range h.snapshot() {
		if hook, ok := ext.(JobStarted); ok {
			if err := hook.OnJobStarted(ctx, rec); err != nil {
				h.logHookError(ext.Name(), "OnJobStarted", rec, err)
			}
		}
	}
}

// EmitJobProgress notifies all JobProgress extensions.
func (h *Hooks) EmitJobProgress(ctx context.Context, rec *job.Record, progress int) {
	for _, ext := range h.snapshot() {
		if hook, ok := ext.(JobProgress); ok {
			if err := hook.OnJobProgress(ctx, rec, progress); err != nil {
				h.logHookError(ext.Name(), "OnJobProgress", rec, err)
			}
		}
	}
}

// EmitJobCompleted notifies all JobCompleted extensions.
func (h *Hooks) EmitJobCompleted(ctx context.Context, rec *job.Record, elapsed time.Duration) {
	for _, ext := range h.snapshot() {
		if hook, ok := ext.(JobCompleted); ok {
			if err := hook.OnJobCompleted(ctx, rec, elapsed); err != nil {
				h.logHookError(ext.Name(), "OnJobCompleted", rec, err)
			}
		}
	}
}

// EmitJobFailed notifies all JobFailed extensions.
func (h *Hooks) EmitJobFailed(ctx context.Context, rec *job.Record, jobErr error) {
	for _, ext := range h.snapshot() {
		if hook, ok := ext.(JobFailed); ok {
			if err := hook.OnJobFailed(ctx, rec, jobErr); err != nil {
				h.logHookError(ext.Name(), "OnJobFailed", rec, err)
			}
		}
	}
}

// EmitJobRetrying notifies all JobRetrying extensions.
func (h *Hooks) EmitJobRetrying(ctx context.Context, rec *job.Record, attempt int, nextRunAt time.Time) {
	for _, ext := range h.snapshot() {
		if hook, ok := ext.(JobRetrying); ok {
			if err := hook.OnJobRetrying(ctx, rec, attempt, nextRunAt); err != nil {
				h.logHookError(ext.Name(), "OnJobRetrying", rec, err)
			}
		}
	}
}

// EmitJobCancelled notifies all JobCancelled extensions.
func (h *Hooks) EmitJobCancelled(ctx context.Context, rec *job.Record) {
	for _, ext := range h.snapshot() {
		if hook, ok := ext.(JobCancelled); ok {
			if err := hook.OnJobCancelled(ctx, rec); err != nil {
				h.logHookError(ext.Name(), "OnJobCancelled", rec, err)
			}
		}
	}
}
