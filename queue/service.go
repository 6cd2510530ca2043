package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	firelancer "github.com/MohamedSaeedBekhit/firelancer"
	"github.com/MohamedSaeedBekhit/firelancer/backoff"
	"github.com/MohamedSaeedBekhit/firelancer/buffer"
	"github.com/MohamedSaeedBekhit/firelancer/id"
	"github.com/MohamedSaeedBekhit/firelancer/job"
	"github.com/MohamedSaeedBekhit/firelancer/middleware"
	"golang.org/x/time/rate"
)

// Service owns queue registration and the per-queue polling workers.
type Service struct {
	cfg     firelancer.Config
	store   job.Store
	buffers *buffer.Service
	hooks   *Hooks
	mw      middleware.Middleware
	backoff backoff.Strategy
	logger  *slog.Logger

	mu      sync.Mutex
	queues  map[string]*JobQueue
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithMiddleware sets the middleware chain applied to every job execution.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Service) { s.mw = middleware.Chain(mws...) }
}

// WithBackoff sets the service-wide retry delay strategy.
func WithBackoff(strategy backoff.Strategy) Option {
	return func(s *Service) { s.backoff = strategy }
}

// WithHooks sets the lifecycle hook registry.
func WithHooks(hooks *Hooks) Option {
	return func(s *Service) { s.hooks = hooks }
}

// NewService creates a queue service. The buffer service may be nil when
// no queue is buffered.
func NewService(cfg firelancer.Config, store job.Store, buffers *buffer.Service, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		cfg:     cfg,
		store:   store,
		buffers: buffers,
		logger:  logger,
		backoff: backoff.Default(),
		mw:      middleware.Chain(),
		queues:  make(map[string]*JobQueue),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hooks == nil {
		s.hooks = NewHooks(logger)
	}

	return s
}

// Hooks returns the lifecycle hook registry for extension registration.
func (s *Service) Hooks() *Hooks { return s.hooks }

// CreateQueue registers a queue and returns its producer handle. The queue
// is active (gets a polling worker in this process) when
// Config.ActiveQueues is empty or contains its name. If the service is
// already running, an active queue's worker starts immediately.
func (s *Service) CreateQueue(cfg Config) (*JobQueue, error) {
	if cfg.Name == "" {
		return nil, errors.New("queue: name is required")
	}
	if cfg.Process == nil {
		return nil, fmt.Errorf("queue %q: process function is required", cfg.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.queues[cfg.Name]; exists {
		return nil, fmt.Errorf("queue %q: %w", cfg.Name, firelancer.ErrQueueAlreadyExists)
	}

	if cfg.Buffered {
		if s.buffers == nil {
			return nil, fmt.Errorf("queue %q: buffered but no buffer service configured", cfg.Name)
		}
		s.buffers.RegisterQueue(cfg.Name, cfg.Reduce)
	}

	q := &JobQueue{
		name:   cfg.Name,
		active: len(s.cfg.ActiveQueues) == 0 || slices.Contains(s.cfg.ActiveQueues, cfg.Name),
		cfg:    cfg,
		svc:    s,
	}
	s.queues[cfg.Name] = q

	if s.running && q.active {
		s.wg.Add(1)
		go s.workerLoop(q, s.stopCh)
	}

	s.logger.Info("queue registered",
		slog.String("queue", cfg.Name),
		slog.Bool("active", q.active),
		slog.Bool("buffered", cfg.Buffered))

	return q, nil
}

// GetQueue returns the handle for a registered queue, or nil.
func (s *Service) GetQueue(name string) *JobQueue {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queues[name]
}

// Start launches one polling worker per active queue. It returns
// immediately; workers run until Stop.
func (s *Service) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true
	// Fresh stop channel so the service can be restarted after Stop.
	s.stopCh = make(chan struct{})

	for _, q := range s.queues {
		if !q.active {
			continue
		}
		s.wg.Add(1)
		go s.workerLoop(q, s.stopCh)
	}

	s.logger.Info("queue service started",
		slog.Int("queues", len(s.queues)),
		slog.Duration("poll_interval", s.cfg.PollInterval))

	return nil
}

// Stop signals all workers to stop and waits up to ShutdownTimeout for
// in-flight jobs to finish. A stopped service can be started again.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()

		return nil
	}
	s.running = false
	stopCh := s.stopCh
	s.mu.Unlock()

	close(stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = firelancer.DefaultConfig().ShutdownTimeout
	}

	select {
	case <-done:
		s.logger.Info("queue service stopped")

		return nil
	case <-time.After(timeout):
		s.logger.Warn("queue service shutdown timed out")

		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cancellation of a job. Pending and retrying jobs settle
// as cancelled immediately; running jobs settle once their handler
// observes the cancellation or finishes its current attempt.
func (s *Service) Cancel(ctx context.Context, jobID id.JobID) error {
	if err := s.store.CancelJob(ctx, jobID); err != nil {
		return err
	}

	rec, err := s.store.FindOne(ctx, jobID)
	if err != nil {
		return err
	}
	if rec.State == job.StateCancelled {
		s.hooks.EmitJobCancelled(ctx, rec)
	}

	return nil
}

// FlushBuffers drains the named buffered queues (all when none given) into
// the job store and emits enqueued hooks for the resulting jobs.
func (s *Service) FlushBuffers(ctx context.Context, queueNames ...string) error {
	if s.buffers == nil {
		return nil
	}

	flushed, err := s.buffers.Flush(ctx, queueNames...)
	for _, jobs := range flushed {
		for _, rec := range jobs {
			s.hooks.EmitJobEnqueued(ctx, rec)
		}
	}

	return err
}

// workerLoop is the single polling worker for one active queue. The stop
// channel is the one of the Start generation that launched the worker.
func (s *Service) workerLoop(q *JobQueue, stopCh <-chan struct{}) {
	defer s.wg.Done()

	var limiter *rate.Limiter
	if q.cfg.RateLimit > 0 {
		burst := q.cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(q.cfg.RateLimit, burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	pollInterval := s.cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = firelancer.DefaultConfig().PollInterval
	}

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		rec, err := s.store.Next(ctx, []string{q.name})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("failed to poll for jobs",
				slog.String("queue", q.name),
				slog.Any("error", err))
			sleep(pollInterval, stopCh)

			continue
		}
		if rec == nil {
			sleep(pollInterval, stopCh)

			continue
		}

		s.execute(ctx, q, rec)
	}
}

func sleep(d time.Duration, stopCh <-chan struct{}) {
	select {
	case <-time.After(d):
	case <-stopCh:
	}
}

// execute runs one claimed job through the middleware chain and settles it.
func (s *Service) execute(ctx context.Context, q *JobQueue, rec *job.Record) {
	s.hooks.EmitJobStarted(ctx, rec)

	live := &Job{rec: rec, store: s.store, hooks: s.hooks, logger: s.logger}

	var result any
	terminal := func(ctx context.Context) error {
		var procErr error
		result, procErr = q.cfg.Process(ctx, live)

		return procErr
	}

	start := time.Now()
	err := s.mw(ctx, rec, terminal)
	elapsed := time.Since(start)
	now := time.Now().UTC()

	if err == nil {
		s.settleCompleted(ctx, rec, result, now, elapsed)

		return
	}

	if errors.Is(err, firelancer.ErrJobCancelled) || s.cancelledInStore(ctx, rec.ID) {
		rec.Cancel(now)
		if updateErr := s.store.Update(ctx, rec); updateErr != nil {
			s.logger.Error("failed to settle cancelled job",
				slog.String("job_id", rec.ID.String()),
				slog.Any("error", updateErr))
		}
		s.hooks.EmitJobCancelled(ctx, rec)

		return
	}

	if rec.ShouldRetry() {
		s.scheduleRetry(ctx, q, rec, err, now)

		return
	}

	s.settleFailed(ctx, rec, err, now)
}

func (s *Service) settleCompleted(ctx context.Context, rec *job.Record, result any, now time.Time, elapsed time.Duration) {
	var resultJSON json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			s.logger.Warn("failed to marshal job result",
				slog.String("job_id", rec.ID.String()),
				slog.Any("error", err))
		} else {
			resultJSON = data
		}
	}

	rec.Complete(resultJSON, now)
	if err := s.store.Update(ctx, rec); err != nil {
		s.logger.Error("failed to settle completed job",
			slog.String("job_id", rec.ID.String()),
			slog.Any("error", err))

		return
	}
	s.hooks.EmitJobCompleted(ctx, rec, elapsed)
}

func (s *Service) scheduleRetry(ctx context.Context, q *JobQueue, rec *job.Record, jobErr error, now time.Time) {
	strategy := q.cfg.Backoff
	if strategy == nil {
		strategy = s.backoff
	}
	delay := strategy.Delay(rec.Attempts)

	rec.Defer(jobErr.Error(), delay, now)
	if err := s.store.Update(ctx, rec); err != nil {
		s.logger.Error("failed to schedule job retry",
			slog.String("job_id", rec.ID.String()),
			slog.Any("error", err))

		return
	}
	s.hooks.EmitJobRetrying(ctx, rec, rec.Attempts, now.Add(delay))

	s.logger.Info("job scheduled for retry",
		slog.String("job_id", rec.ID.String()),
		slog.String("queue", rec.QueueName),
		slog.Int("attempt", rec.Attempts),
		slog.Int("retries", rec.Retries),
		slog.Duration("delay", delay))
}

func (s *Service) settleFailed(ctx context.Context, rec *job.Record, jobErr error, now time.Time) {
	rec.Fail(jobErr.Error(), now)
	if err := s.store.Update(ctx, rec); err != nil {
		s.logger.Error("failed to settle failed job",
			slog.String("job_id", rec.ID.String()),
			slog.Any("error", err))

		return
	}
	s.hooks.EmitJobFailed(ctx, rec, jobErr)

	s.logger.Warn("job failed after exhausting retries",
		slog.String("job_id", rec.ID.String()),
		slog.String("queue", rec.QueueName),
		slog.Int("attempts", rec.Attempts),
		slog.Any("error", jobErr))
}

func (s *Service) cancelledInStore(ctx context.Context, jobID id.JobID) bool {
	stored, err := s.store.FindOne(ctx, jobID)
	if err != nil {
		return false
	}

	return stored.State == job.StateCancelled
}
