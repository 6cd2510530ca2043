package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	firelancer "github.com/MohamedSaeedBekhit/firelancer"
	"github.com/MohamedSaeedBekhit/firelancer/job"
)

// Service routes jobs for buffered queues into Storage and flushes them
// back into the job store after reduction.
type Service struct {
	storage  Storage
	jobStore job.Store
	logger   *slog.Logger

	mu       sync.RWMutex
	reducers map[string]ReduceFunc
}

// NewService creates a buffer service backed by the given storage and job
// store. A nil logger defaults to slog.Default.
func NewService(storage Storage, jobStore job.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		storage:  storage,
		jobStore: jobStore,
		logger:   logger,
		reducers: make(map[string]ReduceFunc),
	}
}

// RegisterQueue marks a queue as buffered with the given reducer. A nil
// reducer uses DefaultReduce.
func (s *Service) RegisterQueue(queueName string, reduce ReduceFunc) {
	if reduce == nil {
		reduce = DefaultReduce
	}

	s.mu.Lock()
	s.reducers[queueName] = reduce
	s.mu.Unlock()
}

// IsBuffered reports whether the queue has been registered for buffering.
func (s *Service) IsBuffered(queueName string) bool {
	s.mu.RLock()
	_, ok := s.reducers[queueName]
	s.mu.RUnlock()

	return ok
}

// Add buffers a job record under the given buffer key instead of enqueueing
// it. The queue must have been registered via RegisterQueue.
func (s *Service) Add(ctx context.Context, rec *job.Record, bufferID string) error {
	if !s.IsBuffered(rec.QueueName) {
		return fmt.Errorf("buffer: queue %q is not buffered", rec.QueueName)
	}
	if bufferID == "" {
		bufferID = rec.QueueName
	}

	if err := s.storage.AddEntry(ctx, rec.QueueName, NewEntry(bufferID, rec)); err != nil {
		return fmt.Errorf("buffer: add to queue %q: %w", rec.QueueName, err)
	}

	return nil
}

// BufferSizes returns the count of buffered entries per queue. Empty
// queueNames means all buffered queues.
func (s *Service) BufferSizes(ctx context.Context, queueNames ...string) (map[string]int, error) {
	return s.storage.BufferSize(ctx, queueNames)
}

// Flush drains the named buffered queues (all registered queues when none
// are given), reduces each batch and enqueues the resulting jobs. It
// returns the enqueued jobs per queue. If enqueueing fails partway, the
// whole batch is restored to the buffer so that no work is lost; jobs
// already enqueued are recognized on the retry and skipped, so delivery
// is at least once per reduced job.
func (s *Service) Flush(ctx context.Context, queueNames ...string) (map[string][]*job.Record, error) {
	if len(queueNames) == 0 {
		queueNames = s.registeredQueues()
	}

	out := make(map[string][]*job.Record, len(queueNames))

	var errs []error
	for _, queueName := range queueNames {
		jobs, err := s.flushQueue(ctx, queueName)
		if err != nil {
			errs = append(errs, err)

			continue
		}
		out[queueName] = jobs
	}

	return out, errors.Join(errs...)
}

func (s *Service) flushQueue(ctx context.Context, queueName string) ([]*job.Record, error) {
	s.mu.RLock()
	reduce, ok := s.reducers[queueName]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("buffer: queue %q is not buffered", queueName)
	}

	entries, err := s.storage.Consume(ctx, queueName)
	if err != nil {
		return nil, fmt.Errorf("buffer: consume queue %q: %w", queueName, err)
	}
	if len(entries) == 0 {
		return []*job.Record{}, nil
	}

	jobs := reduce(entries)
	s.logger.Debug("flushing buffered jobs",
		slog.String("queue", queueName),
		slog.Int("buffered", len(entries)),
		slog.Int("reduced", len(jobs)))

	for i, rec := range jobs {
		if err := s.jobStore.Add(ctx, rec); err != nil {
			if errors.Is(err, firelancer.ErrJobAlreadyExists) {
				// Enqueued by an earlier flush of this batch that failed
				// partway; nothing left to do for this job.
				continue
			}
			// Restore the whole batch so the next flush re-reduces it.
			if restoreErr := s.storage.Restore(ctx, queueName, entries); restoreErr != nil {
				s.logger.Error("failed to restore buffered entries after flush error",
					slog.String("queue", queueName),
					slog.Any("error", restoreErr))
			}

			return jobs[:i], fmt.Errorf("buffer: enqueue flushed job for queue %q: %w: %w",
				queueName, firelancer.ErrStoreUnavailable, err)
		}
	}

	return jobs, nil
}

func (s *Service) registeredQueues() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.reducers))
	for name := range s.reducers {
		names = append(names, name)
	}

	return names
}
