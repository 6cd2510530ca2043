package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	firelancer "github.com/MohamedSaeedBekhit/firelancer"
	"github.com/MohamedSaeedBekhit/firelancer/id"
	"github.com/MohamedSaeedBekhit/firelancer/job"
)

var _ job.Store = (*Store)(nil)

// Add implements job.Store.
func (s *Store) Add(_ context.Context, r *job.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.ID == r.ID {
			return fmt.Errorf("job %s: %w", r.ID, firelancer.ErrJobAlreadyExists)
		}
	}
	s.jobs = append(s.jobs, copyRecord(r))

	return nil
}

// Next implements job.Store. The claim happens under the write lock, so
// concurrent claimants can never win the same record.
func (s *Store) Next(_ context.Context, queueNames []string) (*job.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, r := range s.jobs {
		if len(queueNames) > 0 && !slices.Contains(queueNames, r.QueueName) {
			continue
		}
		switch r.State {
		case job.StatePending:
		case job.StateRetrying:
			if r.RetryAt != nil && r.RetryAt.After(now) {
				continue
			}
		default:
			continue
		}

		r.Start(now)

		return copyRecord(r), nil
	}

	return nil, nil //nolint:nilnil // no job due is not an error
}

// Update implements job.Store.
func (s *Store) Update(_ context.Context, r *job.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.jobs {
		if existing.ID == r.ID {
			s.jobs[i] = copyRecord(r)

			return nil
		}
	}

	return fmt.Errorf("job %s: %w", r.ID, firelancer.ErrJobNotFound)
}

// FindOne implements job.Store.
func (s *Store) FindOne(_ context.Context, jobID id.JobID) (*job.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.jobs {
		if r.ID == jobID {
			return copyRecord(r), nil
		}
	}

	return nil, fmt.Errorf("job %s: %w", jobID, firelancer.ErrJobNotFound)
}

// FindMany implements job.Store.
func (s *Store) FindMany(_ context.Context, opts job.ListOptions) ([]*job.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*job.Record
	for _, r := range s.jobs {
		if len(opts.QueueNames) > 0 && !slices.Contains(opts.QueueNames, r.QueueName) {
			continue
		}
		if len(opts.States) > 0 && !slices.Contains(opts.States, r.State) {
			continue
		}
		matched = append(matched, r)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return []*job.Record{}, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]*job.Record, len(matched))
	for i, r := range matched {
		out[i] = copyRecord(r)
	}

	return out, nil
}

// CancelJob implements job.Store. Cancelling a settled job is a no-op.
func (s *Store) CancelJob(_ context.Context, jobID id.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.jobs {
		if r.ID == jobID {
			r.Cancel(time.Now().UTC())

			return nil
		}
	}

	return fmt.Errorf("job %s: %w", jobID, firelancer.ErrJobNotFound)
}

// RemoveSettledJobs implements job.Store.
func (s *Store) RemoveSettledJobs(_ context.Context, queueNames []string, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.jobs[:0]
	removed := 0
	for _, r := range s.jobs {
		remove := r.IsSettled &&
			(len(queueNames) == 0 || slices.Contains(queueNames, r.QueueName)) &&
			r.SettledAt != nil && r.SettledAt.Before(olderThan)
		if remove {
			removed++

			continue
		}
		kept = append(kept, r)
	}
	s.jobs = kept

	return removed, nil
}
