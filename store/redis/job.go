package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	goredis "github.com/redis/go-redis/v9"

	firelancer "github.com/MohamedSaeedBekhit/firelancer"
	"github.com/MohamedSaeedBekhit/firelancer/id"
	"github.com/MohamedSaeedBekhit/firelancer/job"
)

// dueScore returns the sorted-set score for a record: the unix nano
// timestamp at which it becomes claimable.
func dueScore(r *job.Record) float64 {
	if r.State == job.StateRetrying && r.RetryAt != nil {
		return float64(r.RetryAt.UnixNano())
	}

	return float64(r.CreatedAt.UnixNano())
}

// Add implements job.Store.
func (s *Store) Add(ctx context.Context, r *job.Record) error {
	key := jobKey(r.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("firelancer/redis: add check exists: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("job %s: %w", r.ID, firelancer.ErrJobAlreadyExists)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("firelancer/redis: marshal job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, jobIDsKey, r.ID.String())
	pipe.ZAdd(ctx, queueKey(r.QueueName), goredis.Z{Score: dueScore(r), Member: r.ID.String()})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("firelancer/redis: add job: %w", err)
	}

	return nil
}

// Next implements job.Store. The earliest due member is popped from each
// queue's sorted set; a member popped before its due time is put back and
// the queue treated as empty, so retry delays are honored.
func (s *Store) Next(ctx context.Context, queueNames []string) (*job.Record, error) {
	now := time.Now().UTC()

	for _, queueName := range queueNames {
		qk := queueKey(queueName)

		members, err := s.client.ZPopMin(ctx, qk, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("firelancer/redis: claim zpopmin: %w", err)
		}
		if len(members) == 0 {
			continue
		}

		z := members[0]
		jobID, ok := z.Member.(string)
		if !ok {
			continue
		}
		if z.Score > float64(now.UnixNano()) {
			if err := s.client.ZAdd(ctx, qk, z).Err(); err != nil {
				return nil, fmt.Errorf("firelancer/redis: restore not-due member: %w", err)
			}

			continue
		}

		r, err := s.getRecord(ctx, jobID)
		if err != nil {
			if errors.Is(err, firelancer.ErrJobNotFound) {
				// Record deleted while queued; drop the stale member.
				continue
			}
			// Transient failure after the pop: put the member back so the
			// job stays claimable.
			s.requeueMember(ctx, qk, z)

			return nil, err
		}
		if r.State != job.StatePending && r.State != job.StateRetrying {
			// Cancelled or otherwise settled while queued.
			continue
		}

		r.Start(now)
		if err := s.writeRecord(ctx, r); err != nil {
			s.requeueMember(ctx, qk, z)

			return nil, err
		}

		return r, nil
	}

	return nil, nil //nolint:nilnil // no job due is not an error
}

// requeueMember restores a popped sorted-set member after a failed claim.
func (s *Store) requeueMember(ctx context.Context, queueKey string, z goredis.Z) {
	if err := s.client.ZAdd(ctx, queueKey, z).Err(); err != nil {
		s.logger.Error("failed to restore popped queue member",
			slog.String("key", queueKey),
			slog.Any("member", z.Member),
			slog.Any("error", err))
	}
}

// Update implements job.Store. A job re-entering a claimable state is
// re-scored in its queue's sorted set.
func (s *Store) Update(ctx context.Context, r *job.Record) error {
	key := jobKey(r.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("firelancer/redis: update check exists: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("job %s: %w", r.ID, firelancer.ErrJobNotFound)
	}

	if err := s.writeRecord(ctx, r); err != nil {
		return err
	}

	qk := queueKey(r.QueueName)
	if r.State == job.StatePending || r.State == job.StateRetrying {
		err = s.client.ZAdd(ctx, qk, goredis.Z{Score: dueScore(r), Member: r.ID.String()}).Err()
	} else {
		err = s.client.ZRem(ctx, qk, r.ID.String()).Err()
	}
	if err != nil {
		return fmt.Errorf("firelancer/redis: update queue membership: %w", err)
	}

	return nil
}

// FindOne implements job.Store.
func (s *Store) FindOne(ctx context.Context, jobID id.JobID) (*job.Record, error) {
	return s.getRecord(ctx, jobID.String())
}

// FindMany implements job.Store. Records are enumerated through the job
// ID set and filtered client-side.
func (s *Store) FindMany(ctx context.Context, opts job.ListOptions) ([]*job.Record, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("firelancer/redis: list job ids: %w", err)
	}

	var matched []*job.Record
	for _, jobID := range ids {
		r, err := s.getRecord(ctx, jobID)
		if err != nil {
			if errors.Is(err, firelancer.ErrJobNotFound) {
				continue
			}

			return nil, err
		}
		if len(opts.QueueNames) > 0 && !slices.Contains(opts.QueueNames, r.QueueName) {
			continue
		}
		if len(opts.States) > 0 && !slices.Contains(opts.States, r.State) {
			continue
		}
		matched = append(matched, r)
	}

	sortByCreatedAt(matched)

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return []*job.Record{}, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	return matched, nil
}

// CancelJob implements job.Store.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) error {
	r, err := s.getRecord(ctx, jobID.String())
	if err != nil {
		return err
	}
	if r.IsSettled {
		return nil
	}

	r.Cancel(time.Now().UTC())
	if err := s.writeRecord(ctx, r); err != nil {
		return err
	}
	if err := s.client.ZRem(ctx, queueKey(r.QueueName), r.ID.String()).Err(); err != nil {
		return fmt.Errorf("firelancer/redis: remove cancelled job from queue: %w", err)
	}

	return nil
}

// RemoveSettledJobs implements job.Store.
func (s *Store) RemoveSettledJobs(ctx context.Context, queueNames []string, olderThan time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("firelancer/redis: list job ids: %w", err)
	}

	removed := 0
	for _, jobID := range ids {
		r, err := s.getRecord(ctx, jobID)
		if err != nil {
			if errors.Is(err, firelancer.ErrJobNotFound) {
				continue
			}

			return removed, err
		}
		if !r.IsSettled || r.SettledAt == nil || !r.SettledAt.Before(olderThan) {
			continue
		}
		if len(queueNames) > 0 && !slices.Contains(queueNames, r.QueueName) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, jobKey(jobID))
		pipe.SRem(ctx, jobIDsKey, jobID)
		pipe.ZRem(ctx, queueKey(r.QueueName), jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("firelancer/redis: remove settled job: %w", err)
		}
		removed++
	}

	return removed, nil
}

func (s *Store) getRecord(ctx context.Context, jobID string) (*job.Record, error) {
	data, err := s.client.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("job %s: %w", jobID, firelancer.ErrJobNotFound)
		}

		return nil, fmt.Errorf("firelancer/redis: get job: %w", err)
	}

	var r job.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("firelancer/redis: unmarshal job %s: %w", jobID, err)
	}

	return &r, nil
}

func (s *Store) writeRecord(ctx context.Context, r *job.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("firelancer/redis: marshal job: %w", err)
	}
	if err := s.client.Set(ctx, jobKey(r.ID.String()), data, 0).Err(); err != nil {
		return fmt.Errorf("firelancer/redis: write job: %w", err)
	}

	return nil
}

func sortByCreatedAt(records []*job.Record) {
	slices.SortStableFunc(records, func(a, b *job.Record) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
