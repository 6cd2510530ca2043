package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	firelancer "github.com/MohamedSaeedBekhit/firelancer"
	"github.com/MohamedSaeedBekhit/firelancer/id"
	"github.com/MohamedSaeedBekhit/firelancer/job"
)

const jobColumns = `
	id, queue, data, state, progress, result, error,
	started_at, settled_at, is_settled, retries, attempts, retry_at,
	created_at, updated_at`

// Add implements job.Store.
func (s *Store) Add(ctx context.Context, r *job.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO firelancer_job_records (
			id, queue, data, state, progress, result, error,
			started_at, settled_at, is_settled, retries, attempts, retry_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15
		)`,
		r.ID.String(), r.QueueName, []byte(r.Data), string(r.State),
		r.Progress, []byte(r.Result), r.Error,
		r.StartedAt, r.SettledAt, r.IsSettled, r.Retries, r.Attempts, r.RetryAt,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("job %s: %w", r.ID, firelancer.ErrJobAlreadyExists)
		}
		return fmt.Errorf("firelancer/postgres: add job: %w", err)
	}
	return nil
}

// Next implements job.Store. A single row is claimed with FOR UPDATE SKIP
// LOCKED so concurrent pollers never win the same record.
func (s *Store) Next(ctx context.Context, queueNames []string) (*job.Record, error) {
	row := s.pool.QueryRow(ctx, `
		WITH claimed AS (
			UPDATE firelancer_job_records
			SET state = 'RUNNING',
			    started_at = NOW(),
			    attempts = attempts + 1,
			    retry_at = NULL,
			    updated_at = NOW()
			WHERE id = (
				SELECT id FROM firelancer_job_records
				WHERE queue = ANY($1)
				  AND (state = 'PENDING'
				       OR (state = 'RETRYING' AND (retry_at IS NULL OR retry_at <= NOW())))
				ORDER BY created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed`,
		queueNames,
	)

	r, err := scanRecord(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // no job due is not an error
		}
		return nil, fmt.Errorf("firelancer/postgres: claim next job: %w", err)
	}
	return r, nil
}

// Update implements job.Store.
func (s *Store) Update(ctx context.Context, r *job.Record) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE firelancer_job_records SET
			queue = $2, data = $3, state = $4, progress = $5,
			result = $6, error = $7, started_at = $8, settled_at = $9,
			is_settled = $10, retries = $11, attempts = $12, retry_at = $13,
			updated_at = NOW()
		WHERE id = $1`,
		r.ID.String(), r.QueueName, []byte(r.Data), string(r.State), r.Progress,
		[]byte(r.Result), r.Error, r.StartedAt, r.SettledAt,
		r.IsSettled, r.Retries, r.Attempts, r.RetryAt,
	)
	if err != nil {
		return fmt.Errorf("firelancer/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", r.ID, firelancer.ErrJobNotFound)
	}
	return nil
}

// FindOne implements job.Store.
func (s *Store) FindOne(ctx context.Context, jobID id.JobID) (*job.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM firelancer_job_records WHERE id = $1`,
		jobID.String(),
	)

	r, err := scanRecord(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("job %s: %w", jobID, firelancer.ErrJobNotFound)
		}
		return nil, fmt.Errorf("firelancer/postgres: find job: %w", err)
	}
	return r, nil
}

// FindMany implements job.Store.
func (s *Store) FindMany(ctx context.Context, opts job.ListOptions) ([]*job.Record, error) {
	query := `SELECT ` + jobColumns + ` FROM firelancer_job_records WHERE 1=1`
	args := []any{}
	argIdx := 1

	if len(opts.QueueNames) > 0 {
		query += fmt.Sprintf(" AND queue = ANY($%d)", argIdx)
		args = append(args, opts.QueueNames)
		argIdx++
	}
	if len(opts.States) > 0 {
		states := make([]string, len(opts.States))
		for i, st := range opts.States {
			states[i] = string(st)
		}
		query += fmt.Sprintf(" AND state = ANY($%d)", argIdx)
		args = append(args, states)
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("firelancer/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// CancelJob implements job.Store. Settled jobs are left untouched.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE firelancer_job_records SET
			state = 'CANCELLED', is_settled = TRUE,
			settled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND is_settled = FALSE`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("firelancer/postgres: cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already settled; only the former is an error.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM firelancer_job_records WHERE id = $1)`,
			jobID.String(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("firelancer/postgres: cancel job: %w", err)
		}
		if !exists {
			return fmt.Errorf("job %s: %w", jobID, firelancer.ErrJobNotFound)
		}
	}
	return nil
}

// RemoveSettledJobs implements job.Store.
func (s *Store) RemoveSettledJobs(ctx context.Context, queueNames []string, olderThan time.Time) (int, error) {
	query := `
		DELETE FROM firelancer_job_records
		WHERE is_settled = TRUE AND settled_at < $1`
	args := []any{olderThan}
	if len(queueNames) > 0 {
		query += " AND queue = ANY($2)"
		args = append(args, queueNames)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("firelancer/postgres: remove settled jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// scanRecord scans a single job record row.
func scanRecord(row pgx.Row) (*job.Record, error) {
	var (
		r        job.Record
		idStr    string
		stateStr string
		data     []byte
		result   []byte
	)
	err := row.Scan(
		&idStr, &r.QueueName, &data, &stateStr, &r.Progress, &result, &r.Error,
		&r.StartedAt, &r.SettledAt, &r.IsSettled, &r.Retries, &r.Attempts, &r.RetryAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.State = job.State(stateStr)
	r.Data = data
	r.Result = result

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("firelancer/postgres: parse job id %q: %w", idStr, parseErr)
	}
	r.ID = parsedID

	return &r, nil
}

// collectRecords collects all job records from query rows.
func collectRecords(rows pgx.Rows) ([]*job.Record, error) {
	var records []*job.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("firelancer/postgres: scan job row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("firelancer/postgres: iterate job rows: %w", err)
	}
	return records, nil
}
