// Package storage persists job state in Postgres. Jobs are split across two
// tables: a narrow jobs record for cheap status polling and claiming, and a
// wide job_payloads record for input items, accumulated results and errors.
package storage

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/lumenlearn/gradeq/internal/domain"
)

var (
	ErrNotFound   = errors.New("job not found")
	ErrNotPending = errors.New("job is no longer pending")
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

const jobFields = `id, kind, status, priority, progress, item_count, retry_count, max_retries, created_at, started_at, completed_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.Kind, &j.Status, &j.Priority, &j.Progress, &j.ItemCount,
		&j.RetryCount, &j.MaxRetries, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	return j, err
}

// CreateJob inserts the job record and its payload as one transaction. If
// the payload insert fails the job row is rolled back, so a pending job
// without a payload can never be claimed. Returns the new job id.
func (s *Store) CreateJob(ctx context.Context, j domain.Job, p domain.JobPayload) (string, error) {
	items, err := json.Marshal(p.InputItems)
	if err != nil {
		return "", errors.Wrap(err, "marshal input items")
	}
	meta, err := json.Marshal(orEmptyMeta(p.Metadata))
	if err != nil {
		return "", errors.Wrap(err, "marshal metadata")
	}

	id := uuid.NewString()
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `insert into jobs(
id, kind, status, priority, priority_rank, progress, item_count, retry_count, max_retries
) values ($1,$2,'pending',$3,$4,0,$5,0,$6)`,
		id, j.Kind, j.Priority, j.Priority.Rank(), len(p.InputItems), j.MaxRetries)
	if err != nil {
		return "", errors.Wrap(err, "insert job")
	}

	_, err = tx.Exec(ctx, `insert into job_payloads(job_id, input_items, metadata)
values ($1,$2,$3)`, id, items, meta)
	if err != nil {
		return "", errors.Wrap(err, "insert payload")
	}

	if err := tx.Commit(ctx); err != nil {
		return "", errors.Wrap(err, "commit")
	}
	return id, nil
}

func orEmptyMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// GetJob fetches the narrow record only.
func (s *Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `select `+jobFields+` from jobs where id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, ErrNotFound
	}
	return j, errors.Wrap(err, "get job")
}

// GetJobView fetches the record joined with its payload, reconstructed into
// the caller-facing shape. Callers never see the two-table split.
func (s *Store) GetJobView(ctx context.Context, id string) (domain.JobView, error) {
	var (
		v                   domain.JobView
		results, errs, meta []byte
	)
	err := s.db.QueryRow(ctx, `
select j.id, j.kind, j.status, j.priority, j.progress, j.item_count, j.retry_count,
       j.max_retries, j.created_at, j.started_at, j.completed_at,
       p.results, p.errors, p.metadata
  from jobs j
  join job_payloads p on p.job_id = j.id
 where j.id = $1`, id).Scan(
		&v.ID, &v.Kind, &v.Status, &v.Priority, &v.Progress, &v.ItemCount, &v.RetryCount,
		&v.MaxRetries, &v.CreatedAt, &v.StartedAt, &v.CompletedAt,
		&results, &errs, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.JobView{}, ErrNotFound
	}
	if err != nil {
		return domain.JobView{}, errors.Wrap(err, "get job view")
	}

	if err := json.Unmarshal(results, &v.Results); err != nil {
		return domain.JobView{}, errors.Wrap(err, "decode results")
	}
	if err := json.Unmarshal(errs, &v.Errors); err != nil {
		return domain.JobView{}, errors.Wrap(err, "decode errors")
	}
	if err := json.Unmarshal(meta, &v.Metadata); err != nil {
		return domain.JobView{}, errors.Wrap(err, "decode metadata")
	}
	return v, nil
}

// GetPayload fetches the wide record for one job.
func (s *Store) GetPayload(ctx context.Context, jobID string) (domain.JobPayload, error) {
	var (
		p                          domain.JobPayload
		items, results, errs, meta []byte
	)
	err := s.db.QueryRow(ctx,
		`select job_id, input_items, results, errors, metadata from job_payloads where job_id = $1`,
		jobID).Scan(&p.JobID, &items, &results, &errs, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.JobPayload{}, ErrNotFound
	}
	if err != nil {
		return domain.JobPayload{}, errors.Wrap(err, "get payload")
	}
	if err := json.Unmarshal(items, &p.InputItems); err != nil {
		return domain.JobPayload{}, errors.Wrap(err, "decode input items")
	}
	if err := json.Unmarshal(results, &p.Results); err != nil {
		return domain.JobPayload{}, errors.Wrap(err, "decode results")
	}
	if err := json.Unmarshal(errs, &p.Errors); err != nil {
		return domain.JobPayload{}, errors.Wrap(err, "decode errors")
	}
	if err := json.Unmarshal(meta, &p.Metadata); err != nil {
		return domain.JobPayload{}, errors.Wrap(err, "decode metadata")
	}
	return p, nil
}

// PendingCount feeds the submission gateway's queue-position estimate.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `select count(*) from jobs where status = 'pending'`).Scan(&n)
	return n, errors.Wrap(err, "pending count")
}

// PendingItemTotal is the summed item count across pending jobs, used for
// wait-time estimates.
func (s *Store) PendingItemTotal(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`select coalesce(sum(item_count), 0) from jobs where status = 'pending'`).Scan(&n)
	return n, errors.Wrap(err, "pending item total")
}
