package storage

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/lumenlearn/gradeq/internal/domain"
)

// AppendResults appends one sub-batch's results to the payload and advances
// progress. Progress is clamped to never move backwards, so concurrent
// status reads always observe a non-decreasing value.
func (s *Store) AppendResults(ctx context.Context, jobID string, results []domain.Result, progress int) error {
	chunk, err := json.Marshal(results)
	if err != nil {
		return errors.Wrap(err, "marshal results")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`update job_payloads set results = results || $2::jsonb where job_id = $1`,
		jobID, chunk); err != nil {
		return errors.Wrap(err, "append results")
	}
	if _, err := tx.Exec(ctx,
		`update jobs set progress = greatest(progress, $2) where id = $1 and status = 'processing'`,
		jobID, progress); err != nil {
		return errors.Wrap(err, "update progress")
	}
	return errors.Wrap(tx.Commit(ctx), "commit")
}

// Complete marks a processing job finished with full progress.
func (s *Store) Complete(ctx context.Context, jobID string) error {
	tag, err := s.db.Exec(ctx, `
update jobs
   set status = 'completed', progress = 100, completed_at = now()
 where id = $1 and status = 'processing'`, jobID)
	if err != nil {
		return errors.Wrap(err, "complete job")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail marks a job failed and appends the terminating error to the payload.
// Results already persisted stay as they are. A job that already reached a
// terminal state is left untouched and reported as ErrNotFound, so a late
// failure can never grow a completed job's error list.
func (s *Store) Fail(ctx context.Context, jobID, msg string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
update jobs
   set status = 'failed', completed_at = now()
 where id = $1 and status in ('pending', 'processing')`, jobID)
	if err != nil {
		return errors.Wrap(err, "fail job")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`update job_payloads set errors = errors || jsonb_build_array($2::text) where job_id = $1`,
		jobID, msg); err != nil {
		return errors.Wrap(err, "append error")
	}
	return errors.Wrap(tx.Commit(ctx), "commit")
}

// RecordRetry bumps the job's retry counter after a transient failure.
func (s *Store) RecordRetry(ctx context.Context, jobID string) error {
	_, err := s.db.Exec(ctx,
		`update jobs set retry_count = retry_count + 1 where id = $1`, jobID)
	return errors.Wrap(err, "record retry")
}

// CancelPending force-fails a job that has not been claimed yet. Once a job
// is processing it runs to completion; cancelling then returns ErrNotPending.
func (s *Store) CancelPending(ctx context.Context, jobID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
update jobs
   set status = 'failed', completed_at = now()
 where id = $1 and status = 'pending'`, jobID)
	if err != nil {
		return errors.Wrap(err, "cancel job")
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return ErrNotPending
	}
	if _, err := tx.Exec(ctx,
		`update job_payloads set errors = errors || '["cancelled by caller"]'::jsonb where job_id = $1`,
		jobID); err != nil {
		return errors.Wrap(err, "append cancel note")
	}
	return errors.Wrap(tx.Commit(ctx), "commit")
}
