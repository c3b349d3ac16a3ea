package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// DeleteExpired removes terminal jobs whose completed_at is before cutoff.
// Payload rows go first so a half-finished pass never leaves a payload
// pointing at nothing; the two deletes are independent statements, so a
// failure in one still lets the other side be retried on a later pass.
func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	_, perr := s.db.Exec(ctx, `
delete from job_payloads p
 using jobs j
 where p.job_id = j.id
   and j.status in ('completed', 'failed')
   and j.completed_at < $1`, cutoff)

	tag, jerr := s.db.Exec(ctx, `
delete from jobs
 where status in ('completed', 'failed')
   and completed_at < $1`, cutoff)

	if perr != nil {
		return tag.RowsAffected(), errors.Wrap(perr, "delete payloads")
	}
	return tag.RowsAffected(), errors.Wrap(jerr, "delete jobs")
}
