package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/lumenlearn/gradeq/internal/domain"
)

// claimLockID is the advisory lock serializing claim transactions.
const claimLockID = 42

// ClaimPending atomically claims up to (maxConcurrent - processing) pending
// jobs. Under read committed two concurrent claimers would each count the
// processing rows without seeing the other's uncommitted flips and jointly
// overshoot the cap, so the transaction first takes an xact-scoped advisory
// lock: it is held until commit, and every claimer counts against settled
// state. Pending jobs are taken highest priority first, oldest first within
// a tier. Zero claims is a normal result, not an error.
func (s *Store) ClaimPending(ctx context.Context, maxConcurrent int) ([]domain.Job, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin claim")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `select pg_advisory_xact_lock($1)`, claimLockID); err != nil {
		return nil, errors.Wrap(err, "acquire claim lock")
	}

	var processing int
	if err := tx.QueryRow(ctx,
		`select count(*) from jobs where status = 'processing'`).Scan(&processing); err != nil {
		return nil, errors.Wrap(err, "count processing")
	}
	slots := maxConcurrent - processing
	if slots <= 0 {
		return nil, nil
	}

	// skip locked keeps a racing claimer (one that slipped past the leader
	// lock) from blocking on, or double-claiming, the same rows
	rows, err := tx.Query(ctx, `
update jobs
   set status = 'processing', started_at = now()
 where id in (
       select id from jobs
        where status = 'pending'
        order by priority_rank desc, created_at asc
        limit $1
          for update skip locked)
returning `+jobFields, slots)
	if err != nil {
		return nil, errors.Wrap(err, "claim update")
	}

	claimed, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Job, error) {
		return scanJob(row)
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan claimed")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit claim")
	}
	return claimed, nil
}
