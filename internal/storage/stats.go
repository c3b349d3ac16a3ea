package storage

import (
	"context"

	"github.com/pkg/errors"
)

type Stats struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// Stats counts jobs per status in a single pass over the narrow table.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRow(ctx, `
select count(*),
       count(*) filter (where status = 'pending'),
       count(*) filter (where status = 'processing'),
       count(*) filter (where status = 'completed'),
       count(*) filter (where status = 'failed')
  from jobs`).Scan(&st.Total, &st.Pending, &st.Processing, &st.Completed, &st.Failed)
	return st, errors.Wrap(err, "queue stats")
}
