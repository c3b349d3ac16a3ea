// Package leader implements the processing-cycle leader lock: a Redis lease
// that at most one cycle in the cluster holds at a time. Acquire is
// best-effort; a loser abandons its cycle rather than queueing for the lock.
package leader

import (
	"context"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
)

const lockKey = "gradeq:cycle:leader"

// releaseScript deletes the lock only if the caller still owns it, so a
// holder whose lease expired never deletes the next holder's lock.
var releaseScript = r.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)

type Lock struct {
	rdb   *r.Client
	lease time.Duration
}

// New creates a lock with the given lease. The lease bounds how long a
// crashed holder can starve the queue: it must comfortably cover one claim
// pass, after which the key expires on its own.
func New(rdb *r.Client, lease time.Duration) *Lock {
	return &Lock{rdb: rdb, lease: lease}
}

// Lease is one successful acquisition. Release it on every exit path.
type Lease struct {
	rdb   *r.Client
	token string
}

// Acquire attempts to take the lock without blocking. A nil lease with nil
// error means another cycle is already driving the queue.
func (l *Lock) Acquire(ctx context.Context) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, lockKey, token, l.lease).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lease{rdb: l.rdb, token: token}, nil
}

// Release frees the lock if this lease still holds it. Safe to call after
// the lease already expired.
func (le *Lease) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, le.rdb, []string{lockKey}, le.token).Err()
	if err == r.Nil {
		return nil
	}
	return err
}
