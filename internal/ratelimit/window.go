// Package ratelimit tracks downstream API calls in a sliding one-minute
// window. The window lives in Redis so every worker process in the cluster
// counts against the same limit; a per-process window would let N processes
// collectively send N times the real cap.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
)

const (
	windowKey = "gradeq:api:window"
	windowLen = time.Minute
)

type Window struct {
	rdb   *r.Client
	limit int
}

func New(rdb *r.Client, limit int) *Window {
	return &Window{rdb: rdb, limit: limit}
}

func (w *Window) Limit() int { return w.limit }

// Count prunes entries older than the window and returns how many calls
// remain inside it.
func (w *Window) Count(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-windowLen)
	pipe := w.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, windowKey, "-inf", strconv.FormatInt(cutoff.UnixMilli(), 10))
	card := pipe.ZCard(ctx, windowKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

// Saturated reports whether the window has reached the configured limit.
func (w *Window) Saturated(ctx context.Context) (bool, error) {
	n, err := w.Count(ctx)
	if err != nil {
		return false, err
	}
	return n >= w.limit, nil
}

// reserveScript prunes aged entries, then admits the call only if the
// window still has room. Prune, count and admit run as one script, so
// concurrent reservers cannot each read limit-1 and pile past the cap the
// way a separate count-then-add would.
var reserveScript = r.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// Reserve records one downstream call if the window has room and reports
// whether the slot was granted. The key's TTL is refreshed on every grant
// so an idle queue eventually drops the whole window.
func (w *Window) Reserve(ctx context.Context) (bool, error) {
	now := time.Now()
	granted, err := reserveScript.Run(ctx, w.rdb, []string{windowKey},
		now.Add(-windowLen).UnixMilli(),
		w.limit,
		now.UnixMilli(),
		uuid.NewString(),
		(windowLen + 10*time.Second).Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return granted == 1, nil
}
