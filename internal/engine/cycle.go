package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lumenlearn/gradeq/internal/domain"
	"github.com/lumenlearn/gradeq/internal/leader"
)

// RunCycle performs one claim pass: take the leader lock, check the rate
// window, claim up to the free concurrency slots and hand each claimed job
// to the pool. Losing the lock is not an error; another cycle is driving.
func (e *Engine) RunCycle(ctx context.Context) error {
	lease, err := e.locker.TryAcquire(ctx)
	if err != nil {
		// coordination failure: abort silently, nothing changed
		e.log.Warn("leader lock unavailable", zap.Error(err))
		return nil
	}
	if lease == nil {
		return nil
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			e.log.Warn("release leader lock", zap.Error(err))
		}
	}()

	e.maybeGC(ctx)

	calls, err := e.window.Count(ctx)
	if err != nil {
		e.log.Warn("rate window unavailable", zap.Error(err))
		return nil
	}
	if calls >= e.window.Limit() {
		e.log.Info("rate window saturated, skipping claim", zap.Int("calls", calls))
		return nil
	}

	claimed, err := e.store.ClaimPending(ctx, e.cfg.MaxConcurrentJobs)
	if err != nil {
		e.log.Warn("claim failed", zap.Error(err))
		return nil
	}
	if len(claimed) == 0 {
		return nil
	}
	e.log.Info("claimed jobs", zap.Int("count", len(claimed)))

	for _, job := range claimed {
		job := job
		e.notifier.Publish(ctx, job.ID, domain.Processing, job.Progress)
		// fire-and-forget: the cycle does not wait for execution
		err := e.pool.Submit(e.execCtx, job.ID, func(ctx context.Context) {
			e.exec.Run(ctx, job)
		})
		if err != nil {
			e.log.Warn("submit to pool", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return nil
}

// maybeGC deletes terminal jobs past the retention window, at most once per
// GC interval. There is no dedicated daemon; cycles and the scheduler tick
// both pass through here.
func (e *Engine) maybeGC(ctx context.Context) {
	now := time.Now().Unix()
	last := e.lastGC.Load()
	if now-last < int64(e.cfg.GCInterval/time.Second) {
		return
	}
	if !e.lastGC.CompareAndSwap(last, now) {
		return
	}
	cutoff := time.Now().Add(-e.cfg.Retention)
	n, err := e.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		e.log.Warn("retention gc", zap.Error(err))
		return
	}
	if n > 0 {
		e.log.Info("retention gc removed jobs", zap.Int64("count", n))
	}
}

// redisLocker adapts leader.Lock to the Locker interface.
type redisLocker struct{ lock *leader.Lock }

func NewRedisLocker(l *leader.Lock) Locker { return redisLocker{lock: l} }

func (rl redisLocker) TryAcquire(ctx context.Context) (Lease, error) {
	le, err := rl.lock.Acquire(ctx)
	if err != nil || le == nil {
		return nil, err
	}
	return le, nil
}
