package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Pool runs claimed jobs as fire-and-forget goroutines, bounded by the
// concurrency cap. The bound is belt-and-braces: claims are already capped
// at the store, but a panic-free, drainable pool means unhandled execution
// failures are observed and shutdown can wait for in-flight work.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
	log *zap.Logger
}

func NewPool(size int64, log *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(size), log: log}
}

// Submit launches fn in the background. Claims are already capped at the
// store, so an acquire here only ever waits for a just-finished goroutine
// to hand back its slot.
func (p *Pool) Submit(ctx context.Context, name string, fn func(ctx context.Context)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer func() {
			if rec := recover(); rec != nil {
				p.log.Error("job execution panicked",
					zap.String("job_id", name), zap.Any("panic", rec))
			}
		}()
		fn(ctx)
	}()
	return nil
}

// Drain blocks until all in-flight work finishes or ctx expires.
func (p *Pool) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
