package engine

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lumenlearn/gradeq/internal/batch"
	"github.com/lumenlearn/gradeq/internal/domain"
	"github.com/lumenlearn/gradeq/internal/downstream"
)

// errRateStarved marks a bounded rate-slot wait that timed out. It is
// treated like any other transient downstream failure.
var errRateStarved = errors.New("rate window stayed saturated past the wait cap")

// Executor runs one claimed job to its terminal state: group the input into
// sub-batches, call downstream per sub-batch with retry and backoff, persist
// partial results and progress as it goes.
type Executor struct {
	store      Store
	window     RateWindow
	processors Processors
	notifier   Notifier
	grouper    *batch.Grouper
	log        *zap.Logger

	interBatchDelay time.Duration
	rateWaitMax     time.Duration
	ratePoll        time.Duration

	// sleep is swapped out in tests so retries don't take wall-clock time.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(store Store, window RateWindow, processors Processors, notifier Notifier, grouper *batch.Grouper, log *zap.Logger) *Executor {
	return &Executor{
		store:           store,
		window:          window,
		processors:      processors,
		notifier:        notifier,
		grouper:         grouper,
		log:             log,
		interBatchDelay: 500 * time.Millisecond,
		rateWaitMax:     30 * time.Second,
		ratePoll:        time.Second,
		sleep:           sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run processes one claimed job. A terminal failure marks the job failed
// but keeps every result persisted before the failing sub-batch.
func (ex *Executor) Run(ctx context.Context, job domain.Job) {
	log := ex.log.With(zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)))

	payload, err := ex.store.GetPayload(ctx, job.ID)
	if err != nil {
		ex.terminate(ctx, job.ID, errors.Wrap(err, "load payload"), log)
		return
	}
	proc, err := ex.processors.For(job.Kind)
	if err != nil {
		ex.terminate(ctx, job.ID, err, log)
		return
	}

	groups := ex.grouper.Split(payload.InputItems)
	total := len(payload.InputItems)
	processed := 0
	log.Info("job started", zap.Int("items", total), zap.Int("sub_batches", len(groups)))

	// sub-batches run sequentially so the shared rate window stays
	// deterministic for this job
	for i, group := range groups {
		results, err := ex.callWithRetry(ctx, job, proc, group)
		if err != nil {
			ex.terminate(ctx, job.ID, err, log)
			return
		}

		processed += len(group)
		progress := int(math.Round(float64(processed) / float64(total) * 100))
		if err := ex.store.AppendResults(ctx, job.ID, results, progress); err != nil {
			ex.terminate(ctx, job.ID, errors.Wrap(err, "persist results"), log)
			return
		}
		ex.notifier.Publish(ctx, job.ID, domain.Processing, progress)

		if i < len(groups)-1 {
			if err := ex.sleep(ctx, ex.interBatchDelay); err != nil {
				ex.terminate(ctx, job.ID, err, log)
				return
			}
		}
	}

	if err := ex.store.Complete(ctx, job.ID); err != nil {
		log.Error("mark completed", zap.Error(err))
		return
	}
	ex.notifier.Publish(ctx, job.ID, domain.Completed, 100)
	log.Info("job completed", zap.Int("items", total))
}

// callWithRetry performs one sub-batch call, retrying transient failures
// with exponential backoff until the job's retry budget runs out.
func (ex *Executor) callWithRetry(ctx context.Context, job domain.Job, proc downstream.Processor, items []domain.WorkItem) ([]domain.Result, error) {
	for attempt := 0; ; attempt++ {
		results, err := ex.callOnce(ctx, proc, items)
		if err == nil {
			return results, nil
		}
		if !downstream.IsTransient(err) {
			return nil, err
		}
		if attempt >= job.MaxRetries {
			return nil, errors.Wrapf(err, "retries exhausted after %d attempts", attempt+1)
		}
		if err := ex.store.RecordRetry(ctx, job.ID); err != nil {
			ex.log.Warn("record retry", zap.String("job_id", job.ID), zap.Error(err))
		}
		if err := ex.sleep(ctx, backoff(attempt)); err != nil {
			return nil, err
		}
	}
}

func (ex *Executor) callOnce(ctx context.Context, proc downstream.Processor, items []domain.WorkItem) ([]domain.Result, error) {
	if err := ex.reserveRateSlot(ctx); err != nil {
		return nil, err
	}
	return proc.ProcessBatch(ctx, items)
}

// reserveRateSlot polls the shared window until it admits a call, bounded
// by rateWaitMax. The check and the record are one atomic reservation, so
// racing executors cannot jointly overrun the per-minute cap. Prolonged
// starvation is returned as a retryable error rather than blocking a worker
// slot indefinitely.
func (ex *Executor) reserveRateSlot(ctx context.Context) error {
	deadline := time.Now().Add(ex.rateWaitMax)
	for {
		ok, err := ex.window.Reserve(ctx)
		if err != nil {
			return errors.Wrap(err, "reserve rate slot")
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return errRateStarved
		}
		if err := ex.sleep(ctx, ex.ratePoll); err != nil {
			return err
		}
	}
}

func (ex *Executor) terminate(ctx context.Context, jobID string, cause error, log *zap.Logger) {
	log.Error("job failed", zap.Error(cause))
	if err := ex.store.Fail(ctx, jobID, cause.Error()); err != nil {
		log.Error("mark failed", zap.Error(err))
		return
	}
	ex.notifier.Publish(ctx, jobID, domain.Failed, 0)
}
