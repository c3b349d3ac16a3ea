// Package engine drives the job queue: it accepts submissions, runs
// processing cycles that claim pending jobs under the cluster leader lock,
// and executes claimed jobs against the downstream batch API on a bounded
// worker pool.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lumenlearn/gradeq/internal/domain"
	"github.com/lumenlearn/gradeq/internal/downstream"
	"github.com/lumenlearn/gradeq/internal/storage"
)

// Store is the persistence surface the engine needs. *storage.Store
// implements it; tests plug in an in-memory fake.
type Store interface {
	CreateJob(ctx context.Context, j domain.Job, p domain.JobPayload) (string, error)
	GetJob(ctx context.Context, id string) (domain.Job, error)
	GetJobView(ctx context.Context, id string) (domain.JobView, error)
	GetPayload(ctx context.Context, jobID string) (domain.JobPayload, error)
	PendingCount(ctx context.Context) (int, error)
	PendingItemTotal(ctx context.Context) (int, error)
	ClaimPending(ctx context.Context, maxConcurrent int) ([]domain.Job, error)
	AppendResults(ctx context.Context, jobID string, results []domain.Result, progress int) error
	RecordRetry(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID, msg string) error
	CancelPending(ctx context.Context, jobID string) error
	Stats(ctx context.Context) (storage.Stats, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Lease is a held leader lock; it must be released on every exit path.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out the cycle leader lock. A nil Lease with nil error means
// another cycle is already driving the queue.
type Locker interface {
	TryAcquire(ctx context.Context) (Lease, error)
}

// RateWindow is the shared sliding window of downstream calls. Reserve
// checks and records in one step so the cap holds across racing callers.
type RateWindow interface {
	Count(ctx context.Context) (int, error)
	Reserve(ctx context.Context) (bool, error)
	Limit() int
}

// Notifier publishes job status changes to subscribers.
type Notifier interface {
	Publish(ctx context.Context, jobID string, status domain.Status, progress int)
}

// Processors resolves the downstream processor for a job kind.
type Processors interface {
	For(k domain.Kind) (downstream.Processor, error)
}

type Config struct {
	MaxConcurrentJobs int
	MaxRetriesDefault int
	Retention         time.Duration
	GCInterval        time.Duration
	PerItemEstimate   time.Duration
}

type Engine struct {
	cfg      Config
	store    Store
	locker   Locker
	window   RateWindow
	notifier Notifier
	exec     *Executor
	pool     *Pool
	log      *zap.Logger

	lastGC atomic.Int64 // unix seconds of the last opportunistic GC pass

	// execCtx outlives individual requests so fire-and-forget work is not
	// torn down when the triggering request returns.
	execCtx    context.Context
	cancelExec context.CancelFunc
}

func New(cfg Config, store Store, locker Locker, window RateWindow, notifier Notifier, exec *Executor, log *zap.Logger) *Engine {
	if cfg.MaxRetriesDefault <= 0 {
		cfg.MaxRetriesDefault = 3
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		store:      store,
		locker:     locker,
		window:     window,
		notifier:   notifier,
		exec:       exec,
		pool:       NewPool(int64(cfg.MaxConcurrentJobs), log),
		log:        log,
		execCtx:    ctx,
		cancelExec: cancel,
	}
}

// Shutdown waits for in-flight job executions to finish (bounded by ctx)
// before cancelling the execution context.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.pool.Drain(ctx)
	e.cancelExec()
	return err
}

type SubmitRequest struct {
	Kind       domain.Kind
	Items      []domain.WorkItem
	Priority   domain.Priority
	MaxRetries int
	Metadata   map[string]string
}

type SubmitResponse struct {
	JobID         string
	Position      int
	EstimatedWait time.Duration
}

// ErrInvalid marks submissions rejected before they ever enter the queue.
var ErrInvalid = errors.New("invalid submission")

func (r *SubmitRequest) validate() error {
	if !r.Kind.Valid() {
		return errors.Wrapf(ErrInvalid, "unknown kind %q", r.Kind)
	}
	if len(r.Items) == 0 {
		return errors.Wrap(ErrInvalid, "no work items")
	}
	for i, it := range r.Items {
		if it.Content == "" {
			return errors.Wrapf(ErrInvalid, "item %d has no content", i)
		}
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return errors.Wrapf(ErrInvalid, "unknown priority %q", r.Priority)
	}
	if r.MaxRetries < 0 {
		return errors.Wrap(ErrInvalid, "negative maxRetries")
	}
	return nil
}

// Submit creates one job plus its payload, estimates the caller's place in
// the queue and nudges a processing cycle without waiting for it.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if err := req.validate(); err != nil {
		return SubmitResponse{}, err
	}
	if req.Priority == "" {
		req.Priority = domain.Normal
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = e.cfg.MaxRetriesDefault
	}

	job := domain.Job{
		Kind:       req.Kind,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	}
	payload := domain.JobPayload{
		InputItems: req.Items,
		Metadata:   req.Metadata,
	}

	id, err := e.store.CreateJob(ctx, job, payload)
	if err != nil {
		return SubmitResponse{}, err
	}

	position, err := e.store.PendingCount(ctx)
	if err != nil {
		e.log.Warn("estimate queue position", zap.Error(err))
		position = 1
	}
	wait := e.estimateWait(ctx)

	e.TriggerCycle()
	return SubmitResponse{JobID: id, Position: position, EstimatedWait: wait}, nil
}

// estimateWait is a rough ETA: total pending items times the per-item
// estimate, spread across the concurrency cap.
func (e *Engine) estimateWait(ctx context.Context) time.Duration {
	items, err := e.store.PendingItemTotal(ctx)
	if err != nil || e.cfg.MaxConcurrentJobs <= 0 {
		return 0
	}
	return time.Duration(items) * e.cfg.PerItemEstimate / time.Duration(e.cfg.MaxConcurrentJobs)
}

// TriggerCycle kicks one processing cycle in the background. Submission
// latency never includes claim or execution work.
func (e *Engine) TriggerCycle() {
	go func() {
		if err := e.RunCycle(e.execCtx); err != nil {
			e.log.Error("processing cycle", zap.Error(err))
		}
	}()
}

// Status returns the merged job+payload view.
func (e *Engine) Status(ctx context.Context, jobID string) (domain.JobView, error) {
	return e.store.GetJobView(ctx, jobID)
}

// Cancel force-fails a job that is still pending.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	if err := e.store.CancelPending(ctx, jobID); err != nil {
		return err
	}
	e.notifier.Publish(ctx, jobID, domain.Failed, 0)
	return nil
}

type QueueStats struct {
	storage.Stats
	CurrentAPICallRate   int
	MaxConcurrentJobs    int
	MaxAPICallsPerMinute int
}

func (e *Engine) QueueStats(ctx context.Context) (QueueStats, error) {
	st, err := e.store.Stats(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	rate, err := e.window.Count(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{
		Stats:                st,
		CurrentAPICallRate:   rate,
		MaxConcurrentJobs:    e.cfg.MaxConcurrentJobs,
		MaxAPICallsPerMinute: e.window.Limit(),
	}, nil
}
