package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lumenlearn/gradeq/internal/domain"
	"github.com/lumenlearn/gradeq/internal/downstream"
	"github.com/lumenlearn/gradeq/internal/storage"
)

// memStore is an in-memory Store. Its mutex plays the role of the database
// transaction: claim decisions are atomic with respect to each other.
type memStore struct {
	mu       sync.Mutex
	seq      int
	jobs     map[string]*domain.Job
	payloads map[string]*domain.JobPayload

	claims         [][]string // job ids returned by each ClaimPending call
	peakProcessing int
	failPayload    bool // simulate payload insert failure
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[string]*domain.Job),
		payloads: make(map[string]*domain.JobPayload),
	}
}

func (m *memStore) CreateJob(_ context.Context, j domain.Job, p domain.JobPayload) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPayload {
		return "", errors.New("payload insert failed")
	}
	m.seq++
	id := fmt.Sprintf("job-%d", m.seq)
	j.ID = id
	j.Status = domain.Pending
	j.ItemCount = len(p.InputItems)
	j.CreatedAt = time.Unix(0, int64(m.seq)) // strictly increasing
	p.JobID = id
	m.jobs[id] = &j
	m.payloads[id] = &p
	return id, nil
}

func (m *memStore) addJob(j domain.Job, items []domain.WorkItem) string {
	id, err := m.CreateJob(context.Background(), j, domain.JobPayload{InputItems: items})
	if err != nil {
		panic(err)
	}
	return id
}

func (m *memStore) GetJob(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, storage.ErrNotFound
	}
	return *j, nil
}

func (m *memStore) GetJobView(_ context.Context, id string) (domain.JobView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.JobView{}, storage.ErrNotFound
	}
	p := m.payloads[id]
	return domain.JobView{
		Job:      *j,
		Results:  append([]domain.Result(nil), p.Results...),
		Errors:   append([]string(nil), p.Errors...),
		Metadata: p.Metadata,
	}, nil
}

func (m *memStore) GetPayload(_ context.Context, id string) (domain.JobPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payloads[id]
	if !ok {
		return domain.JobPayload{}, storage.ErrNotFound
	}
	return *p, nil
}

func (m *memStore) PendingCount(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == domain.Pending {
			n++
		}
	}
	return n, nil
}

func (m *memStore) PendingItemTotal(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == domain.Pending {
			n += j.ItemCount
		}
	}
	return n, nil
}

func (m *memStore) ClaimPending(_ context.Context, maxConcurrent int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	processing := 0
	for _, j := range m.jobs {
		if j.Status == domain.Processing {
			processing++
		}
	}
	slots := maxConcurrent - processing
	if slots <= 0 {
		return nil, nil
	}

	var pending []*domain.Job
	for _, j := range m.jobs {
		if j.Status == domain.Pending {
			pending = append(pending, j)
		}
	}
	sort.Slice(pending, func(i, k int) bool {
		if pending[i].Priority.Rank() != pending[k].Priority.Rank() {
			return pending[i].Priority.Rank() > pending[k].Priority.Rank()
		}
		return pending[i].CreatedAt.Before(pending[k].CreatedAt)
	})
	if len(pending) > slots {
		pending = pending[:slots]
	}

	now := time.Now()
	var claimed []domain.Job
	var ids []string
	for _, j := range pending {
		j.Status = domain.Processing
		j.StartedAt = &now
		claimed = append(claimed, *j)
		ids = append(ids, j.ID)
		processing++
	}
	if processing > m.peakProcessing {
		m.peakProcessing = processing
	}
	m.claims = append(m.claims, ids)
	return claimed, nil
}

func (m *memStore) AppendResults(_ context.Context, id string, results []domain.Result, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payloads[id]
	if !ok {
		return storage.ErrNotFound
	}
	p.Results = append(p.Results, results...)
	if j := m.jobs[id]; j.Status == domain.Processing && progress > j.Progress {
		j.Progress = progress
	}
	return nil
}

func (m *memStore) RecordRetry(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.RetryCount++
	}
	return nil
}

func (m *memStore) Complete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.Processing {
		return storage.ErrNotFound
	}
	now := time.Now()
	j.Status = domain.Completed
	j.Progress = 100
	j.CompletedAt = &now
	return nil
}

func (m *memStore) Fail(_ context.Context, id, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status.Terminal() {
		return storage.ErrNotFound
	}
	now := time.Now()
	j.Status = domain.Failed
	j.CompletedAt = &now
	m.payloads[id].Errors = append(m.payloads[id].Errors, msg)
	return nil
}

func (m *memStore) CancelPending(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if j.Status != domain.Pending {
		return storage.ErrNotPending
	}
	now := time.Now()
	j.Status = domain.Failed
	j.CompletedAt = &now
	m.payloads[id].Errors = append(m.payloads[id].Errors, "cancelled by caller")
	return nil
}

func (m *memStore) Stats(_ context.Context) (storage.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st storage.Stats
	for _, j := range m.jobs {
		st.Total++
		switch j.Status {
		case domain.Pending:
			st.Pending++
		case domain.Processing:
			st.Processing++
		case domain.Completed:
			st.Completed++
		case domain.Failed:
			st.Failed++
		}
	}
	return st, nil
}

func (m *memStore) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(m.payloads, id)
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) setCompleted(id string, completedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Status = domain.Completed
	j.Progress = 100
	j.CompletedAt = &completedAt
}

func (m *memStore) status(id string) domain.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id].Status
}

func (m *memStore) job(id string) domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) payload(id string) domain.JobPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.payloads[id]
}

func (m *memStore) allClaims() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.claims...)
}

// fakeLock is a process-local trylock standing in for the Redis lease.
type fakeLock struct {
	mu   sync.Mutex
	held bool
}

type fakeLease struct{ l *fakeLock }

func (fl *fakeLock) TryAcquire(context.Context) (Lease, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.held {
		return nil, nil
	}
	fl.held = true
	return &fakeLease{l: fl}, nil
}

func (le *fakeLease) Release(context.Context) error {
	le.l.mu.Lock()
	defer le.l.mu.Unlock()
	le.l.held = false
	return nil
}

// openLocker always grants the lock, letting claim attempts race so the
// store-level exclusion property can be exercised.
type openLocker struct{}

type noopLease struct{}

func (openLocker) TryAcquire(context.Context) (Lease, error) { return noopLease{}, nil }
func (noopLease) Release(context.Context) error              { return nil }

// fakeWindow is an in-memory stand-in for the shared sliding window.
type fakeWindow struct {
	mu    sync.Mutex
	calls int
	limit int
}

func (w *fakeWindow) Count(context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls, nil
}

func (w *fakeWindow) Reserve(context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.calls >= w.limit {
		return false, nil
	}
	w.calls++
	return true, nil
}

func (w *fakeWindow) Limit() int { return w.limit }

func (w *fakeWindow) set(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = n
}

type published struct {
	jobID    string
	status   domain.Status
	progress int
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []published
}

func (n *fakeNotifier) Publish(_ context.Context, jobID string, status domain.Status, progress int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, published{jobID: jobID, status: status, progress: progress})
}

func (n *fakeNotifier) forJob(jobID string) []published {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []published
	for _, ev := range n.events {
		if ev.jobID == jobID {
			out = append(out, ev)
		}
	}
	return out
}

// fakeProcessor delegates to a function so each test scripts the downstream.
type fakeProcessor struct {
	fn func(items []domain.WorkItem) ([]domain.Result, error)
}

func (p *fakeProcessor) ProcessBatch(_ context.Context, items []domain.WorkItem) ([]domain.Result, error) {
	return p.fn(items)
}

func echoResults(items []domain.WorkItem) ([]domain.Result, error) {
	out := make([]domain.Result, len(items))
	for i, it := range items {
		out[i] = domain.Result{ItemID: it.ID, Output: "ok"}
	}
	return out, nil
}

type fakeProcessors struct{ proc downstream.Processor }

func (f fakeProcessors) For(domain.Kind) (downstream.Processor, error) { return f.proc, nil }
