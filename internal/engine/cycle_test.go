package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumenlearn/gradeq/internal/domain"
	"github.com/lumenlearn/gradeq/internal/downstream"
	"github.com/lumenlearn/gradeq/internal/storage"
)

func newTestEngine(store Store, locker Locker, window RateWindow, notifier Notifier, proc downstream.Processor, maxConcurrent int) *Engine {
	ex := newTestExecutor(store, window, proc, notifier, 10)
	return New(Config{
		MaxConcurrentJobs: maxConcurrent,
		Retention:         48 * time.Hour,
		GCInterval:        time.Hour,
		PerItemEstimate:   2 * time.Second,
	}, store, locker, window, notifier, ex, zap.NewNop())
}

func addPending(store *memStore, priority domain.Priority, items int) string {
	return store.addJob(domain.Job{
		Kind:       domain.Grading,
		Priority:   priority,
		MaxRetries: 3,
	}, makeItems(items))
}

func drain(t *testing.T, eng *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.pool.Drain(ctx))
}

func TestCycleRespectsConcurrencyCap(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	window := &fakeWindow{limit: 100}

	for i := 0; i < 5; i++ {
		addPending(store, domain.Normal, 1)
	}

	started := make(chan struct{}, 5)
	release := make(chan struct{})
	proc := &fakeProcessor{fn: func(items []domain.WorkItem) ([]domain.Result, error) {
		started <- struct{}{}
		<-release
		return echoResults(items)
	}}

	eng := newTestEngine(store, &fakeLock{}, window, &fakeNotifier{}, proc, 2)
	require.NoError(t, eng.RunCycle(ctx))

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("claimed job never started executing")
		}
	}

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Processing)
	assert.Equal(t, 3, st.Pending, "jobs beyond the cap stay pending")

	// a second cycle with both slots busy claims nothing
	require.NoError(t, eng.RunCycle(ctx))
	st, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Processing)
	assert.Equal(t, 2, store.peakProcessing)

	close(release)
	drain(t, eng)

	st, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Completed)
	assert.LessOrEqual(t, store.peakProcessing, 2)
}

func TestConcurrentCyclesNeverClaimOverlappingJobs(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	window := &fakeWindow{limit: 1000}

	for i := 0; i < 10; i++ {
		addPending(store, domain.Normal, 1)
	}

	// every cycle wins the lock, so claim attempts race at the store
	eng := newTestEngine(store, openLocker{}, window, &fakeNotifier{}, &fakeProcessor{fn: echoResults}, 3)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = eng.RunCycle(ctx)
		}()
	}
	wg.Wait()
	drain(t, eng)

	seen := make(map[string]int)
	for _, claim := range store.allClaims() {
		for _, id := range claim {
			seen[id]++
		}
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
	assert.LessOrEqual(t, store.peakProcessing, 3)
}

func TestCycleClaimsByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	window := &fakeWindow{limit: 100}

	low := addPending(store, domain.Low, 1)
	urgent := addPending(store, domain.Urgent, 1)
	normal1 := addPending(store, domain.Normal, 1)
	high := addPending(store, domain.High, 1)
	normal2 := addPending(store, domain.Normal, 1)

	eng := newTestEngine(store, &fakeLock{}, window, &fakeNotifier{}, &fakeProcessor{fn: echoResults}, 2)

	require.NoError(t, eng.RunCycle(ctx))
	claims := store.allClaims()
	require.Len(t, claims, 1)
	assert.Equal(t, []string{urgent, high}, claims[0], "urgent and high drain before older normal/low jobs")
	drain(t, eng)

	require.NoError(t, eng.RunCycle(ctx))
	claims = store.allClaims()
	require.Len(t, claims, 2)
	assert.Equal(t, []string{normal1, normal2}, claims[1], "FIFO within a priority tier")
	drain(t, eng)

	require.NoError(t, eng.RunCycle(ctx))
	claims = store.allClaims()
	require.Len(t, claims, 3)
	assert.Equal(t, []string{low}, claims[2])
}

func TestCycleAbandonsWhenAnotherCycleHoldsLock(t *testing.T) {
	store := newMemStore()
	addPending(store, domain.Normal, 1)

	lock := &fakeLock{held: true}
	eng := newTestEngine(store, lock, &fakeWindow{limit: 100}, &fakeNotifier{}, &fakeProcessor{fn: echoResults}, 2)

	require.NoError(t, eng.RunCycle(context.Background()))
	assert.Empty(t, store.allClaims(), "losing the lock must not touch job state")
	assert.Equal(t, domain.Pending, store.status("job-1"))
}

func TestCycleSkipsClaimWhenRateWindowSaturated(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	window := &fakeWindow{limit: 10}
	window.set(10)

	addPending(store, domain.Normal, 1)
	eng := newTestEngine(store, &fakeLock{}, window, &fakeNotifier{}, &fakeProcessor{fn: echoResults}, 2)

	require.NoError(t, eng.RunCycle(ctx))
	assert.Empty(t, store.allClaims())
	assert.Equal(t, domain.Pending, store.status("job-1"))

	// once the window ages out, the next cycle claims normally
	window.set(0)
	require.NoError(t, eng.RunCycle(ctx))
	require.Len(t, store.allClaims(), 1)
	drain(t, eng)
	assert.Equal(t, domain.Completed, store.status("job-1"))
}

func TestCycleRunsRetentionGC(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	window := &fakeWindow{limit: 100}

	oldJob := addPending(store, domain.Normal, 1)
	recentJob := addPending(store, domain.Normal, 1)
	store.setCompleted(oldJob, time.Now().Add(-72*time.Hour))
	store.setCompleted(recentJob, time.Now().Add(-24*time.Hour))

	eng := newTestEngine(store, &fakeLock{}, window, &fakeNotifier{}, &fakeProcessor{fn: echoResults}, 2)
	require.NoError(t, eng.RunCycle(ctx))
	drain(t, eng)

	_, err := store.GetJob(ctx, oldJob)
	assert.Error(t, err, "job past the retention window is deleted")
	_, err = store.GetJob(ctx, recentJob)
	assert.NoError(t, err, "job inside the retention window survives")
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	eng := newTestEngine(store, &fakeLock{held: true}, &fakeWindow{limit: 100}, &fakeNotifier{}, &fakeProcessor{fn: echoResults}, 2)

	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{"unknown kind", SubmitRequest{Kind: "video", Items: makeItems(1)}},
		{"no items", SubmitRequest{Kind: domain.Grading}},
		{"empty content", SubmitRequest{Kind: domain.Grading, Items: []domain.WorkItem{{ID: "a"}}}},
		{"bad priority", SubmitRequest{Kind: domain.Grading, Items: makeItems(1), Priority: "asap"}},
		{"negative retries", SubmitRequest{Kind: domain.Grading, Items: makeItems(1), MaxRetries: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Submit(ctx, tc.req)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Total, "rejected submissions never enter the queue")
}

func TestSubmitCreatesJobAndEstimatesQueue(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	// held lock keeps the async triggered cycle from claiming mid-test
	eng := newTestEngine(store, &fakeLock{held: true}, &fakeWindow{limit: 100}, &fakeNotifier{}, &fakeProcessor{fn: echoResults}, 2)

	first, err := eng.Submit(ctx, SubmitRequest{Kind: domain.Grading, Items: makeItems(10)})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Position)
	// 10 items x 2s per item across 2 slots
	assert.Equal(t, 10*time.Second, first.EstimatedWait)

	second, err := eng.Submit(ctx, SubmitRequest{Kind: domain.Extraction, Items: makeItems(10), Priority: domain.High})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Position)
	assert.Equal(t, 20*time.Second, second.EstimatedWait)

	job := store.job(second.JobID)
	assert.Equal(t, domain.Pending, job.Status)
	assert.Equal(t, domain.High, job.Priority)
	assert.Equal(t, 3, job.MaxRetries, "default retry budget applies")
}

func TestSubmitRollsBackWhenPayloadWriteFails(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.failPayload = true
	eng := newTestEngine(store, &fakeLock{held: true}, &fakeWindow{limit: 100}, &fakeNotifier{}, &fakeProcessor{fn: echoResults}, 2)

	_, err := eng.Submit(ctx, SubmitRequest{Kind: domain.Grading, Items: makeItems(1)})
	require.Error(t, err)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Total, "no pending job may exist without a payload")
}

func TestCancelOnlyWhilePending(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	notifier := &fakeNotifier{}
	eng := newTestEngine(store, &fakeLock{}, &fakeWindow{limit: 100}, notifier, &fakeProcessor{fn: echoResults}, 2)

	id := addPending(store, domain.Normal, 1)
	require.NoError(t, eng.Cancel(ctx, id))
	assert.Equal(t, domain.Failed, store.status(id))
	events := notifier.forJob(id)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.Failed, events[len(events)-1].status)

	claimedID := addPending(store, domain.Normal, 1)
	_, err := store.ClaimPending(ctx, 2)
	require.NoError(t, err)
	assert.ErrorIs(t, eng.Cancel(ctx, claimedID), storage.ErrNotPending)
}
