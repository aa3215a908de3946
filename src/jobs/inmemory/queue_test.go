package inmemory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finsync-server/src/jobs"
)

func newTestQueue(t *testing.T, opts jobs.Options) *Queue {
	t.Helper()
	logger, _ := test.NewNullLogger()
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Millisecond
	}
	if opts.Retry.InitialInterval == 0 {
		opts.Retry = jobs.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2}
	}
	q := NewQueue(opts, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q
}

func finished(q *Queue, n int) func() bool {
	return func() bool { return len(q.Stats().Finished) >= n }
}

func TestQueue_RunsJobWithPayload(t *testing.T) {
	q := newTestQueue(t, jobs.Options{Workers: 2})
	got := make(chan string, 1)
	q.Process("transactions", func(ctx context.Context, job *jobs.Job) error {
		var p jobs.SyncItemPayload
		assert.NoError(t, json.Unmarshal(job.Payload, &p))
		got <- p.ItemID
		return nil
	})
	require.NoError(t, q.Start(context.Background()))

	_, err := q.Enqueue(context.Background(), "transactions", jobs.JobSyncItem, jobs.SyncItemPayload{ItemID: "item-1"}, jobs.EnqueueOptions{})
	require.NoError(t, err)

	select {
	case id := <-got:
		assert.Equal(t, "item-1", id)
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
	require.Eventually(t, finished(q, 1), time.Second, time.Millisecond)
	assert.Equal(t, jobs.StatusCompleted, q.Stats().Finished[0].Status)
}

func TestQueue_DedupeCoalescesPendingJobs(t *testing.T) {
	q := newTestQueue(t, jobs.Options{Workers: 2})
	var runs atomic.Int32
	q.Process("transactions", func(ctx context.Context, job *jobs.Job) error {
		runs.Add(1)
		return nil
	})

	opts := jobs.EnqueueOptions{DedupeKey: "sync:item-1"}
	id1, err := q.Enqueue(context.Background(), "transactions", jobs.JobSyncItem, jobs.SyncItemPayload{ItemID: "item-1"}, opts)
	require.NoError(t, err)
	id2, err := q.Enqueue(context.Background(), "transactions", jobs.JobSyncItem, jobs.SyncItemPayload{ItemID: "item-1"}, opts)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	other, err := q.Enqueue(context.Background(), "transactions", jobs.JobSyncItem, jobs.SyncItemPayload{ItemID: "item-2"}, jobs.EnqueueOptions{DedupeKey: "sync:item-2"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, other)

	require.NoError(t, q.Start(context.Background()))
	require.Eventually(t, finished(q, 2), time.Second, time.Millisecond)
	assert.Equal(t, int32(2), runs.Load())
}

func TestQueue_SameKeyNeverRunsConcurrently(t *testing.T) {
	q := newTestQueue(t, jobs.Options{Workers: 4})
	var mu sync.Mutex
	active, maxActive := 0, 0
	release := make(chan struct{})
	started := make(chan struct{}, 4)

	q.Process("transactions", func(ctx context.Context, job *jobs.Job) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		started <- struct{}{}
		<-release
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})
	require.NoError(t, q.Start(context.Background()))

	opts := jobs.EnqueueOptions{DedupeKey: "sync:item-1"}
	first, err := q.Enqueue(context.Background(), "transactions", jobs.JobSyncItem, nil, opts)
	require.NoError(t, err)
	<-started

	// The running job no longer blocks enqueueing a follow-up.
	second, err := q.Enqueue(context.Background(), "transactions", jobs.JobSyncItem, nil, opts)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, q.Stats().Pending, "follow-up waits for the running job")

	close(release)
	require.Eventually(t, finished(q, 2), time.Second, time.Millisecond)
	assert.Equal(t, 1, maxActive)
}

func TestQueue_RetriesWithBackoff(t *testing.T) {
	q := newTestQueue(t, jobs.Options{Workers: 1})
	var calls atomic.Int32
	q.Process("transactions", func(ctx context.Context, job *jobs.Job) error {
		if calls.Add(1) < 3 {
			return errors.New("aggregator 503")
		}
		return nil
	})
	require.NoError(t, q.Start(context.Background()))

	_, err := q.Enqueue(context.Background(), "transactions", jobs.JobSyncItem, nil, jobs.EnqueueOptions{MaxAttempts: 5})
	require.NoError(t, err)

	require.Eventually(t, finished(q, 1), time.Second, time.Millisecond)
	job := q.Stats().Finished[0]
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, 3, job.Attempts)
}

func TestQueue_AttemptsAreBounded(t *testing.T) {
	q := newTestQueue(t, jobs.Options{Workers: 1})
	var calls atomic.Int32
	q.Process("transactions", func(ctx context.Context, job *jobs.Job) error {
		calls.Add(1)
		return errors.New("still broken")
	})
	require.NoError(t, q.Start(context.Background()))

	_, err := q.Enqueue(context.Background(), "transactions", jobs.JobSyncItem, nil, jobs.EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	require.Eventually(t, finished(q, 1), time.Second, time.Millisecond)
	job := q.Stats().Finished[0]
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "still broken", job.LastError)
	assert.Equal(t, int32(2), calls.Load())
}

func TestQueue_PermanentErrorIsNotRetried(t *testing.T) {
	q := newTestQueue(t, jobs.Options{Workers: 1})
	q.Process("transactions", func(ctx context.Context, job *jobs.Job) error {
		return jobs.Permanent(errors.New("bad payload"))
	})
	require.NoError(t, q.Start(context.Background()))

	_, err := q.Enqueue(context.Background(), "transactions", jobs.JobSyncItem, nil, jobs.EnqueueOptions{MaxAttempts: 5})
	require.NoError(t, err)

	require.Eventually(t, finished(q, 1), time.Second, time.Millisecond)
	job := q.Stats().Finished[0]
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestQueue_JobTimeoutCountsAsFailure(t *testing.T) {
	q := newTestQueue(t, jobs.Options{Workers: 1, JobTimeout: 10 * time.Millisecond})
	q.Process("transactions", func(ctx context.Context, job *jobs.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, q.Start(context.Background()))

	_, err := q.Enqueue(context.Background(), "transactions", jobs.JobSyncItem, nil, jobs.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	require.Eventually(t, finished(q, 1), time.Second, time.Millisecond)
	job := q.Stats().Finished[0]
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.LastError, "deadline exceeded")
}

func TestQueue_DelayedJobWaits(t *testing.T) {
	q := newTestQueue(t, jobs.Options{Workers: 1})
	var calls atomic.Int32
	q.Process("transactions", func(ctx context.Context, job *jobs.Job) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, q.Start(context.Background()))

	_, err := q.Enqueue(context.Background(), "transactions", jobs.JobSyncItem, nil, jobs.EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 1, q.Stats().Pending)
}

func TestQueue_RecoversPanics(t *testing.T) {
	q := newTestQueue(t, jobs.Options{Workers: 1})
	q.Process("transactions", func(ctx context.Context, job *jobs.Job) error {
		panic("nil map")
	})
	require.NoError(t, q.Start(context.Background()))

	_, err := q.Enqueue(context.Background(), "transactions", jobs.JobSyncItem, nil, jobs.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	require.Eventually(t, finished(q, 1), time.Second, time.Millisecond)
	assert.Contains(t, q.Stats().Finished[0].LastError, "panicked")
}

func TestQueue_EnqueueAfterClose(t *testing.T) {
	q := newTestQueue(t, jobs.Options{})
	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Close(context.Background()))

	_, err := q.Enqueue(context.Background(), "transactions", jobs.JobSyncItem, nil, jobs.EnqueueOptions{})
	assert.ErrorIs(t, err, jobs.ErrClosed)
}

func TestQueue_FinishedHistoryIsBounded(t *testing.T) {
	q := newTestQueue(t, jobs.Options{Workers: 1})
	q.keepFinished = 3
	q.Process("transactions", func(ctx context.Context, job *jobs.Job) error { return nil })
	require.NoError(t, q.Start(context.Background()))

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(context.Background(), "transactions", jobs.JobSyncItem, nil, jobs.EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool { return q.Stats().FinishedTotal == 5 }, time.Second, time.Millisecond)
	stats := q.Stats()
	require.Len(t, stats.Finished, 3)
	got := make([]string, 0, 3)
	for _, j := range stats.Finished {
		got = append(got, j.ID)
	}
	assert.ElementsMatch(t, ids[2:], got)
}
