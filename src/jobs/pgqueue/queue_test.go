package pgqueue

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finsync-server/src/db"
	"finsync-server/src/jobs"
)

// These tests need a scratch database; they are skipped unless
// TEST_DATABASE_URL is set.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	logger, _ := test.NewNullLogger()
	ctx := context.Background()
	pool, err := db.Connect(ctx, url, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(url, logger))
	_, err = pool.Exec(ctx, `TRUNCATE jobs`)
	require.NoError(t, err)
	return pool
}

func fastOptions() jobs.Options {
	return jobs.Options{
		Workers:      2,
		JobTimeout:   5 * time.Second,
		PollInterval: 20 * time.Millisecond,
		Retry:        jobs.RetryPolicy{InitialInterval: 10 * time.Millisecond, MaxInterval: 20 * time.Millisecond, Multiplier: 1},
	}
}

func status(t *testing.T, pool *pgxpool.Pool, id string) (string, int) {
	t.Helper()
	var s string
	var attempts int
	require.NoError(t, pool.QueryRow(context.Background(), `SELECT status, attempts FROM jobs WHERE id = $1`, id).Scan(&s, &attempts))
	return s, attempts
}

func TestEnqueueDedupe(t *testing.T) {
	pool := testPool(t)
	logger, _ := test.NewNullLogger()
	q := NewQueue(pool, fastOptions(), logger)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "transactions", "sync-item", map[string]string{"item_id": "a"}, jobs.EnqueueOptions{DedupeKey: "sync:a"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "transactions", "sync-item", map[string]string{"item_id": "a"}, jobs.EnqueueOptions{DedupeKey: "sync:a"})
	require.NoError(t, err)
	other, err := q.Enqueue(ctx, "transactions", "sync-item", map[string]string{"item_id": "b"}, jobs.EnqueueOptions{DedupeKey: "sync:b"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
}

func TestProcessRetriesThenCompletes(t *testing.T) {
	pool := testPool(t)
	logger, _ := test.NewNullLogger()
	q := NewQueue(pool, fastOptions(), logger)
	ctx := context.Background()

	var calls atomic.Int32
	q.Process("transactions", func(ctx context.Context, job *jobs.Job) error {
		if calls.Add(1) < 3 {
			return errors.New("upstream unavailable")
		}
		return nil
	})
	id, err := q.Enqueue(ctx, "transactions", "sync-item", map[string]string{"item_id": "a"}, jobs.EnqueueOptions{MaxAttempts: 5})
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))
	t.Cleanup(func() { _ = q.Close(context.Background()) })

	assert.Eventually(t, func() bool {
		s, _ := status(t, pool, id)
		return s == string(jobs.StatusCompleted)
	}, 5*time.Second, 20*time.Millisecond)
	_, attempts := status(t, pool, id)
	assert.Equal(t, 3, attempts)
}

func TestPermanentFailure(t *testing.T) {
	pool := testPool(t)
	logger, _ := test.NewNullLogger()
	q := NewQueue(pool, fastOptions(), logger)
	ctx := context.Background()

	q.Process("transactions", func(ctx context.Context, job *jobs.Job) error {
		return jobs.Permanent(errors.New("bad payload"))
	})
	id, err := q.Enqueue(ctx, "transactions", "process-all", map[string]int{"user_id": 1}, jobs.EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))
	t.Cleanup(func() { _ = q.Close(context.Background()) })

	assert.Eventually(t, func() bool {
		s, _ := status(t, pool, id)
		return s == string(jobs.StatusFailed)
	}, 5*time.Second, 20*time.Millisecond)
	_, attempts := status(t, pool, id)
	assert.Equal(t, 1, attempts)
}

func TestEnqueueAfterClose(t *testing.T) {
	pool := testPool(t)
	logger, _ := test.NewNullLogger()
	q := NewQueue(pool, fastOptions(), logger)
	require.NoError(t, q.Close(context.Background()))

	_, err := q.Enqueue(context.Background(), "transactions", "sync-item", nil, jobs.EnqueueOptions{})
	assert.ErrorIs(t, err, jobs.ErrClosed)
}
