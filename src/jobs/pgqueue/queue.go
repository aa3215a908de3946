// Package pgqueue is a durable job queue on the jobs table. Workers claim
// jobs with FOR UPDATE SKIP LOCKED and hold a lease while they run; a job
// whose lease expires is claimed again, so delivery is at least once.
package pgqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"finsync-server/src/jobs"
)

type Queue struct {
	pool *pgxpool.Pool
	opts jobs.Options
	log  logrus.FieldLogger

	mu       sync.RWMutex
	handlers map[string]jobs.Handler
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
}

var _ jobs.Queue = (*Queue)(nil)

func NewQueue(pool *pgxpool.Pool, opts jobs.Options, log logrus.FieldLogger) *Queue {
	return &Queue{
		pool:     pool,
		opts:     opts.WithDefaults(),
		log:      log,
		handlers: make(map[string]jobs.Handler),
		done:     make(chan struct{}),
	}
}

// lease outlives the job timeout so a healthy worker always finishes first.
func (q *Queue) lease() time.Duration {
	return q.opts.JobTimeout + time.Minute
}

func (q *Queue) Enqueue(ctx context.Context, queue, name string, payload any, opts jobs.EnqueueOptions) (string, error) {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return "", jobs.ErrClosed
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", name, err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.DefaultMaxAttempts
	}
	var dedupe *string
	if opts.DedupeKey != "" {
		dedupe = &opts.DedupeKey
	}

	query := `
		INSERT INTO jobs (id, queue, name, payload, dedupe_key, max_attempts, run_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW() + $7::interval)
		ON CONFLICT (queue, dedupe_key) WHERE status = 'pending'
		DO UPDATE SET updated_at = NOW()
		RETURNING id
	`
	var id string
	err = q.pool.QueryRow(ctx, query, uuid.NewString(), queue, name, raw, dedupe, maxAttempts, opts.Delay).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", name, err)
	}
	return id, nil
}

func (q *Queue) Process(queue string, h jobs.Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queue] = h
}

func (q *Queue) queues() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	names := make([]string, 0, len(q.handlers))
	for name := range q.handlers {
		names = append(names, name)
	}
	return names
}

func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return jobs.ErrClosed
	}
	if q.cancel != nil {
		return nil
	}
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return nil
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		job, err := q.claim(ctx)
		if err != nil && ctx.Err() == nil {
			q.log.WithError(err).Error("Jobs.Claim.Failed")
		}
		if job != nil {
			q.run(ctx, job)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-time.After(q.opts.PollInterval):
		}
	}
}

const claimQuery = `
	UPDATE jobs
	SET status = 'running', attempts = attempts + 1, locked_until = NOW() + $2::interval, updated_at = NOW()
	WHERE id = (
		SELECT j.id
		FROM jobs j
		WHERE j.queue = ANY($1)
		  AND j.run_at <= NOW()
		  AND (j.status = 'pending' OR (j.status = 'running' AND j.locked_until < NOW()))
		  AND (j.dedupe_key IS NULL OR NOT EXISTS (
			SELECT 1 FROM jobs r
			WHERE r.queue = j.queue AND r.dedupe_key = j.dedupe_key AND r.id <> j.id
			  AND r.status = 'running' AND r.locked_until >= NOW()
		  ))
		ORDER BY j.run_at, j.created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	RETURNING id, queue, name, payload, COALESCE(dedupe_key, ''), attempts, max_attempts, run_at, COALESCE(last_error, '')
`

func (q *Queue) claim(ctx context.Context) (*jobs.Job, error) {
	names := q.queues()
	if len(names) == 0 {
		return nil, nil
	}
	var j jobs.Job
	err := q.pool.QueryRow(ctx, claimQuery, names, q.lease()).
		Scan(&j.ID, &j.Queue, &j.Name, &j.Payload, &j.DedupeKey, &j.Attempts, &j.MaxAttempts, &j.RunAt, &j.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.Status = jobs.StatusRunning
	return &j, nil
}

func (q *Queue) run(ctx context.Context, job *jobs.Job) {
	q.mu.RLock()
	h := q.handlers[job.Queue]
	q.mu.RUnlock()

	log := q.log.WithFields(logrus.Fields{"job_id": job.ID, "job": job.Name, "attempt": job.Attempts})

	jobCtx, cancel := context.WithTimeout(ctx, q.opts.JobTimeout)
	err := safeRun(jobCtx, job, h)
	cancel()

	// Record the outcome even when shutdown cancelled ctx.
	writeCtx, writeCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer writeCancel()

	if err == nil {
		if err := q.finish(writeCtx, job.ID, jobs.StatusCompleted, ""); err != nil {
			log.WithError(err).Error("Jobs.Complete.Failed")
		}
		return
	}

	if jobs.IsPermanent(err) || job.Attempts >= job.MaxAttempts {
		log.WithError(err).Error("Jobs.Failed")
		if ferr := q.finish(writeCtx, job.ID, jobs.StatusFailed, err.Error()); ferr != nil {
			log.WithError(ferr).Error("Jobs.Fail.Failed")
		}
		return
	}

	delay := q.opts.Retry.Delay(job.Attempts)
	log.WithError(err).WithField("retry_in", delay.String()).Warn("Jobs.Retry")
	if rerr := q.retry(writeCtx, job.ID, err.Error(), delay); rerr != nil {
		log.WithError(rerr).Error("Jobs.Retry.Failed")
	}
}

func safeRun(ctx context.Context, job *jobs.Job, h jobs.Handler) (err error) {
	if h == nil {
		return jobs.Permanent(fmt.Errorf("no handler for queue %s", job.Queue))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	if err := h(ctx, job); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("job %s: %w", job.ID, ctx.Err())
	}
	return nil
}

func (q *Queue) finish(ctx context.Context, id string, status jobs.Status, lastError string) error {
	var errText *string
	if lastError != "" {
		errText = &lastError
	}
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, locked_until = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, string(status), errText)
	return err
}

// retry puts the job back to pending. When a newer pending job already holds
// the dedupe key the failed one is marked superseded instead.
func (q *Queue) retry(ctx context.Context, id, lastError string, delay time.Duration) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', last_error = $2, locked_until = NULL, run_at = NOW() + $3::interval, updated_at = NOW()
		WHERE id = $1
	`, id, lastError, delay)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return q.finish(ctx, id, jobs.StatusSuperseded, lastError)
	}
	return err
}

func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	cancel := q.cancel
	q.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if cancel != nil {
		cancel()
	}
	<-finished
	return err
}
