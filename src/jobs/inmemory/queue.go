// Package inmemory is a single-process job queue with the same dedupe and
// retry behaviour as the Postgres queue. Jobs are lost on restart.
package inmemory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"finsync-server/src/jobs"
)

// recentFinished bounds how many finished jobs Stats reports.
const recentFinished = 256

type Queue struct {
	opts jobs.Options
	log  logrus.FieldLogger
	now  func() time.Time

	mu            sync.Mutex
	handlers      map[string]jobs.Handler
	pending       []*jobs.Job
	byKey         map[string]*jobs.Job // pending jobs by namespaced dedupe key
	running       map[string]int       // running jobs per namespaced dedupe key
	finished      []jobs.Job           // oldest first, at most keepFinished
	keepFinished  int
	finishedTotal int
	inFlight      int
	started       bool
	closed        bool

	wake   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ jobs.Queue = (*Queue)(nil)

func NewQueue(opts jobs.Options, log logrus.FieldLogger) *Queue {
	return &Queue{
		opts:         opts.WithDefaults(),
		log:          log,
		now:          time.Now,
		handlers:     make(map[string]jobs.Handler),
		byKey:        make(map[string]*jobs.Job),
		running:      make(map[string]int),
		keepFinished: recentFinished,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (q *Queue) Enqueue(ctx context.Context, queue, name string, payload any, opts jobs.EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", name, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", jobs.ErrClosed
	}

	if opts.DedupeKey != "" {
		if existing, ok := q.byKey[jobs.Key(queue, opts.DedupeKey)]; ok {
			return existing.ID, nil
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.DefaultMaxAttempts
	}
	job := &jobs.Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Name:        name,
		Payload:     raw,
		DedupeKey:   opts.DedupeKey,
		Status:      jobs.StatusPending,
		MaxAttempts: maxAttempts,
		RunAt:       q.now().Add(opts.Delay),
	}
	q.addPending(job)
	q.signal()
	return job.ID, nil
}

// addPending must be called with mu held.
func (q *Queue) addPending(job *jobs.Job) {
	q.pending = append(q.pending, job)
	sort.SliceStable(q.pending, func(i, j int) bool { return q.pending[i].RunAt.Before(q.pending[j].RunAt) })
	if job.DedupeKey != "" {
		q.byKey[jobs.Key(job.Queue, job.DedupeKey)] = job
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Process(queue string, h jobs.Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queue] = h
}

func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return jobs.ErrClosed
	}
	if q.started {
		return nil
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return nil
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		if job, h := q.claim(); job != nil {
			q.run(ctx, job, h)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// claim takes the first due job whose dedupe key is not running.
func (q *Queue) claim() (*jobs.Job, jobs.Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, nil
	}

	now := q.now()
	for i, job := range q.pending {
		if job.RunAt.After(now) {
			break
		}
		h, ok := q.handlers[job.Queue]
		if !ok {
			continue
		}
		key := jobs.Key(job.Queue, job.DedupeKey)
		if job.DedupeKey != "" && q.running[key] > 0 {
			continue
		}

		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		if job.DedupeKey != "" {
			delete(q.byKey, key)
			q.running[key]++
		}
		job.Status = jobs.StatusRunning
		job.Attempts++
		q.inFlight++
		return job, h
	}
	return nil, nil
}

func (q *Queue) run(ctx context.Context, job *jobs.Job, h jobs.Handler) {
	log := q.log.WithFields(logrus.Fields{"job_id": job.ID, "job": job.Name, "attempt": job.Attempts})

	jobCtx, cancel := context.WithTimeout(ctx, q.opts.JobTimeout)
	err := safeRun(jobCtx, job, h)
	cancel()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight--
	key := jobs.Key(job.Queue, job.DedupeKey)
	if job.DedupeKey != "" {
		q.running[key]--
		if q.running[key] == 0 {
			delete(q.running, key)
		}
	}
	defer q.signal()

	if err == nil {
		job.Status = jobs.StatusCompleted
		job.LastError = ""
		q.finish(*job)
		return
	}

	job.LastError = err.Error()
	if jobs.IsPermanent(err) || job.Attempts >= job.MaxAttempts {
		job.Status = jobs.StatusFailed
		q.finish(*job)
		log.WithError(err).Error("Jobs.Failed")
		return
	}

	if job.DedupeKey != "" {
		if _, ok := q.byKey[key]; ok {
			// A newer pending job will do the same work.
			job.Status = jobs.StatusSuperseded
			q.finish(*job)
			log.WithError(err).Warn("Jobs.Retry.Superseded")
			return
		}
	}

	delay := q.opts.Retry.Delay(job.Attempts)
	job.Status = jobs.StatusPending
	job.RunAt = q.now().Add(delay)
	q.addPending(job)
	log.WithError(err).WithField("retry_in", delay.String()).Warn("Jobs.Retry")
}

// finish must be called with mu held. The oldest entry is dropped once
// keepFinished are held.
func (q *Queue) finish(job jobs.Job) {
	q.finishedTotal++
	if len(q.finished) < q.keepFinished {
		q.finished = append(q.finished, job)
		return
	}
	copy(q.finished, q.finished[1:])
	q.finished[len(q.finished)-1] = job
}

func safeRun(ctx context.Context, job *jobs.Job, h jobs.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	if err := h(ctx, job); err != nil {
		return err
	}
	// A handler that ignored its deadline still counts as failed.
	if ctx.Err() != nil {
		return fmt.Errorf("job %s: %w", job.ID, ctx.Err())
	}
	return nil
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

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
		return ctx.Err()
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

type Stats struct {
	Pending int
	Running int
	// Finished holds the most recent finished jobs, oldest first.
	Finished []jobs.Job
	// FinishedTotal counts every job that finished since the queue was created.
	FinishedTotal int
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:       len(q.pending),
		Running:       q.inFlight,
		Finished:      append([]jobs.Job(nil), q.finished...),
		FinishedTotal: q.finishedTotal,
	}
}
