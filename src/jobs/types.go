// Package jobs defines the background job contract shared by the queue
// backends, and the handlers that run sync and reprocessing work.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSuperseded Status = "superseded"
)

type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Handler runs one job. A returned error schedules a retry unless it is
// wrapped with Permanent or the job is out of attempts.
type Handler func(ctx context.Context, job *Job) error

type EnqueueOptions struct {
	// DedupeKey coalesces jobs: while a pending job with the same key exists
	// Enqueue returns that job instead of adding another, and a pending job
	// is not started while another job with its key is running.
	DedupeKey   string
	MaxAttempts int
	Delay       time.Duration
}

// Queue is implemented by the in-memory and Postgres backends.
type Queue interface {
	// Enqueue returns the id of the pending job that will carry the payload.
	Enqueue(ctx context.Context, queue, name string, payload any, opts EnqueueOptions) (string, error)
	// Process registers the handler for every job on queue. Call before Start.
	Process(queue string, h Handler)
	Start(ctx context.Context) error
	// Close stops claiming jobs and waits for running ones until ctx is done.
	Close(ctx context.Context) error
}

var ErrClosed = errors.New("queue is closed")

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

type Options struct {
	Workers            int
	JobTimeout         time.Duration
	DefaultMaxAttempts int
	PollInterval       time.Duration
	Retry              RetryPolicy
}

func (o Options) WithDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 5 * time.Minute
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Retry.InitialInterval <= 0 {
		o.Retry = DefaultRetryPolicy()
	}
	return o
}

// Key namespaces a dedupe key by queue.
func Key(queue, dedupeKey string) string {
	return queue + "\x00" + dedupeKey
}
