package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Job is one unit of scheduled work. Key doubles as the dedupe key: while a job
// with the same key is waiting, further enqueues are dropped.
type Job struct {
	Key         string          `json:"key"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	RunAt       time.Time       `json:"run_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Name, err)
	}
	return nil
}

// IsRetryable reports whether another attempt is allowed.
func (j *Job) IsRetryable() bool {
	return j.Attempt < j.MaxAttempts
}

type EnqueueOptions struct {
	// Key deduplicates the job. Empty means name plus a random suffix.
	Key         string
	Delay       time.Duration
	MaxAttempts int
}

// Scheduler is the part of the queue services depend on.
type Scheduler interface {
	Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) error
	Cancel(ctx context.Context, key string) error
}

// Registrar is implemented by Queue and by test queues.
type Registrar interface {
	Handle(name string, h Handler)
}

// Handler runs a job. A returned error schedules a retry unless it is Permanent.
type Handler func(ctx context.Context, job *Job) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job goes straight to the failed set.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Stats is a snapshot of the queue.
type Stats struct {
	Delayed    int64            `json:"delayed"`
	Processing int64            `json:"processing"`
	Failed     int64            `json:"failed"`
	Counters   map[string]int64 `json:"counters"`
}
