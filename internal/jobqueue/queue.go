// Package jobqueue is a Redis-backed delayed job queue with deduplication keys,
// retries with linear backoff and recovery of jobs abandoned mid-processing.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DelayedKey    = "jobs:delayed"
	DataKey       = "jobs:data"
	ProcessingKey = "jobs:processing"
	StatsKey      = "jobs:stats"
	FailedKey     = "jobs:failed"

	DefaultMaxAttempts = 5
)

// enqueue adds the job unless the same key is already waiting.
var enqueueScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// claim moves due jobs from delayed to processing and returns their data.
var claimScript = redis.NewScript(`
local keys = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, k in ipairs(keys) do
  redis.call('ZREM', KEYS[1], k)
  local data = redis.call('HGET', KEYS[2], k)
  if data then
    redis.call('ZADD', KEYS[3], ARGV[1], k)
    table.insert(out, data)
  end
end
return out
`)

// complete drops the job unless a handler re-enqueued the same key meanwhile.
var completeScript = redis.NewScript(`
redis.call('ZREM', KEYS[3], ARGV[1])
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('HDEL', KEYS[2], ARGV[1])
end
return 1
`)

var retryScript = redis.NewScript(`
redis.call('ZREM', KEYS[3], ARGV[1])
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

var failScript = redis.NewScript(`
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[2])
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('HDEL', KEYS[2], ARGV[1])
end
return 1
`)

// cancel removes a waiting job. A job that is currently running is left alone.
var cancelScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if not redis.call('ZSCORE', KEYS[3], ARGV[1]) then
  redis.call('HDEL', KEYS[2], ARGV[1])
end
return removed
`)

var recoverScript = redis.NewScript(`
local keys = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, k in ipairs(keys) do
  redis.call('ZREM', KEYS[1], k)
  if not redis.call('ZSCORE', KEYS[2], k) then
    redis.call('ZADD', KEYS[2], ARGV[2], k)
  end
end
return #keys
`)

type Options struct {
	Workers      int
	PollInterval time.Duration
	// RetryBackoff is multiplied by the attempt number.
	RetryBackoff time.Duration
	// StuckAfter is how long a job may sit in processing before it is requeued.
	StuckAfter time.Duration
	// MaxAttempts applies to jobs enqueued without their own limit.
	MaxAttempts int
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 30 * time.Second
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = 10 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
}

type Queue struct {
	client *redis.Client
	log    *zap.Logger
	opts   Options

	mu       sync.RWMutex
	handlers map[string]Handler

	now func() time.Time
}

func New(client *redis.Client, opts Options, log *zap.Logger) *Queue {
	opts.setDefaults()
	return &Queue{
		client:   client,
		log:      log,
		opts:     opts,
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
}

// Handle registers the handler for a job name.
func (q *Queue) Handle(name string, h Handler) {
	q.mu.Lock()
	q.handlers[name] = h
	q.mu.Unlock()
}

func (q *Queue) handler(name string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[name]
	return h, ok
}

// Enqueue schedules a job. Enqueueing a key that is already waiting is a no-op.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", name, err)
	}
	now := q.now()
	job := Job{
		Key:         opts.Key,
		Name:        name,
		Payload:     raw,
		MaxAttempts: opts.MaxAttempts,
		EnqueuedAt:  now,
		RunAt:       now.Add(opts.Delay),
	}
	if job.Key == "" {
		job.Key = name + ":" + uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.opts.MaxAttempts
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	added, err := enqueueScript.Run(ctx, q.client, []string{DelayedKey, DataKey},
		job.Key, score(job.RunAt), string(data)).Int()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Key, err)
	}
	if added == 0 {
		q.log.Debug("job already queued", zap.String("key", job.Key))
		return nil
	}
	q.incr(ctx, "enqueued")
	q.log.Info("job enqueued", zap.String("key", job.Key), zap.String("name", name), zap.Time("run_at", job.RunAt))
	return nil
}

// Cancel removes a waiting job by key. Unknown keys are ignored.
func (q *Queue) Cancel(ctx context.Context, key string) error {
	removed, err := cancelScript.Run(ctx, q.client, []string{DelayedKey, DataKey, ProcessingKey}, key).Int()
	if err != nil {
		return fmt.Errorf("cancel %s: %w", key, err)
	}
	if removed > 0 {
		q.incr(ctx, "cancelled")
		q.log.Info("job cancelled", zap.String("key", key))
	}
	return nil
}

// Pending returns the waiting job for key, or nil.
func (q *Queue) Pending(ctx context.Context, key string) (*Job, error) {
	if err := q.client.ZScore(ctx, DelayedKey, key).Err(); err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	data, err := q.client.HGet(ctx, DataKey, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", key, err)
	}
	return &job, nil
}

// Run polls for due jobs and executes them on Workers goroutines until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	q.log.Info("job queue started", zap.Int("workers", q.opts.Workers))

	jobs := make(chan *Job)
	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				q.execute(ctx, job)
			}
		}()
	}

	poll := time.NewTicker(q.opts.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(q.opts.StuckAfter / 2)
	defer sweep.Stop()

	defer func() {
		close(jobs)
		wg.Wait()
		q.log.Info("job queue stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			if _, err := q.RecoverStuck(ctx); err != nil {
				q.log.Error("recover stuck jobs", zap.Error(err))
			}
		case <-poll.C:
			claimed, err := q.claim(ctx, q.opts.Workers)
			if err != nil {
				if ctx.Err() == nil {
					q.log.Error("claim jobs", zap.Error(err))
				}
				continue
			}
			for _, job := range claimed {
				select {
				case jobs <- job:
				case <-ctx.Done():
					// Left in processing; RecoverStuck requeues it on the next run.
					return nil
				}
			}
		}
	}
}

// ProcessDue runs every job that is due now on the calling goroutine and returns how many ran.
func (q *Queue) ProcessDue(ctx context.Context) (int, error) {
	total := 0
	for {
		claimed, err := q.claim(ctx, 100)
		if err != nil {
			return total, err
		}
		if len(claimed) == 0 {
			return total, nil
		}
		for _, job := range claimed {
			q.execute(ctx, job)
		}
		total += len(claimed)
	}
}

// RecoverStuck moves jobs that have been processing longer than StuckAfter back to delayed.
func (q *Queue) RecoverStuck(ctx context.Context) (int, error) {
	now := q.now()
	cutoff := now.Add(-q.opts.StuckAfter)
	n, err := recoverScript.Run(ctx, q.client, []string{ProcessingKey, DelayedKey}, score(cutoff), score(now)).Int()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Warn("recovered stuck jobs", zap.Int("count", n))
	}
	return n, nil
}

func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	delayed := pipe.ZCard(ctx, DelayedKey)
	processing := pipe.ZCard(ctx, ProcessingKey)
	failed := pipe.HLen(ctx, FailedKey)
	counters := pipe.HGetAll(ctx, StatsKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	st := &Stats{
		Delayed:    delayed.Val(),
		Processing: processing.Val(),
		Failed:     failed.Val(),
		Counters:   make(map[string]int64),
	}
	for k, v := range counters.Val() {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			st.Counters[k] = n
		}
	}
	return st, nil
}

// Failed returns dead-lettered jobs keyed by job key.
func (q *Queue) Failed(ctx context.Context) (map[string]Job, error) {
	raw, err := q.client.HGetAll(ctx, FailedKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Job, len(raw))
	for k, v := range raw {
		var job Job
		if err := json.Unmarshal([]byte(v), &job); err != nil {
			q.log.Warn("skip undecodable failed job", zap.String("key", k), zap.Error(err))
			continue
		}
		out[k] = job
	}
	return out, nil
}

func (q *Queue) claim(ctx context.Context, limit int) ([]*Job, error) {
	res, err := claimScript.Run(ctx, q.client, []string{DelayedKey, DataKey, ProcessingKey},
		score(q.now()), limit).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(res))
	for _, data := range res {
		var job Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			q.log.Error("drop undecodable job", zap.Error(err))
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (q *Queue) execute(ctx context.Context, job *Job) {
	job.Attempt++
	log := q.log.With(zap.String("key", job.Key), zap.String("name", job.Name), zap.Int("attempt", job.Attempt))

	h, ok := q.handler(job.Name)
	var err error
	if !ok {
		err = Permanent(fmt.Errorf("no handler registered for %q", job.Name))
	} else {
		err = runHandler(ctx, h, job)
	}

	if err == nil {
		if cerr := completeScript.Run(ctx, q.client, []string{DelayedKey, DataKey, ProcessingKey}, job.Key).Err(); cerr != nil {
			log.Error("failed to complete job", zap.Error(cerr))
		}
		q.incr(ctx, "completed")
		log.Debug("job completed")
		return
	}

	job.LastError = err.Error()
	if !isPermanent(err) && job.IsRetryable() {
		job.RunAt = q.now().Add(time.Duration(job.Attempt) * q.opts.RetryBackoff)
		data, _ := json.Marshal(job)
		if rerr := retryScript.Run(ctx, q.client, []string{DelayedKey, DataKey, ProcessingKey},
			job.Key, score(job.RunAt), string(data)).Err(); rerr != nil {
			log.Error("failed to schedule retry", zap.Error(rerr))
		}
		q.incr(ctx, "retried")
		log.Warn("job failed, retrying", zap.Error(err), zap.Time("run_at", job.RunAt))
		return
	}

	data, _ := json.Marshal(job)
	if ferr := failScript.Run(ctx, q.client, []string{DelayedKey, DataKey, ProcessingKey, FailedKey},
		job.Key, string(data)).Err(); ferr != nil {
		log.Error("failed to dead-letter job", zap.Error(ferr))
	}
	q.incr(ctx, "failed")
	log.Error("job permanently failed", zap.Error(err))
}

// runHandler converts handler panics into errors so one bad job cannot kill a worker.
func runHandler(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (q *Queue) incr(ctx context.Context, counter string) {
	if err := q.client.HIncrBy(ctx, StatsKey, counter, 1).Err(); err != nil {
		q.log.Warn("failed to update job stats", zap.String("counter", counter), zap.Error(err))
	}
}

func score(t time.Time) int64 {
	return t.UnixMilli()
}
