// Package testkit holds in-memory stand-ins for the queue, ledger, bot and
// post inspector, shared by service tests.
package testkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ads-marketplace/dealflow/internal/events"
	"github.com/ads-marketplace/dealflow/internal/jobqueue"
	"github.com/ads-marketplace/dealflow/internal/statsparser"
	"github.com/ads-marketplace/dealflow/internal/telegram"
	"github.com/ads-marketplace/dealflow/internal/ton"
	"github.com/google/uuid"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock() *Clock {
	return &Clock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// FakeQueue keeps jobs in memory with the same dedupe-by-key rule as jobqueue.Queue.
type FakeQueue struct {
	mu       sync.Mutex
	clock    *Clock
	jobs     map[string]*jobqueue.Job
	handlers map[string]jobqueue.Handler
	Enqueued []string
	Canceled []string
}

func NewFakeQueue(clock *Clock) *FakeQueue {
	return &FakeQueue{
		clock:    clock,
		jobs:     make(map[string]*jobqueue.Job),
		handlers: make(map[string]jobqueue.Handler),
	}
}

func (q *FakeQueue) Enqueue(_ context.Context, name string, payload any, opts jobqueue.EnqueueOptions) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	key := opts.Key
	if key == "" {
		key = name + ":" + uuid.NewString()
	}
	if _, exists := q.jobs[key]; exists {
		return nil
	}
	now := q.clock.Now()
	q.jobs[key] = &jobqueue.Job{Key: key, Name: name, Payload: raw, EnqueuedAt: now, RunAt: now.Add(opts.Delay), MaxAttempts: opts.MaxAttempts}
	q.Enqueued = append(q.Enqueued, key)
	return nil
}

func (q *FakeQueue) Cancel(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[key]; ok {
		delete(q.jobs, key)
		q.Canceled = append(q.Canceled, key)
	}
	return nil
}

func (q *FakeQueue) Handle(name string, h jobqueue.Handler) {
	q.mu.Lock()
	q.handlers[name] = h
	q.mu.Unlock()
}

// Job returns the waiting job for key, or nil.
func (q *FakeQueue) Job(key string) *jobqueue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[key]; ok {
		cp := *j
		return &cp
	}
	return nil
}

// Keys lists waiting job keys in run order.
func (q *FakeQueue) Keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]*jobqueue.Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].RunAt.Equal(jobs[k].RunAt) {
			return jobs[i].Key < jobs[k].Key
		}
		return jobs[i].RunAt.Before(jobs[k].RunAt)
	})
	keys := make([]string, len(jobs))
	for i, j := range jobs {
		keys[i] = j.Key
	}
	return keys
}

// RunDue runs every job due at the current clock time, in run order, including jobs
// that become due while running. A failing job stays queued and the error is returned.
func (q *FakeQueue) RunDue(ctx context.Context) error {
	for {
		job := q.nextDue()
		if job == nil {
			return nil
		}
		q.mu.Lock()
		h, ok := q.handlers[job.Name]
		q.mu.Unlock()
		if !ok {
			return fmt.Errorf("no handler for %s", job.Name)
		}
		job.Attempt++
		if err := h(ctx, job); err != nil {
			q.mu.Lock()
			if _, requeued := q.jobs[job.Key]; !requeued {
				q.jobs[job.Key] = job
			}
			q.mu.Unlock()
			return fmt.Errorf("job %s: %w", job.Key, err)
		}
	}
}

func (q *FakeQueue) nextDue() *jobqueue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	var next *jobqueue.Job
	for _, j := range q.jobs {
		if j.RunAt.After(now) {
			continue
		}
		if next == nil || j.RunAt.Before(next.RunAt) || (j.RunAt.Equal(next.RunAt) && j.Key < next.Key) {
			next = j
		}
	}
	if next != nil {
		delete(q.jobs, next.Key)
	}
	return next
}

// FakeLedger records ledger calls. Set the *Err fields to simulate failures.
type FakeLedger struct {
	mu          sync.Mutex
	DeployErr   error
	ReleaseErr  error
	RefundErr   error
	PaymentErr  error
	Payments    map[string]*ton.PaymentResult
	Deployed    []string
	Releases    []string
	Refunds     []string
	PaymentPoll int
}

func NewFakeLedger() *FakeLedger {
	return &FakeLedger{Payments: make(map[string]*ton.PaymentResult)}
}

func (l *FakeLedger) ComputeEscrowAddress(p ton.EscrowParams) (string, error) {
	return "EQ" + p.DealID.String(), nil
}

func (l *FakeLedger) DeployEscrow(_ context.Context, p ton.EscrowParams) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.DeployErr != nil {
		return "", l.DeployErr
	}
	addr := "EQ" + p.DealID.String()
	l.Deployed = append(l.Deployed, addr)
	return addr, nil
}

func (l *FakeLedger) SendRelease(_ context.Context, contract string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReleaseErr != nil {
		return "", l.ReleaseErr
	}
	l.Releases = append(l.Releases, contract)
	return fmt.Sprintf("release-%d", len(l.Releases)), nil
}

func (l *FakeLedger) SendRefund(_ context.Context, contract string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.RefundErr != nil {
		return "", l.RefundErr
	}
	l.Refunds = append(l.Refunds, contract)
	return fmt.Sprintf("refund-%d", len(l.Refunds)), nil
}

func (l *FakeLedger) CheckIncomingPayment(_ context.Context, contract string, minAmount int64, _ time.Time) (*ton.PaymentResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.PaymentPoll++
	if l.PaymentErr != nil {
		return nil, l.PaymentErr
	}
	if res, ok := l.Payments[contract]; ok && res.Amount >= minAmount {
		cp := *res
		return &cp, nil
	}
	return &ton.PaymentResult{}, nil
}

// Pay makes the next payment check for contract succeed.
func (l *FakeLedger) Pay(contract string, amount int64, txHash string) {
	l.mu.Lock()
	l.Payments[contract] = &ton.PaymentResult{Received: true, TxHash: txHash, Amount: amount, From: "EQadvertiser"}
	l.mu.Unlock()
}

// FakeBot stands in for the bot service.
type FakeBot struct {
	mu       sync.Mutex
	NoRights map[int64]bool
	PostErr  error
	Posts    []telegram.PostRequest
	Deleted  []int64
	nextID   int64
}

func NewFakeBot() *FakeBot {
	return &FakeBot{NoRights: make(map[int64]bool), nextID: 100}
}

func (b *FakeBot) CanPost(_ context.Context, chatID int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.NoRights[chatID], nil
}

func (b *FakeBot) SendPost(_ context.Context, req telegram.PostRequest) (*telegram.PostResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PostErr != nil {
		return nil, b.PostErr
	}
	b.nextID++
	b.Posts = append(b.Posts, req)
	return &telegram.PostResult{MessageID: b.nextID, ChatID: req.ChatID}, nil
}

func (b *FakeBot) DeleteMessage(_ context.Context, _ int64, messageID int64) error {
	b.mu.Lock()
	b.Deleted = append(b.Deleted, messageID)
	b.mu.Unlock()
	return nil
}

func (b *FakeBot) PostCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Posts)
}

// FakeInspector returns canned snapshots per message id; unknown messages are live and unchanged.
type FakeInspector struct {
	mu        sync.Mutex
	Snapshots map[int64]*statsparser.PostSnapshot
	Err       error
}

func NewFakeInspector() *FakeInspector {
	return &FakeInspector{Snapshots: make(map[int64]*statsparser.PostSnapshot)}
}

func (f *FakeInspector) InspectPost(_ context.Context, _ string, messageID int64) (*statsparser.PostSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if s, ok := f.Snapshots[messageID]; ok {
		cp := *s
		return &cp, nil
	}
	return &statsparser.PostSnapshot{Exists: true, ContentHash: "original", Views: 100}, nil
}

func (f *FakeInspector) Set(messageID int64, snap statsparser.PostSnapshot) {
	f.mu.Lock()
	f.Snapshots[messageID] = &snap
	f.mu.Unlock()
}

// FakePublisher records published events.
type FakePublisher struct {
	mu     sync.Mutex
	Events []events.Event
}

func (p *FakePublisher) Publish(_ context.Context, _ string, e events.Event) error {
	p.mu.Lock()
	p.Events = append(p.Events, e)
	p.mu.Unlock()
	return nil
}

// Types returns the recorded event types in order.
func (p *FakePublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Events))
	for i, e := range p.Events {
		out[i] = e.Type
	}
	return out
}

// Count returns how many events of the given type were published.
func (p *FakePublisher) Count(eventType string) int {
	n := 0
	for _, t := range p.Types() {
		if t == eventType {
			n++
		}
	}
	return n
}
