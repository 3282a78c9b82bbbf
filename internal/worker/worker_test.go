package worker

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ads-marketplace/dealflow/internal/escrow"
	"github.com/ads-marketplace/dealflow/internal/events"
	"github.com/ads-marketplace/dealflow/internal/jobqueue"
	"github.com/ads-marketplace/dealflow/internal/posting"
	"github.com/ads-marketplace/dealflow/internal/repositories/memstore"
	"github.com/ads-marketplace/dealflow/internal/statemachine"
	"github.com/ads-marketplace/dealflow/internal/testkit"
	"github.com/ads-marketplace/dealflow/internal/timeouts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingRegistrar struct{ names []string }

func (r *recordingRegistrar) Handle(name string, _ jobqueue.Handler) {
	r.names = append(r.names, name)
}

func TestRegisterCoversEveryJob(t *testing.T) {
	store := memstore.New()
	clock := testkit.NewClock()
	queue := testkit.NewFakeQueue(clock)
	notifier := events.NewNotifier(&testkit.FakePublisher{}, zap.NewNop())
	machine := statemachine.New(store, notifier, zap.NewNop())
	escrowSvc := escrow.NewService(store, testkit.NewFakeLedger(), machine, queue, notifier, escrow.Config{}, zap.NewNop())
	posts := posting.NewService(store, machine, queue, testkit.NewFakeBot(), testkit.NewFakeInspector(), escrowSvc, notifier, posting.Config{}, zap.NewNop())
	sweeper := timeouts.NewSweeper(store, machine, escrowSvc, posts, queue, notifier, timeouts.Config{}, zap.NewNop())

	rec := &recordingRegistrar{}
	Register(rec, escrowSvc, posts, sweeper)

	sort.Strings(rec.names)
	assert.Equal(t, []string{
		timeouts.JobDealTimeout,
		escrow.JobPaymentPoll,
		posting.JobDelete,
		posting.JobPublish,
		posting.JobVerify,
	}, rec.names)
}

type blockingConsumer struct{ started atomic.Bool }

func (c *blockingConsumer) Run(ctx context.Context) error {
	c.started.Store(true)
	<-ctx.Done()
	return nil
}

type failingConsumer struct{}

func (failingConsumer) Run(context.Context) error { return errors.New("redis gone") }

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) Sweep(context.Context) (timeouts.SweepResult, error) {
	s.calls.Add(1)
	return timeouts.SweepResult{Deals: 1}, s.err
}

func TestRunnerSweepsImmediatelyAndStopsWithContext(t *testing.T) {
	consumer := &blockingConsumer{}
	sweeper := &countingSweeper{}
	r := NewRunner(consumer, sweeper, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sweeper.calls.Load() >= 1 && consumer.started.Load()
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunnerReturnsConsumerError(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("db down")}
	r := NewRunner(failingConsumer{}, sweeper, time.Hour, zap.NewNop())

	err := r.Run(context.Background())
	assert.EqualError(t, err, "redis gone")
}
