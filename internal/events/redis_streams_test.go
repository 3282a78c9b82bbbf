package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func waitEvent(t *testing.T, got <-chan Event) Event {
	t.Helper()
	select {
	case e := <-got:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("event not delivered")
		return Event{}
	}
}

func TestRedisNotifyRoundTrip(t *testing.T) {
	client := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 1)
	sub := NewRedisGroupSubscriber(client, "bot-notify-bridge", "test", zap.NewNop())
	require.NoError(t, sub.Subscribe(ctx, StreamBot, func(e Event) { got <- e }))

	n := NewNotifier(NewRedisPublisher(client, zap.NewNop()), zap.NewNop())
	dealID := uuid.New()
	n.Notify(ctx, 12345, dealID, "Payment received")

	e := waitEvent(t, got)
	assert.Equal(t, EventBotNotification, e.Type)
	id, ok := e.TelegramUserID()
	require.True(t, ok)
	assert.Equal(t, int64(12345), id)
	assert.Equal(t, "Payment received", e.Payload["text"])
	assert.Equal(t, dealID.String(), e.Payload["deal_id"])

	// Handled entries are acknowledged.
	require.Eventually(t, func() bool {
		p, err := client.XPending(ctx, StreamBot, "bot-notify-bridge").Result()
		return err == nil && p.Count == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGroupConsumerCatchesUp(t *testing.T) {
	client := newRedis(t)
	ctx := context.Background()
	pub := NewRedisPublisher(client, zap.NewNop())

	// The group exists but its consumer is not running yet.
	require.NoError(t, client.XGroupCreateMkStream(ctx, StreamBot, "bridge", "$").Err())

	for i := range 3 {
		require.NoError(t, pub.Publish(ctx, StreamBot, Event{Type: EventBotNotification, Payload: map[string]any{"n": float64(i)}}))
	}

	// The consumer picks up what was published while it was away.
	run, cancel := context.WithCancel(ctx)
	defer cancel()
	got := make(chan Event, 3)
	sub := NewRedisGroupSubscriber(client, "bridge", "a", zap.NewNop())
	require.NoError(t, sub.Subscribe(run, StreamBot, func(e Event) { got <- e }))

	for i := range 3 {
		e := waitEvent(t, got)
		assert.Equal(t, float64(i), e.Payload["n"])
	}
}

func TestFanOutSeesOnlyNewEvents(t *testing.T) {
	client := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := NewRedisPublisher(client, zap.NewNop())

	require.NoError(t, pub.Publish(ctx, StreamDeal, Event{Type: EventDealExpired, Payload: map[string]any{"old": true}}))

	a := make(chan Event, 2)
	b := make(chan Event, 2)
	require.NoError(t, NewRedisSubscriber(client, zap.NewNop()).Subscribe(ctx, StreamDeal, func(e Event) { a <- e }))
	require.NoError(t, NewRedisSubscriber(client, zap.NewNop()).Subscribe(ctx, StreamDeal, func(e Event) { b <- e }))

	require.NoError(t, pub.Publish(ctx, StreamDeal, Event{Type: EventDealCompleted, Payload: map[string]any{"deal_id": "d1"}}))

	assert.Equal(t, EventDealCompleted, waitEvent(t, a).Type)
	assert.Equal(t, EventDealCompleted, waitEvent(t, b).Type)
}

func TestUndecodableEntryIsSkipped(t *testing.T) {
	client := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 1)
	sub := NewRedisGroupSubscriber(client, "bridge", "a", zap.NewNop())
	require.NoError(t, sub.Subscribe(ctx, StreamBot, func(e Event) { got <- e }))

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: StreamBot, Values: map[string]any{eventField: "{not json"}}).Err())
	require.NoError(t, NewRedisPublisher(client, zap.NewNop()).Publish(ctx, StreamBot, Event{Type: EventBotNotification}))

	assert.Equal(t, EventBotNotification, waitEvent(t, got).Type)
}

func TestNotifySkipsUnknownRecipient(t *testing.T) {
	rec := &recorder{}
	n := NewNotifier(rec, zap.NewNop())
	n.Notify(context.Background(), 0, uuid.New(), "x")
	n.DealEvent(context.Background(), EventPostViolation, uuid.New(), map[string]any{"post_id": "p"})

	require.Len(t, rec.events, 1)
	assert.Equal(t, EventPostViolation, rec.events[0].Type)
	assert.Equal(t, "p", rec.events[0].Payload["post_id"])
}

type recorder struct{ events []Event }

func (r *recorder) Publish(_ context.Context, _ string, e Event) error {
	r.events = append(r.events, e)
	return nil
}
