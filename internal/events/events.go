package events

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Streams
const (
	StreamDeal = "events:deal"
	StreamBot  = "events:bot"
)

// Event types
const (
	EventDealStatusChanged = "deal_status_changed"
	EventBotNotification   = "bot_notification"
	EventPaymentReceived   = "payment_received"
	EventPostPublished     = "post_published"
	EventPostViolation     = "post_violation"
	EventPostEdited        = "post_edited"
	EventFundsReleased     = "funds_released"
	EventFundsRefunded     = "funds_refunded"
	EventDealExpired       = "deal_expired"
	EventDealCompleted     = "deal_completed"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// TelegramUserID returns the notification recipient. JSON numbers arrive as float64.
func (e Event) TelegramUserID() (int64, bool) {
	switch v := e.Payload["telegram_user_id"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}

// Notifier publishes deal events and user-facing bot notifications. Publish
// failures are logged and never fail the caller.
type Notifier struct {
	pub Publisher
	log *zap.Logger
}

func NewNotifier(pub Publisher, log *zap.Logger) *Notifier {
	return &Notifier{pub: pub, log: log}
}

func (n *Notifier) DealEvent(ctx context.Context, eventType string, dealID uuid.UUID, fields map[string]any) {
	payload := map[string]any{"deal_id": dealID.String()}
	for k, v := range fields {
		payload[k] = v
	}
	n.publish(ctx, StreamDeal, Event{Type: eventType, Payload: payload})
}

// Notify sends text to a Telegram user through the bot bridge. A zero user id is skipped.
func (n *Notifier) Notify(ctx context.Context, telegramUserID int64, dealID uuid.UUID, text string) {
	if telegramUserID == 0 {
		return
	}
	n.publish(ctx, StreamBot, Event{
		Type: EventBotNotification,
		Payload: map[string]any{
			"telegram_user_id": telegramUserID,
			"deal_id":          dealID.String(),
			"text":             text,
		},
	})
}

func (n *Notifier) publish(ctx context.Context, stream string, e Event) {
	if err := n.pub.Publish(ctx, stream, e); err != nil {
		n.log.Warn("failed to publish event", zap.String("stream", stream), zap.String("type", e.Type), zap.Error(err))
	}
}
