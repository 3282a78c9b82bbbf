package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ads-marketplace/dealflow/internal/config"
	"github.com/ads-marketplace/dealflow/internal/db"
	"github.com/ads-marketplace/dealflow/internal/events"
	"github.com/ads-marketplace/dealflow/internal/telegram"
	"go.uber.org/zap"
)

// Bot Notify Bridge reads bot notifications from a Redis stream and forwards
// them to the bot service, which owns the Telegram token.

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := db.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	bot := telegram.NewBotClient(cfg.BotInternalURL, log)
	consumer, _ := os.Hostname()
	if consumer == "" {
		consumer = "bridge"
	}
	// Replicas share one consumer group so each notification is sent once.
	subscriber := events.NewRedisGroupSubscriber(rdb, "bot-notify-bridge", consumer, log)

	if err := subscriber.Subscribe(ctx, events.StreamBot, func(event events.Event) {
		forward(ctx, bot, event, log)
	}); err != nil {
		log.Fatal("failed to subscribe", zap.Error(err))
	}
	log.Info("bot-notify-bridge started")

	<-ctx.Done()
	log.Info("shutting down bot-notify-bridge")
}

func forward(ctx context.Context, bot *telegram.BotClient, event events.Event, log *zap.Logger) {
	if event.Type != events.EventBotNotification {
		return
	}
	userID, ok := event.TelegramUserID()
	if !ok {
		return
	}
	text, _ := event.Payload["text"].(string)
	if text == "" {
		return
	}
	if err := bot.SendNotification(ctx, userID, text); err != nil {
		log.Warn("failed to forward notification",
			zap.Int64("telegram_user_id", userID),
			zap.Any("deal_id", event.Payload["deal_id"]),
			zap.Error(err),
		)
	}
}
