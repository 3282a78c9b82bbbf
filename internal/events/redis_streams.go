package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Events are stored in Redis Streams under a single "event" field holding JSON.
const (
	eventField     = "event"
	defaultMaxLen  = 10_000
	readBlock      = 2 * time.Second
	readBatch      = 50
	readErrBackoff = time.Second
)

type RedisPublisher struct {
	client *redis.Client
	maxLen int64
	log    *zap.Logger
}

func NewRedisPublisher(client *redis.Client, log *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, maxLen: defaultMaxLen, log: log}
}

// Publish appends the event to the stream, trimming it to roughly maxLen entries.
func (p *RedisPublisher) Publish(ctx context.Context, stream string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{eventField: string(data)},
	}).Err()
}

// RedisSubscriber reads a stream. Without a group every subscriber sees every
// event published after Subscribe returns. With a group, entries are shared
// between the group's consumers and acknowledged once the handler returns.
type RedisSubscriber struct {
	client   *redis.Client
	group    string
	consumer string
	log      *zap.Logger
}

func NewRedisSubscriber(client *redis.Client, log *zap.Logger) *RedisSubscriber {
	return &RedisSubscriber{client: client, log: log}
}

func NewRedisGroupSubscriber(client *redis.Client, group, consumer string, log *zap.Logger) *RedisSubscriber {
	return &RedisSubscriber{client: client, group: group, consumer: consumer, log: log}
}

func (s *RedisSubscriber) Subscribe(ctx context.Context, stream string, handler func(Event)) error {
	if s.group != "" {
		err := s.client.XGroupCreateMkStream(ctx, stream, s.group, "$").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return err
		}
		go s.readGroup(ctx, stream, handler)
		return nil
	}

	start, err := s.lastID(ctx, stream)
	if err != nil {
		return err
	}
	go s.readAll(ctx, stream, start, handler)
	return nil
}

func (s *RedisSubscriber) lastID(ctx context.Context, stream string) (string, error) {
	msgs, err := s.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

func (s *RedisSubscriber) readAll(ctx context.Context, stream, lastID string, handler func(Event)) {
	for ctx.Err() == nil {
		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   readBatch,
			Block:   readBlock,
		}).Result()
		if err != nil {
			if !s.pause(ctx, err, stream) {
				return
			}
			continue
		}
		for _, st := range res {
			for _, msg := range st.Messages {
				lastID = msg.ID
				if event, ok := s.decode(msg); ok {
					handler(event)
				}
			}
		}
	}
}

// readGroup drains this consumer's pending entries first, then new ones.
func (s *RedisSubscriber) readGroup(ctx context.Context, stream string, handler func(Event)) {
	cursor := "0"
	for ctx.Err() == nil {
		res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{stream, cursor},
			Count:    readBatch,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if !s.pause(ctx, err, stream) {
				return
			}
			continue
		}

		n := 0
		for _, st := range res {
			for _, msg := range st.Messages {
				n++
				if event, ok := s.decode(msg); ok {
					handler(event)
				}
				if err := s.client.XAck(ctx, stream, s.group, msg.ID).Err(); err != nil {
					s.log.Warn("failed to ack event", zap.String("stream", stream), zap.String("id", msg.ID), zap.Error(err))
				}
			}
		}
		if cursor == "0" && n == 0 {
			cursor = ">"
		}
	}
}

// pause reports whether the read loop should keep going after err.
func (s *RedisSubscriber) pause(ctx context.Context, err error, stream string) bool {
	if errors.Is(err, redis.Nil) {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	s.log.Error("failed to read stream", zap.String("stream", stream), zap.Error(err))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(readErrBackoff):
		return true
	}
}

func (s *RedisSubscriber) decode(msg redis.XMessage) (Event, bool) {
	raw, _ := msg.Values[eventField].(string)
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		s.log.Error("failed to unmarshal event", zap.String("id", msg.ID), zap.Error(err))
		return Event{}, false
	}
	return event, true
}
