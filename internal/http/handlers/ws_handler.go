package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ads-marketplace/dealflow/internal/auth"
	"github.com/ads-marketplace/dealflow/internal/config"
	"github.com/ads-marketplace/dealflow/internal/events"
	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type DealLookup interface {
	GetDeal(ctx context.Context, id uuid.UUID) (*models.Deal, error)
}

// WSHub forwards deal events to the connected parties of each deal. Admin
// connections receive every event.
type WSHub struct {
	cfg        *config.Config
	subscriber events.Subscriber
	deals      DealLookup
	log        *zap.Logger

	mu          sync.RWMutex
	connections map[uuid.UUID][]*websocket.Conn
	admins      map[*websocket.Conn]struct{}
}

func NewWSHub(cfg *config.Config, subscriber events.Subscriber, dealLookup DealLookup, log *zap.Logger) *WSHub {
	return &WSHub{
		cfg:         cfg,
		subscriber:  subscriber,
		deals:       dealLookup,
		log:         log,
		connections: make(map[uuid.UUID][]*websocket.Conn),
		admins:      make(map[*websocket.Conn]struct{}),
	}
}

func (h *WSHub) Start(ctx context.Context) {
	if err := h.subscriber.Subscribe(ctx, events.StreamDeal, func(event events.Event) {
		h.dispatch(ctx, event)
	}); err != nil {
		h.log.Error("ws hub subscribe failed", zap.Error(err))
	}
}

func (h *WSHub) dispatch(ctx context.Context, event events.Event) {
	raw, _ := event.Payload["deal_id"].(string)
	dealID, err := uuid.Parse(raw)
	if err != nil {
		return
	}
	var recipients []uuid.UUID
	if deal, err := h.deals.GetDeal(ctx, dealID); err == nil {
		recipients = []uuid.UUID{deal.AdvertiserID, deal.ChannelOwnerID}
	}
	h.broadcast(event, recipients)
}

func (h *WSHub) broadcast(event events.Event, userIDs []uuid.UUID) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := make(map[*websocket.Conn]bool)
	for _, id := range userIDs {
		for _, conn := range h.connections[id] {
			sent[conn] = true
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
	}
	for conn := range h.admins {
		if !sent[conn] {
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
	}
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

func (h *WSHub) HandleWS(conn *websocket.Conn) {
	tokenStr := conn.Query("token")
	if tokenStr == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing token"}`))
		conn.Close()
		return
	}

	claims, err := auth.ParseJWT(h.cfg.JWTSecret, tokenStr)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid token"}`))
		conn.Close()
		return
	}

	userID := claims.UserID
	isAdmin := h.cfg.IsAdmin(claims.TelegramUserID)

	h.mu.Lock()
	h.connections[userID] = append(h.connections[userID], conn)
	if isAdmin {
		h.admins[conn] = struct{}{}
	}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		conns := h.connections[userID]
		for i, c := range conns {
			if c == conn {
				h.connections[userID] = append(conns[:i], conns[i+1:]...)
				break
			}
		}
		if len(h.connections[userID]) == 0 {
			delete(h.connections, userID)
		}
		delete(h.admins, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// Read loop (keep alive / pings)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
