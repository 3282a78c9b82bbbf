package models

import (
	"time"

	"github.com/google/uuid"
)

type Channel struct {
	ID             uuid.UUID `json:"id"`
	TelegramChatID int64     `json:"telegram_chat_id"`
	Username       string    `json:"username"`
	Title          *string   `json:"title,omitempty"`
	OwnerID        uuid.UUID `json:"owner_id"`
	CreatedAt      time.Time `json:"created_at"`
}
