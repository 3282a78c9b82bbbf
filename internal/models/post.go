package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	PostStatusScheduled  = "scheduled"
	PostStatusPublishing = "publishing"
	PostStatusPublished  = "published"
	PostStatusDeleted    = "deleted"
	PostStatusFailed     = "failed"
	PostStatusCancelled  = "cancelled"
)

type PostButton struct {
	Text string `json:"text" validate:"required,max=64"`
	URL  string `json:"url" validate:"required,url"`
}

// PublishedPost is the channel message placed for a deal.
type PublishedPost struct {
	ID                uuid.UUID    `json:"id"`
	DealID            uuid.UUID    `json:"deal_id"`
	ChannelID         uuid.UUID    `json:"channel_id"`
	ChatID            int64        `json:"chat_id"`
	Content           string       `json:"content"`
	MediaURLs         []string     `json:"media_urls,omitempty"`
	Buttons           []PostButton `json:"buttons,omitempty"`
	Status            string       `json:"status"`
	ScheduledAt       time.Time    `json:"scheduled_at"`
	PublishedAt       *time.Time   `json:"published_at,omitempty"`
	ScheduledDeleteAt *time.Time   `json:"scheduled_delete_at,omitempty"`
	MessageID         *int64       `json:"message_id,omitempty"`
	ContentHash       *string      `json:"content_hash,omitempty"`
	IsEdited          bool         `json:"is_edited"`
	Views             int          `json:"views"`
	Reactions         int          `json:"reactions"`
	Forwards          int          `json:"forwards"`
	LastCheckedAt     *time.Time   `json:"last_checked_at,omitempty"`
	ErrorMessage      *string      `json:"error_message,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// PostVerification is a liveness/engagement snapshot taken at a checkpoint.
type PostVerification struct {
	ID          uuid.UUID `json:"id"`
	PostID      uuid.UUID `json:"post_id"`
	DealID      uuid.UUID `json:"deal_id"`
	Checkpoint  int       `json:"checkpoint"`
	IsFinal     bool      `json:"is_final"`
	IsLive      bool      `json:"is_live"`
	IsEdited    bool      `json:"is_edited"`
	ContentHash string    `json:"content_hash,omitempty"`
	Views       int       `json:"views"`
	Reactions   int       `json:"reactions"`
	Forwards    int       `json:"forwards"`
	CheckedAt   time.Time `json:"checked_at"`
}
