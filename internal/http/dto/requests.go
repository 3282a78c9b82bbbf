package dto

import (
	"time"

	"github.com/ads-marketplace/dealflow/internal/models"
)

type AuthTelegramRequest struct {
	InitData string `json:"init_data"`
}

type SetWalletRequest struct {
	Address string `json:"address"`
}

type CreateDealRequest struct {
	ChannelID      string  `json:"channel_id"`
	PriceTON       string  `json:"price_ton"`
	FeeTON         string  `json:"fee_ton,omitempty"`
	Brief          *string `json:"brief,omitempty"`
	DurationHours  int     `json:"duration_hours,omitempty"`
	IsPermanent    bool    `json:"is_permanent"`
	TimeoutMinutes int     `json:"timeout_minutes,omitempty"`
}

// ReasonRequest is shared by reject, cancel, dispute and refund.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

type SubmitCreativeRequest struct {
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty"`
}

type RequestRevisionRequest struct {
	Feedback string `json:"feedback"`
}

type SchedulePostRequest struct {
	Content     string              `json:"content"`
	MediaURLs   []string            `json:"media_urls,omitempty"`
	Buttons     []models.PostButton `json:"buttons,omitempty"`
	ScheduledAt time.Time           `json:"scheduled_at"`
}

type ConfirmPostedRequest struct {
	MessageID int64 `json:"message_id"`
}

type ResolveDisputeRequest struct {
	Outcome string `json:"outcome"` // completed / refunded
	Note    string `json:"note,omitempty"`
}

type RescheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}
