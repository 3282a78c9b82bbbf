package models

import (
	"time"

	"github.com/google/uuid"
)

// Timeline events
const (
	TimelineDealCreated      = "deal_created"
	TimelineStatusChanged    = "status_changed"
	TimelinePostPublished    = "post_published"
	TimelinePostDeletedEarly = "post_deleted_early"
	TimelinePostEdited       = "post_edited"
	TimelineDealExpired      = "deal_expired"
	TimelineEscrowReleased   = "escrow_released"
	TimelineEscrowRefunded   = "escrow_refunded"
	TimelineRevisionFeedback = "revision_feedback"
)

// DealTimeline is an append-only audit row. It is never updated.
type DealTimeline struct {
	ID         uuid.UUID      `json:"id"`
	DealID     uuid.UUID      `json:"deal_id"`
	Event      string         `json:"event"`
	FromStatus *string        `json:"from_status,omitempty"`
	ToStatus   *string        `json:"to_status,omitempty"`
	ActorID    *uuid.UUID     `json:"actor_id,omitempty"`
	ActorType  string         `json:"actor_type"` // advertiser/channel_owner/system/admin
	Metadata   map[string]any `json:"metadata,omitempty"`
	Note       *string        `json:"note,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
