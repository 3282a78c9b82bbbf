package models

import (
	"time"

	"github.com/google/uuid"
)

// Deal statuses
const (
	DealStatusCreated                   = "created"
	DealStatusPendingPayment            = "pending_payment"
	DealStatusPaymentReceived           = "payment_received"
	DealStatusInProgress                = "in_progress"
	DealStatusCreativePending           = "creative_pending"
	DealStatusCreativeSubmitted         = "creative_submitted"
	DealStatusCreativeRevisionRequested = "creative_revision_requested"
	DealStatusCreativeApproved          = "creative_approved"
	DealStatusScheduled                 = "scheduled"
	DealStatusPosted                    = "posted"
	DealStatusVerifying                 = "verifying"
	DealStatusVerified                  = "verified"
	DealStatusCompleted                 = "completed"
	DealStatusDisputed                  = "disputed"
	DealStatusCancelled                 = "cancelled"
	DealStatusRefunded                  = "refunded"
	DealStatusExpired                   = "expired"
)

// Actor roles
const (
	RoleAdvertiser   = "advertiser"
	RoleChannelOwner = "channel_owner"
	RoleSystem       = "system"
	RoleAdmin        = "admin"
)

var AllDealStatuses = []string{
	DealStatusCreated, DealStatusPendingPayment, DealStatusPaymentReceived, DealStatusInProgress,
	DealStatusCreativePending, DealStatusCreativeSubmitted, DealStatusCreativeRevisionRequested,
	DealStatusCreativeApproved, DealStatusScheduled, DealStatusPosted, DealStatusVerifying,
	DealStatusVerified, DealStatusCompleted, DealStatusDisputed, DealStatusCancelled,
	DealStatusRefunded, DealStatusExpired,
}

// Valid state transitions: from -> to -> roles allowed to perform it.
// The dispute edge is not listed here, see IsValidTransition.
var ValidDealTransitions = map[string]map[string][]string{
	DealStatusCreated: {
		DealStatusPendingPayment: {RoleChannelOwner},
		DealStatusCancelled:      {RoleChannelOwner, RoleAdvertiser},
	},
	DealStatusPendingPayment: {
		DealStatusPaymentReceived: {RoleSystem},
		DealStatusCancelled:       {RoleAdvertiser},
		DealStatusExpired:         {RoleSystem},
	},
	DealStatusPaymentReceived: {
		DealStatusInProgress: {RoleSystem},
	},
	DealStatusInProgress: {
		DealStatusCreativePending: {RoleSystem},
	},
	DealStatusCreativePending: {
		DealStatusCreativeSubmitted: {RoleChannelOwner},
		DealStatusCancelled:         {RoleAdvertiser, RoleChannelOwner},
		DealStatusExpired:           {RoleSystem},
	},
	DealStatusCreativeSubmitted: {
		DealStatusCreativeApproved:          {RoleAdvertiser},
		DealStatusCreativeRevisionRequested: {RoleAdvertiser},
	},
	DealStatusCreativeRevisionRequested: {
		DealStatusCreativeSubmitted: {RoleChannelOwner},
	},
	DealStatusCreativeApproved: {
		DealStatusScheduled: {RoleSystem},
		DealStatusPosted:    {RoleSystem, RoleChannelOwner},
	},
	DealStatusScheduled: {
		DealStatusPosted:  {RoleSystem, RoleChannelOwner},
		DealStatusExpired: {RoleSystem},
	},
	DealStatusPosted: {
		DealStatusVerifying: {RoleSystem},
		DealStatusCompleted: {RoleAdvertiser, RoleSystem},
	},
	DealStatusVerifying: {
		DealStatusVerified: {RoleSystem},
	},
	DealStatusVerified: {
		DealStatusCompleted: {RoleSystem, RoleAdmin},
	},
	DealStatusDisputed: {
		DealStatusCompleted: {RoleAdmin},
		DealStatusRefunded:  {RoleAdmin},
	},
	DealStatusCompleted: {},
	DealStatusCancelled: {},
	DealStatusRefunded:  {},
	DealStatusExpired:   {},
}

var disputeRoles = []string{RoleAdvertiser, RoleChannelOwner}

func IsTerminalStatus(status string) bool {
	switch status {
	case DealStatusCompleted, DealStatusCancelled, DealStatusRefunded, DealStatusExpired:
		return true
	}
	return false
}

func isKnownStatus(status string) bool {
	_, ok := ValidDealTransitions[status]
	return ok
}

// IsValidTransition reports whether role may move a deal from one status to another.
func IsValidTransition(from, to, role string) bool {
	if !isKnownStatus(from) {
		return false
	}
	if to == DealStatusDisputed && from != DealStatusDisputed && !IsTerminalStatus(from) {
		return contains(disputeRoles, role)
	}
	roles, ok := ValidDealTransitions[from][to]
	if !ok {
		return false
	}
	return contains(roles, role)
}

// AllowedTransitions returns the targets role can move a deal to from the given status,
// in the order of AllDealStatuses.
func AllowedTransitions(from, role string) []string {
	var out []string
	for _, to := range AllDealStatuses {
		if IsValidTransition(from, to, role) {
			out = append(out, to)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type Deal struct {
	ID                 uuid.UUID  `json:"id"`
	ReferenceCode      string     `json:"reference_code"`
	Status             string     `json:"status"`
	PreviousStatus     *string    `json:"previous_status,omitempty"`
	AdvertiserID       uuid.UUID  `json:"advertiser_id"`
	ChannelOwnerID     uuid.UUID  `json:"channel_owner_id"`
	ChannelID          uuid.UUID  `json:"channel_id"`
	Price              int64      `json:"price"` // nanoTON
	PlatformFee        int64      `json:"platform_fee"`
	TotalAmount        int64      `json:"total_amount"`
	Brief              *string    `json:"brief,omitempty"`
	ScheduledPostTime  *time.Time `json:"scheduled_post_time,omitempty"`
	DurationHours      int        `json:"duration_hours"`
	IsPermanent        bool       `json:"is_permanent"`
	TimeoutMinutes     int        `json:"timeout_minutes"`
	LastActivityAt     time.Time  `json:"last_activity_at"`
	PaidAt             *time.Time `json:"paid_at,omitempty"`
	ContentSubmittedAt *time.Time `json:"content_submitted_at,omitempty"`
	PublishedAt        *time.Time `json:"published_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// NewDeal fills the derived amount fields. Total is always price + fee.
func NewDeal(advertiserID, ownerID, channelID uuid.UUID, price, fee int64) *Deal {
	return &Deal{
		Status:         DealStatusCreated,
		AdvertiserID:   advertiserID,
		ChannelOwnerID: ownerID,
		ChannelID:      channelID,
		Price:          price,
		PlatformFee:    fee,
		TotalAmount:    price + fee,
	}
}

func (d *Deal) IsTerminal() bool {
	return IsTerminalStatus(d.Status)
}

// Duration returns the paid placement window.
func (d *Deal) Duration() time.Duration {
	return time.Duration(d.DurationHours) * time.Hour
}

// StatusChange is a single optimistic status update plus the audit row written with it.
type StatusChange struct {
	DealID   uuid.UUID
	From     string
	To       string
	At       time.Time
	Timeline DealTimeline
	// ScheduledPostTime, when set, is written in the same transaction as the status.
	ScheduledPostTime *time.Time
}

// ApplyStageTimestamp sets the stage field matching the target status.
func (d *Deal) ApplyStageTimestamp(status string, at time.Time) {
	t := at
	switch status {
	case DealStatusPaymentReceived:
		d.PaidAt = &t
	case DealStatusCreativeSubmitted:
		d.ContentSubmittedAt = &t
	case DealStatusPosted:
		d.PublishedAt = &t
	case DealStatusCompleted:
		d.CompletedAt = &t
	case DealStatusCancelled:
		d.CancelledAt = &t
	}
}
