package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	EscrowStatusPending   = "pending"
	EscrowStatusFunded    = "funded"
	EscrowStatusLocked    = "locked"
	EscrowStatusDisputed  = "disputed"
	EscrowStatusReleasing = "releasing"
	EscrowStatusReleased  = "released"
	EscrowStatusRefunding = "refunding"
	EscrowStatusRefunded  = "refunded"
	EscrowStatusCancelled = "cancelled"
)

// Escrow holds a deal's funds between payment and release/refund. One per deal.
type Escrow struct {
	ID               uuid.UUID  `json:"id"`
	DealID           uuid.UUID  `json:"deal_id"`
	ContractAddress  string     `json:"contract_address"`
	IsDeployed       bool       `json:"is_deployed"`
	AdvertiserWallet string     `json:"advertiser_wallet"`
	OwnerWallet      string     `json:"owner_wallet"`
	PlatformWallet   string     `json:"platform_wallet"`
	Amount           int64      `json:"amount"` // payout to the channel owner, nanoTON
	PlatformFee      int64      `json:"platform_fee"`
	TotalAmount      int64      `json:"total_amount"`
	Status           string     `json:"status"`
	ExpiresAt        time.Time  `json:"expires_at"`
	FundingTxHash    *string    `json:"funding_tx_hash,omitempty"`
	FundedAt         *time.Time `json:"funded_at,omitempty"`
	ReleaseTxHash    *string    `json:"release_tx_hash,omitempty"`
	ReleasedAt       *time.Time `json:"released_at,omitempty"`
	RefundTxHash     *string    `json:"refund_tx_hash,omitempty"`
	RefundedAt       *time.Time `json:"refunded_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// HoldsFunds reports whether the contract holds the advertiser's money.
func (e *Escrow) HoldsFunds() bool {
	switch e.Status {
	case EscrowStatusFunded, EscrowStatusLocked, EscrowStatusDisputed:
		return true
	}
	return false
}
