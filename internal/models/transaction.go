package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	TransactionTypeEscrowLock   = "escrow_lock"
	TransactionTypePayout       = "payout"
	TransactionTypeEscrowRefund = "escrow_refund"

	TransactionStatusConfirmed = "confirmed"
)

// Transaction records one ledger-confirmed movement of funds.
type Transaction struct {
	ID          uuid.UUID `json:"id"`
	DealID      uuid.UUID `json:"deal_id"`
	EscrowID    uuid.UUID `json:"escrow_id"`
	Type        string    `json:"type"`
	Amount      int64     `json:"amount"`
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address"`
	TxHash      string    `json:"tx_hash"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}
