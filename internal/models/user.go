package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID                         uuid.UUID `json:"id"`
	TelegramUserID             int64     `json:"telegram_user_id"`
	Username                   *string   `json:"username,omitempty"`
	WalletAddress              *string   `json:"wallet_address,omitempty"`
	Balance                    int64     `json:"balance"` // nanoTON credited from payouts
	CompletedDealsAsAdvertiser int       `json:"completed_deals_as_advertiser"`
	CompletedDealsAsOwner      int       `json:"completed_deals_as_owner"`
	TotalVolume                int64     `json:"total_volume"`
	RatingPoints               int       `json:"rating_points"`
	CreatedAt                  time.Time `json:"created_at"`
}

// HasWallet reports whether the user has a payable address.
func (u *User) HasWallet() bool {
	return u.WalletAddress != nil && *u.WalletAddress != ""
}
