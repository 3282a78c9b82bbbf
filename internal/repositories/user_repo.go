package repositories

import (
	"context"

	"github.com/ads-marketplace/dealflow/internal/apperr"
	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/google/uuid"
)

type UserRepo struct {
	db DBTX
}

func NewUserRepo(db DBTX) *UserRepo {
	return &UserRepo{db: db}
}

const userColumns = `id, telegram_user_id, username, wallet_address, balance, completed_deals_as_advertiser,
	completed_deals_as_owner, total_volume, rating_points, created_at`

func scanUser(row scanner) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.TelegramUserID, &u.Username, &u.WalletAddress, &u.Balance, &u.CompletedDealsAsAdvertiser,
		&u.CompletedDealsAsOwner, &u.TotalVolume, &u.RatingPoints, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "user")
	}
	return &u, nil
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// UpsertByTelegramID returns the user for a Telegram account, creating it on first login.
func (r *UserRepo) UpsertByTelegramID(ctx context.Context, telegramUserID int64, username *string) (*models.User, error) {
	return scanUser(r.db.QueryRow(ctx, `
		INSERT INTO users (telegram_user_id, username) VALUES ($1, $2)
		ON CONFLICT (telegram_user_id) DO UPDATE SET username = COALESCE(EXCLUDED.username, users.username)
		RETURNING `+userColumns, telegramUserID, username))
}

func (r *UserRepo) SetWallet(ctx context.Context, id uuid.UUID, address string) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET wallet_address = $1 WHERE id = $2`, address, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("user")
	}
	return nil
}

func (r *UserRepo) CreditBalance(ctx context.Context, id uuid.UUID, amount int64) error {
	_, err := r.db.Exec(ctx, `UPDATE users SET balance = balance + $1 WHERE id = $2`, amount, id)
	return err
}

// RecordCompletedDeal bumps counters for both parties of a completed deal.
func (r *UserRepo) RecordCompletedDeal(ctx context.Context, advertiserID, ownerID uuid.UUID, volume int64) error {
	if _, err := r.db.Exec(ctx, `
		UPDATE users SET completed_deals_as_advertiser = completed_deals_as_advertiser + 1,
		       total_volume = total_volume + $1, rating_points = rating_points + 1
		WHERE id = $2
	`, volume, advertiserID); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx, `
		UPDATE users SET completed_deals_as_owner = completed_deals_as_owner + 1,
		       total_volume = total_volume + $1, rating_points = rating_points + 1
		WHERE id = $2
	`, volume, ownerID)
	return err
}
