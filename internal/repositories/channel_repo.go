package repositories

import (
	"context"

	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/google/uuid"
)

type ChannelRepo struct {
	db DBTX
}

func NewChannelRepo(db DBTX) *ChannelRepo {
	return &ChannelRepo{db: db}
}

func (r *ChannelRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	var c models.Channel
	err := r.db.QueryRow(ctx, `
		SELECT id, telegram_chat_id, username, title, owner_id, created_at
		FROM channels WHERE id = $1
	`, id).Scan(&c.ID, &c.TelegramChatID, &c.Username, &c.Title, &c.OwnerID, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err, "channel")
	}
	return &c, nil
}
