package repositories

import (
	"context"

	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/google/uuid"
)

type TimelineRepo struct {
	db DBTX
}

func NewTimelineRepo(db DBTX) *TimelineRepo {
	return &TimelineRepo{db: db}
}

func (r *TimelineRepo) Log(ctx context.Context, e *models.DealTimeline) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO deal_timeline (deal_id, event, from_status, to_status, actor_id, actor_type, metadata, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, e.DealID, e.Event, e.FromStatus, e.ToStatus, e.ActorID, e.ActorType, e.Metadata, e.Note,
	).Scan(&e.ID, &e.CreatedAt)
}

func (r *TimelineRepo) GetByDeal(ctx context.Context, dealID uuid.UUID, limit, offset int) ([]models.DealTimeline, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, deal_id, event, from_status, to_status, actor_id, actor_type, metadata, note, created_at
		FROM deal_timeline WHERE deal_id = $1
		ORDER BY created_at ASC LIMIT $2 OFFSET $3
	`, dealID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.DealTimeline
	for rows.Next() {
		var e models.DealTimeline
		if err := rows.Scan(&e.ID, &e.DealID, &e.Event, &e.FromStatus, &e.ToStatus, &e.ActorID, &e.ActorType,
			&e.Metadata, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
