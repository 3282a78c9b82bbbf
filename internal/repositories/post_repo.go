package repositories

import (
	"context"
	"time"

	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/google/uuid"
)

type PostRepo struct {
	db DBTX
}

func NewPostRepo(db DBTX) *PostRepo {
	return &PostRepo{db: db}
}

const postColumns = `id, deal_id, channel_id, chat_id, content, media_urls, buttons, status, scheduled_at,
	published_at, scheduled_delete_at, message_id, content_hash, is_edited, views, reactions, forwards,
	last_checked_at, error_message, created_at, updated_at`

func scanPost(row scanner) (*models.PublishedPost, error) {
	var p models.PublishedPost
	err := row.Scan(&p.ID, &p.DealID, &p.ChannelID, &p.ChatID, &p.Content, &p.MediaURLs, &p.Buttons, &p.Status, &p.ScheduledAt,
		&p.PublishedAt, &p.ScheduledDeleteAt, &p.MessageID, &p.ContentHash, &p.IsEdited, &p.Views, &p.Reactions, &p.Forwards,
		&p.LastCheckedAt, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PostRepo) Create(ctx context.Context, p *models.PublishedPost) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO published_posts (deal_id, channel_id, chat_id, content, media_urls, buttons, status, scheduled_at,
		                             published_at, message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`, p.DealID, p.ChannelID, p.ChatID, p.Content, p.MediaURLs, p.Buttons, p.Status, p.ScheduledAt,
		p.PublishedAt, p.MessageID,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

func (r *PostRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.PublishedPost, error) {
	p, err := scanPost(r.db.QueryRow(ctx, `SELECT `+postColumns+` FROM published_posts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "post")
	}
	return p, nil
}

// GetActiveByDeal returns the latest post for the deal that was not cancelled.
func (r *PostRepo) GetActiveByDeal(ctx context.Context, dealID uuid.UUID) (*models.PublishedPost, error) {
	p, err := scanPost(r.db.QueryRow(ctx, `
		SELECT `+postColumns+` FROM published_posts
		WHERE deal_id = $1 AND status <> 'cancelled'
		ORDER BY created_at DESC LIMIT 1
	`, dealID))
	if err != nil {
		return nil, notFound(err, "post")
	}
	return p, nil
}

// ClaimForPublish is the double-publish guard: only one caller can move a post
// with no publish timestamp into publishing.
func (r *PostRepo) ClaimForPublish(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE published_posts SET status = 'publishing', published_at = $1, updated_at = $1
		WHERE id = $2 AND status IN ('scheduled', 'publishing', 'failed') AND published_at IS NULL
	`, at, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostRepo) MarkPublished(ctx context.Context, id uuid.UUID, messageID int64, at time.Time, deleteAt *time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE published_posts SET status = 'published', message_id = $1, published_at = $2,
		       scheduled_delete_at = $3, error_message = NULL, updated_at = now()
		WHERE id = $4
	`, messageID, at, deleteAt, id)
	return err
}

// MarkFailed clears published_at so the post can be claimed again.
func (r *PostRepo) MarkFailed(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE published_posts SET status = 'failed', error_message = $1, published_at = NULL, updated_at = now()
		WHERE id = $2 AND status <> 'published'
	`, msg, id)
	return err
}

func (r *PostRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := r.db.Exec(ctx, `UPDATE published_posts SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	return err
}

func (r *PostRepo) Reschedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE published_posts SET status = 'scheduled', scheduled_at = $1, published_at = NULL,
		       error_message = NULL, updated_at = now()
		WHERE id = $2 AND status IN ('scheduled', 'failed')
	`, at, id)
	return err
}

func (r *PostRepo) CreateVerification(ctx context.Context, v *models.PostVerification) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO post_verifications (post_id, deal_id, checkpoint, is_final, is_live, is_edited, content_hash,
		                                views, reactions, forwards, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, v.PostID, v.DealID, v.Checkpoint, v.IsFinal, v.IsLive, v.IsEdited, v.ContentHash,
		v.Views, v.Reactions, v.Forwards, v.CheckedAt,
	).Scan(&v.ID)
}

// UpdateCounters stores the latest engagement numbers. The first observed content
// hash becomes the baseline for edit detection.
func (r *PostRepo) UpdateCounters(ctx context.Context, v *models.PostVerification) error {
	_, err := r.db.Exec(ctx, `
		UPDATE published_posts SET views = $1, reactions = $2, forwards = $3, last_checked_at = $4,
		       is_edited = is_edited OR $5,
		       content_hash = COALESCE(content_hash, NULLIF($6, '')),
		       updated_at = now()
		WHERE id = $7
	`, v.Views, v.Reactions, v.Forwards, v.CheckedAt, v.IsEdited, v.ContentHash, v.PostID)
	return err
}
