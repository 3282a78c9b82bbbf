package repositories

import (
	"context"
	"time"

	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/google/uuid"
)

type DealRepo struct {
	db DBTX
}

func NewDealRepo(db DBTX) *DealRepo {
	return &DealRepo{db: db}
}

const dealColumns = `id, reference_code, status, previous_status, advertiser_id, channel_owner_id, channel_id,
	price, platform_fee, total_amount, brief, scheduled_post_time, duration_hours, is_permanent,
	timeout_minutes, last_activity_at, paid_at, content_submitted_at, published_at, completed_at,
	cancelled_at, created_at, updated_at`

func scanDeal(row scanner) (*models.Deal, error) {
	var d models.Deal
	err := row.Scan(&d.ID, &d.ReferenceCode, &d.Status, &d.PreviousStatus, &d.AdvertiserID, &d.ChannelOwnerID, &d.ChannelID,
		&d.Price, &d.PlatformFee, &d.TotalAmount, &d.Brief, &d.ScheduledPostTime, &d.DurationHours, &d.IsPermanent,
		&d.TimeoutMinutes, &d.LastActivityAt, &d.PaidAt, &d.ContentSubmittedAt, &d.PublishedAt, &d.CompletedAt,
		&d.CancelledAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DealRepo) Create(ctx context.Context, d *models.Deal) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO deals (reference_code, status, advertiser_id, channel_owner_id, channel_id, price, platform_fee,
		                   total_amount, brief, scheduled_post_time, duration_hours, is_permanent, timeout_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, last_activity_at, created_at, updated_at
	`, d.ReferenceCode, d.Status, d.AdvertiserID, d.ChannelOwnerID, d.ChannelID, d.Price, d.PlatformFee,
		d.TotalAmount, d.Brief, d.ScheduledPostTime, d.DurationHours, d.IsPermanent, d.TimeoutMinutes,
	).Scan(&d.ID, &d.LastActivityAt, &d.CreatedAt, &d.UpdatedAt)
}

func (r *DealRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	d, err := scanDeal(r.db.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "deal")
	}
	return d, nil
}

// UpdateStatusIf moves the deal only if it is still in the expected status.
// Returns pgx.ErrNoRows when another writer got there first.
func (r *DealRepo) UpdateStatusIf(ctx context.Context, id uuid.UUID, from, to string, at time.Time) (*models.Deal, error) {
	return scanDeal(r.db.QueryRow(ctx, `
		UPDATE deals SET
			status = $3,
			previous_status = $2,
			last_activity_at = $4,
			updated_at = $4,
			paid_at = CASE WHEN $3::text = 'payment_received' THEN $4 ELSE paid_at END,
			content_submitted_at = CASE WHEN $3::text = 'creative_submitted' THEN $4 ELSE content_submitted_at END,
			published_at = CASE WHEN $3::text = 'posted' THEN $4 ELSE published_at END,
			completed_at = CASE WHEN $3::text = 'completed' THEN $4 ELSE completed_at END,
			cancelled_at = CASE WHEN $3::text = 'cancelled' THEN $4 ELSE cancelled_at END
		WHERE id = $1 AND status = $2
		RETURNING `+dealColumns, id, from, to, at))
}

func (r *DealRepo) ListByStatus(ctx context.Context, statuses []string, limit int) ([]models.Deal, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status = ANY($1)
		ORDER BY last_activity_at ASC
		LIMIT $2
	`, statuses, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []models.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, *d)
	}
	return deals, rows.Err()
}

func (r *DealRepo) UpdateSchedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE deals SET scheduled_post_time = $1, updated_at = now() WHERE id = $2`, at, id)
	return err
}
