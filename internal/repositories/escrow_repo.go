package repositories

import (
	"context"
	"time"

	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/google/uuid"
)

type EscrowRepo struct {
	db DBTX
}

func NewEscrowRepo(db DBTX) *EscrowRepo {
	return &EscrowRepo{db: db}
}

const escrowColumns = `id, deal_id, contract_address, is_deployed, advertiser_wallet, owner_wallet, platform_wallet,
	amount, platform_fee, total_amount, status, expires_at, funding_tx_hash, funded_at,
	release_tx_hash, released_at, refund_tx_hash, refunded_at, created_at, updated_at`

func scanEscrow(row scanner) (*models.Escrow, error) {
	var e models.Escrow
	err := row.Scan(&e.ID, &e.DealID, &e.ContractAddress, &e.IsDeployed, &e.AdvertiserWallet, &e.OwnerWallet, &e.PlatformWallet,
		&e.Amount, &e.PlatformFee, &e.TotalAmount, &e.Status, &e.ExpiresAt, &e.FundingTxHash, &e.FundedAt,
		&e.ReleaseTxHash, &e.ReleasedAt, &e.RefundTxHash, &e.RefundedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *EscrowRepo) Create(ctx context.Context, e *models.Escrow) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO escrows (deal_id, contract_address, is_deployed, advertiser_wallet, owner_wallet, platform_wallet,
		                     amount, platform_fee, total_amount, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`, e.DealID, e.ContractAddress, e.IsDeployed, e.AdvertiserWallet, e.OwnerWallet, e.PlatformWallet,
		e.Amount, e.PlatformFee, e.TotalAmount, e.Status, e.ExpiresAt,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

func (r *EscrowRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	e, err := scanEscrow(r.db.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "escrow")
	}
	return e, nil
}

func (r *EscrowRepo) GetByDealID(ctx context.Context, dealID uuid.UUID) (*models.Escrow, error) {
	e, err := scanEscrow(r.db.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE deal_id = $1`, dealID))
	if err != nil {
		return nil, notFound(err, "escrow")
	}
	return e, nil
}

func (r *EscrowRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM escrows WHERE id = $1 AND status = 'cancelled'`, id)
	return err
}

func (r *EscrowRepo) MarkDeployed(ctx context.Context, id uuid.UUID, address string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE escrows SET contract_address = $1, is_deployed = true, updated_at = now() WHERE id = $2
	`, address, id)
	return err
}

// ClaimStatus moves the escrow to `to` only if it is currently in one of `from`.
func (r *EscrowRepo) ClaimStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE escrows SET status = $1, updated_at = now() WHERE id = $2 AND status = ANY($3)
	`, to, id, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *EscrowRepo) MarkFunded(ctx context.Context, id uuid.UUID, txHash string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE escrows SET status = 'funded', funding_tx_hash = $1, funded_at = $2, updated_at = $2
		WHERE id = $3 AND status = 'pending'
	`, txHash, at, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *EscrowRepo) MarkReleased(ctx context.Context, id uuid.UUID, txHash string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE escrows SET status = 'released', release_tx_hash = $1, released_at = $2, updated_at = $2
		WHERE id = $3 AND status = 'releasing'
	`, txHash, at, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *EscrowRepo) MarkRefunded(ctx context.Context, id uuid.UUID, txHash string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE escrows SET status = 'refunded', refund_tx_hash = $1, refunded_at = $2, updated_at = $2
		WHERE id = $3 AND status = 'refunding'
	`, txHash, at, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *EscrowRepo) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at ASC LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var escrows []models.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		escrows = append(escrows, *e)
	}
	return escrows, rows.Err()
}

// ListHeldForDeals returns escrows still holding funds whose deal is in one of dealStatuses.
func (r *EscrowRepo) ListHeldForDeals(ctx context.Context, dealStatuses []string, limit int) ([]models.Escrow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status IN ('funded', 'locked', 'disputed')
		  AND deal_id IN (SELECT id FROM deals WHERE status = ANY($1))
		ORDER BY updated_at ASC LIMIT $2
	`, dealStatuses, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var escrows []models.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		escrows = append(escrows, *e)
	}
	return escrows, rows.Err()
}
