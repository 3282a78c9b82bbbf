package repositories

import (
	"context"

	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/google/uuid"
)

type TransactionRepo struct {
	db DBTX
}

func NewTransactionRepo(db DBTX) *TransactionRepo {
	return &TransactionRepo{db: db}
}

func (r *TransactionRepo) Create(ctx context.Context, t *models.Transaction) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO transactions (deal_id, escrow_id, type, amount, from_address, to_address, tx_hash, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, t.DealID, t.EscrowID, t.Type, t.Amount, t.FromAddress, t.ToAddress, t.TxHash, t.Status,
	).Scan(&t.ID, &t.CreatedAt)
}

func (r *TransactionRepo) GetByDeal(ctx context.Context, dealID uuid.UUID) ([]models.Transaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, deal_id, escrow_id, type, amount, from_address, to_address, tx_hash, status, created_at
		FROM transactions WHERE deal_id = $1 ORDER BY created_at ASC
	`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.DealID, &t.EscrowID, &t.Type, &t.Amount, &t.FromAddress, &t.ToAddress,
			&t.TxHash, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
