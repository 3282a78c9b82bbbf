package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ads-marketplace/dealflow/internal/apperr"
	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store groups the repositories and runs multi-row writes in one transaction.
type Store struct {
	pool *pgxpool.Pool

	Deals        *DealRepo
	Timeline     *TimelineRepo
	Escrows      *EscrowRepo
	Transactions *TransactionRepo
	Posts        *PostRepo
	Users        *UserRepo
	Channels     *ChannelRepo
}

func NewStore(pool *pgxpool.Pool) *Store {
	s := &Store{pool: pool}
	s.bind(pool)
	return s
}

func (s *Store) bind(db DBTX) {
	s.Deals = NewDealRepo(db)
	s.Timeline = NewTimelineRepo(db)
	s.Escrows = NewEscrowRepo(db)
	s.Transactions = NewTransactionRepo(db)
	s.Posts = NewPostRepo(db)
	s.Users = NewUserRepo(db)
	s.Channels = NewChannelRepo(db)
}

// inTx runs fn with a Store whose repositories are bound to a single transaction.
func (s *Store) inTx(ctx context.Context, fn func(tx *Store) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		txStore := &Store{pool: s.pool}
		txStore.bind(tx)
		return fn(txStore)
	})
}

// --- deals ---

func (s *Store) CreateDeal(ctx context.Context, d *models.Deal) error {
	return s.inTx(ctx, func(tx *Store) error {
		if err := tx.Deals.Create(ctx, d); err != nil {
			return fmt.Errorf("insert deal: %w", err)
		}
		to := d.Status
		return tx.Timeline.Log(ctx, &models.DealTimeline{
			DealID:    d.ID,
			Event:     models.TimelineDealCreated,
			ToStatus:  &to,
			ActorID:   &d.AdvertiserID,
			ActorType: models.RoleAdvertiser,
			Metadata:  map[string]any{"total_amount": d.TotalAmount},
		})
	})
}

func (s *Store) GetDeal(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	return s.Deals.GetByID(ctx, id)
}

// ApplyTransition updates the deal status only if it still matches ch.From and
// writes the timeline row in the same transaction.
func (s *Store) ApplyTransition(ctx context.Context, ch models.StatusChange) (*models.Deal, error) {
	var updated *models.Deal
	err := s.inTx(ctx, func(tx *Store) error {
		d, err := tx.Deals.UpdateStatusIf(ctx, ch.DealID, ch.From, ch.To, ch.At)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.New(apperr.KindInvalidTransition, "deal %s is no longer in status %s", ch.DealID, ch.From)
		}
		if err != nil {
			return err
		}
		if ch.ScheduledPostTime != nil {
			if err := tx.Deals.UpdateSchedule(ctx, ch.DealID, *ch.ScheduledPostTime); err != nil {
				return fmt.Errorf("update schedule: %w", err)
			}
			t := *ch.ScheduledPostTime
			d.ScheduledPostTime = &t
		}
		entry := ch.Timeline
		entry.DealID = ch.DealID
		if err := tx.Timeline.Log(ctx, &entry); err != nil {
			return fmt.Errorf("insert timeline: %w", err)
		}
		updated = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) ListDealsByStatus(ctx context.Context, statuses []string, limit int) ([]models.Deal, error) {
	return s.Deals.ListByStatus(ctx, statuses, limit)
}

func (s *Store) UpdateDealSchedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.Deals.UpdateSchedule(ctx, id, at)
}

// --- timeline ---

func (s *Store) AddTimeline(ctx context.Context, e *models.DealTimeline) error {
	return s.Timeline.Log(ctx, e)
}

func (s *Store) ListTimeline(ctx context.Context, dealID uuid.UUID) ([]models.DealTimeline, error) {
	return s.Timeline.GetByDeal(ctx, dealID, 500, 0)
}

// --- users & channels ---

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.Users.GetByID(ctx, id)
}

func (s *Store) UpsertTelegramUser(ctx context.Context, telegramUserID int64, username *string) (*models.User, error) {
	return s.Users.UpsertByTelegramID(ctx, telegramUserID, username)
}

func (s *Store) SetUserWallet(ctx context.Context, id uuid.UUID, address string) error {
	return s.Users.SetWallet(ctx, id, address)
}

func (s *Store) GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	return s.Channels.GetByID(ctx, id)
}

func (s *Store) RecordDealStats(ctx context.Context, advertiserID, ownerID uuid.UUID, volume int64) error {
	return s.inTx(ctx, func(tx *Store) error {
		return tx.Users.RecordCompletedDeal(ctx, advertiserID, ownerID, volume)
	})
}

// --- escrow ---

func (s *Store) CreateEscrow(ctx context.Context, e *models.Escrow) error {
	if err := s.Escrows.Create(ctx, e); err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.KindInvalidState, "escrow for deal %s already exists", e.DealID)
		}
		return err
	}
	return nil
}

func (s *Store) GetEscrow(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	return s.Escrows.GetByID(ctx, id)
}

func (s *Store) GetEscrowByDeal(ctx context.Context, dealID uuid.UUID) (*models.Escrow, error) {
	return s.Escrows.GetByDealID(ctx, dealID)
}

func (s *Store) DeleteEscrow(ctx context.Context, id uuid.UUID) error {
	return s.Escrows.Delete(ctx, id)
}

func (s *Store) MarkEscrowDeployed(ctx context.Context, id uuid.UUID, address string) error {
	return s.Escrows.MarkDeployed(ctx, id, address)
}

func (s *Store) ClaimEscrowStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	return s.Escrows.ClaimStatus(ctx, id, from, to)
}

// FundEscrow moves a pending escrow to funded and records the lock transaction atomically.
// Returns false if the escrow was not pending.
func (s *Store) FundEscrow(ctx context.Context, id uuid.UUID, t *models.Transaction, at time.Time) (bool, error) {
	var funded bool
	err := s.inTx(ctx, func(tx *Store) error {
		ok, err := tx.Escrows.MarkFunded(ctx, id, t.TxHash, at)
		if err != nil || !ok {
			return err
		}
		if err := tx.Transactions.Create(ctx, t); err != nil {
			return fmt.Errorf("insert lock transaction: %w", err)
		}
		funded = true
		return nil
	})
	return funded, err
}

// SettleRelease finalises a release: escrow released, payout recorded, owner credited.
func (s *Store) SettleRelease(ctx context.Context, id uuid.UUID, t *models.Transaction, ownerID uuid.UUID, at time.Time) error {
	return s.inTx(ctx, func(tx *Store) error {
		ok, err := tx.Escrows.MarkReleased(ctx, id, t.TxHash, at)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindInvalidState, "escrow %s is not releasing", id)
		}
		if err := tx.Transactions.Create(ctx, t); err != nil {
			return fmt.Errorf("insert payout transaction: %w", err)
		}
		return tx.Users.CreditBalance(ctx, ownerID, t.Amount)
	})
}

func (s *Store) SettleRefund(ctx context.Context, id uuid.UUID, t *models.Transaction, at time.Time) error {
	return s.inTx(ctx, func(tx *Store) error {
		ok, err := tx.Escrows.MarkRefunded(ctx, id, t.TxHash, at)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindInvalidState, "escrow %s is not refunding", id)
		}
		if err := tx.Transactions.Create(ctx, t); err != nil {
			return fmt.Errorf("insert refund transaction: %w", err)
		}
		return nil
	})
}

func (s *Store) ListExpiredPendingEscrows(ctx context.Context, now time.Time) ([]models.Escrow, error) {
	return s.Escrows.ListExpiredPending(ctx, now, 200)
}

// ListEscrowsHeldForDeals finds escrows left holding funds on deals already in dealStatuses.
func (s *Store) ListEscrowsHeldForDeals(ctx context.Context, dealStatuses []string, limit int) ([]models.Escrow, error) {
	return s.Escrows.ListHeldForDeals(ctx, dealStatuses, limit)
}

func (s *Store) ListTransactions(ctx context.Context, dealID uuid.UUID) ([]models.Transaction, error) {
	return s.Transactions.GetByDeal(ctx, dealID)
}

// --- posts ---

func (s *Store) CreatePost(ctx context.Context, p *models.PublishedPost) error {
	return s.Posts.Create(ctx, p)
}

func (s *Store) GetPost(ctx context.Context, id uuid.UUID) (*models.PublishedPost, error) {
	return s.Posts.GetByID(ctx, id)
}

func (s *Store) GetActivePostForDeal(ctx context.Context, dealID uuid.UUID) (*models.PublishedPost, error) {
	return s.Posts.GetActiveByDeal(ctx, dealID)
}

func (s *Store) ClaimPostForPublish(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return s.Posts.ClaimForPublish(ctx, id, at)
}

func (s *Store) MarkPostPublished(ctx context.Context, id uuid.UUID, messageID int64, at time.Time, deleteAt *time.Time) error {
	return s.Posts.MarkPublished(ctx, id, messageID, at, deleteAt)
}

func (s *Store) MarkPostFailed(ctx context.Context, id uuid.UUID, msg string) error {
	return s.Posts.MarkFailed(ctx, id, msg)
}

func (s *Store) UpdatePostStatus(ctx context.Context, id uuid.UUID, status string) error {
	return s.Posts.UpdateStatus(ctx, id, status)
}

func (s *Store) ReschedulePost(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.Posts.Reschedule(ctx, id, at)
}

func (s *Store) RecordVerification(ctx context.Context, v *models.PostVerification) error {
	return s.inTx(ctx, func(tx *Store) error {
		if err := tx.Posts.CreateVerification(ctx, v); err != nil {
			return err
		}
		return tx.Posts.UpdateCounters(ctx, v)
	})
}
