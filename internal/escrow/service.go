// Package escrow runs the custody side of a deal: contract creation, payment
// detection, release to the channel owner and refund to the advertiser.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ads-marketplace/dealflow/internal/apperr"
	"github.com/ads-marketplace/dealflow/internal/events"
	"github.com/ads-marketplace/dealflow/internal/jobqueue"
	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/ads-marketplace/dealflow/internal/statemachine"
	"github.com/ads-marketplace/dealflow/internal/ton"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const JobPaymentPoll = "escrow.payment_poll"

func PaymentPollKey(escrowID uuid.UUID) string {
	return "payment-poll:" + escrowID.String()
}

type Store interface {
	GetDeal(ctx context.Context, id uuid.UUID) (*models.Deal, error)
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	RecordDealStats(ctx context.Context, advertiserID, ownerID uuid.UUID, volume int64) error

	CreateEscrow(ctx context.Context, e *models.Escrow) error
	GetEscrow(ctx context.Context, id uuid.UUID) (*models.Escrow, error)
	GetEscrowByDeal(ctx context.Context, dealID uuid.UUID) (*models.Escrow, error)
	DeleteEscrow(ctx context.Context, id uuid.UUID) error
	MarkEscrowDeployed(ctx context.Context, id uuid.UUID, address string) error
	ClaimEscrowStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error)
	FundEscrow(ctx context.Context, id uuid.UUID, t *models.Transaction, at time.Time) (bool, error)
	SettleRelease(ctx context.Context, id uuid.UUID, t *models.Transaction, ownerID uuid.UUID, at time.Time) error
	SettleRefund(ctx context.Context, id uuid.UUID, t *models.Transaction, at time.Time) error
	ListExpiredPendingEscrows(ctx context.Context, now time.Time) ([]models.Escrow, error)
}

// Ledger is the contract-level view of the chain.
type Ledger interface {
	ComputeEscrowAddress(p ton.EscrowParams) (string, error)
	DeployEscrow(ctx context.Context, p ton.EscrowParams) (string, error)
	SendRelease(ctx context.Context, contract string) (string, error)
	SendRefund(ctx context.Context, contract string) (string, error)
	CheckIncomingPayment(ctx context.Context, contract string, minAmount int64, since time.Time) (*ton.PaymentResult, error)
}

type Config struct {
	PlatformWallet string
	PaymentWindow  time.Duration
	PollInterval   time.Duration
}

type Service struct {
	store    Store
	ledger   Ledger
	machine  *statemachine.Machine
	queue    jobqueue.Scheduler
	notifier *events.Notifier
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

func NewService(
	store Store,
	ledger Ledger,
	machine *statemachine.Machine,
	queue jobqueue.Scheduler,
	notifier *events.Notifier,
	cfg Config,
	log *zap.Logger,
) *Service {
	if cfg.PaymentWindow <= 0 {
		cfg.PaymentWindow = 24 * time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Service{
		store:    store,
		ledger:   ledger,
		machine:  machine,
		queue:    queue,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) RegisterJobs(r jobqueue.Registrar) {
	r.Handle(JobPaymentPoll, s.HandlePaymentPoll)
}

// CreateEscrow opens custody for a deal. An existing live escrow is returned as is;
// a cancelled one is replaced.
func (s *Service) CreateEscrow(ctx context.Context, dealID uuid.UUID) (*models.Escrow, error) {
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.GetEscrowByDeal(ctx, dealID)
	switch {
	case err == nil && existing.Status != models.EscrowStatusCancelled:
		return existing, nil
	case err == nil:
		if err := s.store.DeleteEscrow(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("delete cancelled escrow: %w", err)
		}
		if err := s.queue.Cancel(ctx, PaymentPollKey(existing.ID)); err != nil {
			s.log.Warn("failed to cancel stale payment poll", zap.String("escrow_id", existing.ID.String()), zap.Error(err))
		}
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, err
	}

	advertiser, err := s.store.GetUser(ctx, deal.AdvertiserID)
	if err != nil {
		return nil, err
	}
	if !advertiser.HasWallet() {
		return nil, apperr.New(apperr.KindMissingWallet, "advertiser %s has no wallet address", deal.AdvertiserID)
	}
	owner, err := s.store.GetUser(ctx, deal.ChannelOwnerID)
	if err != nil {
		return nil, err
	}
	ownerWallet := s.cfg.PlatformWallet
	if owner.HasWallet() {
		ownerWallet = *owner.WalletAddress
	} else {
		s.log.Warn("channel owner has no wallet, payout goes to platform wallet for manual settlement",
			zap.String("deal_id", dealID.String()))
	}

	e := &models.Escrow{
		DealID:           dealID,
		AdvertiserWallet: *advertiser.WalletAddress,
		OwnerWallet:      ownerWallet,
		PlatformWallet:   s.cfg.PlatformWallet,
		Amount:           deal.TotalAmount - deal.PlatformFee,
		PlatformFee:      deal.PlatformFee,
		TotalAmount:      deal.TotalAmount,
		Status:           models.EscrowStatusPending,
		ExpiresAt:        s.now().Add(s.cfg.PaymentWindow),
	}
	params := paramsFor(e)

	addr, err := s.ledger.DeployEscrow(ctx, params)
	if err == nil {
		e.IsDeployed = true
	} else {
		s.log.Warn("escrow deploy failed, using computed address",
			zap.String("deal_id", dealID.String()), zap.Error(err))
		addr, err = s.ledger.ComputeEscrowAddress(params)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindLedgerFailure, err, "compute escrow address")
		}
	}
	e.ContractAddress = addr

	if err := s.store.CreateEscrow(ctx, e); err != nil {
		if errors.Is(err, apperr.ErrInvalidState) {
			// Lost a creation race; the other caller's record wins.
			return s.store.GetEscrowByDeal(ctx, dealID)
		}
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, JobPaymentPoll, paymentPollPayload{EscrowID: e.ID}, jobqueue.EnqueueOptions{
		Key:   PaymentPollKey(e.ID),
		Delay: s.cfg.PollInterval,
	}); err != nil {
		s.log.Error("failed to enqueue payment poll", zap.String("escrow_id", e.ID.String()), zap.Error(err))
	}

	s.log.Info("escrow created",
		zap.String("deal_id", dealID.String()),
		zap.String("escrow_id", e.ID.String()),
		zap.String("address", e.ContractAddress),
		zap.Bool("deployed", e.IsDeployed),
	)
	return e, nil
}

// GetForDeal returns the deal's escrow.
func (s *Service) GetForDeal(ctx context.Context, dealID uuid.UUID) (*models.Escrow, error) {
	return s.store.GetEscrowByDeal(ctx, dealID)
}

func paramsFor(e *models.Escrow) ton.EscrowParams {
	return ton.EscrowParams{
		DealID:     e.DealID,
		Advertiser: e.AdvertiserWallet,
		Owner:      e.OwnerWallet,
		Platform:   e.PlatformWallet,
		Amount:     e.Amount,
		Fee:        e.PlatformFee,
		Total:      e.TotalAmount,
		Deadline:   e.ExpiresAt,
	}
}

// ensureDeployed deploys a contract that was created with a computed address.
func (s *Service) ensureDeployed(ctx context.Context, e *models.Escrow) error {
	if e.IsDeployed {
		return nil
	}
	addr, err := s.ledger.DeployEscrow(ctx, paramsFor(e))
	if err != nil {
		return err
	}
	if err := s.store.MarkEscrowDeployed(ctx, e.ID, addr); err != nil {
		return err
	}
	e.IsDeployed = true
	e.ContractAddress = addr
	return nil
}
