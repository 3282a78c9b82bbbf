// Package timeouts expires deals that stalled at a stage waiting on one party.
// A per-deal job catches the common case; a periodic sweep re-checks every
// waiting deal against its stage deadline in case a job was lost.
package timeouts

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ads-marketplace/dealflow/internal/apperr"
	"github.com/ads-marketplace/dealflow/internal/events"
	"github.com/ads-marketplace/dealflow/internal/jobqueue"
	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/ads-marketplace/dealflow/internal/statemachine"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const JobDealTimeout = "deal.timeout"

func DealTimeoutKey(dealID uuid.UUID) string {
	return "deal-timeout:" + dealID.String()
}

type Store interface {
	GetDeal(ctx context.Context, id uuid.UUID) (*models.Deal, error)
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	ListDealsByStatus(ctx context.Context, statuses []string, limit int) ([]models.Deal, error)
	ListEscrowsHeldForDeals(ctx context.Context, dealStatuses []string, limit int) ([]models.Escrow, error)
}

// Escrow is the custody side the sweeper settles on expiry.
type Escrow interface {
	GetForDeal(ctx context.Context, dealID uuid.UUID) (*models.Escrow, error)
	RefundAdvertiser(ctx context.Context, dealID uuid.UUID, reason string, actor statemachine.Actor) (*models.Escrow, error)
	ReleaseFunds(ctx context.Context, dealID uuid.UUID, actor statemachine.Actor) (*models.Escrow, error)
	CancelPending(ctx context.Context, dealID uuid.UUID) error
	ExpirePendingEscrows(ctx context.Context) (int, error)
}

type Posts interface {
	CancelForDeal(ctx context.Context, dealID uuid.UUID) error
}

type Config struct {
	// DealTimeout is used for deals created without their own timeout.
	DealTimeout     time.Duration
	PaymentTimeout  time.Duration
	CreativeTimeout time.Duration
	PostingGrace    time.Duration
	SweepBatch      int
}

func (c *Config) setDefaults() {
	if c.DealTimeout <= 0 {
		c.DealTimeout = 24 * time.Hour
	}
	if c.PaymentTimeout <= 0 {
		c.PaymentTimeout = 24 * time.Hour
	}
	if c.CreativeTimeout <= 0 {
		c.CreativeTimeout = 72 * time.Hour
	}
	if c.PostingGrace <= 0 {
		c.PostingGrace = time.Hour
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 500
	}
}

var sweptStatuses = []string{
	models.DealStatusPendingPayment,
	models.DealStatusCreativePending,
	models.DealStatusScheduled,
}

// closedStatuses are the deal outcomes that must not leave money in escrow.
var closedStatuses = []string{
	models.DealStatusExpired,
	models.DealStatusCancelled,
}

type Sweeper struct {
	store    Store
	machine  *statemachine.Machine
	escrow   Escrow
	posts    Posts
	queue    jobqueue.Scheduler
	notifier *events.Notifier
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

func NewSweeper(
	store Store,
	machine *statemachine.Machine,
	escrow Escrow,
	posts Posts,
	queue jobqueue.Scheduler,
	notifier *events.Notifier,
	cfg Config,
	log *zap.Logger,
) *Sweeper {
	cfg.setDefaults()
	return &Sweeper{
		store:    store,
		machine:  machine,
		escrow:   escrow,
		posts:    posts,
		queue:    queue,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Sweeper) RegisterJobs(r jobqueue.Registrar) {
	r.Handle(JobDealTimeout, s.HandleDealTimeout)
}

type timeoutPayload struct {
	DealID uuid.UUID `json:"deal_id"`
}

func (s *Sweeper) timeoutFor(deal *models.Deal) time.Duration {
	if deal.TimeoutMinutes > 0 {
		return time.Duration(deal.TimeoutMinutes) * time.Minute
	}
	return s.cfg.DealTimeout
}

// ScheduleDealTimeout arms the per-deal inactivity job.
func (s *Sweeper) ScheduleDealTimeout(ctx context.Context, deal *models.Deal) error {
	return s.queue.Enqueue(ctx, JobDealTimeout, timeoutPayload{DealID: deal.ID}, jobqueue.EnqueueOptions{
		Key:   DealTimeoutKey(deal.ID),
		Delay: s.timeoutFor(deal),
	})
}

// HandleDealTimeout is the deal.timeout job. Activity since the job was armed
// pushes the check out by the remaining time instead of expiring the deal.
func (s *Sweeper) HandleDealTimeout(ctx context.Context, job *jobqueue.Job) error {
	var p timeoutPayload
	if err := job.Decode(&p); err != nil {
		return jobqueue.Permanent(err)
	}
	deal, err := s.store.GetDeal(ctx, p.DealID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	if deal.IsTerminal() {
		if slices.Contains(closedStatuses, deal.Status) {
			// The refund of an earlier attempt may have failed after the status committed.
			return s.refundHeld(ctx, deal.ID, "deal "+deal.Status)
		}
		return nil
	}

	timeout := s.timeoutFor(deal)
	now := s.now()
	deadline := deal.LastActivityAt.Add(timeout)
	if now.Before(deadline) {
		return s.rearm(ctx, deal.ID, deadline.Sub(now))
	}
	if !statemachine.CanTransition(deal, models.DealStatusExpired, models.RoleSystem) {
		// Waiting on nobody in particular; look again after another full window.
		return s.rearm(ctx, deal.ID, timeout)
	}

	cause := fmt.Sprintf("no activity for %s while %s", timeout, deal.Status)
	return s.expire(ctx, deal, cause)
}

func (s *Sweeper) rearm(ctx context.Context, dealID uuid.UUID, delay time.Duration) error {
	return s.queue.Enqueue(ctx, JobDealTimeout, timeoutPayload{DealID: dealID}, jobqueue.EnqueueOptions{
		Key:   DealTimeoutKey(dealID),
		Delay: delay,
	})
}

// ClearDealTimeout drops the inactivity job of a deal closed by other means.
func (s *Sweeper) ClearDealTimeout(ctx context.Context, dealID uuid.UUID) error {
	return s.queue.Cancel(ctx, DealTimeoutKey(dealID))
}

// SweepResult counts what one sweep expired or settled.
type SweepResult struct {
	Escrows  int `json:"escrows"`
	Deals    int `json:"deals"`
	Refunds  int `json:"refunds"`
	Releases int `json:"releases"`
}

// Sweep cancels unpaid escrows past their window, expires every waiting deal
// past its stage deadline, then retries settlements a failed job left behind:
// refunds on closed deals and payouts on verified ones.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	n, err := s.escrow.ExpirePendingEscrows(ctx)
	if err != nil {
		return res, fmt.Errorf("expire pending escrows: %w", err)
	}
	res.Escrows = n

	deals, err := s.store.ListDealsByStatus(ctx, sweptStatuses, s.cfg.SweepBatch)
	if err != nil {
		return res, fmt.Errorf("list waiting deals: %w", err)
	}
	now := s.now()
	for i := range deals {
		deal := &deals[i]
		deadline, cause, ok := s.deadline(ctx, deal)
		if !ok || now.Before(deadline) {
			continue
		}
		if err := s.expire(ctx, deal, cause); err != nil {
			s.log.Error("failed to expire deal", zap.String("deal_id", deal.ID.String()), zap.Error(err))
			continue
		}
		res.Deals++
	}

	held, err := s.store.ListEscrowsHeldForDeals(ctx, closedStatuses, s.cfg.SweepBatch)
	if err != nil {
		return res, fmt.Errorf("list held escrows: %w", err)
	}
	for _, e := range held {
		if err := s.refundHeld(ctx, e.DealID, "deal closed with funds in escrow"); err != nil {
			s.log.Error("failed to refund closed deal", zap.String("deal_id", e.DealID.String()), zap.Error(err))
			continue
		}
		res.Refunds++
	}

	verified, err := s.store.ListDealsByStatus(ctx, []string{models.DealStatusVerified}, s.cfg.SweepBatch)
	if err != nil {
		return res, fmt.Errorf("list verified deals: %w", err)
	}
	for i := range verified {
		deal := &verified[i]
		if now.Before(deal.LastActivityAt.Add(s.cfg.PostingGrace)) {
			// The final check job may still be retrying.
			continue
		}
		if _, err := s.escrow.ReleaseFunds(ctx, deal.ID, statemachine.System()); err != nil {
			s.log.Error("failed to release verified deal", zap.String("deal_id", deal.ID.String()), zap.Error(err))
			continue
		}
		res.Releases++
	}

	if res.Deals > 0 || res.Escrows > 0 || res.Refunds > 0 || res.Releases > 0 {
		s.log.Info("timeout sweep finished",
			zap.Int("deals", res.Deals), zap.Int("escrows", res.Escrows),
			zap.Int("refunds", res.Refunds), zap.Int("releases", res.Releases))
	}
	return res, nil
}

// deadline returns when a waiting deal expires and why.
func (s *Sweeper) deadline(ctx context.Context, deal *models.Deal) (time.Time, string, bool) {
	switch deal.Status {
	case models.DealStatusPendingPayment:
		if e, err := s.escrow.GetForDeal(ctx, deal.ID); err == nil && e.Status == models.EscrowStatusPending {
			return e.ExpiresAt, "payment not received before escrow deadline", true
		}
		return deal.LastActivityAt.Add(s.cfg.PaymentTimeout), "payment not received in time", true
	case models.DealStatusCreativePending:
		return deal.LastActivityAt.Add(s.cfg.CreativeTimeout), "creative not submitted in time", true
	case models.DealStatusScheduled:
		if deal.ScheduledPostTime == nil {
			return time.Time{}, "", false
		}
		return deal.ScheduledPostTime.Add(s.cfg.PostingGrace), "post not published within grace period", true
	}
	return time.Time{}, "", false
}

// ExpireDeal expires a deal on operator request, with the same cleanup as a timeout.
func (s *Sweeper) ExpireDeal(ctx context.Context, dealID uuid.UUID, cause string) (*models.Deal, error) {
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !statemachine.CanTransition(deal, models.DealStatusExpired, models.RoleSystem) {
		return nil, apperr.New(apperr.KindInvalidTransition, "deal %s cannot expire from %s", deal.ID, deal.Status)
	}
	if err := s.expire(ctx, deal, cause); err != nil {
		return nil, err
	}
	return s.store.GetDeal(ctx, dealID)
}

// expire closes a stalled deal, returns any held funds and withdraws its pending post.
func (s *Sweeper) expire(ctx context.Context, deal *models.Deal, cause string) error {
	if _, err := s.machine.Expire(ctx, deal.ID, cause); err != nil {
		if errors.Is(err, apperr.ErrInvalidTransition) {
			// Moved on concurrently.
			return nil
		}
		return err
	}
	log := s.log.With(zap.String("deal_id", deal.ID.String()), zap.String("cause", cause))
	log.Info("deal expired")

	if err := s.machine.AddTimelineEntry(ctx, deal.ID, models.TimelineDealExpired, statemachine.System(), statemachine.Details{
		Note:     cause,
		Metadata: map[string]any{"from_status": deal.Status},
	}); err != nil {
		log.Warn("failed to record expiry cause", zap.Error(err))
	}

	if err := s.settleEscrow(ctx, deal.ID, cause); err != nil {
		return err
	}
	if err := s.posts.CancelForDeal(ctx, deal.ID); err != nil {
		log.Warn("failed to cancel scheduled post", zap.Error(err))
	}
	if err := s.queue.Cancel(ctx, DealTimeoutKey(deal.ID)); err != nil {
		log.Warn("failed to cancel timeout job", zap.Error(err))
	}

	s.notifier.DealEvent(ctx, events.EventDealExpired, deal.ID, map[string]any{"cause": cause})
	for _, id := range []uuid.UUID{deal.AdvertiserID, deal.ChannelOwnerID} {
		if u, err := s.store.GetUser(ctx, id); err == nil {
			s.notifier.Notify(ctx, u.TelegramUserID, deal.ID, fmt.Sprintf("Deal %s expired: %s.", deal.ReferenceCode, cause))
		}
	}
	return nil
}

// refundHeld returns funds still sitting in the escrow of a closed deal.
func (s *Sweeper) refundHeld(ctx context.Context, dealID uuid.UUID, reason string) error {
	e, err := s.escrow.GetForDeal(ctx, dealID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !e.HoldsFunds() {
		return nil
	}
	if _, err := s.escrow.RefundAdvertiser(ctx, dealID, reason, statemachine.System()); err != nil {
		return fmt.Errorf("refund closed deal: %w", err)
	}
	s.log.Info("refunded escrow of closed deal", zap.String("deal_id", dealID.String()))
	return nil
}

func (s *Sweeper) settleEscrow(ctx context.Context, dealID uuid.UUID, cause string) error {
	e, err := s.escrow.GetForDeal(ctx, dealID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if e.HoldsFunds() {
		if _, err := s.escrow.RefundAdvertiser(ctx, dealID, "deal expired: "+cause, statemachine.System()); err != nil {
			return fmt.Errorf("refund expired deal: %w", err)
		}
		return nil
	}
	return s.escrow.CancelPending(ctx, dealID)
}
