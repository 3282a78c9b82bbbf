package deals

import (
	"context"
	"errors"
	"time"

	"github.com/ads-marketplace/dealflow/internal/apperr"
	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/ads-marketplace/dealflow/internal/statemachine"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ResolveDispute settles a disputed deal as completed (owner is paid) or
// refunded (advertiser is paid back). Without held funds only the status moves.
func (s *Service) ResolveDispute(ctx context.Context, c Caller, dealID uuid.UUID, outcome, note string) (*models.Deal, error) {
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	if outcome != models.DealStatusCompleted && outcome != models.DealStatusRefunded {
		return nil, apperr.New(apperr.KindValidation, "dispute outcome must be completed or refunded, got %q", outcome)
	}
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if deal.Status != models.DealStatusDisputed {
		return nil, apperr.New(apperr.KindInvalidTransition, "deal %s is %s, not disputed", deal.ID, deal.Status)
	}

	admin := statemachine.As(models.RoleAdmin, c.UserID)
	e, err := s.escrow.GetForDeal(ctx, deal.ID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	switch {
	case e != nil && e.HoldsFunds() && outcome == models.DealStatusCompleted:
		_, err = s.escrow.ReleaseFunds(ctx, deal.ID, admin)
	case e != nil && e.HoldsFunds():
		_, err = s.escrow.RefundAdvertiser(ctx, deal.ID, note, admin)
	default:
		if _, err = s.machine.ResolveDispute(ctx, deal.ID, c.UserID, outcome, note); err == nil {
			err = s.escrow.CancelPending(ctx, deal.ID)
		}
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("dispute resolved",
		zap.String("deal_id", deal.ID.String()),
		zap.String("outcome", outcome),
		zap.String("admin_id", c.UserID.String()),
	)
	return s.store.GetDeal(ctx, deal.ID)
}

// Release pays out a deal an admin may complete, e.g. after an automatic release failed.
func (s *Service) Release(ctx context.Context, c Caller, dealID uuid.UUID) (*models.Escrow, error) {
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	return s.escrow.ReleaseFunds(ctx, dealID, statemachine.As(models.RoleAdmin, c.UserID))
}

// Refund returns held funds on a disputed or already closed deal. Open deals
// have to go through a dispute first.
func (s *Service) Refund(ctx context.Context, c Caller, dealID uuid.UUID, reason string) (*models.Escrow, error) {
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !deal.IsTerminal() && deal.Status != models.DealStatusDisputed {
		return nil, apperr.New(apperr.KindInvalidState, "deal %s is %s, open a dispute first", deal.ID, deal.Status)
	}
	return s.escrow.RefundAdvertiser(ctx, deal.ID, reason, statemachine.As(models.RoleAdmin, c.UserID))
}

// Expire closes a stalled deal now, with the same cleanup as a timeout.
func (s *Service) Expire(ctx context.Context, c Caller, dealID uuid.UUID, cause string) (*models.Deal, error) {
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	if cause == "" {
		cause = "expired by admin"
	}
	return s.timeouts.ExpireDeal(ctx, dealID, cause)
}

func (s *Service) ForcePublish(ctx context.Context, c Caller, postID uuid.UUID) (*models.PublishedPost, error) {
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	return s.posts.ForcePublish(ctx, postID)
}

func (s *Service) ReschedulePost(ctx context.Context, c Caller, postID uuid.UUID, at time.Time) (*models.PublishedPost, error) {
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	return s.posts.ReschedulePost(ctx, postID, at)
}

func (s *Service) CancelScheduledPost(ctx context.Context, c Caller, postID uuid.UUID) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	return s.posts.CancelScheduledPost(ctx, postID)
}
