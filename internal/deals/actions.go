package deals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ads-marketplace/dealflow/internal/apperr"
	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/ads-marketplace/dealflow/internal/posting"
	"github.com/ads-marketplace/dealflow/internal/rbac"
	"github.com/ads-marketplace/dealflow/internal/statemachine"
	"github.com/ads-marketplace/dealflow/internal/ton"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Accept moves the deal to pending_payment and opens its escrow. An escrow
// that cannot be created yet (missing wallet, ledger down) is retried lazily
// by PaymentInfo.
func (s *Service) Accept(ctx context.Context, c Caller, dealID uuid.UUID) (*models.Deal, error) {
	deal, _, err := s.authorize(ctx, dealID, c, rbac.PermAcceptDeal)
	if err != nil {
		return nil, err
	}
	deal, err = s.machine.Accept(ctx, deal.ID, c.UserID)
	if err != nil {
		return nil, err
	}

	e, err := s.escrow.CreateEscrow(ctx, deal.ID)
	if err != nil {
		s.log.Warn("escrow not created on accept", zap.String("deal_id", deal.ID.String()), zap.Error(err))
		s.notifyUser(ctx, deal.AdvertiserID, deal.ID,
			fmt.Sprintf("Deal %s was accepted. Open the deal to get payment details.", deal.ReferenceCode))
		return deal, nil
	}
	s.notifyUser(ctx, deal.AdvertiserID, deal.ID,
		fmt.Sprintf("Deal %s was accepted. Send %s TON to %s before %s.",
			deal.ReferenceCode, ton.NanoToTON(e.TotalAmount), e.ContractAddress, e.ExpiresAt.UTC().Format(time.RFC822)))
	return deal, nil
}

func (s *Service) Reject(ctx context.Context, c Caller, dealID uuid.UUID, reason string) (*models.Deal, error) {
	deal, _, err := s.authorize(ctx, dealID, c, rbac.PermRejectDeal)
	if err != nil {
		return nil, err
	}
	deal, err = s.machine.Reject(ctx, deal.ID, c.UserID, reason)
	if err != nil {
		return nil, err
	}
	s.closeOut(ctx, deal.ID)
	s.notifyUser(ctx, deal.AdvertiserID, deal.ID, fmt.Sprintf("Deal %s was declined by the channel owner.", deal.ReferenceCode))
	return deal, nil
}

// Cancel closes the deal on behalf of a party and returns any funds already held.
func (s *Service) Cancel(ctx context.Context, c Caller, dealID uuid.UUID, reason string) (*models.Deal, error) {
	deal, role, err := s.authorize(ctx, dealID, c, rbac.PermCancelDeal)
	if err != nil {
		return nil, err
	}
	actor := statemachine.As(role, c.UserID)
	updated, err := s.machine.Cancel(ctx, deal.ID, actor, reason)
	if err != nil {
		return nil, err
	}

	e, err := s.escrow.GetForDeal(ctx, deal.ID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
	case err != nil:
		return nil, err
	case e.HoldsFunds():
		if _, err := s.escrow.RefundAdvertiser(ctx, deal.ID, "deal cancelled: "+reason, actor); err != nil {
			return nil, fmt.Errorf("refund cancelled deal: %w", err)
		}
	default:
		if err := s.escrow.CancelPending(ctx, deal.ID); err != nil {
			return nil, err
		}
	}
	s.closeOut(ctx, deal.ID)

	other := deal.ChannelOwnerID
	if role == models.RoleChannelOwner {
		other = deal.AdvertiserID
	}
	s.notifyUser(ctx, other, deal.ID, fmt.Sprintf("Deal %s was cancelled by the %s.", deal.ReferenceCode, roleName(role)))
	return updated, nil
}

// closeOut withdraws the pending post and the timeout job of a closed deal.
func (s *Service) closeOut(ctx context.Context, dealID uuid.UUID) {
	if err := s.posts.CancelForDeal(ctx, dealID); err != nil {
		s.log.Warn("failed to cancel scheduled post", zap.String("deal_id", dealID.String()), zap.Error(err))
	}
	if err := s.timeouts.ClearDealTimeout(ctx, dealID); err != nil {
		s.log.Warn("failed to clear deal timeout", zap.String("deal_id", dealID.String()), zap.Error(err))
	}
}

type CreativeInput struct {
	Text      string   `json:"text" validate:"required,max=4096"`
	MediaURLs []string `json:"media_urls,omitempty" validate:"omitempty,max=10,dive,url"`
}

func (s *Service) SubmitCreative(ctx context.Context, c Caller, dealID uuid.UUID, in CreativeInput) (*models.Deal, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid creative")
	}
	deal, _, err := s.authorize(ctx, dealID, c, rbac.PermSubmitCreative)
	if err != nil {
		return nil, err
	}
	creative := map[string]any{"text": in.Text}
	if len(in.MediaURLs) > 0 {
		creative["media_urls"] = in.MediaURLs
	}
	deal, err = s.machine.SubmitCreative(ctx, deal.ID, c.UserID, creative)
	if err != nil {
		return nil, err
	}
	s.notifyUser(ctx, deal.AdvertiserID, deal.ID, fmt.Sprintf("A creative for deal %s is ready for review.", deal.ReferenceCode))
	return deal, nil
}

func (s *Service) ApproveCreative(ctx context.Context, c Caller, dealID uuid.UUID) (*models.Deal, error) {
	deal, _, err := s.authorize(ctx, dealID, c, rbac.PermApproveCreative)
	if err != nil {
		return nil, err
	}
	deal, err = s.machine.ApproveCreative(ctx, deal.ID, c.UserID)
	if err != nil {
		return nil, err
	}
	s.notifyUser(ctx, deal.ChannelOwnerID, deal.ID, fmt.Sprintf("The creative for deal %s was approved.", deal.ReferenceCode))
	return deal, nil
}

func (s *Service) RequestRevision(ctx context.Context, c Caller, dealID uuid.UUID, feedback string) (*models.Deal, error) {
	if feedback == "" {
		return nil, apperr.New(apperr.KindValidation, "feedback is required")
	}
	deal, _, err := s.authorize(ctx, dealID, c, rbac.PermApproveCreative)
	if err != nil {
		return nil, err
	}
	deal, err = s.machine.RequestRevision(ctx, deal.ID, c.UserID, feedback)
	if err != nil {
		return nil, err
	}
	s.notifyUser(ctx, deal.ChannelOwnerID, deal.ID,
		fmt.Sprintf("Changes requested for deal %s: %s", deal.ReferenceCode, feedback))
	return deal, nil
}

// SchedulePost books the approved creative. Either party may pick the time.
func (s *Service) SchedulePost(ctx context.Context, c Caller, dealID uuid.UUID, in posting.SchedulePostInput) (*models.PublishedPost, error) {
	if _, _, err := s.authorize(ctx, dealID, c, rbac.PermSchedulePost); err != nil {
		return nil, err
	}
	in.DealID = dealID
	return s.posts.SchedulePost(ctx, in)
}

// ConfirmPosted records a placement the owner published by hand.
func (s *Service) ConfirmPosted(ctx context.Context, c Caller, dealID uuid.UUID, messageID int64) (*models.PublishedPost, error) {
	deal, _, err := s.authorize(ctx, dealID, c, rbac.PermConfirmPosted)
	if err != nil {
		return nil, err
	}
	return s.posts.ConfirmPosted(ctx, deal.ID, c.UserID, messageID)
}

// ConfirmCompletion is the advertiser accepting the placement before
// verification ends, which releases the escrow at once.
func (s *Service) ConfirmCompletion(ctx context.Context, c Caller, dealID uuid.UUID) (*models.Escrow, error) {
	deal, _, err := s.authorize(ctx, dealID, c, rbac.PermConfirmComplete)
	if err != nil {
		return nil, err
	}
	return s.escrow.ReleaseFunds(ctx, deal.ID, statemachine.As(models.RoleAdvertiser, c.UserID))
}

// OpenDispute freezes the deal and its escrow until an admin resolves it.
func (s *Service) OpenDispute(ctx context.Context, c Caller, dealID uuid.UUID, reason string) (*models.Deal, error) {
	if reason == "" {
		return nil, apperr.New(apperr.KindValidation, "reason is required")
	}
	deal, role, err := s.authorize(ctx, dealID, c, rbac.PermOpenDispute)
	if err != nil {
		return nil, err
	}
	updated, err := s.machine.OpenDispute(ctx, deal.ID, statemachine.As(role, c.UserID), reason)
	if err != nil {
		return nil, err
	}
	if err := s.escrow.MarkDisputed(ctx, deal.ID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("hold escrow: %w", err)
	}
	s.closeOut(ctx, deal.ID)

	s.log.Info("dispute opened", zap.String("deal_id", deal.ID.String()), zap.String("by", role))
	for _, id := range []uuid.UUID{deal.AdvertiserID, deal.ChannelOwnerID} {
		s.notifyUser(ctx, id, deal.ID, fmt.Sprintf("A dispute was opened on deal %s: %s", deal.ReferenceCode, reason))
	}
	return updated, nil
}

// PaymentInfo tells the advertiser where and how much to pay.
type PaymentInfo struct {
	EscrowID        uuid.UUID `json:"escrow_id"`
	ContractAddress string    `json:"contract_address"`
	TotalAmount     int64     `json:"total_amount"`
	TotalTON        string    `json:"total_ton"`
	Status          string    `json:"status"`
	ExpiresAt       time.Time `json:"expires_at"`
	Reference       string    `json:"reference"`
}

// PaymentInfo returns the deal's escrow, creating it first if accept could not.
func (s *Service) PaymentInfo(ctx context.Context, c Caller, dealID uuid.UUID) (*PaymentInfo, error) {
	deal, _, err := s.authorize(ctx, dealID, c, rbac.PermViewDeal)
	if err != nil {
		return nil, err
	}
	var e *models.Escrow
	if deal.Status == models.DealStatusPendingPayment {
		e, err = s.escrow.CreateEscrow(ctx, deal.ID)
	} else {
		e, err = s.escrow.GetForDeal(ctx, deal.ID)
	}
	if err != nil {
		return nil, err
	}
	return &PaymentInfo{
		EscrowID:        e.ID,
		ContractAddress: e.ContractAddress,
		TotalAmount:     e.TotalAmount,
		TotalTON:        ton.NanoToTON(e.TotalAmount),
		Status:          e.Status,
		ExpiresAt:       e.ExpiresAt,
		Reference:       deal.ReferenceCode,
	}, nil
}

// CheckPayment asks the ledger now instead of waiting for the next poll.
func (s *Service) CheckPayment(ctx context.Context, c Caller, dealID uuid.UUID) (bool, error) {
	deal, _, err := s.authorize(ctx, dealID, c, rbac.PermPayDeal)
	if err != nil {
		return false, err
	}
	e, err := s.escrow.GetForDeal(ctx, deal.ID)
	if err != nil {
		return false, err
	}
	return s.escrow.CheckPayment(ctx, e.ID)
}

func roleName(role string) string {
	switch role {
	case models.RoleChannelOwner:
		return "channel owner"
	case models.RoleAdvertiser:
		return "advertiser"
	}
	return role
}
