package escrow

import (
	"context"
	"fmt"

	"github.com/ads-marketplace/dealflow/internal/apperr"
	"github.com/ads-marketplace/dealflow/internal/events"
	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/ads-marketplace/dealflow/internal/statemachine"
	"github.com/ads-marketplace/dealflow/internal/ton"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var holdingStatuses = []string{models.EscrowStatusFunded, models.EscrowStatusLocked, models.EscrowStatusDisputed}

// ReleaseFunds pays the channel owner and completes the deal. The escrow is
// claimed into releasing first, so only one caller ever reaches the ledger.
func (s *Service) ReleaseFunds(ctx context.Context, dealID uuid.UUID, actor statemachine.Actor) (*models.Escrow, error) {
	e, err := s.store.GetEscrowByDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !e.HoldsFunds() {
		return nil, apperr.New(apperr.KindInvalidState, "escrow %s is %s, nothing to release", e.ID, e.Status)
	}
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !statemachine.CanTransition(deal, models.DealStatusCompleted, actor.Role) {
		return nil, apperr.New(apperr.KindInvalidTransition, "deal %s cannot be completed from %s as %s", deal.ID, deal.Status, actor.Role)
	}

	if err := s.ensureDeployed(ctx, e); err != nil {
		return nil, apperr.Wrap(apperr.KindLedgerFailure, err, "deploy escrow before release")
	}

	prior := e.Status
	claimed, err := s.store.ClaimEscrowStatus(ctx, e.ID, holdingStatuses, models.EscrowStatusReleasing)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, apperr.New(apperr.KindInvalidState, "escrow %s is already being settled", e.ID)
	}

	txHash, err := s.ledger.SendRelease(ctx, e.ContractAddress)
	if err != nil {
		s.rollback(ctx, e.ID, models.EscrowStatusReleasing, prior)
		return nil, apperr.Wrap(apperr.KindLedgerFailure, err, "send release")
	}

	if err := s.store.SettleRelease(ctx, e.ID, &models.Transaction{
		DealID:      e.DealID,
		EscrowID:    e.ID,
		Type:        models.TransactionTypePayout,
		Amount:      e.Amount,
		FromAddress: e.ContractAddress,
		ToAddress:   e.OwnerWallet,
		TxHash:      txHash,
		Status:      models.TransactionStatusConfirmed,
	}, deal.ChannelOwnerID, s.now()); err != nil {
		return nil, fmt.Errorf("settle release: %w", err)
	}

	details := statemachine.Details{
		Metadata: map[string]any{"release_tx_hash": txHash},
	}
	custody := e.OwnerWallet == e.PlatformWallet
	if custody {
		// The owner had no wallet when the contract was built, so the payout
		// landed in the platform wallet and is owed from the credited balance.
		details.Note = "payout held by the platform wallet, channel owner had no wallet at escrow creation"
		details.Metadata["payout_custody"] = "platform"
		s.log.Warn("payout sent to platform wallet for manual settlement",
			zap.String("deal_id", deal.ID.String()), zap.Int64("amount", e.Amount))
	}
	if _, err := s.machine.Complete(ctx, deal.ID, actor, details); err != nil {
		return nil, err
	}
	if err := s.store.RecordDealStats(ctx, deal.AdvertiserID, deal.ChannelOwnerID, deal.TotalAmount); err != nil {
		s.log.Warn("failed to record deal stats", zap.String("deal_id", deal.ID.String()), zap.Error(err))
	}

	s.log.Info("escrow released",
		zap.String("deal_id", deal.ID.String()),
		zap.String("escrow_id", e.ID.String()),
		zap.Int64("amount", e.Amount),
		zap.String("tx_hash", txHash),
	)
	s.notifier.DealEvent(ctx, events.EventFundsReleased, deal.ID, map[string]any{
		"escrow_id": e.ID.String(),
		"amount":    e.Amount,
		"tx_hash":   txHash,
	})
	ownerText := fmt.Sprintf("%s TON for deal %s has been released to your wallet.", ton.NanoToTON(e.Amount), deal.ReferenceCode)
	if custody {
		ownerText = fmt.Sprintf("%s TON for deal %s was credited to your balance. Add a wallet to withdraw it.", ton.NanoToTON(e.Amount), deal.ReferenceCode)
	}
	s.notifyParties(ctx, deal,
		ownerText,
		fmt.Sprintf("Deal %s is complete. Funds were released to the channel owner.", deal.ReferenceCode),
	)
	return s.store.GetEscrow(ctx, e.ID)
}

// RefundAdvertiser returns the full total to the advertiser. A disputed deal is
// moved to refunded when actor may do so; otherwise the refund is only noted on
// the timeline and the caller owns the deal status.
func (s *Service) RefundAdvertiser(ctx context.Context, dealID uuid.UUID, reason string, actor statemachine.Actor) (*models.Escrow, error) {
	e, err := s.store.GetEscrowByDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !e.HoldsFunds() {
		return nil, apperr.New(apperr.KindInvalidState, "escrow %s is %s, nothing to refund", e.ID, e.Status)
	}
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	if err := s.ensureDeployed(ctx, e); err != nil {
		return nil, apperr.Wrap(apperr.KindLedgerFailure, err, "deploy escrow before refund")
	}

	prior := e.Status
	claimed, err := s.store.ClaimEscrowStatus(ctx, e.ID, holdingStatuses, models.EscrowStatusRefunding)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, apperr.New(apperr.KindInvalidState, "escrow %s is already being settled", e.ID)
	}

	txHash, err := s.ledger.SendRefund(ctx, e.ContractAddress)
	if err != nil {
		s.rollback(ctx, e.ID, models.EscrowStatusRefunding, prior)
		return nil, apperr.Wrap(apperr.KindLedgerFailure, err, "send refund")
	}

	if err := s.store.SettleRefund(ctx, e.ID, &models.Transaction{
		DealID:      e.DealID,
		EscrowID:    e.ID,
		Type:        models.TransactionTypeEscrowRefund,
		Amount:      e.TotalAmount,
		FromAddress: e.ContractAddress,
		ToAddress:   e.AdvertiserWallet,
		TxHash:      txHash,
		Status:      models.TransactionStatusConfirmed,
	}, s.now()); err != nil {
		return nil, fmt.Errorf("settle refund: %w", err)
	}

	details := statemachine.Details{
		Note:     reason,
		Metadata: map[string]any{"refund_tx_hash": txHash, "amount": e.TotalAmount},
	}
	if deal.Status == models.DealStatusDisputed && statemachine.CanTransition(deal, models.DealStatusRefunded, actor.Role) {
		if _, err := s.machine.Transition(ctx, deal.ID, models.DealStatusRefunded, actor, details); err != nil {
			return nil, err
		}
	} else if err := s.machine.AddTimelineEntry(ctx, deal.ID, models.TimelineEscrowRefunded, actor, details); err != nil {
		s.log.Warn("failed to record refund on timeline", zap.String("deal_id", deal.ID.String()), zap.Error(err))
	}

	s.log.Info("escrow refunded",
		zap.String("deal_id", deal.ID.String()),
		zap.String("escrow_id", e.ID.String()),
		zap.Int64("amount", e.TotalAmount),
		zap.String("reason", reason),
	)
	s.notifier.DealEvent(ctx, events.EventFundsRefunded, deal.ID, map[string]any{
		"escrow_id": e.ID.String(),
		"amount":    e.TotalAmount,
		"tx_hash":   txHash,
		"reason":    reason,
	})
	if adv, err := s.store.GetUser(ctx, deal.AdvertiserID); err == nil {
		s.notifier.Notify(ctx, adv.TelegramUserID, deal.ID,
			fmt.Sprintf("%s TON for deal %s was refunded to your wallet.", ton.NanoToTON(e.TotalAmount), deal.ReferenceCode))
	}
	return s.store.GetEscrow(ctx, e.ID)
}

// LockFunds freezes a funded escrow once the placement is live. Other states are left alone.
func (s *Service) LockFunds(ctx context.Context, dealID uuid.UUID) error {
	e, err := s.store.GetEscrowByDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if e.Status != models.EscrowStatusFunded {
		return nil
	}
	_, err = s.store.ClaimEscrowStatus(ctx, e.ID, []string{models.EscrowStatusFunded}, models.EscrowStatusLocked)
	return err
}

// MarkDisputed holds the escrow for admin resolution.
func (s *Service) MarkDisputed(ctx context.Context, dealID uuid.UUID) error {
	e, err := s.store.GetEscrowByDeal(ctx, dealID)
	if err != nil {
		return err
	}
	_, err = s.store.ClaimEscrowStatus(ctx, e.ID,
		[]string{models.EscrowStatusFunded, models.EscrowStatusLocked}, models.EscrowStatusDisputed)
	return err
}

func (s *Service) rollback(ctx context.Context, id uuid.UUID, from, to string) {
	if _, err := s.store.ClaimEscrowStatus(ctx, id, []string{from}, to); err != nil {
		s.log.Error("failed to roll back escrow status",
			zap.String("escrow_id", id.String()), zap.String("to", to), zap.Error(err))
	}
}
