package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/ads-marketplace/dealflow/internal/apperr"
	"github.com/ads-marketplace/dealflow/internal/events"
	"github.com/ads-marketplace/dealflow/internal/jobqueue"
	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/ads-marketplace/dealflow/internal/statemachine"
	"github.com/ads-marketplace/dealflow/internal/ton"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type paymentPollPayload struct {
	EscrowID uuid.UUID `json:"escrow_id"`
}

// ConfirmPayment marks a pending escrow funded and starts the deal. Confirming
// anything but a pending escrow is an invalid state and leaves the deal alone.
func (s *Service) ConfirmPayment(ctx context.Context, escrowID uuid.UUID, txHash string) (*models.Escrow, error) {
	e, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != models.EscrowStatusPending {
		return nil, apperr.New(apperr.KindInvalidState, "escrow %s is %s, not pending", e.ID, e.Status)
	}

	now := s.now()
	funded, err := s.store.FundEscrow(ctx, e.ID, &models.Transaction{
		DealID:      e.DealID,
		EscrowID:    e.ID,
		Type:        models.TransactionTypeEscrowLock,
		Amount:      e.TotalAmount,
		FromAddress: e.AdvertiserWallet,
		ToAddress:   e.ContractAddress,
		TxHash:      txHash,
		Status:      models.TransactionStatusConfirmed,
	}, now)
	if err != nil {
		return nil, fmt.Errorf("fund escrow: %w", err)
	}
	if !funded {
		return nil, apperr.New(apperr.KindInvalidState, "escrow %s was funded concurrently", e.ID)
	}
	e.Status = models.EscrowStatusFunded
	e.FundingTxHash = &txHash
	e.FundedAt = &now

	if err := s.ensureDeployed(ctx, e); err != nil {
		s.log.Error("escrow deploy after funding failed, will retry on release",
			zap.String("escrow_id", e.ID.String()), zap.Error(err))
	}

	if err := s.queue.Cancel(ctx, PaymentPollKey(e.ID)); err != nil {
		s.log.Warn("failed to cancel payment poll", zap.String("escrow_id", e.ID.String()), zap.Error(err))
	}

	deal, err := s.store.GetDeal(ctx, e.DealID)
	if err != nil {
		return e, err
	}
	if deal.IsTerminal() {
		// Money arrived after the deal was closed; send it back.
		s.log.Warn("payment received for closed deal, refunding",
			zap.String("deal_id", deal.ID.String()), zap.String("status", deal.Status))
		if _, err := s.RefundAdvertiser(ctx, deal.ID, "payment received after deal "+deal.Status, statemachine.System()); err != nil {
			return e, err
		}
		return s.store.GetEscrow(ctx, e.ID)
	}

	if _, err := s.machine.ConfirmPayment(ctx, deal.ID, txHash); err != nil {
		return e, err
	}
	if _, err := s.machine.StartWork(ctx, deal.ID); err != nil {
		return e, err
	}
	if _, err := s.machine.Start(ctx, deal.ID); err != nil {
		return e, err
	}

	s.log.Info("escrow funded",
		zap.String("deal_id", deal.ID.String()),
		zap.String("escrow_id", e.ID.String()),
		zap.String("tx_hash", txHash),
	)
	s.notifier.DealEvent(ctx, events.EventPaymentReceived, deal.ID, map[string]any{
		"escrow_id": e.ID.String(),
		"amount":    e.TotalAmount,
		"tx_hash":   txHash,
	})
	s.notifyParties(ctx, deal,
		fmt.Sprintf("Payment of %s TON received for deal %s. Please submit the creative.", ton.NanoToTON(e.TotalAmount), deal.ReferenceCode),
		fmt.Sprintf("Your payment of %s TON for deal %s is held in escrow.", ton.NanoToTON(e.TotalAmount), deal.ReferenceCode),
	)
	return e, nil
}

// CheckPayment asks the ledger whether a pending escrow was paid and confirms it
// if so. For escrows past pending it reports whether they were ever funded.
func (s *Service) CheckPayment(ctx context.Context, escrowID uuid.UUID) (bool, error) {
	e, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return false, err
	}
	if e.Status != models.EscrowStatusPending {
		return e.Status != models.EscrowStatusCancelled, nil
	}

	res, err := s.ledger.CheckIncomingPayment(ctx, e.ContractAddress, e.TotalAmount, e.CreatedAt)
	if err != nil {
		return false, apperr.Wrap(apperr.KindLedgerFailure, err, "check incoming payment")
	}
	if res == nil || !res.Received {
		return false, nil
	}

	if _, err := s.ConfirmPayment(ctx, e.ID, res.TxHash); err != nil {
		if errors.Is(err, apperr.ErrInvalidState) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// HandlePaymentPoll is the escrow.payment_poll job. It re-arms itself until the
// escrow is funded, cancelled or past its payment window.
func (s *Service) HandlePaymentPoll(ctx context.Context, job *jobqueue.Job) error {
	var p paymentPollPayload
	if err := job.Decode(&p); err != nil {
		return jobqueue.Permanent(err)
	}

	e, err := s.store.GetEscrow(ctx, p.EscrowID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	if e.Status != models.EscrowStatusPending || !s.now().Before(e.ExpiresAt) {
		return nil
	}

	paid, err := s.CheckPayment(ctx, e.ID)
	if err != nil {
		return err
	}
	if paid {
		return nil
	}
	return s.queue.Enqueue(ctx, JobPaymentPoll, p, jobqueue.EnqueueOptions{
		Key:   PaymentPollKey(e.ID),
		Delay: s.cfg.PollInterval,
	})
}

// ExpirePendingEscrows cancels escrows whose payment window passed and expires
// their deals. Returns how many escrows were cancelled.
func (s *Service) ExpirePendingEscrows(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpiredPendingEscrows(ctx, s.now())
	if err != nil {
		return 0, err
	}

	n := 0
	for _, e := range expired {
		ok, err := s.store.ClaimEscrowStatus(ctx, e.ID, []string{models.EscrowStatusPending}, models.EscrowStatusCancelled)
		if err != nil {
			s.log.Error("failed to cancel expired escrow", zap.String("escrow_id", e.ID.String()), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		n++
		if err := s.queue.Cancel(ctx, PaymentPollKey(e.ID)); err != nil {
			s.log.Warn("failed to cancel payment poll", zap.String("escrow_id", e.ID.String()), zap.Error(err))
		}

		deal, err := s.store.GetDeal(ctx, e.DealID)
		if err != nil {
			s.log.Error("failed to load deal for expired escrow", zap.String("deal_id", e.DealID.String()), zap.Error(err))
			continue
		}
		if deal.Status != models.DealStatusPendingPayment {
			continue
		}
		if _, err := s.machine.Expire(ctx, deal.ID, "payment window elapsed"); err != nil {
			s.log.Warn("failed to expire deal", zap.String("deal_id", deal.ID.String()), zap.Error(err))
			continue
		}
		s.notifier.DealEvent(ctx, events.EventDealExpired, deal.ID, map[string]any{"cause": "payment window elapsed"})
	}

	if n > 0 {
		s.log.Info("expired pending escrows", zap.Int("count", n))
	}
	return n, nil
}

// CancelPending cancels an unfunded escrow. Deals without an escrow are fine.
func (s *Service) CancelPending(ctx context.Context, dealID uuid.UUID) error {
	e, err := s.store.GetEscrowByDeal(ctx, dealID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	if e.Status != models.EscrowStatusPending {
		return nil
	}
	ok, err := s.store.ClaimEscrowStatus(ctx, e.ID, []string{models.EscrowStatusPending}, models.EscrowStatusCancelled)
	if err != nil {
		return err
	}
	if ok {
		if err := s.queue.Cancel(ctx, PaymentPollKey(e.ID)); err != nil {
			s.log.Warn("failed to cancel payment poll", zap.String("escrow_id", e.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) notifyParties(ctx context.Context, deal *models.Deal, toOwner, toAdvertiser string) {
	if owner, err := s.store.GetUser(ctx, deal.ChannelOwnerID); err == nil {
		s.notifier.Notify(ctx, owner.TelegramUserID, deal.ID, toOwner)
	}
	if adv, err := s.store.GetUser(ctx, deal.AdvertiserID); err == nil {
		s.notifier.Notify(ctx, adv.TelegramUserID, deal.ID, toAdvertiser)
	}
}
