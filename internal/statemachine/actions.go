package statemachine

import (
	"context"
	"time"

	"github.com/ads-marketplace/dealflow/internal/apperr"
	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/google/uuid"
)

// Accept is the channel owner taking the deal; payment is due next.
func (m *Machine) Accept(ctx context.Context, dealID, ownerID uuid.UUID) (*models.Deal, error) {
	return m.Transition(ctx, dealID, models.DealStatusPendingPayment, As(models.RoleChannelOwner, ownerID), Details{})
}

// Reject is the owner declining a deal they have not accepted yet.
func (m *Machine) Reject(ctx context.Context, dealID, ownerID uuid.UUID, reason string) (*models.Deal, error) {
	deal, err := m.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if deal.Status != models.DealStatusCreated {
		return nil, apperr.New(apperr.KindInvalidTransition, "only a new deal can be rejected, deal is %s", deal.Status)
	}
	return m.apply(ctx, deal, models.DealStatusCancelled, As(models.RoleChannelOwner, ownerID), Details{
		Note:     reason,
		Metadata: map[string]any{"rejected": true},
	})
}

func (m *Machine) Cancel(ctx context.Context, dealID uuid.UUID, actor Actor, reason string) (*models.Deal, error) {
	return m.Transition(ctx, dealID, models.DealStatusCancelled, actor, Details{Note: reason})
}

// ConfirmPayment records that escrow funding was observed.
func (m *Machine) ConfirmPayment(ctx context.Context, dealID uuid.UUID, txHash string) (*models.Deal, error) {
	return m.Transition(ctx, dealID, models.DealStatusPaymentReceived, System(), Details{
		Metadata: map[string]any{"tx_hash": txHash},
	})
}

func (m *Machine) StartWork(ctx context.Context, dealID uuid.UUID) (*models.Deal, error) {
	return m.Transition(ctx, dealID, models.DealStatusInProgress, System(), Details{})
}

// Start opens the creative stage.
func (m *Machine) Start(ctx context.Context, dealID uuid.UUID) (*models.Deal, error) {
	return m.Transition(ctx, dealID, models.DealStatusCreativePending, System(), Details{})
}

func (m *Machine) SubmitCreative(ctx context.Context, dealID, ownerID uuid.UUID, creative map[string]any) (*models.Deal, error) {
	return m.Transition(ctx, dealID, models.DealStatusCreativeSubmitted, As(models.RoleChannelOwner, ownerID), Details{Metadata: creative})
}

func (m *Machine) ApproveCreative(ctx context.Context, dealID, advertiserID uuid.UUID) (*models.Deal, error) {
	return m.Transition(ctx, dealID, models.DealStatusCreativeApproved, As(models.RoleAdvertiser, advertiserID), Details{})
}

func (m *Machine) RequestRevision(ctx context.Context, dealID, advertiserID uuid.UUID, feedback string) (*models.Deal, error) {
	return m.Transition(ctx, dealID, models.DealStatusCreativeRevisionRequested, As(models.RoleAdvertiser, advertiserID), Details{Note: feedback})
}

// Schedule stores the posting time and moves the deal to scheduled.
func (m *Machine) Schedule(ctx context.Context, dealID uuid.UUID, at time.Time) (*models.Deal, error) {
	t := at
	return m.Transition(ctx, dealID, models.DealStatusScheduled, System(), Details{
		Metadata:   map[string]any{"scheduled_at": at.UTC().Format(time.RFC3339)},
		scheduleAt: &t,
	})
}

// MarkPosted is the raw status change; posting.Service.MarkPosted wraps it with job scheduling.
func (m *Machine) MarkPosted(ctx context.Context, dealID uuid.UUID, actor Actor, messageID int64) (*models.Deal, error) {
	return m.Transition(ctx, dealID, models.DealStatusPosted, actor, Details{
		Metadata: map[string]any{"message_id": messageID},
	})
}

func (m *Machine) ConfirmCompletion(ctx context.Context, dealID, advertiserID uuid.UUID) (*models.Deal, error) {
	return m.Transition(ctx, dealID, models.DealStatusCompleted, As(models.RoleAdvertiser, advertiserID), Details{})
}

func (m *Machine) StartVerification(ctx context.Context, dealID uuid.UUID) (*models.Deal, error) {
	return m.Transition(ctx, dealID, models.DealStatusVerifying, System(), Details{})
}

func (m *Machine) MarkVerified(ctx context.Context, dealID uuid.UUID) (*models.Deal, error) {
	return m.Transition(ctx, dealID, models.DealStatusVerified, System(), Details{})
}

func (m *Machine) Complete(ctx context.Context, dealID uuid.UUID, actor Actor, d Details) (*models.Deal, error) {
	return m.Transition(ctx, dealID, models.DealStatusCompleted, actor, d)
}

func (m *Machine) OpenDispute(ctx context.Context, dealID uuid.UUID, actor Actor, reason string) (*models.Deal, error) {
	return m.Transition(ctx, dealID, models.DealStatusDisputed, actor, Details{Note: reason})
}

// ResolveDispute closes a dispute as completed (owner paid) or refunded (advertiser paid back).
func (m *Machine) ResolveDispute(ctx context.Context, dealID, adminID uuid.UUID, outcome, note string) (*models.Deal, error) {
	if outcome != models.DealStatusCompleted && outcome != models.DealStatusRefunded {
		return nil, apperr.New(apperr.KindValidation, "dispute outcome must be completed or refunded, got %q", outcome)
	}
	return m.Transition(ctx, dealID, outcome, As(models.RoleAdmin, adminID), Details{Note: note})
}

func (m *Machine) Expire(ctx context.Context, dealID uuid.UUID, cause string) (*models.Deal, error) {
	return m.Transition(ctx, dealID, models.DealStatusExpired, System(), Details{
		Note:     cause,
		Metadata: map[string]any{"cause": cause},
	})
}
