// Package statemachine owns every deal status change: it checks the transition
// table, writes the status update and its timeline row in one transaction, and
// publishes the change afterwards.
package statemachine

import (
	"context"
	"time"

	"github.com/ads-marketplace/dealflow/internal/apperr"
	"github.com/ads-marketplace/dealflow/internal/events"
	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Store interface {
	GetDeal(ctx context.Context, id uuid.UUID) (*models.Deal, error)
	ApplyTransition(ctx context.Context, ch models.StatusChange) (*models.Deal, error)
	AddTimeline(ctx context.Context, e *models.DealTimeline) error
}

// Actor is who asks for a transition. ID is nil for the system.
type Actor struct {
	ID   *uuid.UUID
	Role string
}

func System() Actor {
	return Actor{Role: models.RoleSystem}
}

func As(role string, id uuid.UUID) Actor {
	return Actor{ID: &id, Role: role}
}

// Details are stored on the timeline row of a transition.
type Details struct {
	Note     string
	Metadata map[string]any

	scheduleAt *time.Time
}

type Machine struct {
	store    Store
	notifier *events.Notifier
	log      *zap.Logger
	now      func() time.Time
}

func New(store Store, notifier *events.Notifier, log *zap.Logger) *Machine {
	return &Machine{store: store, notifier: notifier, log: log, now: time.Now}
}

// SetClock overrides the time source used for transition timestamps.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// CanTransition reports whether actor role may move the deal to target. No side effects.
func CanTransition(deal *models.Deal, target, role string) bool {
	return models.IsValidTransition(deal.Status, target, role)
}

// AllowedTransitions lists the statuses role may move the deal to next.
func AllowedTransitions(deal *models.Deal, role string) []string {
	return models.AllowedTransitions(deal.Status, role)
}

// Transition moves a deal to target on behalf of actor.
func (m *Machine) Transition(ctx context.Context, dealID uuid.UUID, target string, actor Actor, d Details) (*models.Deal, error) {
	deal, err := m.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	return m.apply(ctx, deal, target, actor, d)
}

func (m *Machine) apply(ctx context.Context, deal *models.Deal, target string, actor Actor, d Details) (*models.Deal, error) {
	from := deal.Status
	if !models.IsValidTransition(from, target, actor.Role) {
		return nil, apperr.New(apperr.KindInvalidTransition, "cannot move deal from %s to %s as %s", from, target, actor.Role)
	}

	to := target
	entry := models.DealTimeline{
		Event:      models.TimelineStatusChanged,
		FromStatus: &from,
		ToStatus:   &to,
		ActorID:    actor.ID,
		ActorType:  actor.Role,
		Metadata:   d.Metadata,
	}
	if d.Note != "" {
		note := d.Note
		entry.Note = &note
	}

	updated, err := m.store.ApplyTransition(ctx, models.StatusChange{
		DealID:   deal.ID,
		From:     from,
		To:       target,
		At:       m.now(),
		Timeline: entry,

		ScheduledPostTime: d.scheduleAt,
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("deal status changed",
		zap.String("deal_id", deal.ID.String()),
		zap.String("from", from),
		zap.String("to", target),
		zap.String("actor", actor.Role),
	)

	m.notifier.DealEvent(ctx, events.EventDealStatusChanged, deal.ID, map[string]any{
		"old_status": from,
		"new_status": target,
		"actor_type": actor.Role,
	})
	if target == models.DealStatusCompleted {
		m.notifier.DealEvent(ctx, events.EventDealCompleted, deal.ID, map[string]any{
			"total_amount": updated.TotalAmount,
		})
	}
	return updated, nil
}

// AddTimelineEntry records an informational row without changing status.
func (m *Machine) AddTimelineEntry(ctx context.Context, dealID uuid.UUID, event string, actor Actor, d Details) error {
	entry := &models.DealTimeline{
		DealID:    dealID,
		Event:     event,
		ActorID:   actor.ID,
		ActorType: actor.Role,
		Metadata:  d.Metadata,
	}
	if d.Note != "" {
		note := d.Note
		entry.Note = &note
	}
	return m.store.AddTimeline(ctx, entry)
}
