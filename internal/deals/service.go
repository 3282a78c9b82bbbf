// Package deals is the entry point the API and CLI call. It checks who is
// asking, then drives the state machine, escrow, posting and timeout
// services in the order each user action needs.
package deals

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ads-marketplace/dealflow/internal/apperr"
	"github.com/ads-marketplace/dealflow/internal/escrow"
	"github.com/ads-marketplace/dealflow/internal/events"
	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/ads-marketplace/dealflow/internal/posting"
	"github.com/ads-marketplace/dealflow/internal/rbac"
	"github.com/ads-marketplace/dealflow/internal/statemachine"
	"github.com/ads-marketplace/dealflow/internal/timeouts"
	"github.com/ads-marketplace/dealflow/internal/ton"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Store interface {
	CreateDeal(ctx context.Context, d *models.Deal) error
	GetDeal(ctx context.Context, id uuid.UUID) (*models.Deal, error)
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error)
	ListTimeline(ctx context.Context, dealID uuid.UUID) ([]models.DealTimeline, error)
	ListTransactions(ctx context.Context, dealID uuid.UUID) ([]models.Transaction, error)
}

type Config struct {
	PlatformFeeBPS       int
	DefaultDurationHours int
}

// Caller is the authenticated user behind a request.
type Caller struct {
	UserID  uuid.UUID
	IsAdmin bool
}

type Service struct {
	store    Store
	machine  *statemachine.Machine
	escrow   *escrow.Service
	posts    *posting.Service
	timeouts *timeouts.Sweeper
	notifier *events.Notifier
	validate *validator.Validate
	cfg      Config
	log      *zap.Logger
}

func NewService(
	store Store,
	machine *statemachine.Machine,
	escrowSvc *escrow.Service,
	posts *posting.Service,
	sweeper *timeouts.Sweeper,
	notifier *events.Notifier,
	cfg Config,
	log *zap.Logger,
) *Service {
	if cfg.DefaultDurationHours <= 0 {
		cfg.DefaultDurationHours = 24
	}
	return &Service{
		store:    store,
		machine:  machine,
		escrow:   escrowSvc,
		posts:    posts,
		timeouts: sweeper,
		notifier: notifier,
		validate: validator.New(),
		cfg:      cfg,
		log:      log,
	}
}

// authorize loads the deal and returns the caller's role in it. Parties act
// under their deal role; admins who are not a party act as admin.
func (s *Service) authorize(ctx context.Context, dealID uuid.UUID, c Caller, perm string) (*models.Deal, string, error) {
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, "", err
	}
	role := rbac.RoleInDeal(deal, c.UserID)
	if role == "" && c.IsAdmin {
		role = models.RoleAdmin
	}
	if role == "" {
		return nil, "", apperr.New(apperr.KindUnauthorized, "not a party to deal %s", deal.ID)
	}
	if !rbac.HasPermission(role, perm) {
		return nil, "", apperr.New(apperr.KindUnauthorized, "%s cannot %s", role, strings.ReplaceAll(perm, "_", " "))
	}
	return deal, role, nil
}

func requireAdmin(c Caller) error {
	if !c.IsAdmin {
		return apperr.New(apperr.KindUnauthorized, "admin only")
	}
	return nil
}

type CreateDealInput struct {
	ChannelID uuid.UUID `json:"channel_id" validate:"required"`
	PriceTON  string    `json:"price_ton" validate:"required"`
	// FeeTON overrides the configured platform fee.
	FeeTON         string  `json:"fee_ton,omitempty"`
	Brief          *string `json:"brief,omitempty" validate:"omitempty,max=2000"`
	DurationHours  int     `json:"duration_hours,omitempty" validate:"omitempty,min=1,max=720"`
	IsPermanent    bool    `json:"is_permanent"`
	TimeoutMinutes int     `json:"timeout_minutes,omitempty" validate:"omitempty,min=10,max=10080"`
}

// Create opens a deal from the caller (advertiser) to a channel's owner.
func (s *Service) Create(ctx context.Context, c Caller, in CreateDealInput) (*models.Deal, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid deal")
	}
	price, err := ton.ParseTON(in.PriceTON)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid price")
	}
	if price <= 0 {
		return nil, apperr.New(apperr.KindValidation, "price must be positive")
	}
	fee := ton.FeeFor(price, s.cfg.PlatformFeeBPS)
	if in.FeeTON != "" {
		if fee, err = ton.ParseTON(in.FeeTON); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, err, "invalid fee")
		}
	}
	if _, ok := ton.AddNano(price, fee); !ok {
		return nil, apperr.New(apperr.KindValidation, "price plus fee is out of range")
	}

	channel, err := s.store.GetChannel(ctx, in.ChannelID)
	if err != nil {
		return nil, err
	}
	if channel.OwnerID == c.UserID {
		return nil, apperr.New(apperr.KindValidation, "cannot buy a placement in your own channel")
	}

	deal := models.NewDeal(c.UserID, channel.OwnerID, channel.ID, price, fee)
	deal.ReferenceCode = newReferenceCode()
	deal.Brief = in.Brief
	deal.DurationHours = in.DurationHours
	if deal.DurationHours == 0 {
		deal.DurationHours = s.cfg.DefaultDurationHours
	}
	deal.IsPermanent = in.IsPermanent
	deal.TimeoutMinutes = in.TimeoutMinutes

	if err := s.store.CreateDeal(ctx, deal); err != nil {
		return nil, fmt.Errorf("create deal: %w", err)
	}
	if err := s.timeouts.ScheduleDealTimeout(ctx, deal); err != nil {
		s.log.Warn("failed to arm deal timeout", zap.String("deal_id", deal.ID.String()), zap.Error(err))
	}

	s.log.Info("deal created",
		zap.String("deal_id", deal.ID.String()),
		zap.String("reference", deal.ReferenceCode),
		zap.Int64("total_amount", deal.TotalAmount),
	)
	s.notifyUser(ctx, deal.ChannelOwnerID, deal.ID,
		fmt.Sprintf("New ad request %s for @%s: %s TON.", deal.ReferenceCode, channel.Username, ton.NanoToTON(deal.Price)))
	return s.store.GetDeal(ctx, deal.ID)
}

func newReferenceCode() string {
	return "AD-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// DealView is a deal as one party sees it.
type DealView struct {
	Deal               *models.Deal          `json:"deal"`
	Role               string                `json:"role"`
	AllowedTransitions []string              `json:"allowed_transitions"`
	Escrow             *models.Escrow        `json:"escrow,omitempty"`
	Post               *models.PublishedPost `json:"post,omitempty"`
}

func (s *Service) Get(ctx context.Context, c Caller, dealID uuid.UUID) (*DealView, error) {
	deal, role, err := s.authorize(ctx, dealID, c, rbac.PermViewDeal)
	if err != nil {
		return nil, err
	}
	view := &DealView{
		Deal:               deal,
		Role:               role,
		AllowedTransitions: statemachine.AllowedTransitions(deal, role),
	}
	if e, err := s.escrow.GetForDeal(ctx, deal.ID); err == nil {
		view.Escrow = e
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	if p, err := s.posts.ActivePost(ctx, deal.ID); err == nil {
		view.Post = p
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	return view, nil
}

func (s *Service) Timeline(ctx context.Context, c Caller, dealID uuid.UUID) ([]models.DealTimeline, error) {
	if _, _, err := s.authorize(ctx, dealID, c, rbac.PermViewDeal); err != nil {
		return nil, err
	}
	return s.store.ListTimeline(ctx, dealID)
}

func (s *Service) Transactions(ctx context.Context, c Caller, dealID uuid.UUID) ([]models.Transaction, error) {
	if _, _, err := s.authorize(ctx, dealID, c, rbac.PermViewDeal); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, dealID)
}

func (s *Service) notifyUser(ctx context.Context, userID, dealID uuid.UUID, text string) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		s.log.Warn("notification recipient not found", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	s.notifier.Notify(ctx, u.TelegramUserID, dealID, text)
}
