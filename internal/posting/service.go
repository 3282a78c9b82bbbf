// Package posting places the approved creative in the channel at the scheduled
// time, checks it stays up for the paid duration and removes it afterwards.
package posting

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
	"github.com/ads-marketplace/dealflow/internal/statsparser"
	"github.com/ads-marketplace/dealflow/internal/telegram"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Store interface {
	GetDeal(ctx context.Context, id uuid.UUID) (*models.Deal, error)
	UpdateDealSchedule(ctx context.Context, id uuid.UUID, at time.Time) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error)

	CreatePost(ctx context.Context, p *models.PublishedPost) error
	GetPost(ctx context.Context, id uuid.UUID) (*models.PublishedPost, error)
	GetActivePostForDeal(ctx context.Context, dealID uuid.UUID) (*models.PublishedPost, error)
	ClaimPostForPublish(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkPostPublished(ctx context.Context, id uuid.UUID, messageID int64, at time.Time, deleteAt *time.Time) error
	MarkPostFailed(ctx context.Context, id uuid.UUID, msg string) error
	UpdatePostStatus(ctx context.Context, id uuid.UUID, status string) error
	ReschedulePost(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordVerification(ctx context.Context, v *models.PostVerification) error
}

// Bot is the part of the bot service used for channel posts.
type Bot interface {
	CanPost(ctx context.Context, chatID int64) (bool, error)
	SendPost(ctx context.Context, req telegram.PostRequest) (*telegram.PostResult, error)
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
}

type Inspector interface {
	InspectPost(ctx context.Context, username string, messageID int64) (*statsparser.PostSnapshot, error)
}

// Funds is the escrow side of a placement: money is locked once the post is
// up and paid out after the final check.
type Funds interface {
	LockFunds(ctx context.Context, dealID uuid.UUID) error
	ReleaseFunds(ctx context.Context, dealID uuid.UUID, actor statemachine.Actor) (*models.Escrow, error)
}

type Config struct {
	// Checkpoints after publication; only those before the final check are used.
	Checkpoints []time.Duration
	// PermanentFinalCheck is the final check for permanent or open-ended placements.
	PermanentFinalCheck time.Duration
	// DeleteGrace delays removal past the paid duration so the final check sees the post.
	DeleteGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		Checkpoints:         []time.Duration{time.Hour, 6 * time.Hour, 12 * time.Hour},
		PermanentFinalCheck: 24 * time.Hour,
		DeleteGrace:         10 * time.Minute,
	}
}

type Service struct {
	store     Store
	machine   *statemachine.Machine
	queue     jobqueue.Scheduler
	bot       Bot
	inspector Inspector
	funds     Funds
	notifier  *events.Notifier
	validate  *validator.Validate
	cfg       Config
	log       *zap.Logger
	now       func() time.Time
}

func NewService(
	store Store,
	machine *statemachine.Machine,
	queue jobqueue.Scheduler,
	bot Bot,
	inspector Inspector,
	funds Funds,
	notifier *events.Notifier,
	cfg Config,
	log *zap.Logger,
) *Service {
	def := DefaultConfig()
	if len(cfg.Checkpoints) == 0 {
		cfg.Checkpoints = def.Checkpoints
	}
	if cfg.PermanentFinalCheck <= 0 {
		cfg.PermanentFinalCheck = def.PermanentFinalCheck
	}
	if cfg.DeleteGrace <= 0 {
		cfg.DeleteGrace = def.DeleteGrace
	}
	return &Service{
		store:     store,
		machine:   machine,
		queue:     queue,
		bot:       bot,
		inspector: inspector,
		funds:     funds,
		notifier:  notifier,
		validate:  validator.New(),
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

type SchedulePostInput struct {
	DealID      uuid.UUID           `json:"deal_id" validate:"required"`
	Content     string              `json:"content" validate:"required,max=4096"`
	MediaURLs   []string            `json:"media_urls" validate:"omitempty,max=10,dive,url"`
	Buttons     []models.PostButton `json:"buttons" validate:"omitempty,max=8,dive"`
	ScheduledAt time.Time           `json:"scheduled_at" validate:"required"`
}

// SchedulePost books the approved creative for publication. A previously
// scheduled post for the deal is cancelled along with its job.
func (s *Service) SchedulePost(ctx context.Context, in SchedulePostInput) (*models.PublishedPost, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid post")
	}
	now := s.now()
	if !in.ScheduledAt.After(now) {
		return nil, apperr.ErrInvalidTime
	}

	deal, err := s.store.GetDeal(ctx, in.DealID)
	if err != nil {
		return nil, err
	}
	if deal.Status != models.DealStatusCreativeApproved && deal.Status != models.DealStatusScheduled {
		return nil, apperr.New(apperr.KindInvalidState, "deal %s is %s, creative must be approved first", deal.ID, deal.Status)
	}

	if err := s.retirePrevious(ctx, deal.ID); err != nil {
		return nil, err
	}

	channel, err := s.store.GetChannel(ctx, deal.ChannelID)
	if err != nil {
		return nil, err
	}
	post := &models.PublishedPost{
		DealID:      deal.ID,
		ChannelID:   channel.ID,
		ChatID:      channel.TelegramChatID,
		Content:     in.Content,
		MediaURLs:   in.MediaURLs,
		Buttons:     in.Buttons,
		Status:      models.PostStatusScheduled,
		ScheduledAt: in.ScheduledAt,
	}
	if err := s.store.CreatePost(ctx, post); err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}

	if deal.Status == models.DealStatusCreativeApproved {
		if _, err := s.machine.Schedule(ctx, deal.ID, in.ScheduledAt); err != nil {
			return nil, err
		}
	} else if err := s.store.UpdateDealSchedule(ctx, deal.ID, in.ScheduledAt); err != nil {
		return nil, err
	}

	if err := s.enqueuePublish(ctx, post.ID, in.ScheduledAt); err != nil {
		return nil, err
	}

	s.log.Info("post scheduled",
		zap.String("deal_id", deal.ID.String()),
		zap.String("post_id", post.ID.String()),
		zap.Time("scheduled_at", in.ScheduledAt),
	)
	return post, nil
}

// retirePrevious cancels a deal's earlier post that has not gone out yet.
func (s *Service) retirePrevious(ctx context.Context, dealID uuid.UUID) error {
	prev, err := s.store.GetActivePostForDeal(ctx, dealID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch prev.Status {
	case models.PostStatusScheduled, models.PostStatusFailed:
	case models.PostStatusPublishing, models.PostStatusPublished:
		return apperr.New(apperr.KindInvalidState, "deal %s already has a post in %s", dealID, prev.Status)
	default:
		return nil
	}
	if err := s.queue.Cancel(ctx, PublishKey(prev.ID)); err != nil {
		return fmt.Errorf("cancel publish job: %w", err)
	}
	return s.store.UpdatePostStatus(ctx, prev.ID, models.PostStatusCancelled)
}

func (s *Service) enqueuePublish(ctx context.Context, postID uuid.UUID, at time.Time) error {
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	return s.queue.Enqueue(ctx, JobPublish, postPayload{PostID: postID}, jobqueue.EnqueueOptions{
		Key:   PublishKey(postID),
		Delay: delay,
	})
}

// ReschedulePost moves a post that has not gone out yet to a new time.
func (s *Service) ReschedulePost(ctx context.Context, postID uuid.UUID, at time.Time) (*models.PublishedPost, error) {
	if !at.After(s.now()) {
		return nil, apperr.ErrInvalidTime
	}
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.Status != models.PostStatusScheduled && post.Status != models.PostStatusFailed {
		return nil, apperr.New(apperr.KindInvalidState, "post %s is %s and cannot be rescheduled", post.ID, post.Status)
	}

	if err := s.queue.Cancel(ctx, PublishKey(post.ID)); err != nil {
		return nil, fmt.Errorf("cancel publish job: %w", err)
	}
	if err := s.store.ReschedulePost(ctx, post.ID, at); err != nil {
		return nil, err
	}
	if err := s.store.UpdateDealSchedule(ctx, post.DealID, at); err != nil {
		return nil, err
	}
	if err := s.enqueuePublish(ctx, post.ID, at); err != nil {
		return nil, err
	}

	s.log.Info("post rescheduled", zap.String("post_id", post.ID.String()), zap.Time("scheduled_at", at))
	return s.store.GetPost(ctx, post.ID)
}

// CancelScheduledPost withdraws a post that has not gone out yet.
func (s *Service) CancelScheduledPost(ctx context.Context, postID uuid.UUID) error {
	if err := s.queue.Cancel(ctx, PublishKey(postID)); err != nil {
		return fmt.Errorf("cancel publish job: %w", err)
	}
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	switch post.Status {
	case models.PostStatusCancelled:
		return nil
	case models.PostStatusScheduled, models.PostStatusFailed:
	default:
		return apperr.New(apperr.KindInvalidState, "post %s is %s and cannot be cancelled", post.ID, post.Status)
	}
	if err := s.store.UpdatePostStatus(ctx, post.ID, models.PostStatusCancelled); err != nil {
		return err
	}
	s.log.Info("scheduled post cancelled", zap.String("post_id", post.ID.String()))
	return nil
}

// CancelForDeal withdraws whatever unpublished post a closed deal still has.
func (s *Service) CancelForDeal(ctx context.Context, dealID uuid.UUID) error {
	post, err := s.store.GetActivePostForDeal(ctx, dealID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if post.Status != models.PostStatusScheduled && post.Status != models.PostStatusFailed {
		return nil
	}
	return s.CancelScheduledPost(ctx, post.ID)
}

// ForcePublish publishes a post now instead of waiting for its job.
func (s *Service) ForcePublish(ctx context.Context, postID uuid.UUID) (*models.PublishedPost, error) {
	if err := s.queue.Cancel(ctx, PublishKey(postID)); err != nil {
		return nil, fmt.Errorf("cancel publish job: %w", err)
	}
	return s.PublishPost(ctx, postID)
}

// ActivePost returns the deal's current post.
func (s *Service) ActivePost(ctx context.Context, dealID uuid.UUID) (*models.PublishedPost, error) {
	return s.store.GetActivePostForDeal(ctx, dealID)
}
