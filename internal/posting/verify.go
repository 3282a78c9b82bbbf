package posting

import (
	"context"
	"errors"
	"fmt"

	"github.com/ads-marketplace/dealflow/internal/apperr"
	"github.com/ads-marketplace/dealflow/internal/events"
	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/ads-marketplace/dealflow/internal/statemachine"
	"github.com/ads-marketplace/dealflow/internal/statsparser"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// VerifyPost checks a published post at a checkpoint. Every check is stored.
// A post that disappears before the paid duration ends is a violation; a post
// still up at the final check completes the deal and releases the escrow.
func (s *Service) VerifyPost(ctx context.Context, postID uuid.UUID, checkpoint int, isFinal bool) (*models.PostVerification, error) {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	deal, err := s.store.GetDeal(ctx, post.DealID)
	if err != nil {
		return nil, err
	}
	if deal.IsTerminal() {
		return nil, nil
	}
	if isFinal && deal.Status == models.DealStatusVerified {
		// An earlier final check passed but the release did not go through.
		return nil, s.complete(ctx, deal.ID)
	}
	if post.Status != models.PostStatusPublished || post.MessageID == nil {
		s.log.Debug("skipping verification of inactive post",
			zap.String("post_id", post.ID.String()), zap.String("status", post.Status))
		return nil, nil
	}
	channel, err := s.store.GetChannel(ctx, post.ChannelID)
	if err != nil {
		return nil, err
	}

	snap, err := s.inspector.InspectPost(ctx, channel.Username, *post.MessageID)
	switch {
	case errors.Is(err, statsparser.ErrNoPublicLink):
		s.log.Warn("channel has no public link, assuming post is live",
			zap.String("post_id", post.ID.String()), zap.String("channel_id", channel.ID.String()))
		snap = &statsparser.PostSnapshot{Exists: true}
	case err != nil:
		return nil, fmt.Errorf("inspect post: %w", err)
	}

	edited := snap.Exists && snap.ContentHash != "" &&
		post.ContentHash != nil && *post.ContentHash != snap.ContentHash

	v := &models.PostVerification{
		PostID:      post.ID,
		DealID:      deal.ID,
		Checkpoint:  checkpoint,
		IsFinal:     isFinal,
		IsLive:      snap.Exists,
		IsEdited:    edited,
		ContentHash: snap.ContentHash,
		Views:       snap.Views,
		Reactions:   snap.Reactions,
		Forwards:    snap.Forwards,
		CheckedAt:   s.now(),
	}
	if err := s.store.RecordVerification(ctx, v); err != nil {
		return nil, fmt.Errorf("record verification: %w", err)
	}

	log := s.log.With(
		zap.String("deal_id", deal.ID.String()),
		zap.String("post_id", post.ID.String()),
		zap.Int("checkpoint", checkpoint),
	)

	if !snap.Exists {
		if err := s.store.UpdatePostStatus(ctx, post.ID, models.PostStatusDeleted); err != nil {
			return v, err
		}
		s.cancelFollowups(ctx, post.ID)
		if !isFinal || deal.IsPermanent {
			log.Warn("post deleted before the paid duration ended")
			s.reportViolation(ctx, deal, post, checkpoint)
			return v, nil
		}
		log.Info("post gone at final check, placement served its duration")
	}

	if edited && !post.IsEdited {
		log.Warn("post content changed after publication")
		if err := s.machine.AddTimelineEntry(ctx, deal.ID, models.TimelinePostEdited, statemachine.System(), statemachine.Details{
			Metadata: map[string]any{"post_id": post.ID.String(), "checkpoint": checkpoint},
		}); err != nil {
			log.Warn("failed to record edit on timeline", zap.Error(err))
		}
		s.notifier.DealEvent(ctx, events.EventPostEdited, deal.ID, map[string]any{"post_id": post.ID.String()})
	}

	if !isFinal {
		return v, nil
	}
	return v, s.complete(ctx, deal.ID)
}

func (s *Service) reportViolation(ctx context.Context, deal *models.Deal, post *models.PublishedPost, checkpoint int) {
	if err := s.machine.AddTimelineEntry(ctx, deal.ID, models.TimelinePostDeletedEarly, statemachine.System(), statemachine.Details{
		Note:     "post removed before the paid duration ended",
		Metadata: map[string]any{"post_id": post.ID.String(), "checkpoint": checkpoint},
	}); err != nil {
		s.log.Warn("failed to record early deletion", zap.String("deal_id", deal.ID.String()), zap.Error(err))
	}
	s.notifier.DealEvent(ctx, events.EventPostViolation, deal.ID, map[string]any{
		"post_id":    post.ID.String(),
		"violation":  "deleted_early",
		"checkpoint": checkpoint,
	})
	s.notifyParties(ctx, deal, fmt.Sprintf("The ad for deal %s was removed before the paid period ended. The deal can be disputed.", deal.ReferenceCode))
}

// complete walks a posted deal through verification and releases the escrow.
// Each step is skipped when a previous run already made it.
func (s *Service) complete(ctx context.Context, dealID uuid.UUID) error {
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	switch deal.Status {
	case models.DealStatusPosted:
		if deal, err = s.machine.StartVerification(ctx, dealID); err != nil {
			return err
		}
		fallthrough
	case models.DealStatusVerifying:
		if deal, err = s.machine.MarkVerified(ctx, dealID); err != nil {
			return err
		}
		if adv, err := s.store.GetUser(ctx, deal.AdvertiserID); err == nil {
			s.notifier.Notify(ctx, adv.TelegramUserID, deal.ID,
				fmt.Sprintf("The ad for deal %s stayed up for the whole period. Releasing payment to the channel.", deal.ReferenceCode))
		}
	case models.DealStatusVerified:
	default:
		s.log.Info("deal left the posting flow before the final check",
			zap.String("deal_id", dealID.String()), zap.String("status", deal.Status))
		return nil
	}

	if _, err := s.funds.ReleaseFunds(ctx, dealID, statemachine.System()); err != nil {
		if errors.Is(err, apperr.ErrInvalidState) {
			s.log.Info("escrow already settled", zap.String("deal_id", dealID.String()))
			return nil
		}
		return fmt.Errorf("release funds: %w", err)
	}
	return nil
}
