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
	"github.com/ads-marketplace/dealflow/internal/telegram"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PublishPost sends a scheduled post to the channel. Only the caller that wins
// the claim talks to the bot; redelivery of an already published post only
// repairs the deal side if an earlier run stopped halfway.
func (s *Service) PublishPost(ctx context.Context, postID uuid.UUID) (*models.PublishedPost, error) {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	deal, err := s.store.GetDeal(ctx, post.DealID)
	if err != nil {
		return nil, err
	}

	switch post.Status {
	case models.PostStatusPublished:
		if deal.Status == models.DealStatusCreativeApproved || deal.Status == models.DealStatusScheduled {
			if err := s.markPosted(ctx, deal, post, statemachine.System()); err != nil {
				return nil, err
			}
		}
		return post, nil
	case models.PostStatusCancelled, models.PostStatusDeleted:
		return post, nil
	}

	if deal.IsTerminal() {
		s.log.Info("deal closed before publication, cancelling post",
			zap.String("deal_id", deal.ID.String()), zap.String("status", deal.Status))
		if err := s.store.UpdatePostStatus(ctx, post.ID, models.PostStatusCancelled); err != nil {
			return nil, err
		}
		return s.store.GetPost(ctx, post.ID)
	}

	now := s.now()
	claimed, err := s.store.ClaimPostForPublish(ctx, post.ID, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return s.store.GetPost(ctx, post.ID)
	}

	// Failures from here on release the claim so a retry can take it again.
	canPost, err := s.bot.CanPost(ctx, post.ChatID)
	if err != nil {
		s.releaseClaim(ctx, post.ID, err.Error())
		return nil, fmt.Errorf("check bot rights: %w", err)
	}
	if !canPost {
		s.releaseClaim(ctx, post.ID, apperr.ErrNotAdmin.Message)
		return nil, apperr.ErrNotAdmin
	}

	res, err := s.bot.SendPost(ctx, telegram.PostRequest{
		DealID:    deal.ID.String(),
		ChatID:    post.ChatID,
		Text:      post.Content,
		MediaURLs: post.MediaURLs,
		Buttons:   toButtons(post.Buttons),
	})
	if err != nil {
		s.releaseClaim(ctx, post.ID, err.Error())
		return nil, fmt.Errorf("send post: %w", err)
	}

	if err := s.store.MarkPostPublished(ctx, post.ID, res.MessageID, now, s.deleteAt(deal, now)); err != nil {
		return nil, err
	}
	post, err = s.store.GetPost(ctx, post.ID)
	if err != nil {
		return nil, err
	}

	s.log.Info("post published",
		zap.String("deal_id", deal.ID.String()),
		zap.String("post_id", post.ID.String()),
		zap.Int64("message_id", res.MessageID),
	)
	if err := s.markPosted(ctx, deal, post, statemachine.System()); err != nil {
		return nil, err
	}
	s.notifier.DealEvent(ctx, events.EventPostPublished, deal.ID, map[string]any{
		"post_id":    post.ID.String(),
		"message_id": res.MessageID,
		"post_url":   res.PostURL,
	})
	s.notifyParties(ctx, deal, fmt.Sprintf("The ad for deal %s has been published.", deal.ReferenceCode))
	return post, nil
}

// ConfirmPosted records a post the channel owner published by hand.
func (s *Service) ConfirmPosted(ctx context.Context, dealID, ownerID uuid.UUID, messageID int64) (*models.PublishedPost, error) {
	if messageID <= 0 {
		return nil, apperr.New(apperr.KindValidation, "message id must be positive")
	}
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !statemachine.CanTransition(deal, models.DealStatusPosted, models.RoleChannelOwner) {
		return nil, apperr.New(apperr.KindInvalidTransition, "deal %s is %s and cannot be marked posted", deal.ID, deal.Status)
	}

	content := ""
	if prev, err := s.store.GetActivePostForDeal(ctx, dealID); err == nil {
		content = prev.Content
	}
	if err := s.retirePrevious(ctx, dealID); err != nil {
		return nil, err
	}
	channel, err := s.store.GetChannel(ctx, deal.ChannelID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	post := &models.PublishedPost{
		DealID:      deal.ID,
		ChannelID:   channel.ID,
		ChatID:      channel.TelegramChatID,
		Content:     content,
		Status:      models.PostStatusPublishing,
		ScheduledAt: now,
	}
	if err := s.store.CreatePost(ctx, post); err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	if err := s.store.MarkPostPublished(ctx, post.ID, messageID, now, s.deleteAt(deal, now)); err != nil {
		return nil, err
	}
	post, err = s.store.GetPost(ctx, post.ID)
	if err != nil {
		return nil, err
	}

	if err := s.markPosted(ctx, deal, post, statemachine.As(models.RoleChannelOwner, ownerID)); err != nil {
		return nil, err
	}
	s.notifier.DealEvent(ctx, events.EventPostPublished, deal.ID, map[string]any{
		"post_id":    post.ID.String(),
		"message_id": messageID,
		"manual":     true,
	})
	if adv, err := s.store.GetUser(ctx, deal.AdvertiserID); err == nil {
		s.notifier.Notify(ctx, adv.TelegramUserID, deal.ID,
			fmt.Sprintf("The channel owner reported the ad for deal %s as published.", deal.ReferenceCode))
	}
	return post, nil
}

// MarkPosted moves the deal of a published post to posted and books its
// verification and removal jobs.
func (s *Service) MarkPosted(ctx context.Context, postID uuid.UUID, actor statemachine.Actor) error {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.Status != models.PostStatusPublished {
		return apperr.New(apperr.KindInvalidState, "post %s is %s, not published", post.ID, post.Status)
	}
	deal, err := s.store.GetDeal(ctx, post.DealID)
	if err != nil {
		return err
	}
	return s.markPosted(ctx, deal, post, actor)
}

func (s *Service) markPosted(ctx context.Context, deal *models.Deal, post *models.PublishedPost, actor statemachine.Actor) error {
	if deal.Status != models.DealStatusPosted {
		if _, err := s.machine.MarkPosted(ctx, deal.ID, actor, *post.MessageID); err != nil {
			return err
		}
	}
	if err := s.funds.LockFunds(ctx, deal.ID); err != nil {
		s.log.Warn("failed to lock escrow for placement", zap.String("deal_id", deal.ID.String()), zap.Error(err))
	}

	publishedAt := s.now()
	if post.PublishedAt != nil {
		publishedAt = *post.PublishedAt
	}
	checks := s.checkpoints(deal)
	for i, offset := range checks {
		n := i + 1
		if err := s.queue.Enqueue(ctx, JobVerify, verifyPayload{
			PostID:     post.ID,
			Checkpoint: n,
			Final:      n == len(checks),
		}, jobqueue.EnqueueOptions{
			Key:   VerifyKey(post.ID, n),
			Delay: s.until(publishedAt.Add(offset)),
		}); err != nil {
			return fmt.Errorf("enqueue verification %d: %w", n, err)
		}
	}

	if !deal.IsPermanent && deal.DurationHours > 0 {
		if err := s.queue.Enqueue(ctx, JobDelete, postPayload{PostID: post.ID}, jobqueue.EnqueueOptions{
			Key:   DeleteKey(post.ID),
			Delay: s.until(publishedAt.Add(deal.Duration() + s.cfg.DeleteGrace)),
		}); err != nil {
			return fmt.Errorf("enqueue post removal: %w", err)
		}
	}
	return nil
}

// checkpoints returns the verification offsets from publication. The last one
// is the final check: the paid duration, or PermanentFinalCheck when there is none.
func (s *Service) checkpoints(deal *models.Deal) []time.Duration {
	final := deal.Duration()
	if deal.IsPermanent || final <= 0 {
		final = s.cfg.PermanentFinalCheck
	}
	var out []time.Duration
	for _, c := range s.cfg.Checkpoints {
		if c < final {
			out = append(out, c)
		}
	}
	return append(out, final)
}

func (s *Service) deleteAt(deal *models.Deal, publishedAt time.Time) *time.Time {
	if deal.IsPermanent || deal.DurationHours <= 0 {
		return nil
	}
	t := publishedAt.Add(deal.Duration())
	return &t
}

func (s *Service) until(t time.Time) time.Duration {
	d := t.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// DeletePost removes the message once the paid placement is over.
func (s *Service) DeletePost(ctx context.Context, postID uuid.UUID) error {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.Status != models.PostStatusPublished || post.MessageID == nil {
		return nil
	}
	deal, err := s.store.GetDeal(ctx, post.DealID)
	if err != nil {
		return err
	}
	switch deal.Status {
	case models.DealStatusPosted, models.DealStatusVerifying, models.DealStatusVerified:
		// Payment not settled yet; the post stays up until the final check completes the deal.
		s.log.Info("deferring post removal until the deal completes",
			zap.String("deal_id", deal.ID.String()), zap.String("status", deal.Status))
		return s.queue.Enqueue(ctx, JobDelete, postPayload{PostID: post.ID}, jobqueue.EnqueueOptions{
			Key:   DeleteKey(post.ID),
			Delay: s.cfg.DeleteGrace,
		})
	}
	if err := s.bot.DeleteMessage(ctx, post.ChatID, *post.MessageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if err := s.store.UpdatePostStatus(ctx, post.ID, models.PostStatusDeleted); err != nil {
		return err
	}
	s.log.Info("post removed after paid duration",
		zap.String("deal_id", post.DealID.String()),
		zap.String("post_id", post.ID.String()),
	)
	return nil
}

func (s *Service) cancelFollowups(ctx context.Context, postID uuid.UUID) {
	keys := []string{DeleteKey(postID)}
	for n := 1; n <= len(s.cfg.Checkpoints)+1; n++ {
		keys = append(keys, VerifyKey(postID, n))
	}
	for _, key := range keys {
		if err := s.queue.Cancel(ctx, key); err != nil {
			s.log.Warn("failed to cancel job", zap.String("key", key), zap.Error(err))
		}
	}
}

func (s *Service) notifyParties(ctx context.Context, deal *models.Deal, text string) {
	for _, id := range []uuid.UUID{deal.AdvertiserID, deal.ChannelOwnerID} {
		if u, err := s.store.GetUser(ctx, id); err == nil {
			s.notifier.Notify(ctx, u.TelegramUserID, deal.ID, text)
		} else if !errors.Is(err, apperr.ErrNotFound) {
			s.log.Warn("failed to load user for notification", zap.String("user_id", id.String()), zap.Error(err))
		}
	}
}

func toButtons(in []models.PostButton) []telegram.Button {
	if len(in) == 0 {
		return nil
	}
	out := make([]telegram.Button, len(in))
	for i, b := range in {
		out[i] = telegram.Button{Text: b.Text, URL: b.URL}
	}
	return out
}

func (s *Service) releaseClaim(ctx context.Context, postID uuid.UUID, reason string) {
	if err := s.store.MarkPostFailed(ctx, postID, reason); err != nil {
		s.log.Error("failed to mark post failed", zap.String("post_id", postID.String()), zap.Error(err))
	}
}
