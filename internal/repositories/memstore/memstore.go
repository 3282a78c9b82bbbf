// Package memstore is an in-memory implementation of the repositories.Store
// method set. It keeps the same conditional-update semantics and is used by
// service tests and local tooling.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ads-marketplace/dealflow/internal/apperr"
	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/google/uuid"
)

type Store struct {
	mu sync.Mutex

	users         map[uuid.UUID]models.User
	channels      map[uuid.UUID]models.Channel
	deals         map[uuid.UUID]models.Deal
	timeline      []models.DealTimeline
	escrows       map[uuid.UUID]models.Escrow
	transactions  []models.Transaction
	posts         map[uuid.UUID]models.PublishedPost
	verifications []models.PostVerification

	seq int
	now func() time.Time
}

func New() *Store {
	return &Store{
		users:    make(map[uuid.UUID]models.User),
		channels: make(map[uuid.UUID]models.Channel),
		deals:    make(map[uuid.UUID]models.Deal),
		escrows:  make(map[uuid.UUID]models.Escrow),
		posts:    make(map[uuid.UUID]models.PublishedPost),
		now:      time.Now,
	}
}

// SetClock overrides the clock used for created/updated timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// AddUser seeds a user. A zero ID is replaced with a fresh one.
func (s *Store) AddUser(u models.User) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	s.users[u.ID] = u
	return u
}

func (s *Store) AddChannel(c models.Channel) models.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.channels[c.ID] = c
	return c
}

// tick returns a strictly increasing timestamp so ordered listings are stable.
func (s *Store) tick() time.Time {
	s.seq++
	return s.now().Add(time.Duration(s.seq) * time.Nanosecond)
}

// --- deals ---

func (s *Store) CreateDeal(_ context.Context, d *models.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.TotalAmount != d.Price+d.PlatformFee {
		return apperr.New(apperr.KindValidation, "total amount must equal price plus fee")
	}
	now := s.now()
	d.ID = uuid.New()
	d.LastActivityAt = now
	d.CreatedAt = now
	d.UpdatedAt = now
	s.deals[d.ID] = *d

	to := d.Status
	actor := d.AdvertiserID
	s.appendTimeline(models.DealTimeline{
		DealID:    d.ID,
		Event:     models.TimelineDealCreated,
		ToStatus:  &to,
		ActorID:   &actor,
		ActorType: models.RoleAdvertiser,
		Metadata:  map[string]any{"total_amount": d.TotalAmount},
	})
	return nil
}

func (s *Store) GetDeal(_ context.Context, id uuid.UUID) (*models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[id]
	if !ok {
		return nil, apperr.NotFound("deal")
	}
	return &d, nil
}

func (s *Store) ApplyTransition(_ context.Context, ch models.StatusChange) (*models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[ch.DealID]
	if !ok || d.Status != ch.From {
		return nil, apperr.New(apperr.KindInvalidTransition, "deal %s is no longer in status %s", ch.DealID, ch.From)
	}
	prev := d.Status
	d.PreviousStatus = &prev
	d.Status = ch.To
	d.LastActivityAt = ch.At
	d.UpdatedAt = ch.At
	d.ApplyStageTimestamp(ch.To, ch.At)
	if ch.ScheduledPostTime != nil {
		t := *ch.ScheduledPostTime
		d.ScheduledPostTime = &t
	}
	s.deals[d.ID] = d

	entry := ch.Timeline
	entry.DealID = ch.DealID
	s.appendTimeline(entry)
	return &d, nil
}

func (s *Store) ListDealsByStatus(_ context.Context, statuses []string, limit int) ([]models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Deal
	for _, d := range s.deals {
		if slices.Contains(statuses, d.Status) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateDealSchedule(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[id]
	if !ok {
		return apperr.NotFound("deal")
	}
	t := at
	d.ScheduledPostTime = &t
	d.UpdatedAt = s.now()
	s.deals[id] = d
	return nil
}

// SetDealActivity rewinds a deal's last activity, for timeout tests.
func (s *Store) SetDealActivity(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.deals[id]; ok {
		d.LastActivityAt = at
		s.deals[id] = d
	}
}

// --- timeline ---

func (s *Store) appendTimeline(e models.DealTimeline) {
	e.ID = uuid.New()
	e.CreatedAt = s.tick()
	s.timeline = append(s.timeline, e)
}

func (s *Store) AddTimeline(_ context.Context, e *models.DealTimeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendTimeline(*e)
	last := s.timeline[len(s.timeline)-1]
	e.ID, e.CreatedAt = last.ID, last.CreatedAt
	return nil
}

func (s *Store) ListTimeline(_ context.Context, dealID uuid.UUID) ([]models.DealTimeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DealTimeline
	for _, e := range s.timeline {
		if e.DealID == dealID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- users & channels ---

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, apperr.NotFound("user")
	}
	return &u, nil
}

func (s *Store) UpsertTelegramUser(_ context.Context, telegramUserID int64, username *string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, u := range s.users {
		if u.TelegramUserID == telegramUserID {
			if username != nil {
				u.Username = username
				s.users[id] = u
			}
			return &u, nil
		}
	}
	u := models.User{ID: uuid.New(), TelegramUserID: telegramUserID, Username: username, CreatedAt: s.now()}
	s.users[u.ID] = u
	return &u, nil
}

func (s *Store) SetUserWallet(_ context.Context, id uuid.UUID, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return apperr.NotFound("user")
	}
	u.WalletAddress = &address
	s.users[id] = u
	return nil
}

func (s *Store) GetChannel(_ context.Context, id uuid.UUID) (*models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return nil, apperr.NotFound("channel")
	}
	return &c, nil
}

func (s *Store) RecordDealStats(_ context.Context, advertiserID, ownerID uuid.UUID, volume int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[advertiserID]; ok {
		u.CompletedDealsAsAdvertiser++
		u.TotalVolume += volume
		u.RatingPoints++
		s.users[advertiserID] = u
	}
	if u, ok := s.users[ownerID]; ok {
		u.CompletedDealsAsOwner++
		u.TotalVolume += volume
		u.RatingPoints++
		s.users[ownerID] = u
	}
	return nil
}

// --- escrow ---

func (s *Store) CreateEscrow(_ context.Context, e *models.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.escrows {
		if existing.DealID == e.DealID {
			return apperr.New(apperr.KindInvalidState, "escrow for deal %s already exists", e.DealID)
		}
	}
	if e.Amount+e.PlatformFee != e.TotalAmount {
		return apperr.New(apperr.KindValidation, "escrow amount plus fee must equal total")
	}
	now := s.now()
	e.ID = uuid.New()
	e.CreatedAt = now
	e.UpdatedAt = now
	s.escrows[e.ID] = *e
	return nil
}

func (s *Store) GetEscrow(_ context.Context, id uuid.UUID) (*models.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, apperr.NotFound("escrow")
	}
	return &e, nil
}

func (s *Store) GetEscrowByDeal(_ context.Context, dealID uuid.UUID) (*models.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.escrows {
		if e.DealID == dealID {
			return &e, nil
		}
	}
	return nil, apperr.NotFound("escrow")
}

func (s *Store) DeleteEscrow(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.escrows[id]; ok && e.Status == models.EscrowStatusCancelled {
		delete(s.escrows, id)
	}
	return nil
}

func (s *Store) MarkEscrowDeployed(_ context.Context, id uuid.UUID, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok {
		return apperr.NotFound("escrow")
	}
	e.IsDeployed = true
	if address != "" {
		e.ContractAddress = address
	}
	e.UpdatedAt = s.now()
	s.escrows[id] = e
	return nil
}

func (s *Store) ClaimEscrowStatus(_ context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok || !slices.Contains(from, e.Status) {
		return false, nil
	}
	e.Status = to
	e.UpdatedAt = s.now()
	s.escrows[id] = e
	return true, nil
}

func (s *Store) FundEscrow(_ context.Context, id uuid.UUID, t *models.Transaction, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok || e.Status != models.EscrowStatusPending {
		return false, nil
	}
	if err := s.insertTransaction(t); err != nil {
		return false, err
	}
	hash, fundedAt := t.TxHash, at
	e.Status = models.EscrowStatusFunded
	e.FundingTxHash = &hash
	e.FundedAt = &fundedAt
	e.UpdatedAt = at
	s.escrows[id] = e
	return true, nil
}

func (s *Store) SettleRelease(_ context.Context, id uuid.UUID, t *models.Transaction, ownerID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok || e.Status != models.EscrowStatusReleasing {
		return apperr.New(apperr.KindInvalidState, "escrow %s is not releasing", id)
	}
	if err := s.insertTransaction(t); err != nil {
		return err
	}
	hash, releasedAt := t.TxHash, at
	e.Status = models.EscrowStatusReleased
	e.ReleaseTxHash = &hash
	e.ReleasedAt = &releasedAt
	e.UpdatedAt = at
	s.escrows[id] = e

	if u, ok := s.users[ownerID]; ok {
		u.Balance += t.Amount
		s.users[ownerID] = u
	}
	return nil
}

func (s *Store) SettleRefund(_ context.Context, id uuid.UUID, t *models.Transaction, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok || e.Status != models.EscrowStatusRefunding {
		return apperr.New(apperr.KindInvalidState, "escrow %s is not refunding", id)
	}
	if err := s.insertTransaction(t); err != nil {
		return err
	}
	hash, refundedAt := t.TxHash, at
	e.Status = models.EscrowStatusRefunded
	e.RefundTxHash = &hash
	e.RefundedAt = &refundedAt
	e.UpdatedAt = at
	s.escrows[id] = e
	return nil
}

func (s *Store) ListExpiredPendingEscrows(_ context.Context, now time.Time) ([]models.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Escrow
	for _, e := range s.escrows {
		if e.Status == models.EscrowStatusPending && e.ExpiresAt.Before(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (s *Store) ListEscrowsHeldForDeals(_ context.Context, dealStatuses []string, limit int) ([]models.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Escrow
	for _, e := range s.escrows {
		d, ok := s.deals[e.DealID]
		if ok && e.HoldsFunds() && slices.Contains(dealStatuses, d.Status) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// insertTransaction enforces one transaction of each type per escrow.
func (s *Store) insertTransaction(t *models.Transaction) error {
	for _, existing := range s.transactions {
		if existing.EscrowID == t.EscrowID && existing.Type == t.Type {
			return apperr.New(apperr.KindInvalidState, "%s transaction already recorded for escrow %s", t.Type, t.EscrowID)
		}
	}
	t.ID = uuid.New()
	t.CreatedAt = s.tick()
	if t.Status == "" {
		t.Status = models.TransactionStatusConfirmed
	}
	s.transactions = append(s.transactions, *t)
	return nil
}

func (s *Store) ListTransactions(_ context.Context, dealID uuid.UUID) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, t := range s.transactions {
		if t.DealID == dealID {
			out = append(out, t)
		}
	}
	return out, nil
}

// --- posts ---

func (s *Store) CreatePost(_ context.Context, p *models.PublishedPost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.tick()
	p.ID = uuid.New()
	if p.Status == "" {
		p.Status = models.PostStatusScheduled
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	s.posts[p.ID] = *p
	return nil
}

func (s *Store) GetPost(_ context.Context, id uuid.UUID) (*models.PublishedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, apperr.NotFound("post")
	}
	return &p, nil
}

// GetActivePostForDeal returns the newest post for the deal that was not cancelled.
func (s *Store) GetActivePostForDeal(_ context.Context, dealID uuid.UUID) (*models.PublishedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.PublishedPost
	for _, p := range s.posts {
		if p.DealID != dealID {
			continue
		}
		if p.Status == models.PostStatusCancelled {
			continue
		}
		if found == nil || p.CreatedAt.After(found.CreatedAt) {
			cp := p
			found = &cp
		}
	}
	if found == nil {
		return nil, apperr.NotFound("post")
	}
	return found, nil
}

func (s *Store) ClaimPostForPublish(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok || p.PublishedAt != nil {
		return false, nil
	}
	switch p.Status {
	case models.PostStatusScheduled, models.PostStatusPublishing, models.PostStatusFailed:
	default:
		return false, nil
	}
	t := at
	p.Status = models.PostStatusPublishing
	p.PublishedAt = &t
	p.UpdatedAt = at
	s.posts[id] = p
	return true, nil
}

func (s *Store) MarkPostPublished(_ context.Context, id uuid.UUID, messageID int64, at time.Time, deleteAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return apperr.NotFound("post")
	}
	for _, other := range s.posts {
		if other.ID != id && other.DealID == p.DealID && other.Status == models.PostStatusPublished {
			return apperr.New(apperr.KindInvalidState, "deal %s already has a published post", p.DealID)
		}
	}
	msg, publishedAt := messageID, at
	p.Status = models.PostStatusPublished
	p.MessageID = &msg
	p.PublishedAt = &publishedAt
	p.ScheduledDeleteAt = deleteAt
	p.ErrorMessage = nil
	p.UpdatedAt = s.now()
	s.posts[id] = p
	return nil
}

func (s *Store) MarkPostFailed(_ context.Context, id uuid.UUID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok || p.Status == models.PostStatusPublished {
		return nil
	}
	m := msg
	p.Status = models.PostStatusFailed
	p.ErrorMessage = &m
	p.PublishedAt = nil
	p.UpdatedAt = s.now()
	s.posts[id] = p
	return nil
}

func (s *Store) UpdatePostStatus(_ context.Context, id uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return nil
	}
	p.Status = status
	p.UpdatedAt = s.now()
	s.posts[id] = p
	return nil
}

func (s *Store) ReschedulePost(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok || (p.Status != models.PostStatusScheduled && p.Status != models.PostStatusFailed) {
		return nil
	}
	p.Status = models.PostStatusScheduled
	p.ScheduledAt = at
	p.PublishedAt = nil
	p.ErrorMessage = nil
	p.UpdatedAt = s.now()
	s.posts[id] = p
	return nil
}

func (s *Store) RecordVerification(_ context.Context, v *models.PostVerification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.ID = uuid.New()
	s.verifications = append(s.verifications, *v)

	p, ok := s.posts[v.PostID]
	if !ok {
		return nil
	}
	p.Views, p.Reactions, p.Forwards = v.Views, v.Reactions, v.Forwards
	checked := v.CheckedAt
	p.LastCheckedAt = &checked
	p.IsEdited = p.IsEdited || v.IsEdited
	if p.ContentHash == nil && v.ContentHash != "" {
		h := v.ContentHash
		p.ContentHash = &h
	}
	p.UpdatedAt = s.now()
	s.posts[v.PostID] = p
	return nil
}

// Verifications returns the recorded verifications for a post, oldest first.
func (s *Store) Verifications(postID uuid.UUID) []models.PostVerification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PostVerification
	for _, v := range s.verifications {
		if v.PostID == postID {
			out = append(out, v)
		}
	}
	return out
}
