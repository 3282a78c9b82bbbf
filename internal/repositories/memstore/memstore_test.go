package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/ads-marketplace/dealflow/internal/apperr"
	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDeal(t *testing.T, s *Store) *models.Deal {
	t.Helper()
	d := models.NewDeal(uuid.New(), uuid.New(), uuid.New(), 1_000, 50)
	require.NoError(t, s.CreateDeal(context.Background(), d))
	return d
}

func TestApplyTransitionIsConditional(t *testing.T) {
	ctx := context.Background()
	s := New()
	d := newDeal(t, s)
	at := time.Now()

	updated, err := s.ApplyTransition(ctx, models.StatusChange{
		DealID: d.ID, From: models.DealStatusCreated, To: models.DealStatusPendingPayment, At: at,
		Timeline: models.DealTimeline{Event: models.TimelineStatusChanged, ActorType: models.RoleChannelOwner},
	})
	require.NoError(t, err)
	assert.Equal(t, models.DealStatusPendingPayment, updated.Status)
	require.NotNil(t, updated.PreviousStatus)
	assert.Equal(t, models.DealStatusCreated, *updated.PreviousStatus)

	// Same expected-from again loses the race.
	_, err = s.ApplyTransition(ctx, models.StatusChange{
		DealID: d.ID, From: models.DealStatusCreated, To: models.DealStatusCancelled, At: at,
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	entries, err := s.ListTimeline(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.TimelineDealCreated, entries[0].Event)
	assert.Equal(t, models.TimelineStatusChanged, entries[1].Event)
	assert.Equal(t, d.ID, entries[1].DealID)
}

func TestEscrowFundingAndSettlement(t *testing.T) {
	ctx := context.Background()
	s := New()
	owner := s.AddUser(models.User{TelegramUserID: 1})
	dealID := uuid.New()

	e := &models.Escrow{DealID: dealID, Amount: 1_000, PlatformFee: 50, TotalAmount: 1_050, Status: models.EscrowStatusPending}
	require.NoError(t, s.CreateEscrow(ctx, e))
	assert.ErrorIs(t, s.CreateEscrow(ctx, &models.Escrow{DealID: dealID, Amount: 1, TotalAmount: 1}), apperr.ErrInvalidState)

	lock := &models.Transaction{DealID: dealID, EscrowID: e.ID, Type: models.TransactionTypeEscrowLock, Amount: 1_050, TxHash: "aa"}
	ok, err := s.FundEscrow(ctx, e.ID, lock, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.FundEscrow(ctx, e.ID, lock, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "second funding must be a no-op")

	assert.ErrorIs(t, s.SettleRelease(ctx, e.ID, &models.Transaction{}, owner.ID, time.Now()), apperr.ErrInvalidState)

	claimed, err := s.ClaimEscrowStatus(ctx, e.ID, []string{models.EscrowStatusFunded, models.EscrowStatusLocked}, models.EscrowStatusReleasing)
	require.NoError(t, err)
	require.True(t, claimed)

	payout := &models.Transaction{DealID: dealID, EscrowID: e.ID, Type: models.TransactionTypePayout, Amount: 1_000, TxHash: "bb"}
	require.NoError(t, s.SettleRelease(ctx, e.ID, payout, owner.ID, time.Now()))

	got, err := s.GetEscrow(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusReleased, got.Status)

	u, err := s.GetUser(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), u.Balance)

	txs, err := s.ListTransactions(ctx, dealID)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestClaimPostForPublishOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := &models.PublishedPost{DealID: uuid.New(), Content: "hi", ScheduledAt: time.Now()}
	require.NoError(t, s.CreatePost(ctx, p))

	first, err := s.ClaimPostForPublish(ctx, p.ID, time.Now())
	require.NoError(t, err)
	second, err := s.ClaimPostForPublish(ctx, p.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	// A failed publish releases the claim.
	require.NoError(t, s.MarkPostFailed(ctx, p.ID, "boom"))
	again, err := s.ClaimPostForPublish(ctx, p.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, again)
}

func TestRecordVerificationKeepsBaselineHash(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := &models.PublishedPost{DealID: uuid.New(), Content: "hi", ScheduledAt: time.Now()}
	require.NoError(t, s.CreatePost(ctx, p))

	require.NoError(t, s.RecordVerification(ctx, &models.PostVerification{PostID: p.ID, IsLive: true, ContentHash: "first", Views: 10, CheckedAt: time.Now()}))
	require.NoError(t, s.RecordVerification(ctx, &models.PostVerification{PostID: p.ID, IsLive: true, IsEdited: true, ContentHash: "second", Views: 20, CheckedAt: time.Now()}))
	require.NoError(t, s.RecordVerification(ctx, &models.PostVerification{PostID: p.ID, IsLive: true, ContentHash: "second", Views: 30, CheckedAt: time.Now()}))

	got, err := s.GetPost(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ContentHash)
	assert.Equal(t, "first", *got.ContentHash)
	assert.True(t, got.IsEdited, "edited flag is sticky")
	assert.Equal(t, 30, got.Views)
	assert.Len(t, s.Verifications(p.ID), 3)
}

func TestUpsertTelegramUser(t *testing.T) {
	ctx := context.Background()
	s := New()
	name := "buyer"

	first, err := s.UpsertTelegramUser(ctx, 555, nil)
	require.NoError(t, err)
	again, err := s.UpsertTelegramUser(ctx, 555, &name)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	require.NotNil(t, again.Username)
	assert.Equal(t, "buyer", *again.Username)

	require.NoError(t, s.SetUserWallet(ctx, first.ID, "EQwallet"))
	u, err := s.GetUser(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, u.HasWallet())

	assert.ErrorIs(t, s.SetUserWallet(ctx, uuid.New(), "EQx"), apperr.ErrNotFound)
}
