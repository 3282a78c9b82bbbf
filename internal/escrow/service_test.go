package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ads-marketplace/dealflow/internal/apperr"
	"github.com/ads-marketplace/dealflow/internal/events"
	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/ads-marketplace/dealflow/internal/repositories/memstore"
	"github.com/ads-marketplace/dealflow/internal/statemachine"
	"github.com/ads-marketplace/dealflow/internal/testkit"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testPrice = int64(1_000_000_000)
	testFee   = int64(50_000_000)
)

type fixture struct {
	store   *memstore.Store
	clock   *testkit.Clock
	queue   *testkit.FakeQueue
	ledger  *testkit.FakeLedger
	pub     *testkit.FakePublisher
	machine *statemachine.Machine
	svc     *Service
	adv     models.User
	owner   models.User
	deal    *models.Deal
}

func strPtr(s string) *string { return &s }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store:  memstore.New(),
		clock:  testkit.NewClock(),
		ledger: testkit.NewFakeLedger(),
		pub:    &testkit.FakePublisher{},
	}
	f.store.SetClock(f.clock.Now)
	f.queue = testkit.NewFakeQueue(f.clock)
	notifier := events.NewNotifier(f.pub, zap.NewNop())
	f.machine = statemachine.New(f.store, notifier, zap.NewNop())
	f.machine.SetClock(f.clock.Now)
	f.svc = NewService(f.store, f.ledger, f.machine, f.queue, notifier, Config{
		PlatformWallet: "EQplatform",
		PaymentWindow:  time.Hour,
		PollInterval:   30 * time.Second,
	}, zap.NewNop())
	f.svc.SetClock(f.clock.Now)
	f.svc.RegisterJobs(f.queue)

	f.adv = f.store.AddUser(models.User{TelegramUserID: 1001, WalletAddress: strPtr("EQadvertiser")})
	f.owner = f.store.AddUser(models.User{TelegramUserID: 2002, WalletAddress: strPtr("EQowner")})

	f.deal = models.NewDeal(f.adv.ID, f.owner.ID, uuid.New(), testPrice, testFee)
	require.NoError(t, f.store.CreateDeal(ctx, f.deal))
	_, err := f.machine.Accept(ctx, f.deal.ID, f.owner.ID)
	require.NoError(t, err)
	return f
}

func (f *fixture) dealStatus(t *testing.T) string {
	t.Helper()
	d, err := f.store.GetDeal(context.Background(), f.deal.ID)
	require.NoError(t, err)
	return d.Status
}

// fund creates the escrow and confirms payment, leaving the deal in creative_pending.
func (f *fixture) fund(t *testing.T) *models.Escrow {
	t.Helper()
	ctx := context.Background()
	e, err := f.svc.CreateEscrow(ctx, f.deal.ID)
	require.NoError(t, err)
	e, err = f.svc.ConfirmPayment(ctx, e.ID, "lock-tx")
	require.NoError(t, err)
	return e
}

// moveTo walks a funded deal along the happy path up to status.
func (f *fixture) moveTo(t *testing.T, status string) {
	t.Helper()
	ctx := context.Background()
	steps := []struct {
		to    string
		actor statemachine.Actor
	}{
		{models.DealStatusCreativeSubmitted, statemachine.As(models.RoleChannelOwner, f.owner.ID)},
		{models.DealStatusCreativeApproved, statemachine.As(models.RoleAdvertiser, f.adv.ID)},
		{models.DealStatusPosted, statemachine.System()},
		{models.DealStatusVerifying, statemachine.System()},
		{models.DealStatusVerified, statemachine.System()},
	}
	for _, s := range steps {
		_, err := f.machine.Transition(ctx, f.deal.ID, s.to, s.actor, statemachine.Details{})
		require.NoError(t, err)
		if s.to == status {
			return
		}
	}
	t.Fatalf("status %s not on the happy path", status)
}

func TestCreateEscrowSplitsAmounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	e, err := f.svc.CreateEscrow(ctx, f.deal.ID)
	require.NoError(t, err)

	assert.Equal(t, testPrice, e.Amount)
	assert.Equal(t, testFee, e.PlatformFee)
	assert.Equal(t, e.Amount+e.PlatformFee, e.TotalAmount)
	assert.Equal(t, models.EscrowStatusPending, e.Status)
	assert.True(t, e.IsDeployed)
	assert.Equal(t, "EQ"+f.deal.ID.String(), e.ContractAddress)
	assert.Equal(t, f.clock.Now().Add(time.Hour), e.ExpiresAt)
	assert.Equal(t, "EQowner", e.OwnerWallet)

	job := f.queue.Job(PaymentPollKey(e.ID))
	require.NotNil(t, job)
	assert.Equal(t, JobPaymentPoll, job.Name)
	assert.Equal(t, f.clock.Now().Add(30*time.Second), job.RunAt)
}

func TestCreateEscrowIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.CreateEscrow(ctx, f.deal.ID)
	require.NoError(t, err)
	second, err := f.svc.CreateEscrow(ctx, f.deal.ID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.ledger.Deployed, 1)
}

func TestCreateEscrowFallsBackToComputedAddress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.DeployErr = errors.New("lite server unavailable")

	e, err := f.svc.CreateEscrow(ctx, f.deal.ID)
	require.NoError(t, err)
	assert.False(t, e.IsDeployed)
	assert.Equal(t, "EQ"+f.deal.ID.String(), e.ContractAddress)

	// Funding deploys lazily once the ledger is back.
	f.ledger.DeployErr = nil
	funded, err := f.svc.ConfirmPayment(ctx, e.ID, "lock-tx")
	require.NoError(t, err)
	assert.True(t, funded.IsDeployed)
}

func TestCreateEscrowRequiresAdvertiserWallet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	adv := f.store.AddUser(models.User{TelegramUserID: 3003})
	deal := models.NewDeal(adv.ID, f.owner.ID, uuid.New(), testPrice, testFee)
	require.NoError(t, f.store.CreateDeal(ctx, deal))

	_, err := f.svc.CreateEscrow(ctx, deal.ID)
	assert.ErrorIs(t, err, apperr.ErrMissingWallet)
}

func TestCreateEscrowOwnerWithoutWalletUsesPlatform(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	owner := f.store.AddUser(models.User{TelegramUserID: 4004})
	deal := models.NewDeal(f.adv.ID, owner.ID, uuid.New(), testPrice, testFee)
	require.NoError(t, f.store.CreateDeal(ctx, deal))

	e, err := f.svc.CreateEscrow(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, "EQplatform", e.OwnerWallet)
}

func TestConfirmPaymentStartsDeal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	e := f.fund(t)
	assert.Equal(t, models.EscrowStatusFunded, e.Status)
	assert.Equal(t, models.DealStatusCreativePending, f.dealStatus(t))
	assert.Nil(t, f.queue.Job(PaymentPollKey(e.ID)))
	assert.Equal(t, 1, f.pub.Count(events.EventPaymentReceived))

	txs, err := f.store.ListTransactions(ctx, f.deal.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, models.TransactionTypeEscrowLock, txs[0].Type)
	assert.Equal(t, e.TotalAmount, txs[0].Amount)
}

func TestConfirmPaymentTwiceIsInvalidState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.fund(t)

	_, err := f.svc.ConfirmPayment(ctx, e.ID, "other-tx")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, models.DealStatusCreativePending, f.dealStatus(t))

	txs, err := f.store.ListTransactions(ctx, f.deal.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestReleaseFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t)
	f.moveTo(t, models.DealStatusVerified)

	e, err := f.svc.ReleaseFunds(ctx, f.deal.ID, statemachine.System())
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusReleased, e.Status)
	assert.Equal(t, models.DealStatusCompleted, f.dealStatus(t))
	assert.Len(t, f.ledger.Releases, 1)

	owner, err := f.store.GetUser(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, testPrice, owner.Balance)

	txs, err := f.store.ListTransactions(ctx, f.deal.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, models.TransactionTypePayout, txs[1].Type)
	assert.Equal(t, testPrice, txs[1].Amount)
	assert.Equal(t, "EQowner", txs[1].ToAddress)

	_, err = f.svc.ReleaseFunds(ctx, f.deal.ID, statemachine.System())
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Len(t, f.ledger.Releases, 1)
}

func TestReleaseFundsRejectsWrongStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t)

	_, err := f.svc.ReleaseFunds(ctx, f.deal.ID, statemachine.System())
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Empty(t, f.ledger.Releases)

	e, err := f.svc.GetForDeal(ctx, f.deal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusFunded, e.Status)
}

func TestReleaseFundsLedgerFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t)
	f.moveTo(t, models.DealStatusVerified)
	f.ledger.ReleaseErr = errors.New("timeout")

	_, err := f.svc.ReleaseFunds(ctx, f.deal.ID, statemachine.System())
	assert.ErrorIs(t, err, apperr.ErrLedgerFailure)

	e, err := f.svc.GetForDeal(ctx, f.deal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusFunded, e.Status)
	assert.Equal(t, models.DealStatusVerified, f.dealStatus(t))

	f.ledger.ReleaseErr = nil
	e, err = f.svc.ReleaseFunds(ctx, f.deal.ID, statemachine.System())
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusReleased, e.Status)
}

func TestReleaseWithoutOwnerWalletRecordsCustody(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.owner = f.store.AddUser(models.User{TelegramUserID: 5005})
	f.deal = models.NewDeal(f.adv.ID, f.owner.ID, uuid.New(), testPrice, testFee)
	require.NoError(t, f.store.CreateDeal(ctx, f.deal))
	_, err := f.machine.Accept(ctx, f.deal.ID, f.owner.ID)
	require.NoError(t, err)
	f.fund(t)
	f.moveTo(t, models.DealStatusVerified)

	e, err := f.svc.ReleaseFunds(ctx, f.deal.ID, statemachine.System())
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusReleased, e.Status)
	assert.Equal(t, models.DealStatusCompleted, f.dealStatus(t))

	txs, err := f.store.ListTransactions(ctx, f.deal.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "EQplatform", txs[1].ToAddress)

	owner, err := f.store.GetUser(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, testPrice, owner.Balance)

	entries, err := f.store.ListTimeline(ctx, f.deal.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	require.NotNil(t, last.ToStatus)
	assert.Equal(t, models.DealStatusCompleted, *last.ToStatus)
	assert.Equal(t, "platform", last.Metadata["payout_custody"])
	require.NotNil(t, last.Note)
}

func TestRefundLedgerFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t)
	_, err := f.machine.OpenDispute(ctx, f.deal.ID, statemachine.As(models.RoleAdvertiser, f.adv.ID), "no creative")
	require.NoError(t, err)
	require.NoError(t, f.svc.MarkDisputed(ctx, f.deal.ID))
	f.ledger.RefundErr = errors.New("timeout")

	admin := statemachine.As(models.RoleAdmin, uuid.New())
	_, err = f.svc.RefundAdvertiser(ctx, f.deal.ID, "owner never delivered", admin)
	assert.ErrorIs(t, err, apperr.ErrLedgerFailure)

	e, err := f.svc.GetForDeal(ctx, f.deal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusDisputed, e.Status)
	assert.Equal(t, models.DealStatusDisputed, f.dealStatus(t))
	txs, err := f.store.ListTransactions(ctx, f.deal.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	f.ledger.RefundErr = nil
	e, err = f.svc.RefundAdvertiser(ctx, f.deal.ID, "owner never delivered", admin)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusRefunded, e.Status)
	assert.Equal(t, models.DealStatusRefunded, f.dealStatus(t))
	assert.Len(t, f.ledger.Refunds, 1)
}

func TestDisputeRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t)

	_, err := f.machine.OpenDispute(ctx, f.deal.ID, statemachine.As(models.RoleAdvertiser, f.adv.ID), "no creative")
	require.NoError(t, err)
	require.NoError(t, f.svc.LockFunds(ctx, f.deal.ID))

	locked, err := f.svc.GetForDeal(ctx, f.deal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusLocked, locked.Status)

	require.NoError(t, f.svc.MarkDisputed(ctx, f.deal.ID))
	held, err := f.svc.GetForDeal(ctx, f.deal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusDisputed, held.Status)
	assert.True(t, held.HoldsFunds())

	admin := uuid.New()
	e, err := f.svc.RefundAdvertiser(ctx, f.deal.ID, "owner never delivered", statemachine.As(models.RoleAdmin, admin))
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusRefunded, e.Status)
	assert.Equal(t, models.DealStatusRefunded, f.dealStatus(t))

	txs, err := f.store.ListTransactions(ctx, f.deal.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, models.TransactionTypeEscrowRefund, txs[1].Type)
	assert.Equal(t, e.TotalAmount, txs[1].Amount)
	assert.Equal(t, "EQadvertiser", txs[1].ToAddress)
}

func TestRefundWithoutDisputeOnlyNotesTimeline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t)

	_, err := f.svc.RefundAdvertiser(ctx, f.deal.ID, "cancelled", statemachine.System())
	require.NoError(t, err)
	assert.Equal(t, models.DealStatusCreativePending, f.dealStatus(t))

	entries, err := f.store.ListTimeline(ctx, f.deal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TimelineEscrowRefunded, entries[len(entries)-1].Event)
}

func TestPaymentPollConfirmsOrReschedules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	e, err := f.svc.CreateEscrow(ctx, f.deal.ID)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.queue.RunDue(ctx))
	assert.Equal(t, 1, f.ledger.PaymentPoll)
	require.NotNil(t, f.queue.Job(PaymentPollKey(e.ID)), "poll re-armed")
	assert.Equal(t, models.DealStatusPendingPayment, f.dealStatus(t))

	f.ledger.Pay(e.ContractAddress, e.TotalAmount, "chain-tx")
	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.queue.RunDue(ctx))
	assert.Equal(t, models.DealStatusCreativePending, f.dealStatus(t))
	assert.Nil(t, f.queue.Job(PaymentPollKey(e.ID)))

	funded, err := f.svc.GetForDeal(ctx, f.deal.ID)
	require.NoError(t, err)
	require.NotNil(t, funded.FundingTxHash)
	assert.Equal(t, "chain-tx", *funded.FundingTxHash)
}

func TestPaymentPollIgnoresUnderpayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	e, err := f.svc.CreateEscrow(ctx, f.deal.ID)
	require.NoError(t, err)
	f.ledger.Pay(e.ContractAddress, e.TotalAmount-1, "short-tx")

	paid, err := f.svc.CheckPayment(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, paid)
}

func TestCheckPaymentLedgerError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	e, err := f.svc.CreateEscrow(ctx, f.deal.ID)
	require.NoError(t, err)
	f.ledger.PaymentErr = errors.New("rate limited")

	_, err = f.svc.CheckPayment(ctx, e.ID)
	assert.ErrorIs(t, err, apperr.ErrLedgerFailure)
}

func TestExpirePendingEscrows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	e, err := f.svc.CreateEscrow(ctx, f.deal.ID)
	require.NoError(t, err)

	n, err := f.svc.ExpirePendingEscrows(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Hour + time.Minute)
	n, err = f.svc.ExpirePendingEscrows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.DealStatusExpired, f.dealStatus(t))
	assert.Nil(t, f.queue.Job(PaymentPollKey(e.ID)))

	cancelled, err := f.svc.GetForDeal(ctx, f.deal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusCancelled, cancelled.Status)
}

func TestCreateEscrowReplacesCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.CreateEscrow(ctx, f.deal.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.CancelPending(ctx, f.deal.ID))

	second, err := f.svc.CreateEscrow(ctx, f.deal.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, models.EscrowStatusPending, second.Status)
}

func TestCancelPendingWithoutEscrow(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.svc.CancelPending(context.Background(), f.deal.ID))
}
