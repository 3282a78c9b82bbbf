// Package worker assembles the deal services over Postgres, Redis and the TON
// network, and drives the background side of the system: queue consumers plus
// the periodic timeout sweep.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ads-marketplace/dealflow/internal/config"
	"github.com/ads-marketplace/dealflow/internal/deals"
	"github.com/ads-marketplace/dealflow/internal/escrow"
	"github.com/ads-marketplace/dealflow/internal/events"
	"github.com/ads-marketplace/dealflow/internal/jobqueue"
	"github.com/ads-marketplace/dealflow/internal/posting"
	"github.com/ads-marketplace/dealflow/internal/repositories"
	"github.com/ads-marketplace/dealflow/internal/statemachine"
	"github.com/ads-marketplace/dealflow/internal/statsparser"
	"github.com/ads-marketplace/dealflow/internal/telegram"
	"github.com/ads-marketplace/dealflow/internal/timeouts"
	"github.com/ads-marketplace/dealflow/internal/ton"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Services is the fully wired graph shared by the API, the worker and dealctl.
type Services struct {
	Store    *repositories.Store
	Queue    *jobqueue.Queue
	Notifier *events.Notifier
	Bot      *telegram.BotClient
	Machine  *statemachine.Machine
	Escrow   *escrow.Service
	Posts    *posting.Service
	Sweeper  *timeouts.Sweeper
	Deals    *deals.Service
}

// Build connects the ledger client and wires every service. Job handlers are
// registered on the queue; only processes that call Run consume them.
func Build(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client, log *zap.Logger) (*Services, error) {
	ledger, err := ton.NewClient(ctx, ton.Config{
		Network:         cfg.TONNetwork,
		LiteServerHost:  cfg.LiteServerHost,
		LiteServerPort:  cfg.LiteServerPort,
		LiteServerKey:   cfg.LiteServerKey,
		WalletSeed:      cfg.TONWalletSeed,
		PlatformWallet:  cfg.TONPlatformWallet,
		ContractCodeHex: cfg.EscrowContractCodeHex,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("ton client: %w", err)
	}

	store := repositories.NewStore(pool)
	queue := jobqueue.New(rdb, jobqueue.Options{
		Workers:      cfg.WorkerConcurrency,
		RetryBackoff: cfg.JobRetryBackoff,
		MaxAttempts:  cfg.JobMaxAttempts,
	}, log.Named("jobqueue"))
	notifier := events.NewNotifier(events.NewRedisPublisher(rdb, log), log)
	bot := telegram.NewBotClient(cfg.BotInternalURL, log)
	parser := statsparser.NewParser(cfg.TMEFetchTimeoutMS, cfg.TMEFetchMaxRetries, log)

	platformWallet := cfg.TONPlatformWallet
	if platformWallet == "" {
		platformWallet = ledger.PlatformAddress()
	}

	machine := statemachine.New(store, notifier, log.Named("statemachine"))
	escrowSvc := escrow.NewService(store, ledger, machine, queue, notifier, escrow.Config{
		PlatformWallet: platformWallet,
		PaymentWindow:  cfg.PaymentWindow,
		PollInterval:   cfg.PaymentPollInterval,
	}, log.Named("escrow"))
	posts := posting.NewService(store, machine, queue, bot, parser, escrowSvc, notifier, posting.DefaultConfig(), log.Named("posting"))
	sweeper := timeouts.NewSweeper(store, machine, escrowSvc, posts, queue, notifier, timeouts.Config{
		DealTimeout:     cfg.DealTimeout,
		PaymentTimeout:  cfg.PaymentTimeout,
		CreativeTimeout: cfg.CreativeTimeout,
		PostingGrace:    cfg.PostingGrace,
	}, log.Named("timeouts"))
	dealSvc := deals.NewService(store, machine, escrowSvc, posts, sweeper, notifier, deals.Config{
		PlatformFeeBPS:       cfg.PlatformFeeBPS,
		DefaultDurationHours: cfg.DefaultDurationHours,
	}, log.Named("deals"))

	Register(queue, escrowSvc, posts, sweeper)

	return &Services{
		Store:    store,
		Queue:    queue,
		Notifier: notifier,
		Bot:      bot,
		Machine:  machine,
		Escrow:   escrowSvc,
		Posts:    posts,
		Sweeper:  sweeper,
		Deals:    dealSvc,
	}, nil
}

// JobSource is a service that owns one or more queue jobs.
type JobSource interface {
	RegisterJobs(r jobqueue.Registrar)
}

func Register(r jobqueue.Registrar, sources ...JobSource) {
	for _, src := range sources {
		src.RegisterJobs(r)
	}
}

type Consumer interface {
	Run(ctx context.Context) error
}

type SweepRunner interface {
	Sweep(ctx context.Context) (timeouts.SweepResult, error)
}

// Runner keeps the queue consumers and the sweep loop alive until the context
// ends or one of them fails.
type Runner struct {
	queue    Consumer
	sweeper  SweepRunner
	interval time.Duration
	log      *zap.Logger
}

func NewRunner(queue Consumer, sweeper SweepRunner, interval time.Duration, log *zap.Logger) *Runner {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &Runner{queue: queue, sweeper: sweeper, interval: interval, log: log}
}

func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.queue.Run(ctx)
	})
	g.Go(func() error {
		r.sweepLoop(ctx)
		return nil
	})
	return g.Wait()
}

// sweepLoop runs one sweep immediately so a restart catches up on missed deadlines.
func (r *Runner) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) sweepOnce(ctx context.Context) {
	res, err := r.sweeper.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Error("timeout sweep failed", zap.Error(err))
		}
		return
	}
	if res.Deals > 0 || res.Escrows > 0 || res.Refunds > 0 || res.Releases > 0 {
		r.log.Info("timeout sweep",
			zap.Int("expired_deals", res.Deals),
			zap.Int("expired_escrows", res.Escrows),
			zap.Int("late_refunds", res.Refunds),
			zap.Int("late_releases", res.Releases),
		)
	}
}
