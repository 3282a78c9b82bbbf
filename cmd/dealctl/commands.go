package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ads-marketplace/dealflow/internal/auth"
	"github.com/ads-marketplace/dealflow/internal/config"
	"github.com/ads-marketplace/dealflow/internal/db"
	"github.com/ads-marketplace/dealflow/internal/deals"
	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/ads-marketplace/dealflow/internal/worker"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func logger(cctx *cli.Context) *zap.Logger {
	if log, ok := cctx.App.Metadata["log"].(*zap.Logger); ok {
		return log
	}
	return zap.NewNop()
}

// withServices connects to every backend, runs fn and closes the connections.
func withServices(cctx *cli.Context, fn func(svc *worker.Services, admin deals.Caller) error) error {
	log := logger(cctx)
	cfg := config.Load()

	admin := deals.Caller{IsAdmin: true}
	if raw := cctx.String("admin-id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid --admin-id: %w", err)
		}
		admin.UserID = id
	}

	pool, err := db.NewPostgresPool(cctx.Context, cfg, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(cctx.Context, cfg, log)
	if err != nil {
		return err
	}
	defer rdb.Close()

	svc, err := worker.Build(cctx.Context, cfg, pool, rdb, log)
	if err != nil {
		return err
	}
	return fn(svc, admin)
}

func idArg(cctx *cli.Context, what string) (uuid.UUID, error) {
	if cctx.NArg() != 1 {
		return uuid.Nil, fmt.Errorf("expected exactly one %s argument", what)
	}
	id, err := uuid.Parse(cctx.Args().First())
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %w", what, err)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var cmdMigrate = &cli.Command{
	Name:  "migrate",
	Usage: "apply pending migrations, or roll back with --down",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "down", Usage: "number of migrations to roll back"},
	},
	Action: func(cctx *cli.Context) error {
		cfg := config.Load()
		if n := cctx.Int("down"); n > 0 {
			return db.RollbackMigrations(cfg.PostgresDSN, n, logger(cctx))
		}
		return db.RunMigrations(cfg.PostgresDSN, logger(cctx))
	},
}

var cmdForcePublish = &cli.Command{
	Name:      "force-publish",
	Usage:     "publish a scheduled post now",
	ArgsUsage: "<post-id>",
	Action: func(cctx *cli.Context) error {
		postID, err := idArg(cctx, "post id")
		if err != nil {
			return err
		}
		return withServices(cctx, func(svc *worker.Services, admin deals.Caller) error {
			post, err := svc.Deals.ForcePublish(cctx.Context, admin, postID)
			if err != nil {
				return err
			}
			return printJSON(post)
		})
	},
}

var cmdReschedule = &cli.Command{
	Name:      "reschedule",
	Usage:     "move a scheduled post to a new time",
	ArgsUsage: "<post-id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "at", Usage: "new time, RFC3339", Required: true},
	},
	Action: func(cctx *cli.Context) error {
		postID, err := idArg(cctx, "post id")
		if err != nil {
			return err
		}
		at, err := time.Parse(time.RFC3339, cctx.String("at"))
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		return withServices(cctx, func(svc *worker.Services, admin deals.Caller) error {
			post, err := svc.Deals.ReschedulePost(cctx.Context, admin, postID, at)
			if err != nil {
				return err
			}
			return printJSON(post)
		})
	},
}

var cmdCancelPost = &cli.Command{
	Name:      "cancel-post",
	Usage:     "cancel a scheduled post and its publish job",
	ArgsUsage: "<post-id>",
	Action: func(cctx *cli.Context) error {
		postID, err := idArg(cctx, "post id")
		if err != nil {
			return err
		}
		return withServices(cctx, func(svc *worker.Services, admin deals.Caller) error {
			return svc.Deals.CancelScheduledPost(cctx.Context, admin, postID)
		})
	},
}

var cmdRelease = &cli.Command{
	Name:      "release",
	Usage:     "release escrowed funds to the channel owner",
	ArgsUsage: "<deal-id>",
	Action: func(cctx *cli.Context) error {
		dealID, err := idArg(cctx, "deal id")
		if err != nil {
			return err
		}
		return withServices(cctx, func(svc *worker.Services, admin deals.Caller) error {
			e, err := svc.Deals.Release(cctx.Context, admin, dealID)
			if err != nil {
				return err
			}
			return printJSON(e)
		})
	},
}

var cmdRefund = &cli.Command{
	Name:      "refund",
	Usage:     "refund escrowed funds to the advertiser (disputed or closed deals)",
	ArgsUsage: "<deal-id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "reason", Value: "refunded by operator"},
	},
	Action: func(cctx *cli.Context) error {
		dealID, err := idArg(cctx, "deal id")
		if err != nil {
			return err
		}
		return withServices(cctx, func(svc *worker.Services, admin deals.Caller) error {
			e, err := svc.Deals.Refund(cctx.Context, admin, dealID, cctx.String("reason"))
			if err != nil {
				return err
			}
			return printJSON(e)
		})
	},
}

var cmdResolve = &cli.Command{
	Name:      "resolve",
	Usage:     "resolve a dispute as completed or refunded",
	ArgsUsage: "<deal-id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "outcome", Usage: "completed or refunded", Required: true},
		&cli.StringFlag{Name: "note"},
	},
	Action: func(cctx *cli.Context) error {
		dealID, err := idArg(cctx, "deal id")
		if err != nil {
			return err
		}
		outcome := cctx.String("outcome")
		if outcome != models.DealStatusCompleted && outcome != models.DealStatusRefunded {
			return fmt.Errorf("--outcome must be %s or %s", models.DealStatusCompleted, models.DealStatusRefunded)
		}
		return withServices(cctx, func(svc *worker.Services, admin deals.Caller) error {
			deal, err := svc.Deals.ResolveDispute(cctx.Context, admin, dealID, outcome, cctx.String("note"))
			if err != nil {
				return err
			}
			return printJSON(deal)
		})
	},
}

var cmdExpire = &cli.Command{
	Name:      "expire",
	Usage:     "expire a stalled deal now",
	ArgsUsage: "<deal-id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "cause"},
	},
	Action: func(cctx *cli.Context) error {
		dealID, err := idArg(cctx, "deal id")
		if err != nil {
			return err
		}
		return withServices(cctx, func(svc *worker.Services, admin deals.Caller) error {
			deal, err := svc.Deals.Expire(cctx.Context, admin, dealID, cctx.String("cause"))
			if err != nil {
				return err
			}
			return printJSON(deal)
		})
	},
}

var cmdSweep = &cli.Command{
	Name:  "sweep",
	Usage: "run one timeout sweep",
	Action: func(cctx *cli.Context) error {
		return withServices(cctx, func(svc *worker.Services, _ deals.Caller) error {
			res, err := svc.Sweeper.Sweep(cctx.Context)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var cmdQueueStats = &cli.Command{
	Name:  "queue-stats",
	Usage: "show job queue depth and counters",
	Action: func(cctx *cli.Context) error {
		return withServices(cctx, func(svc *worker.Services, _ deals.Caller) error {
			st, err := svc.Queue.Stats(cctx.Context)
			if err != nil {
				return err
			}
			return printJSON(st)
		})
	},
}

var cmdFailedJobs = &cli.Command{
	Name:  "failed-jobs",
	Usage: "list dead-lettered jobs",
	Action: func(cctx *cli.Context) error {
		return withServices(cctx, func(svc *worker.Services, _ deals.Caller) error {
			jobs, err := svc.Queue.Failed(cctx.Context)
			if err != nil {
				return err
			}
			return printJSON(jobs)
		})
	},
}

var cmdToken = &cli.Command{
	Name:      "token",
	Usage:     "issue an API token for a Telegram user (creates the user if needed)",
	ArgsUsage: "<telegram-user-id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return fmt.Errorf("expected a telegram user id")
		}
		tgID, err := strconv.ParseInt(cctx.Args().First(), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid telegram user id: %w", err)
		}
		cfg := config.Load()
		return withServices(cctx, func(svc *worker.Services, _ deals.Caller) error {
			user, err := svc.Store.UpsertTelegramUser(cctx.Context, tgID, nil)
			if err != nil {
				return err
			}
			token, err := auth.GenerateJWT(cfg.JWTSecret, user.ID, user.TelegramUserID, cfg.JWTExpiration)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		})
	},
}
