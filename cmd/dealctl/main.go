// dealctl is the operator tool for manual recovery: it runs the same admin
// operations as the API against the configured Postgres, Redis and TON network.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "dealctl",
		Usage: "operate deals, escrows and scheduled posts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "admin-id",
				Usage: "user id recorded on timeline rows written by this tool",
			},
		},
		Commands: []*cli.Command{
			cmdMigrate,
			cmdForcePublish,
			cmdReschedule,
			cmdCancelPost,
			cmdRelease,
			cmdRefund,
			cmdResolve,
			cmdExpire,
			cmdSweep,
			cmdQueueStats,
			cmdFailedJobs,
			cmdToken,
		},
		Metadata: map[string]interface{}{"log": log},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal("dealctl failed", zap.Error(err))
	}
}
