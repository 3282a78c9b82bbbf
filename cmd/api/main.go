package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ads-marketplace/dealflow/internal/config"
	"github.com/ads-marketplace/dealflow/internal/db"
	"github.com/ads-marketplace/dealflow/internal/events"
	apphttp "github.com/ads-marketplace/dealflow/internal/http"
	"github.com/ads-marketplace/dealflow/internal/http/handlers"
	"github.com/ads-marketplace/dealflow/internal/worker"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Run migrations
	if err := db.RunMigrations(cfg.PostgresDSN, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	pool, err := db.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	svc, err := worker.Build(ctx, cfg, pool, rdb, log)
	if err != nil {
		log.Fatal("failed to build services", zap.Error(err))
	}

	wsHub := handlers.NewWSHub(cfg, events.NewRedisSubscriber(rdb, log), svc.Store, log)
	wsHub.Start(ctx)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, apphttp.Handlers{
		Auth:  handlers.NewAuthHandler(svc.Store, cfg, log),
		User:  handlers.NewUserHandler(svc.Store, log),
		Deal:  handlers.NewDealHandler(svc.Deals, log),
		Admin: handlers.NewAdminHandler(svc.Deals, svc.Queue, log),
		WS:    wsHub,
	})

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
