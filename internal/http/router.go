package http

import (
	"time"

	"github.com/ads-marketplace/dealflow/internal/config"
	"github.com/ads-marketplace/dealflow/internal/http/handlers"
	"github.com/ads-marketplace/dealflow/internal/middleware"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Handlers struct {
	Auth  *handlers.AuthHandler
	User  *handlers.UserHandler
	Deal  *handlers.DealHandler
	Admin *handlers.AdminHandler
	WS    *handlers.WSHub
}

func SetupRouter(app *fiber.App, cfg *config.Config, log *zap.Logger, rdb *redis.Client, h Handlers) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")

	// Auth (public)
	api.Post("/auth/telegram", middleware.RateLimitMiddleware(rdb, 20, time.Minute), h.Auth.TelegramAuth)

	protected := api.Group("", middleware.AuthMiddleware(cfg, log), middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// User
	protected.Get("/me", h.User.GetMe)
	protected.Put("/me/wallet", h.User.SetWallet)

	// Deals
	protected.Post("/deals", h.Deal.CreateDeal)
	protected.Get("/deals/:id", h.Deal.GetDeal)
	protected.Get("/deals/:id/timeline", h.Deal.GetTimeline)
	protected.Get("/deals/:id/transactions", h.Deal.GetTransactions)
	protected.Post("/deals/:id/accept", h.Deal.AcceptDeal)
	protected.Post("/deals/:id/reject", h.Deal.RejectDeal)
	protected.Post("/deals/:id/cancel", h.Deal.CancelDeal)
	protected.Get("/deals/:id/payment", h.Deal.GetPaymentInfo)
	protected.Post("/deals/:id/payment/check", h.Deal.CheckPayment)
	protected.Post("/deals/:id/creative", h.Deal.SubmitCreative)
	protected.Post("/deals/:id/creative/approve", h.Deal.ApproveCreative)
	protected.Post("/deals/:id/creative/request-changes", h.Deal.RequestRevision)
	protected.Post("/deals/:id/post", h.Deal.SchedulePost)
	protected.Post("/deals/:id/post/confirm", h.Deal.ConfirmPosted)
	protected.Post("/deals/:id/complete", h.Deal.ConfirmCompletion)
	protected.Post("/deals/:id/dispute", h.Deal.OpenDispute)

	// Admin
	admin := protected.Group("/admin", middleware.AdminMiddleware())
	admin.Post("/deals/:id/resolve", h.Admin.ResolveDispute)
	admin.Post("/deals/:id/release", h.Admin.Release)
	admin.Post("/deals/:id/refund", h.Admin.Refund)
	admin.Post("/deals/:id/expire", h.Admin.Expire)
	admin.Post("/posts/:postId/publish", h.Admin.ForcePublish)
	admin.Post("/posts/:postId/reschedule", h.Admin.ReschedulePost)
	admin.Delete("/posts/:postId", h.Admin.CancelScheduledPost)
	admin.Get("/jobs/stats", h.Admin.QueueStats)
	admin.Get("/jobs/failed", h.Admin.FailedJobs)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(h.WS.HandleWS))
}
