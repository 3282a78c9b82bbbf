package handlers

import (
	"context"

	"github.com/ads-marketplace/dealflow/internal/deals"
	"github.com/ads-marketplace/dealflow/internal/http/dto"
	"github.com/ads-marketplace/dealflow/internal/jobqueue"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type QueueInspector interface {
	Stats(ctx context.Context) (*jobqueue.Stats, error)
	Failed(ctx context.Context) (map[string]jobqueue.Job, error)
}

// AdminHandler exposes dispute resolution and manual recovery. Routes are
// mounted behind middleware.AdminMiddleware; the deal service checks again.
type AdminHandler struct {
	deals *deals.Service
	queue QueueInspector
	log   *zap.Logger
}

func NewAdminHandler(dealService *deals.Service, queue QueueInspector, log *zap.Logger) *AdminHandler {
	return &AdminHandler{deals: dealService, queue: queue, log: log}
}

func (h *AdminHandler) withID(c *fiber.Ctx, param string, fn func(id uuid.UUID) (any, error)) error {
	id, err := uuid.Parse(c.Params(param))
	if err != nil {
		return badRequest(c, "invalid "+param)
	}
	out, err := fn(id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: out})
}

func (h *AdminHandler) ResolveDispute(c *fiber.Ctx) error {
	var req dto.ResolveDisputeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	return h.withID(c, "id", func(id uuid.UUID) (any, error) {
		return h.deals.ResolveDispute(c.UserContext(), caller(c), id, req.Outcome, req.Note)
	})
}

func (h *AdminHandler) Release(c *fiber.Ctx) error {
	return h.withID(c, "id", func(id uuid.UUID) (any, error) {
		return h.deals.Release(c.UserContext(), caller(c), id)
	})
}

func (h *AdminHandler) Refund(c *fiber.Ctx) error {
	var req dto.ReasonRequest
	_ = c.BodyParser(&req)
	return h.withID(c, "id", func(id uuid.UUID) (any, error) {
		return h.deals.Refund(c.UserContext(), caller(c), id, req.Reason)
	})
}

func (h *AdminHandler) Expire(c *fiber.Ctx) error {
	var req dto.ReasonRequest
	_ = c.BodyParser(&req)
	return h.withID(c, "id", func(id uuid.UUID) (any, error) {
		return h.deals.Expire(c.UserContext(), caller(c), id, req.Reason)
	})
}

func (h *AdminHandler) ForcePublish(c *fiber.Ctx) error {
	return h.withID(c, "postId", func(id uuid.UUID) (any, error) {
		return h.deals.ForcePublish(c.UserContext(), caller(c), id)
	})
}

func (h *AdminHandler) ReschedulePost(c *fiber.Ctx) error {
	var req dto.RescheduleRequest
	if err := c.BodyParser(&req); err != nil || req.ScheduledAt.IsZero() {
		return badRequest(c, "scheduled_at is required")
	}
	return h.withID(c, "postId", func(id uuid.UUID) (any, error) {
		return h.deals.ReschedulePost(c.UserContext(), caller(c), id, req.ScheduledAt)
	})
}

func (h *AdminHandler) CancelScheduledPost(c *fiber.Ctx) error {
	return h.withID(c, "postId", func(id uuid.UUID) (any, error) {
		return nil, h.deals.CancelScheduledPost(c.UserContext(), caller(c), id)
	})
}

func (h *AdminHandler) QueueStats(c *fiber.Ctx) error {
	st, err := h.queue.Stats(c.UserContext())
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: st})
}

func (h *AdminHandler) FailedJobs(c *fiber.Ctx) error {
	jobs, err := h.queue.Failed(c.UserContext())
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: jobs})
}
