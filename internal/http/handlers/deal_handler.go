package handlers

import (
	"github.com/ads-marketplace/dealflow/internal/deals"
	"github.com/ads-marketplace/dealflow/internal/http/dto"
	"github.com/ads-marketplace/dealflow/internal/middleware"
	"github.com/ads-marketplace/dealflow/internal/posting"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type DealHandler struct {
	deals *deals.Service
	log   *zap.Logger
}

func NewDealHandler(dealService *deals.Service, log *zap.Logger) *DealHandler {
	return &DealHandler{deals: dealService, log: log}
}

func caller(c *fiber.Ctx) deals.Caller {
	return deals.Caller{UserID: middleware.GetUserID(c), IsAdmin: middleware.IsAdmin(c)}
}

// dealAction runs an action that only needs the deal id.
func (h *DealHandler) dealAction(c *fiber.Ctx, fn func(id uuid.UUID) (any, error)) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid deal id")
	}
	out, err := fn(id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: out})
}

func (h *DealHandler) CreateDeal(c *fiber.Ctx) error {
	var req dto.CreateDealRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	channelID, err := uuid.Parse(req.ChannelID)
	if err != nil {
		return badRequest(c, "invalid channel_id")
	}

	deal, err := h.deals.Create(c.UserContext(), caller(c), deals.CreateDealInput{
		ChannelID:      channelID,
		PriceTON:       req.PriceTON,
		FeeTON:         req.FeeTON,
		Brief:          req.Brief,
		DurationHours:  req.DurationHours,
		IsPermanent:    req.IsPermanent,
		TimeoutMinutes: req.TimeoutMinutes,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) GetDeal(c *fiber.Ctx) error {
	return h.dealAction(c, func(id uuid.UUID) (any, error) {
		return h.deals.Get(c.UserContext(), caller(c), id)
	})
}

func (h *DealHandler) GetTimeline(c *fiber.Ctx) error {
	return h.dealAction(c, func(id uuid.UUID) (any, error) {
		return h.deals.Timeline(c.UserContext(), caller(c), id)
	})
}

func (h *DealHandler) GetTransactions(c *fiber.Ctx) error {
	return h.dealAction(c, func(id uuid.UUID) (any, error) {
		return h.deals.Transactions(c.UserContext(), caller(c), id)
	})
}

func (h *DealHandler) AcceptDeal(c *fiber.Ctx) error {
	return h.dealAction(c, func(id uuid.UUID) (any, error) {
		return h.deals.Accept(c.UserContext(), caller(c), id)
	})
}

func (h *DealHandler) RejectDeal(c *fiber.Ctx) error {
	var req dto.ReasonRequest
	_ = c.BodyParser(&req)
	return h.dealAction(c, func(id uuid.UUID) (any, error) {
		return h.deals.Reject(c.UserContext(), caller(c), id, req.Reason)
	})
}

func (h *DealHandler) CancelDeal(c *fiber.Ctx) error {
	var req dto.ReasonRequest
	_ = c.BodyParser(&req)
	return h.dealAction(c, func(id uuid.UUID) (any, error) {
		return h.deals.Cancel(c.UserContext(), caller(c), id, req.Reason)
	})
}

func (h *DealHandler) GetPaymentInfo(c *fiber.Ctx) error {
	return h.dealAction(c, func(id uuid.UUID) (any, error) {
		return h.deals.PaymentInfo(c.UserContext(), caller(c), id)
	})
}

// CheckPayment asks the ledger right away, e.g. after the user returns from the wallet app.
func (h *DealHandler) CheckPayment(c *fiber.Ctx) error {
	return h.dealAction(c, func(id uuid.UUID) (any, error) {
		funded, err := h.deals.CheckPayment(c.UserContext(), caller(c), id)
		if err != nil {
			return nil, err
		}
		return dto.PaymentCheckResponse{Funded: funded}, nil
	})
}

func (h *DealHandler) SubmitCreative(c *fiber.Ctx) error {
	var req dto.SubmitCreativeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	return h.dealAction(c, func(id uuid.UUID) (any, error) {
		return h.deals.SubmitCreative(c.UserContext(), caller(c), id, deals.CreativeInput{
			Text:      req.Text,
			MediaURLs: req.MediaURLs,
		})
	})
}

func (h *DealHandler) ApproveCreative(c *fiber.Ctx) error {
	return h.dealAction(c, func(id uuid.UUID) (any, error) {
		return h.deals.ApproveCreative(c.UserContext(), caller(c), id)
	})
}

func (h *DealHandler) RequestRevision(c *fiber.Ctx) error {
	var req dto.RequestRevisionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	return h.dealAction(c, func(id uuid.UUID) (any, error) {
		return h.deals.RequestRevision(c.UserContext(), caller(c), id, req.Feedback)
	})
}

func (h *DealHandler) SchedulePost(c *fiber.Ctx) error {
	var req dto.SchedulePostRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	return h.dealAction(c, func(id uuid.UUID) (any, error) {
		return h.deals.SchedulePost(c.UserContext(), caller(c), id, posting.SchedulePostInput{
			DealID:      id,
			Content:     req.Content,
			MediaURLs:   req.MediaURLs,
			Buttons:     req.Buttons,
			ScheduledAt: req.ScheduledAt,
		})
	})
}

// ConfirmPosted records a post the owner published by hand.
func (h *DealHandler) ConfirmPosted(c *fiber.Ctx) error {
	var req dto.ConfirmPostedRequest
	if err := c.BodyParser(&req); err != nil || req.MessageID <= 0 {
		return badRequest(c, "message_id is required")
	}
	return h.dealAction(c, func(id uuid.UUID) (any, error) {
		return h.deals.ConfirmPosted(c.UserContext(), caller(c), id, req.MessageID)
	})
}

func (h *DealHandler) ConfirmCompletion(c *fiber.Ctx) error {
	return h.dealAction(c, func(id uuid.UUID) (any, error) {
		return h.deals.ConfirmCompletion(c.UserContext(), caller(c), id)
	})
}

func (h *DealHandler) OpenDispute(c *fiber.Ctx) error {
	var req dto.ReasonRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	return h.dealAction(c, func(id uuid.UUID) (any, error) {
		return h.deals.OpenDispute(c.UserContext(), caller(c), id, req.Reason)
	})
}
