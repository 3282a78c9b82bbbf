package handlers

import (
	"github.com/ads-marketplace/dealflow/internal/http/dto"
	"github.com/ads-marketplace/dealflow/internal/middleware"
	"github.com/ads-marketplace/dealflow/internal/ton"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type UserHandler struct {
	users UserStore
	log   *zap.Logger
}

func NewUserHandler(users UserStore, log *zap.Logger) *UserHandler {
	return &UserHandler{users: users, log: log}
}

func (h *UserHandler) GetMe(c *fiber.Ctx) error {
	user, err := h.users.GetUser(c.UserContext(), middleware.GetUserID(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: fiber.Map{
		"user":     user,
		"is_admin": middleware.IsAdmin(c),
	}})
}

// SetWallet stores the payout/refund address used by escrow contracts.
// PUT /me/wallet
func (h *UserHandler) SetWallet(c *fiber.Ctx) error {
	var req dto.SetWalletRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	addr, err := ton.NormalizeAddress(req.Address)
	if err != nil {
		return badRequest(c, err.Error())
	}

	userID := middleware.GetUserID(c)
	if err := h.users.SetUserWallet(c.UserContext(), userID, addr); err != nil {
		return respondError(c, h.log, err)
	}
	h.log.Info("wallet set", zap.String("user_id", userID.String()))

	user, err := h.users.GetUser(c.UserContext(), userID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: user})
}
