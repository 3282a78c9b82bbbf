package handlers

import (
	"context"

	"github.com/ads-marketplace/dealflow/internal/auth"
	"github.com/ads-marketplace/dealflow/internal/config"
	"github.com/ads-marketplace/dealflow/internal/http/dto"
	"github.com/ads-marketplace/dealflow/internal/models"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UserStore is the user side of the repository Store.
type UserStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpsertTelegramUser(ctx context.Context, telegramUserID int64, username *string) (*models.User, error)
	SetUserWallet(ctx context.Context, id uuid.UUID, address string) error
}

type AuthHandler struct {
	users UserStore
	cfg   *config.Config
	log   *zap.Logger
}

func NewAuthHandler(users UserStore, cfg *config.Config, log *zap.Logger) *AuthHandler {
	return &AuthHandler{users: users, cfg: cfg, log: log}
}

// TelegramAuth exchanges Mini App initData for an API token.
func (h *AuthHandler) TelegramAuth(c *fiber.Ctx) error {
	var req dto.AuthTelegramRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.InitData == "" {
		return badRequest(c, "init_data is required")
	}
	if h.cfg.BotToken == "" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(dto.ErrorResponse{Error: "telegram login is disabled"})
	}

	vals, err := auth.ValidateTelegramWebAppData(req.InitData, h.cfg.BotToken, h.cfg.InitDataMaxAge)
	if err != nil {
		h.log.Debug("telegram auth validation failed", zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	tgUser, err := auth.ParseWebAppUser(vals)
	if err != nil {
		return badRequest(c, err.Error())
	}

	var username *string
	if tgUser.Username != "" {
		username = &tgUser.Username
	}
	user, err := h.users.UpsertTelegramUser(c.UserContext(), tgUser.ID, username)
	if err != nil {
		return respondError(c, h.log, err)
	}

	token, err := auth.GenerateJWT(h.cfg.JWTSecret, user.ID, user.TelegramUserID, h.cfg.JWTExpiration)
	if err != nil {
		h.log.Error("failed to generate jwt", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal server error"})
	}

	return c.JSON(dto.AuthResponse{Token: token, User: user})
}
