package handlers

import (
	"github.com/ads-marketplace/dealflow/internal/apperr"
	"github.com/ads-marketplace/dealflow/internal/http/dto"
	"github.com/ads-marketplace/dealflow/internal/middleware"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var kindStatus = map[apperr.Kind]int{
	apperr.KindNotFound:          fiber.StatusNotFound,
	apperr.KindInvalidTransition: fiber.StatusConflict,
	apperr.KindInvalidState:      fiber.StatusConflict,
	apperr.KindMissingWallet:     fiber.StatusUnprocessableEntity,
	apperr.KindUnauthorized:      fiber.StatusForbidden,
	apperr.KindLedgerFailure:     fiber.StatusBadGateway,
	apperr.KindValidation:        fiber.StatusBadRequest,
}

// StatusFor maps a service error to its HTTP status. Errors without a kind are 500.
func StatusFor(err error) int {
	if code, ok := kindStatus[apperr.KindOf(err)]; ok {
		return code
	}
	return fiber.StatusInternalServerError
}

func respondError(c *fiber.Ctx, log *zap.Logger, err error) error {
	reqID, _ := c.Locals(middleware.CtxRequestID).(string)
	code := StatusFor(err)
	if code == fiber.StatusInternalServerError {
		log.Error("request failed", zap.String("request_id", reqID), zap.String("path", c.Path()), zap.Error(err))
		return c.Status(code).JSON(dto.ErrorResponse{Error: "internal server error", RequestID: reqID})
	}
	return c.Status(code).JSON(dto.ErrorResponse{
		Error:     err.Error(),
		Code:      string(apperr.KindOf(err)),
		RequestID: reqID,
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: msg})
}
