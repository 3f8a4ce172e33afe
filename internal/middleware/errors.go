package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/autopool/internal/apperr"
)

// ErrorHandler renders errors as {"error": code, "message": ...}. Domain
// errors get their apperr status; internal errors hide their message.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{
				"error":      http.StatusText(fe.Code),
				"message":    fe.Message,
				"request_id": RequestIDOf(c),
			})
		}

		status := apperr.HTTPStatus(err)
		message := err.Error()
		if status >= http.StatusInternalServerError && apperr.Code(err) == "internal" {
			logger.Error("unhandled error",
				slog.String("path", c.Path()),
				slog.String("request_id", RequestIDOf(c)),
				slog.String("error", err.Error()),
			)
			message = "internal server error"
		}
		return c.Status(status).JSON(fiber.Map{
			"error":      apperr.Code(err),
			"message":    message,
			"request_id": RequestIDOf(c),
		})
	}
}
