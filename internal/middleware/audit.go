package middleware

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/autopool/internal/apperr"
	"github.com/congo-pay/autopool/internal/auth"
)

// Audit logs every request with its caller and outcome. Domain errors are
// logged at warn with their reason code, everything else at error.
func Audit(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		attrs := []any{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Duration("duration", time.Since(start)),
		}
		if id := RequestIDOf(c); id != "" {
			attrs = append(attrs, slog.String("request_id", id))
		}
		if acct := auth.AccountID(c); acct != "" {
			attrs = append(attrs, slog.String("account_id", acct))
		}
		if err == nil {
			attrs = append(attrs, slog.Int("status", c.Response().StatusCode()))
			logger.Info("request completed", attrs...)
			return nil
		}

		code := apperr.Code(err)
		attrs = append(attrs, slog.String("code", code), slog.String("error", err.Error()))
		if code == "internal" {
			logger.Error("request failed", attrs...)
		} else {
			logger.Warn("request rejected", attrs...)
		}
		return err
	}
}
