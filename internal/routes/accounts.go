package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/autopool/internal/account"
)

// RegisterAccountRoutes wires operator account management.
func RegisterAccountRoutes(admin fiber.Router, h *account.Handler) {
	admin.Post("/accounts", h.Register)
	admin.Get("/accounts/:id", h.Get)
	admin.Post("/accounts/:id/tokens", h.IssueToken)
	admin.Post("/accounts/:id/block", h.Block)
	admin.Post("/accounts/:id/unblock", h.Unblock)
}
