package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/autopool/internal/settlement"
)

// RegisterWithdrawalRoutes wires withdrawal requests and operator settlement.
func RegisterWithdrawalRoutes(r, admin fiber.Router, h *settlement.Handler) {
	r.Post("/withdrawals", h.Request)
	r.Get("/withdrawals", h.List)
	admin.Post("/withdrawals/:id/settle", h.Settle)
}
