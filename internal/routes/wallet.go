package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/autopool/internal/wallet"
)

// RegisterWalletRoutes wires balance and history endpoints plus the operator
// status transition.
func RegisterWalletRoutes(r, admin fiber.Router, h *wallet.Handler) {
	r.Get("/wallet", h.Me)
	r.Get("/wallet/transactions", h.History)
	admin.Patch("/transactions/:id", h.Transition)
}
