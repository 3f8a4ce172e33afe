package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/autopool/internal/funding"
)

// RegisterFundingRoutes wires operator-confirmed deposits.
func RegisterFundingRoutes(admin fiber.Router, h *funding.Handler) {
	admin.Post("/deposits", h.Deposit)
}
