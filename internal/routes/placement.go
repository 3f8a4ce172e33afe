package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/autopool/internal/placement"
)

// RegisterPlacementRoutes wires tree entry and tree views.
func RegisterPlacementRoutes(r fiber.Router, h *placement.Handler) {
	r.Post("/placements", h.Place)
	r.Get("/trees", h.Trees)
	r.Get("/trees/:tree/nodes", h.Subtree)
	r.Get("/stats", h.Stats)
}
