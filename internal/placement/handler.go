package placement

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/autopool/internal/auth"
	"github.com/congo-pay/autopool/internal/ledger"
	"github.com/congo-pay/autopool/internal/plan"
	"github.com/congo-pay/autopool/internal/tree"
)

// Handler exposes placement HTTP endpoints.
type Handler struct {
	service *Service
	plan    plan.Plan
}

// NewHandler builds a placement HTTP handler.
func NewHandler(service *Service, p plan.Plan) *Handler {
	return &Handler{service: service, plan: p}
}

type placeRequest struct {
	Tree       string `json:"tree"`
	FeeBalance string `json:"fee_balance"`
}

type payoutResponse struct {
	AccountID     string `json:"account_id"`
	Position      int64  `json:"position"`
	Level         int    `json:"level"`
	Amount        string `json:"amount"`
	TransactionID string `json:"transaction_id,omitempty"`
}

type blockResponse struct {
	AccountID string `json:"account_id"`
	Position  int64  `json:"position"`
	Level     int    `json:"level"`
	Required  int    `json:"required_referrals"`
	Have      int    `json:"direct_referrals"`
}

type placeResponse struct {
	Tree               string           `json:"tree"`
	Position           int64            `json:"position"`
	ParentPosition     int64            `json:"parent_position"`
	Rule               string           `json:"rule"`
	Level              int              `json:"level"`
	PaidLevels         []int            `json:"paid_levels"`
	BlockedLevels      []int            `json:"blocked_levels"`
	Payouts            []payoutResponse `json:"payouts"`
	Blocks             []blockResponse  `json:"blocks"`
	EntryTransactionID string           `json:"entry_transaction_id,omitempty"`
}

type nodeResponse struct {
	Position        int64             `json:"position"`
	AccountID       string            `json:"account_id"`
	ParentPosition  int64             `json:"parent_position"`
	LeftChild       int64             `json:"left_child,omitempty"`
	RightChild      int64             `json:"right_child,omitempty"`
	Level           int               `json:"level"`
	CompletedLevels []int             `json:"completed_levels"`
	BlockedLevels   []int             `json:"blocked_levels"`
	DirectReferrals int               `json:"direct_referrals"`
	Earnings        map[string]string `json:"earnings"`
	EarningsTotal   string            `json:"earnings_total"`
	Status          string            `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Place seats the authenticated account in the requested tree.
func (h *Handler) Place(c *fiber.Ctx) error {
	var req placeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	var balance ledger.BalanceName
	if req.FeeBalance != "" {
		b, err := ledger.ParseBalanceName(req.FeeBalance)
		if err != nil {
			return err
		}
		balance = b
	}

	res, err := h.service.Place(c.UserContext(), PlaceRequest{
		Tree:       req.Tree,
		AccountID:  auth.AccountID(c),
		FeeBalance: balance,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(toPlaceResponse(res))
}

// Subtree renders part of a tree. Query: root (default 1), depth (default 3),
// sponsor (sponsor-scoped trees).
func (h *Handler) Subtree(c *fiber.Ctx) error {
	root, err := strconv.ParseInt(c.Query("root", "1"), 10, 64)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "root must be an integer")
	}
	depth, err := strconv.Atoi(c.Query("depth", "3"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "depth must be an integer")
	}
	nodes, err := h.service.Subtree(c.UserContext(), c.Params("tree"), c.Query("sponsor"), root, depth)
	if err != nil {
		return err
	}
	out := make([]nodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toNodeResponse(n))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"tree": c.Params("tree"), "root": root, "nodes": out})
}

// Stats returns the placement summary of the authenticated account.
func (h *Handler) Stats(c *fiber.Ctx) error {
	stats, err := h.service.Stats(c.UserContext(), auth.AccountID(c))
	if err != nil {
		return err
	}
	trees := make([]fiber.Map, 0, len(stats.Trees))
	for _, t := range stats.Trees {
		trees = append(trees, fiber.Map{
			"tree":             t.Tree,
			"tree_key":         t.TreeKey,
			"position":         t.Position,
			"level":            t.Level,
			"completed_levels": nonNil(t.CompletedLevels),
			"blocked_levels":   nonNil(t.BlockedLevels),
			"direct_referrals": t.DirectReferrals,
			"earnings":         t.Earnings.StringFixed(ledger.Precision),
			"joined_at":        t.JoinedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"account_id":    stats.AccountID,
		"entries":       stats.Entries,
		"investment":    stats.Investment.StringFixed(ledger.Precision),
		"earnings":      stats.Earnings.StringFixed(ledger.Precision),
		"highest_level": stats.HighestLevel,
		"trees":         trees,
	})
}

// Trees lists the configured trees and their level tables.
func (h *Handler) Trees(c *fiber.Ctx) error {
	out := make([]fiber.Map, 0)
	for _, t := range h.plan.Trees() {
		levels := make([]fiber.Map, 0, t.Levels.Max())
		for _, l := range t.Levels.Rows() {
			levels = append(levels, fiber.Map{
				"level":            l.Number,
				"members":          l.Members,
				"amount":           l.Amount.String(),
				"percentage":       l.Percentage.String(),
				"direct_referrals": l.DirectRequired,
			})
		}
		out = append(out, fiber.Map{
			"id":         t.ID,
			"name":       t.Name,
			"fill":       string(t.Fill),
			"scope":      string(t.Scope),
			"max_depth":  t.MaxDepth,
			"entry_fee":  t.EntryFee.String(),
			"fee_from":   t.FeeBalances,
			"payout_to":  t.PayoutBalance,
			"levels":     levels,
			"walk_depth": t.WalkDepth,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"trees": out})
}

func toPlaceResponse(res Result) placeResponse {
	out := placeResponse{
		Tree:               res.TreeKey,
		Position:           res.Position,
		ParentPosition:     res.ParentPosition,
		Rule:               string(res.Rule),
		Level:              res.Level,
		PaidLevels:         nonNil(res.PaidLevels),
		BlockedLevels:      nonNil(res.BlockedLevels),
		Payouts:            make([]payoutResponse, 0, len(res.Payouts)),
		Blocks:             make([]blockResponse, 0, len(res.Blocks)),
		EntryTransactionID: res.EntryTransactionID,
	}
	for _, p := range res.Payouts {
		out.Payouts = append(out.Payouts, payoutResponse{
			AccountID:     p.AccountID,
			Position:      p.Position,
			Level:         p.Level,
			Amount:        p.Amount.StringFixed(ledger.Precision),
			TransactionID: p.TransactionID,
		})
	}
	for _, b := range res.Blocks {
		out.Blocks = append(out.Blocks, blockResponse{
			AccountID: b.AccountID,
			Position:  b.Position,
			Level:     b.Level,
			Required:  b.Required,
			Have:      b.Have,
		})
	}
	return out
}

func toNodeResponse(n tree.Node) nodeResponse {
	earnings := make(map[string]string, len(n.Earnings))
	for level, amount := range n.Earnings {
		earnings["level"+strconv.Itoa(level)] = amount.StringFixed(ledger.Precision)
	}
	return nodeResponse{
		Position:        n.Position,
		AccountID:       n.AccountID,
		ParentPosition:  n.ParentPosition,
		LeftChild:       n.LeftChild,
		RightChild:      n.RightChild,
		Level:           n.Level,
		CompletedLevels: nonNil(n.CompletedLevels),
		BlockedLevels:   nonNil(n.BlockedLevels),
		DirectReferrals: n.DirectReferrals,
		Earnings:        earnings,
		EarningsTotal:   n.EarningsTotal.StringFixed(ledger.Precision),
		Status:          string(n.Status),
		CreatedAt:       n.CreatedAt,
	}
}

func nonNil(levels []int) []int {
	if levels == nil {
		return []int{}
	}
	return levels
}
