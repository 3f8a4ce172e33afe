package settlement

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/autopool/internal/auth"
	"github.com/congo-pay/autopool/internal/ledger"
	"github.com/congo-pay/autopool/internal/rates"
)

// Handler exposes withdrawal endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type withdrawRequest struct {
	Amount    string `json:"amount"`
	ToAddress string `json:"to_address"`
}

type withdrawalResponse struct {
	TransactionID string         `json:"transaction_id"`
	Amount        string         `json:"amount"`
	Status        string         `json:"status"`
	ToAddress     string         `json:"to_address"`
	TxHash        string         `json:"tx_hash,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Request files a withdrawal for the authenticated account.
func (h *Handler) Request(c *fiber.Ctx) error {
	var req withdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "amount must be a decimal string")
	}
	txn, err := h.service.RequestWithdrawal(c.UserContext(), WithdrawalRequest{
		AccountID: auth.AccountID(c),
		Amount:    amount,
		ToAddress: req.ToAddress,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusAccepted).JSON(toResponse(txn))
}

// List returns the withdrawals of the authenticated account.
func (h *Handler) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	offset := c.QueryInt("offset", 0)
	items, total, err := h.service.Withdrawals(c.UserContext(), auth.AccountID(c), limit, offset)
	if err != nil {
		return err
	}
	out := make([]withdrawalResponse, 0, len(items))
	for _, txn := range items {
		out = append(out, toResponse(txn))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"items": out, "total": total, "limit": limit, "offset": offset})
}

// Settle settles one withdrawal immediately. Operator only.
func (h *Handler) Settle(c *fiber.Ctx) error {
	res, err := h.service.Settle(c.UserContext(), c.Params("id"))
	if errors.Is(err, ErrNotAttempted) || errors.Is(err, rates.ErrUnavailable) {
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	}
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"withdrawal": toResponse(res.Withdrawal),
		"tokens":     res.Tokens.String(),
		"rate":       res.Rate.String(),
		"utility":    res.Utility.StringFixed(ledger.Precision),
		"autopool":   res.Autopool.StringFixed(ledger.Precision),
	})
}

func toResponse(txn ledger.Transaction) withdrawalResponse {
	return withdrawalResponse{
		TransactionID: txn.ID,
		Amount:        txn.Debited.StringFixed(ledger.Precision),
		Status:        string(txn.Status),
		ToAddress:     txn.ToAddress,
		TxHash:        txn.TxHash,
		Metadata:      txn.Metadata,
		CreatedAt:     txn.CreatedAt,
	}
}
