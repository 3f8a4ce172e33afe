package wallet

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/autopool/internal/auth"
	"github.com/congo-pay/autopool/internal/ledger"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type transactionResponse struct {
	ID           string         `json:"id"`
	Balance      string         `json:"balance"`
	Credited     string         `json:"credited"`
	Debited      string         `json:"debited"`
	Remark       string         `json:"remark"`
	Status       string         `json:"status"`
	BalanceAfter string         `json:"balance_after"`
	TxHash       string         `json:"tx_hash,omitempty"`
	FromAddress  string         `json:"from_address,omitempty"`
	ToAddress    string         `json:"to_address,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type transitionRequest struct {
	Status      string `json:"status"`
	TxHash      string `json:"tx_hash"`
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	Note        string `json:"note"`
}

// Me returns the balances of the authenticated account.
func (h *Handler) Me(c *fiber.Ctx) error {
	b, err := h.service.Balances(c.UserContext(), auth.AccountID(c))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"account_id": b.AccountID,
		"balances": fiber.Map{
			string(ledger.BalanceUSDT):     b.USDT.StringFixed(ledger.Precision),
			string(ledger.BalanceAutopool): b.Autopool.StringFixed(ledger.Precision),
			string(ledger.BalanceUtility):  b.Utility.StringFixed(ledger.Precision),
			string(ledger.BalanceHybrid):   b.Hybrid.StringFixed(ledger.Precision),
		},
		"as_of": b.AsOf,
	})
}

// History lists the authenticated account's transactions.
// Query: balance, status, remark, limit, offset.
func (h *Handler) History(c *fiber.Ctx) error {
	page, err := h.service.History(c.UserContext(), auth.AccountID(c), HistoryQuery{
		Balance:      ledger.BalanceName(c.Query("balance")),
		Status:       ledger.Status(c.Query("status")),
		RemarkPrefix: c.Query("remark"),
		Limit:        c.QueryInt("limit", defaultPageSize),
		Offset:       c.QueryInt("offset", 0),
	})
	if err != nil {
		return err
	}
	items := make([]transactionResponse, 0, len(page.Items))
	for _, txn := range page.Items {
		items = append(items, toTransactionResponse(txn))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"items":  items,
		"total":  page.Total,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

// Transition moves a transaction to a new status. Operator only.
func (h *Handler) Transition(c *fiber.Ctx) error {
	var req transitionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	input := ledger.TransitionInput{
		Status:      ledger.Status(req.Status),
		TxHash:      req.TxHash,
		FromAddress: req.FromAddress,
		ToAddress:   req.ToAddress,
	}
	if req.Note != "" {
		input.Data = map[string]any{"operator_note": req.Note}
	}
	txn, err := h.service.Transition(c.UserContext(), c.Params("id"), input)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toTransactionResponse(txn))
}

func toTransactionResponse(txn ledger.Transaction) transactionResponse {
	return transactionResponse{
		ID:           txn.ID,
		Balance:      string(txn.Balance),
		Credited:     txn.Credited.StringFixed(ledger.Precision),
		Debited:      txn.Debited.StringFixed(ledger.Precision),
		Remark:       txn.Remark,
		Status:       string(txn.Status),
		BalanceAfter: txn.BalanceAfter.StringFixed(ledger.Precision),
		TxHash:       txn.TxHash,
		FromAddress:  txn.FromAddress,
		ToAddress:    txn.ToAddress,
		Metadata:     txn.Metadata,
		CreatedAt:    txn.CreatedAt,
		UpdatedAt:    txn.UpdatedAt,
	}
}
