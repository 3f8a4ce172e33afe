package funding

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/autopool/internal/apperr"
	"github.com/congo-pay/autopool/internal/ledger"
)

// Handler exposes HTTP endpoints for deposits.
type Handler struct {
	service *Service
}

// NewHandler constructs a funding handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Deposit credits an operator-confirmed external deposit. Replaying a tx
// hash answers 200 with the original record.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	var req DepositRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "amount must be a decimal string")
	}

	result, err := h.service.Deposit(c.UserContext(), DepositInput{
		AccountID:   req.AccountID,
		Amount:      amount,
		TxHash:      req.TxHash,
		FromAddress: req.FromAddress,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrDuplicateTransaction) && result.Duplicate {
			return c.Status(http.StatusOK).JSON(toResponse(result))
		}
		return err
	}
	return c.Status(http.StatusCreated).JSON(toResponse(result))
}

func toResponse(result DepositResult) DepositResponse {
	return DepositResponse{
		TransactionID: result.Transaction.ID,
		Status:        string(result.Transaction.Status),
		Amount:        result.Transaction.Credited.StringFixed(ledger.Precision),
		WalletBalance: result.Balance.StringFixed(ledger.Precision),
		TxHash:        result.Transaction.TxHash,
		Reference:     result.Reference,
		Duplicate:     result.Duplicate,
	}
}
