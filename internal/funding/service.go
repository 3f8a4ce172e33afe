package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/autopool/internal/apperr"
	"github.com/congo-pay/autopool/internal/events"
	"github.com/congo-pay/autopool/internal/ledger"
	"github.com/congo-pay/autopool/internal/storage"
)

// DepositRemark marks every deposit record.
const DepositRemark = "Deposit USDT"

// Locker serialises work per key inside the current unit of work.
type Locker interface {
	Lock(ctx context.Context, key string) error
}

// Service credits external deposits to the usdt balance.
type Service struct {
	ledger   *ledger.Service
	tx       storage.Transactor
	locker   Locker
	verifier Verifier
	events   *events.Dispatcher
	logger   *slog.Logger
}

// NewService prepares a funding service. A nil verifier accepts every deposit.
func NewService(l *ledger.Service, tx storage.Transactor, locker Locker, verifier Verifier, ev *events.Dispatcher, logger *slog.Logger) (*Service, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger service is required")
	}
	if verifier == nil {
		verifier = StaticVerifier{}
	}
	return &Service{ledger: l, tx: tx, locker: locker, verifier: verifier, events: ev, logger: logger}, nil
}

// DepositInput captures the required data for a deposit.
type DepositInput struct {
	AccountID   string
	Amount      decimal.Decimal
	TxHash      string
	FromAddress string
}

// DepositResult represents the domain outcome of a deposit.
type DepositResult struct {
	Transaction ledger.Transaction
	Balance     decimal.Decimal
	Reference   string
	Duplicate   bool
}

// Deposit credits input.Amount to the usdt balance. A tx hash that was
// already credited returns the original record with
// apperr.ErrDuplicateTransaction.
func (s *Service) Deposit(ctx context.Context, input DepositInput) (DepositResult, error) {
	input.TxHash = strings.TrimSpace(input.TxHash)
	if strings.TrimSpace(input.AccountID) == "" {
		return DepositResult{}, apperr.Validation("account_id", "required")
	}
	if !input.Amount.IsPositive() {
		return DepositResult{}, apperr.Validation("amount", "must be positive")
	}
	if input.TxHash == "" {
		return DepositResult{}, apperr.Validation("tx_hash", "required")
	}

	if original, ok, err := s.find(ctx, input.TxHash); err != nil {
		return DepositResult{}, err
	} else if ok {
		return s.duplicate(ctx, original)
	}

	decision, err := s.verifier.VerifyDeposit(ctx, DepositCheck{
		TxHash:      input.TxHash,
		FromAddress: input.FromAddress,
		Amount:      input.Amount,
	})
	if err != nil {
		return DepositResult{}, err
	}

	var (
		txn      ledger.Transaction
		original ledger.Transaction
		dup      bool
	)
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.locker.Lock(ctx, "deposit/"+input.TxHash); err != nil {
			return err
		}
		var err error
		if original, dup, err = s.find(ctx, input.TxHash); err != nil || dup {
			return err
		}
		txn, err = s.ledger.Apply(ctx, ledger.Entry{
			AccountID: input.AccountID,
			Amount:    input.Amount,
			Balance:   ledger.BalanceUSDT,
			Remark:    DepositRemark,
			Status:    ledger.StatusCompleted,
			Meta: ledger.Meta{
				TxHash:      input.TxHash,
				FromAddress: input.FromAddress,
				Data:        map[string]any{"reference": decision.Reference},
			},
		})
		return err
	})
	if errors.Is(err, apperr.ErrDuplicateTransaction) {
		// lost a race against the same hash on another connection
		if original, dup, err = s.find(ctx, input.TxHash); err == nil && !dup {
			return DepositResult{}, fmt.Errorf("deposit %s: %w", input.TxHash, apperr.ErrDuplicateTransaction)
		}
	}
	if err != nil {
		return DepositResult{}, err
	}
	if dup {
		return s.duplicate(ctx, original)
	}

	s.events.Emit(ctx, events.New(events.KindDepositCredited, txn.AccountID, map[string]any{
		"transaction_id": txn.ID,
		"amount":         txn.Credited.String(),
		"tx_hash":        txn.TxHash,
	}))
	s.logger.Info("deposit credited",
		slog.String("transaction_id", txn.ID),
		slog.String("account_id", txn.AccountID),
		slog.String("amount", txn.Credited.String()),
		slog.String("tx_hash", txn.TxHash),
	)
	return DepositResult{
		Transaction: txn,
		Balance:     txn.BalanceAfter,
		Reference:   decision.Reference,
	}, nil
}

func (s *Service) find(ctx context.Context, txHash string) (ledger.Transaction, bool, error) {
	items, _, err := s.ledger.History(ctx, ledger.Filter{TxHash: txHash, RemarkPrefix: DepositRemark, Limit: 1})
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	if len(items) == 0 {
		return ledger.Transaction{}, false, nil
	}
	return items[0], true, nil
}

func (s *Service) duplicate(ctx context.Context, original ledger.Transaction) (DepositResult, error) {
	res := DepositResult{Transaction: original, Balance: original.BalanceAfter, Duplicate: true}
	if ref, ok := original.Metadata["reference"].(string); ok {
		res.Reference = ref
	}
	if w, err := s.ledger.Wallet(ctx, original.AccountID); err == nil {
		res.Balance = w.USDT
	}
	return res, fmt.Errorf("deposit %s: %w", original.TxHash, apperr.ErrDuplicateTransaction)
}
