// Package settlement handles withdrawal requests and pays them out through an
// external Settler after the debit has committed.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/congo-pay/autopool/internal/apperr"
	"github.com/congo-pay/autopool/internal/events"
	"github.com/congo-pay/autopool/internal/ledger"
	"github.com/congo-pay/autopool/internal/metrics"
	"github.com/congo-pay/autopool/internal/rates"
	"github.com/congo-pay/autopool/internal/storage"
)

var tracer = otel.Tracer("settlement")

// WithdrawalRemark prefixes every withdrawal record.
const WithdrawalRemark = "Withdraw USDT"

const submittedKey = "settlement_submitted_at"

var (
	// MinWithdrawal is the smallest accepted request.
	MinWithdrawal = decimal.NewFromInt(10)

	payoutShare   = decimal.RequireFromString("0.85")
	utilityShare  = decimal.RequireFromString("0.05")
	autopoolShare = decimal.RequireFromString("0.05")

	addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
)

// Locker serialises work per key inside the current unit of work.
type Locker interface {
	Lock(ctx context.Context, key string) error
}

// Deps aggregates the collaborators of Service.
type Deps struct {
	Ledger  *ledger.Service
	Tx      storage.Transactor
	Locker  Locker
	Rates   rates.Provider
	Settler Settler
	Events  *events.Dispatcher
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Service runs the withdrawal lifecycle.
type Service struct {
	ledger   *ledger.Service
	tx       storage.Transactor
	locker   Locker
	rates    rates.Provider
	settler  Settler
	events   *events.Dispatcher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	inflight sync.Map
}

// NewService creates a settlement service.
func NewService(d Deps) *Service {
	return &Service{
		ledger:  d.Ledger,
		tx:      d.Tx,
		locker:  d.Locker,
		rates:   d.Rates,
		settler: d.Settler,
		events:  d.Events,
		metrics: d.Metrics,
		logger:  d.Logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithdrawalRequest asks to pay Amount USDT out to ToAddress.
type WithdrawalRequest struct {
	AccountID string
	Amount    decimal.Decimal
	ToAddress string
}

// RequestWithdrawal debits the usdt balance as a Pending record. An account
// may hold one pending withdrawal and complete one withdrawal per UTC day.
func (s *Service) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (ledger.Transaction, error) {
	if strings.TrimSpace(req.AccountID) == "" {
		return ledger.Transaction{}, apperr.Validation("account_id", "required")
	}
	if req.Amount.LessThan(MinWithdrawal) {
		return ledger.Transaction{}, apperr.Validation("amount", "minimum withdrawal is %s", MinWithdrawal)
	}
	if !addressPattern.MatchString(req.ToAddress) {
		return ledger.Transaction{}, apperr.Validation("to_address", "must be a 0x-prefixed 40 hex digit address")
	}

	var out ledger.Transaction
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.locker.Lock(ctx, "account/"+req.AccountID); err != nil {
			return err
		}
		pending, err := s.ledger.Count(ctx, ledger.Filter{
			AccountID:    req.AccountID,
			Status:       ledger.StatusPending,
			RemarkPrefix: WithdrawalRemark,
		})
		if err != nil {
			return err
		}
		if pending > 0 {
			return fmt.Errorf("account %s: %w", req.AccountID, apperr.ErrPendingWithdrawal)
		}

		now := s.now()
		today, err := s.ledger.Count(ctx, ledger.Filter{
			AccountID:    req.AccountID,
			Status:       ledger.StatusCompleted,
			Balance:      ledger.BalanceUSDT,
			RemarkPrefix: WithdrawalRemark,
			DebitsOnly:   true,
			Since:        time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			return err
		}
		if today > 0 {
			return fmt.Errorf("account %s already withdrew today: %w", req.AccountID, apperr.ErrDailyLimitReached)
		}

		out, err = s.ledger.Apply(ctx, ledger.Entry{
			AccountID: req.AccountID,
			Amount:    req.Amount.Neg(),
			Balance:   ledger.BalanceUSDT,
			Remark:    WithdrawalRemark,
			Status:    ledger.StatusPending,
			Meta:      ledger.Meta{ToAddress: req.ToAddress, Data: map[string]any{"requested_at": now.Format(time.RFC3339)}},
		})
		return err
	})
	if err != nil {
		return ledger.Transaction{}, err
	}

	s.logger.Info("withdrawal requested",
		slog.String("transaction_id", out.ID),
		slog.String("account_id", out.AccountID),
		slog.String("amount", out.Debited.String()),
	)
	return out, nil
}

// Result reports the outcome of Settle.
type Result struct {
	Withdrawal ledger.Transaction
	Tokens     decimal.Decimal
	Rate       decimal.Decimal
	Utility    decimal.Decimal
	Autopool   decimal.Decimal
}

// Settle pays out a pending withdrawal. A successful transfer completes the
// record and credits the utility and autopool bonuses. A failed transfer
// fails the record, refunding the debit, and returns apperr.ErrSettlementFailed.
// Withdrawals whose transfer was not attempted stay pending.
func (s *Service) Settle(ctx context.Context, id string) (Result, error) {
	if _, busy := s.inflight.LoadOrStore(id, struct{}{}); busy {
		return Result{}, fmt.Errorf("withdrawal %s is being settled: %w", id, apperr.ErrConcurrencyConflict)
	}
	defer s.inflight.Delete(id)

	ctx, span := tracer.Start(ctx, "settlement.Settle")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", id))

	res, err := s.settle(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Code(err))
	}
	return res, err
}

func (s *Service) settle(ctx context.Context, id string) (Result, error) {
	txn, err := s.ledger.Transaction(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if err := claimable(txn); err != nil {
		return Result{}, err
	}

	rate, err := s.rates.Rate(ctx)
	if err != nil {
		s.metrics.Settlement("deferred")
		return Result{}, fmt.Errorf("withdrawal %s: %w", id, err)
	}

	amount := txn.Debited
	res := Result{
		Rate:     rate,
		Tokens:   amount.Mul(payoutShare).Div(rate).Round(ledger.Precision),
		Utility:  amount.Mul(utilityShare).Round(ledger.Precision),
		Autopool: amount.Mul(autopoolShare).Round(ledger.Precision),
	}
	if !res.Tokens.IsPositive() {
		return Result{}, apperr.Validation("amount", "withdrawal %s converts to no tokens", id)
	}

	// claim under the row lock before sending so no two workers pay the same record
	txn, err = s.ledger.Transition(ctx, id, ledger.TransitionInput{
		Status: ledger.StatusPending,
		Data:   map[string]any{submittedKey: s.now().Format(time.RFC3339)},
		Guard:  claimable,
	})
	if err != nil {
		return Result{}, err
	}

	receipt, err := s.settler.Transfer(ctx, Transfer{
		WithdrawalID: id,
		AccountID:    txn.AccountID,
		ToAddress:    txn.ToAddress,
		Tokens:       res.Tokens,
		Rate:         rate,
	})
	if errors.Is(err, ErrNotAttempted) {
		if _, uerr := s.ledger.Transition(ctx, id, ledger.TransitionInput{
			Status: ledger.StatusPending,
			Data:   map[string]any{submittedKey: nil},
			Guard:  stillSubmitted,
		}); uerr != nil {
			s.logger.Error("could not release withdrawal", slog.String("transaction_id", id), slog.String("error", uerr.Error()))
		}
		s.metrics.Settlement("deferred")
		return Result{}, fmt.Errorf("withdrawal %s: %w", id, err)
	}
	if err != nil {
		return s.fail(ctx, txn, err)
	}
	return s.complete(ctx, txn, res, receipt)
}

func (s *Service) fail(ctx context.Context, txn ledger.Transaction, cause error) (Result, error) {
	failed, err := s.ledger.Transition(ctx, txn.ID, ledger.TransitionInput{
		Status: ledger.StatusFailed,
		Data: map[string]any{
			"failed_at":     s.now().Format(time.RFC3339),
			"error_message": cause.Error(),
		},
		Guard: stillSubmitted,
	})
	if err != nil {
		return Result{}, err
	}
	s.metrics.Settlement("failed")
	s.events.Emit(ctx, events.New(events.KindWithdrawalFailed, txn.AccountID, map[string]any{
		"transaction_id": txn.ID,
		"amount":         txn.Debited.String(),
		"error":          cause.Error(),
	}))
	s.logger.Warn("withdrawal failed",
		slog.String("transaction_id", txn.ID),
		slog.String("account_id", txn.AccountID),
		slog.String("error", cause.Error()),
	)
	return Result{Withdrawal: failed}, fmt.Errorf("withdrawal %s: %w: %v", txn.ID, apperr.ErrSettlementFailed, cause)
}

func (s *Service) complete(ctx context.Context, txn ledger.Transaction, res Result, receipt Receipt) (Result, error) {
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		done, err := s.ledger.Transition(ctx, txn.ID, ledger.TransitionInput{
			Status:      ledger.StatusCompleted,
			TxHash:      receipt.TxHash,
			FromAddress: receipt.FromAddress,
			ToAddress:   txn.ToAddress,
			Data: map[string]any{
				"processed_at":    s.now().Format(time.RFC3339),
				"token_rate":      res.Rate.String(),
				"tokens_sent":     res.Tokens.String(),
				"adjusted_amount": txn.Debited.Mul(payoutShare).String(),
				"utility_bonus":   res.Utility.String(),
				"autopool_bonus":  res.Autopool.String(),
			},
			Guard: stillSubmitted,
		})
		if err != nil {
			return err
		}
		res.Withdrawal = done

		if _, err := s.ledger.Apply(ctx, ledger.Entry{
			AccountID: txn.AccountID,
			Amount:    res.Utility,
			Balance:   ledger.BalanceUtility,
			Remark:    "Utility Bonus From withdraw",
			Status:    ledger.StatusCompleted,
			Meta:      ledger.Meta{Data: map[string]any{"withdrawal_id": txn.ID}},
		}); err != nil {
			return err
		}
		_, err = s.ledger.Apply(ctx, ledger.Entry{
			AccountID: txn.AccountID,
			Amount:    res.Autopool,
			Balance:   ledger.BalanceAutopool,
			Remark:    "Autopool Bonus From withdraw",
			Status:    ledger.StatusCompleted,
			Meta:      ledger.Meta{Data: map[string]any{"withdrawal_id": txn.ID}},
		})
		return err
	})
	if err != nil {
		// the tokens left already; the record stays pending and flagged as submitted
		s.logger.Error("withdrawal transferred but not recorded",
			slog.String("transaction_id", txn.ID),
			slog.String("tx_hash", receipt.TxHash),
			slog.String("error", err.Error()),
		)
		return Result{}, err
	}

	s.metrics.Settlement("completed")
	s.events.Emit(ctx, events.New(events.KindWithdrawalSettled, txn.AccountID, map[string]any{
		"transaction_id": txn.ID,
		"amount":         txn.Debited.String(),
		"tokens":         res.Tokens.String(),
		"tx_hash":        receipt.TxHash,
	}))
	s.logger.Info("withdrawal settled",
		slog.String("transaction_id", txn.ID),
		slog.String("account_id", txn.AccountID),
		slog.String("tokens", res.Tokens.String()),
		slog.String("tx_hash", receipt.TxHash),
	)
	return res, nil
}

// Pending returns up to limit of the oldest withdrawals waiting for
// settlement, leaving out those already handed to the settler.
func (s *Service) Pending(ctx context.Context, limit int) ([]ledger.Transaction, error) {
	items, _, err := s.ledger.History(ctx, ledger.Filter{
		Status:       ledger.StatusPending,
		RemarkPrefix: WithdrawalRemark,
		WithoutMeta:  submittedKey,
		OldestFirst:  true,
		Limit:        limit,
	})
	return items, err
}

// Withdrawals returns the withdrawal history of accountID.
func (s *Service) Withdrawals(ctx context.Context, accountID string, limit, offset int) ([]ledger.Transaction, int, error) {
	return s.ledger.History(ctx, ledger.Filter{
		AccountID:    accountID,
		RemarkPrefix: WithdrawalRemark,
		Limit:        limit,
		Offset:       offset,
	})
}

func submitted(txn ledger.Transaction) bool {
	v, ok := txn.Metadata[submittedKey]
	return ok && v != nil
}

func claimable(txn ledger.Transaction) error {
	if txn.Status != ledger.StatusPending || !strings.HasPrefix(txn.Remark, WithdrawalRemark) {
		return apperr.Validation("transaction_id", "%s is not a pending withdrawal", txn.ID)
	}
	if submitted(txn) {
		return apperr.Validation("transaction_id", "%s was already submitted and needs manual review", txn.ID)
	}
	return nil
}

// stillSubmitted holds the outcome of a transfer to the record this worker claimed.
func stillSubmitted(txn ledger.Transaction) error {
	if txn.Status != ledger.StatusPending || !submitted(txn) {
		return fmt.Errorf("withdrawal %s is %s: %w", txn.ID, txn.Status, apperr.ErrConcurrencyConflict)
	}
	return nil
}
