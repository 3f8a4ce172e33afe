package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/autopool/internal/apperr"
	"github.com/congo-pay/autopool/internal/storage"
)

// Service applies balance mutations and records them, one record per call.
type Service struct {
	repo   Repository
	tx     storage.Transactor
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds a ledger service over repo. Every mutation runs inside tx.
func NewService(repo Repository, tx storage.Transactor, logger *slog.Logger) *Service {
	return &Service{repo: repo, tx: tx, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// OpenWallet creates a zero-balance wallet for accountID if it does not exist yet.
func (s *Service) OpenWallet(ctx context.Context, accountID string) (Wallet, error) {
	if strings.TrimSpace(accountID) == "" {
		return Wallet{}, apperr.Validation("account_id", "required")
	}
	now := s.now()
	return s.repo.CreateWallet(ctx, Wallet{
		AccountID: accountID,
		USDT:      decimal.Zero,
		Autopool:  decimal.Zero,
		Utility:   decimal.Zero,
		Hybrid:    decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Wallet returns the current balances of accountID.
func (s *Service) Wallet(ctx context.Context, accountID string) (Wallet, error) {
	return s.repo.Wallet(ctx, accountID)
}

// Transaction returns a single ledger record.
func (s *Service) Transaction(ctx context.Context, id string) (Transaction, error) {
	return s.repo.Transaction(ctx, id)
}

// History returns a page of records matching filter and the total match count.
func (s *Service) History(ctx context.Context, filter Filter) ([]Transaction, int, error) {
	items, err := s.repo.ListTransactions(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	count := filter
	count.Limit, count.Offset = 0, 0
	total, err := s.repo.CountTransactions(ctx, count)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Count returns the number of records matching filter.
func (s *Service) Count(ctx context.Context, filter Filter) (int, error) {
	return s.repo.CountTransactions(ctx, filter)
}

// Apply records entry and, for Pending and Completed entries, moves the named
// balance by entry.Amount. A debit that would take the balance below zero
// fails with apperr.ErrInsufficientBalance and leaves nothing behind.
func (s *Service) Apply(ctx context.Context, entry Entry) (Transaction, error) {
	if err := validateEntry(entry); err != nil {
		return Transaction{}, err
	}

	var out Transaction
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		wallet, err := s.repo.WalletForUpdate(ctx, entry.AccountID)
		if err != nil {
			return err
		}

		amount := entry.Amount.Round(Precision)
		current := wallet.Balance(entry.Balance)
		after := current
		if entry.Status.mutates() {
			if amount.IsNegative() && current.LessThan(amount.Neg()) {
				return fmt.Errorf("%s balance %s below %s: %w", entry.Balance, current.StringFixed(Precision),
					amount.Neg().StringFixed(Precision), apperr.ErrInsufficientBalance)
			}
			after = current.Add(amount)
			wallet.set(entry.Balance, after)
			wallet.UpdatedAt = s.now()
			if err := s.repo.UpdateWallet(ctx, wallet); err != nil {
				return err
			}
		}

		now := s.now()
		txn := Transaction{
			ID:           uuid.NewString(),
			AccountID:    entry.AccountID,
			Balance:      entry.Balance,
			Credited:     decimal.Zero,
			Debited:      decimal.Zero,
			Remark:       entry.Remark,
			Status:       entry.Status,
			BalanceAfter: after,
			TxHash:       entry.Meta.TxHash,
			FromAddress:  entry.Meta.FromAddress,
			ToAddress:    entry.Meta.ToAddress,
			Metadata:     entry.Meta.Data,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if amount.IsPositive() {
			txn.Credited = amount
		} else {
			txn.Debited = amount.Neg()
		}
		if err := s.repo.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		out = txn
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}

	s.logger.Debug("ledger entry applied",
		slog.String("transaction_id", out.ID),
		slog.String("account_id", out.AccountID),
		slog.String("balance", string(out.Balance)),
		slog.String("amount", out.Amount().String()),
		slog.String("status", string(out.Status)),
	)
	return out, nil
}

// Transition moves a record to input.Status. Moving a non-Failed record with a
// debit to Failed refunds the debit to the same balance exactly once. Failed
// is terminal.
func (s *Service) Transition(ctx context.Context, id string, input TransitionInput) (Transaction, error) {
	if !input.Status.Valid() {
		return Transaction{}, apperr.Validation("status", "unknown status %q", input.Status)
	}

	var out Transaction
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		txn, err := s.repo.TransactionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if input.Guard != nil {
			if err := input.Guard(txn); err != nil {
				return err
			}
		}
		if txn.Status == StatusFailed {
			if input.Status == StatusFailed {
				out = txn
				return nil
			}
			return apperr.Validation("status", "transaction %s already failed", id)
		}

		now := s.now()
		if input.Status == StatusFailed && txn.Debited.IsPositive() {
			wallet, err := s.repo.WalletForUpdate(ctx, txn.AccountID)
			if err != nil {
				return err
			}
			refunded := wallet.Balance(txn.Balance).Add(txn.Debited).Round(Precision)
			wallet.set(txn.Balance, refunded)
			wallet.UpdatedAt = now
			if err := s.repo.UpdateWallet(ctx, wallet); err != nil {
				return err
			}
			txn.BalanceAfter = refunded
		}

		txn.Status = input.Status
		if input.TxHash != "" {
			txn.TxHash = input.TxHash
		}
		if input.FromAddress != "" {
			txn.FromAddress = input.FromAddress
		}
		if input.ToAddress != "" {
			txn.ToAddress = input.ToAddress
		}
		if len(input.Data) > 0 {
			if txn.Metadata == nil {
				txn.Metadata = make(map[string]any, len(input.Data))
			}
			for k, v := range input.Data {
				if v == nil {
					delete(txn.Metadata, k)
					continue
				}
				txn.Metadata[k] = v
			}
		}
		txn.UpdatedAt = now
		if err := s.repo.UpdateTransaction(ctx, txn); err != nil {
			return err
		}
		out = txn
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}

	s.logger.Info("ledger transaction transitioned",
		slog.String("transaction_id", out.ID),
		slog.String("status", string(out.Status)),
	)
	return out, nil
}

func validateEntry(entry Entry) error {
	if strings.TrimSpace(entry.AccountID) == "" {
		return apperr.Validation("account_id", "required")
	}
	if !entry.Balance.Valid() {
		return apperr.Validation("balance", "unknown balance %q", entry.Balance)
	}
	if !entry.Status.Valid() {
		return apperr.Validation("status", "unknown status %q", entry.Status)
	}
	if entry.Status == StatusBlocked && !entry.Amount.IsZero() {
		return apperr.Validation("amount", "blocked entries carry no amount")
	}
	return nil
}
