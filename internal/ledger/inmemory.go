package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/congo-pay/autopool/internal/apperr"
)

// MemoryRepository is a concurrency-safe in-memory ledger store used in tests
// and development. It implements storage.Snapshotter so it can take part in a
// MemoryTransactor.
type MemoryRepository struct {
	mu           sync.RWMutex
	wallets      map[string]Wallet
	transactions map[string]Transaction
	order        []string
}

// NewMemoryRepository creates an empty in-memory ledger store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		wallets:      make(map[string]Wallet),
		transactions: make(map[string]Transaction),
	}
}

func (r *MemoryRepository) Snapshot() func() {
	r.mu.RLock()
	wallets := make(map[string]Wallet, len(r.wallets))
	for k, v := range r.wallets {
		wallets[k] = v
	}
	transactions := make(map[string]Transaction, len(r.transactions))
	for k, v := range r.transactions {
		transactions[k] = v
	}
	order := append([]string(nil), r.order...)
	r.mu.RUnlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.wallets = wallets
		r.transactions = transactions
		r.order = order
	}
}

func (r *MemoryRepository) CreateWallet(_ context.Context, wallet Wallet) (Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.wallets[wallet.AccountID]; ok {
		return existing, nil
	}
	r.wallets[wallet.AccountID] = wallet
	return wallet, nil
}

func (r *MemoryRepository) Wallet(_ context.Context, accountID string) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wallets[accountID]
	if !ok {
		return Wallet{}, fmt.Errorf("wallet %s: %w", accountID, apperr.ErrWalletNotFound)
	}
	return w, nil
}

// WalletForUpdate relies on the MemoryTransactor for row locking.
func (r *MemoryRepository) WalletForUpdate(ctx context.Context, accountID string) (Wallet, error) {
	return r.Wallet(ctx, accountID)
}

func (r *MemoryRepository) UpdateWallet(_ context.Context, wallet Wallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.wallets[wallet.AccountID]; !ok {
		return fmt.Errorf("wallet %s: %w", wallet.AccountID, apperr.ErrWalletNotFound)
	}
	r.wallets[wallet.AccountID] = wallet
	return nil
}

func (r *MemoryRepository) InsertTransaction(_ context.Context, txn Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transactions[txn.ID]; ok {
		return fmt.Errorf("transaction %s: %w", txn.ID, apperr.ErrDuplicateTransaction)
	}
	r.transactions[txn.ID] = copyTransaction(txn)
	r.order = append(r.order, txn.ID)
	return nil
}

func (r *MemoryRepository) Transaction(_ context.Context, id string) (Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	txn, ok := r.transactions[id]
	if !ok {
		return Transaction{}, fmt.Errorf("transaction %s: %w", id, apperr.ErrTransactionNotFound)
	}
	return copyTransaction(txn), nil
}

func (r *MemoryRepository) TransactionForUpdate(ctx context.Context, id string) (Transaction, error) {
	return r.Transaction(ctx, id)
}

func (r *MemoryRepository) UpdateTransaction(_ context.Context, txn Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transactions[txn.ID]; !ok {
		return fmt.Errorf("transaction %s: %w", txn.ID, apperr.ErrTransactionNotFound)
	}
	r.transactions[txn.ID] = copyTransaction(txn)
	return nil
}

func (r *MemoryRepository) ListTransactions(_ context.Context, filter Filter) ([]Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	matched := r.match(filter)
	if filter.OldestFirst {
		// match walks newest insert first; reverse so CreatedAt ties keep insert order
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		})
	} else {
		// newest first, matching the Postgres ordering
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		})
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (r *MemoryRepository) CountTransactions(_ context.Context, filter Filter) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.match(filter)), nil
}

func (r *MemoryRepository) match(filter Filter) []Transaction {
	var out []Transaction
	// newest insert first; ties on CreatedAt keep this order
	for i := len(r.order) - 1; i >= 0; i-- {
		txn := r.transactions[r.order[i]]
		if filter.AccountID != "" && txn.AccountID != filter.AccountID {
			continue
		}
		if filter.Status != "" && txn.Status != filter.Status {
			continue
		}
		if filter.Balance != "" && txn.Balance != filter.Balance {
			continue
		}
		if filter.RemarkPrefix != "" && !strings.HasPrefix(txn.Remark, filter.RemarkPrefix) {
			continue
		}
		if filter.TxHash != "" && txn.TxHash != filter.TxHash {
			continue
		}
		if !filter.Since.IsZero() && txn.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && !txn.CreatedAt.Before(filter.Until) {
			continue
		}
		if filter.DebitsOnly && !txn.Debited.IsPositive() {
			continue
		}
		if filter.WithoutMeta != "" {
			if _, ok := txn.Metadata[filter.WithoutMeta]; ok {
				continue
			}
		}
		out = append(out, copyTransaction(txn))
	}
	return out
}

func copyTransaction(txn Transaction) Transaction {
	if txn.Metadata != nil {
		meta := make(map[string]any, len(txn.Metadata))
		for k, v := range txn.Metadata {
			meta[k] = v
		}
		txn.Metadata = meta
	}
	return txn
}
