package account

import (
	"context"
	"fmt"
	"sync"

	"github.com/congo-pay/autopool/internal/apperr"
)

// MemoryRepository is an in-memory account store for tests and development.
type MemoryRepository struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

// NewMemoryRepository builds an empty in-memory account store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{accounts: make(map[string]Account)}
}

func (r *MemoryRepository) Snapshot() func() {
	r.mu.RLock()
	saved := make(map[string]Account, len(r.accounts))
	for k, v := range r.accounts {
		saved[k] = v
	}
	r.mu.RUnlock()
	return func() {
		r.mu.Lock()
		r.accounts = saved
		r.mu.Unlock()
	}
}

func (r *MemoryRepository) Create(_ context.Context, acct Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[acct.ID]; exists {
		return fmt.Errorf("account %s: %w", acct.ID, apperr.ErrAccountExists)
	}
	r.accounts[acct.ID] = acct
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("account %s: %w", id, apperr.ErrAccountNotFound)
	}
	return acct, nil
}

func (r *MemoryRepository) CountBySponsor(_ context.Context, sponsorID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, acct := range r.accounts {
		if acct.SponsorID == sponsorID {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) SetStatus(_ context.Context, id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, apperr.ErrAccountNotFound)
	}
	acct.Status = status
	r.accounts[id] = acct
	return nil
}
