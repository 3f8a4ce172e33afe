package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// SeedBalance is a test helper that opens the wallet of accountID in an
// in-memory repository and sets one named balance directly.
func SeedBalance(repo Repository, accountID string, name BalanceName, amount string) {
	mem, ok := repo.(*MemoryRepository)
	if !ok {
		return
	}
	w, _ := mem.CreateWallet(context.Background(), Wallet{AccountID: accountID})
	w.set(name, decimal.RequireFromString(amount))
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.wallets[accountID] = w
}
