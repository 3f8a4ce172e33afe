package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/autopool/internal/apperr"
)

// Precision is the number of decimal places balances are rounded to.
const Precision = 5

// BalanceName identifies one of the fixed named balances held by a wallet.
type BalanceName string

const (
	// BalanceUSDT is the liquid balance used for fees, payouts and withdrawals.
	BalanceUSDT BalanceName = "usdt"
	// BalanceAutopool holds internal reinvestment credit.
	BalanceAutopool BalanceName = "autopool"
	BalanceUtility  BalanceName = "utility"
	BalanceHybrid   BalanceName = "hybrid"
)

// BalanceNames lists every recognised balance in display order.
var BalanceNames = []BalanceName{BalanceUSDT, BalanceAutopool, BalanceUtility, BalanceHybrid}

// Valid reports whether b is a recognised balance name.
func (b BalanceName) Valid() bool {
	switch b {
	case BalanceUSDT, BalanceAutopool, BalanceUtility, BalanceHybrid:
		return true
	}
	return false
}

// ParseBalanceName converts user input into a BalanceName.
func ParseBalanceName(s string) (BalanceName, error) {
	b := BalanceName(strings.ToLower(strings.TrimSpace(s)))
	if !b.Valid() {
		return "", apperr.Validation("balance", "unknown balance %q", s)
	}
	return b, nil
}

// Status is the lifecycle state of a ledger transaction.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	// StatusBlocked marks an audit record for a payout withheld by a business rule.
	StatusBlocked Status = "Blocked"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// mutates reports whether entries in this status move the balance.
func (s Status) mutates() bool {
	return s == StatusPending || s == StatusCompleted
}

// Wallet holds the named balances of one account.
type Wallet struct {
	AccountID string
	USDT      decimal.Decimal
	Autopool  decimal.Decimal
	Utility   decimal.Decimal
	Hybrid    decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Balance returns the named balance.
func (w Wallet) Balance(name BalanceName) decimal.Decimal {
	switch name {
	case BalanceUSDT:
		return w.USDT
	case BalanceAutopool:
		return w.Autopool
	case BalanceUtility:
		return w.Utility
	case BalanceHybrid:
		return w.Hybrid
	}
	return decimal.Zero
}

func (w *Wallet) set(name BalanceName, v decimal.Decimal) {
	switch name {
	case BalanceUSDT:
		w.USDT = v
	case BalanceAutopool:
		w.Autopool = v
	case BalanceUtility:
		w.Utility = v
	case BalanceHybrid:
		w.Hybrid = v
	}
}

// Transaction is one immutable-amount entry in the ledger history. Only the
// status and settlement details change after creation.
type Transaction struct {
	ID           string
	AccountID    string
	Balance      BalanceName
	Credited     decimal.Decimal
	Debited      decimal.Decimal
	Remark       string
	Status       Status
	BalanceAfter decimal.Decimal
	TxHash       string
	FromAddress  string
	ToAddress    string
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Amount returns the signed amount of the entry.
func (t Transaction) Amount() decimal.Decimal {
	return t.Credited.Sub(t.Debited)
}

// Meta carries the optional settlement details of an entry.
type Meta struct {
	TxHash      string
	FromAddress string
	ToAddress   string
	Data        map[string]any
}

// Entry is the input of Service.Apply.
type Entry struct {
	AccountID string
	Amount    decimal.Decimal
	Balance   BalanceName
	Remark    string
	Status    Status
	Meta      Meta
}

// TransitionInput is the input of Service.Transition.
type TransitionInput struct {
	Status      Status
	TxHash      string
	FromAddress string
	ToAddress   string
	// Data is merged into the record metadata; a nil value removes the key.
	Data map[string]any
	// Guard, when set, inspects the row-locked record before anything is
	// written and aborts the transition by returning an error.
	Guard func(Transaction) error
}

// Filter narrows transaction history queries.
type Filter struct {
	AccountID    string
	Status       Status
	Balance      BalanceName
	RemarkPrefix string
	TxHash       string
	Since        time.Time
	Until        time.Time
	DebitsOnly   bool
	// WithoutMeta keeps only records whose metadata lacks this key.
	WithoutMeta string
	// OldestFirst flips the default newest-first ordering.
	OldestFirst bool
	Limit       int
	Offset      int
}

// Repository persists wallets and transactions. Methods join the unit of work
// carried by ctx.
type Repository interface {
	CreateWallet(ctx context.Context, wallet Wallet) (Wallet, error)
	Wallet(ctx context.Context, accountID string) (Wallet, error)
	WalletForUpdate(ctx context.Context, accountID string) (Wallet, error)
	UpdateWallet(ctx context.Context, wallet Wallet) error
	InsertTransaction(ctx context.Context, txn Transaction) error
	Transaction(ctx context.Context, id string) (Transaction, error)
	TransactionForUpdate(ctx context.Context, id string) (Transaction, error)
	UpdateTransaction(ctx context.Context, txn Transaction) error
	ListTransactions(ctx context.Context, filter Filter) ([]Transaction, error)
	CountTransactions(ctx context.Context, filter Filter) (int, error)
}
