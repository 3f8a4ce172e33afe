package wallet

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/autopool/internal/ledger"
)

// Balances is a point-in-time view of every named balance of an account.
type Balances struct {
	AccountID string
	USDT      decimal.Decimal
	Autopool  decimal.Decimal
	Utility   decimal.Decimal
	Hybrid    decimal.Decimal
	AsOf      time.Time
}

// HistoryQuery narrows an account's transaction history.
type HistoryQuery struct {
	Balance      ledger.BalanceName
	Status       ledger.Status
	RemarkPrefix string
	Limit        int
	Offset       int
}

// Page is one page of history.
type Page struct {
	Items  []ledger.Transaction
	Total  int
	Limit  int
	Offset int
}
