package plan

import (
	"github.com/shopspring/decimal"

	"github.com/congo-pay/autopool/internal/ledger"
)

const (
	HybridTreeID   = "hybrid"
	AutopoolTreeID = "autopool"
)

// hybridLevels is the production level table: amount, percentage, directs.
var hybridLevels = []struct {
	amount  string
	percent string
	directs int
}{
	{"1", "5", 0},
	{"2", "5", 0},
	{"4", "5", 0},
	{"8", "5", 0},
	{"16", "5", 1},
	{"32", "5", 1},
	{"64", "5", 2},
	{"128", "5", 2},
	{"256", "5", 3},
	{"512", "5", 3},
	{"614", "3", 4},
	{"1228", "3", 4},
	{"2457", "3", 5},
	{"4915", "3", 10},
	{"9830", "3", 15},
}

// DefaultLevels returns the 15-level hybrid table.
func DefaultLevels() Levels {
	rows := make([]Level, 0, len(hybridLevels))
	for i, l := range hybridLevels {
		rows = append(rows, Level{
			Number:         i + 1,
			Members:        int64(1) << uint(i+1),
			Amount:         decimal.RequireFromString(l.amount),
			Percentage:     decimal.RequireFromString(l.percent),
			DirectRequired: l.directs,
		})
	}
	t, err := NewLevels(rows)
	if err != nil {
		panic(err)
	}
	return t
}

// Default returns the hybrid and autopool trees.
func Default() Plan {
	p, err := New(
		Tree{
			ID:            HybridTreeID,
			Name:          "Hybrid Autopool",
			Fill:          FillSponsorPriority,
			Scope:         ScopeGlobal,
			WalkDepth:     DefaultWalkDepth,
			EntryFee:      decimal.NewFromInt(10),
			FeeBalances:   []ledger.BalanceName{ledger.BalanceUSDT, ledger.BalanceAutopool},
			PayoutBalance: ledger.BalanceUSDT,
			Levels:        DefaultLevels(),
		},
		Tree{
			ID:                  AutopoolTreeID,
			Name:                "Autopool",
			Fill:                FillSequential,
			Scope:               ScopeGlobal,
			WalkDepth:           DefaultWalkDepth,
			EntryFee:            decimal.NewFromInt(50),
			FeeBalances:         []ledger.BalanceName{ledger.BalanceUSDT, ledger.BalanceAutopool},
			PayoutBalance:       ledger.BalanceUSDT,
			ParentReward:        decimal.NewFromInt(45),
			ParentRewardBalance: ledger.BalanceAutopool,
		},
	)
	if err != nil {
		panic(err)
	}
	return p
}
