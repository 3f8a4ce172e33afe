package plan

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/autopool/internal/ledger"
)

func TestDefaultLevels(t *testing.T) {
	levels := DefaultLevels()
	require.Equal(t, 15, levels.Max())

	l5, ok := levels.Get(5)
	require.True(t, ok)
	require.True(t, l5.Amount.Equal(decimal.NewFromInt(16)))
	require.Equal(t, 1, l5.DirectRequired)
	require.Equal(t, int64(32), l5.Members)

	l15, ok := levels.Get(15)
	require.True(t, ok)
	require.Equal(t, 15, l15.DirectRequired)
	require.True(t, l15.Percentage.Equal(decimal.NewFromInt(3)))

	_, ok = levels.Get(16)
	require.False(t, ok)
}

func TestDefaultPlan(t *testing.T) {
	p := Default()
	hybrid, err := p.Tree(HybridTreeID)
	require.NoError(t, err)
	require.Equal(t, FillSponsorPriority, hybrid.Fill)
	require.True(t, hybrid.AcceptsFeeFrom(ledger.BalanceAutopool))
	require.False(t, hybrid.AcceptsFeeFrom(ledger.BalanceUtility))

	key, err := hybrid.Key("anyone")
	require.NoError(t, err)
	require.Equal(t, HybridTreeID, key)

	_, err = p.Tree("missing")
	require.Error(t, err)
}

func TestParseSponsorScopedTree(t *testing.T) {
	doc := []byte(`
trees:
  - id: matrix
    fill: sequential
    scope: sponsor
    max_depth: 2
    entry_fee: "5"
    fee_balances: [usdt]
    payout_balance: usdt
    levels:
      - level: 1
        amount: "1.5"
        percentage: "5"
      - level: 2
        amount: "3"
        direct_required: 2
  - id: hybrid
    fill: sponsor_priority
    entry_fee: "10"
    fee_balances: [usdt, autopool]
    payout_balance: usdt
    default_levels: true
`)
	p, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, p.Trees(), 2)

	matrix, err := p.Tree("matrix")
	require.NoError(t, err)
	require.Equal(t, int64(8), matrix.Capacity())
	require.Equal(t, DefaultWalkDepth, matrix.WalkDepth)

	key, err := matrix.Key("sponsor-1")
	require.NoError(t, err)
	require.Equal(t, "matrix:sponsor-1", key)

	_, err = matrix.Key("")
	require.Error(t, err)

	l2, ok := matrix.Levels.Get(2)
	require.True(t, ok)
	require.Equal(t, int64(4), l2.Members)
	require.Equal(t, 2, l2.DirectRequired)

	hybrid, err := p.Tree("hybrid")
	require.NoError(t, err)
	require.Equal(t, 15, hybrid.Levels.Max())
}

func TestParseRejectsBadPlans(t *testing.T) {
	_, err := Parse([]byte(`trees: []`))
	require.Error(t, err)

	_, err = Parse([]byte(`
trees:
  - id: x
    fill: spiral
`))
	require.Error(t, err)

	_, err = Parse([]byte(`
trees:
  - id: x
    entry_fee: "10"
`))
	require.Error(t, err, "fee without fee balances")

	_, err = Parse([]byte(`
trees:
  - id: x
    payout_balance: usdt
    levels:
      - level: 1
        amount: "1"
      - level: 1
        amount: "2"
`))
	require.Error(t, err, "duplicate level")
}
