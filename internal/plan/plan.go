// Package plan describes the incentive trees and their level tables. Plans
// are static for the life of the process.
package plan

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/autopool/internal/apperr"
	"github.com/congo-pay/autopool/internal/ledger"
)

// Fill selects how a tree chooses the slot for a new entrant.
type Fill string

const (
	// FillSequential fills the lowest open position, left before right.
	FillSequential Fill = "sequential"
	// FillSponsorPriority places the 3rd and 4th direct referral under their
	// sponsor when the slot is open, and falls back to sequential otherwise.
	FillSponsorPriority Fill = "sponsor_priority"
)

// Scope selects how a tree is keyed.
type Scope string

const (
	// ScopeGlobal is one tree shared by every account.
	ScopeGlobal Scope = "global"
	// ScopeSponsor gives every sponsor its own capped tree of downline entries.
	ScopeSponsor Scope = "sponsor"
)

// DefaultWalkDepth is how many ancestors a bonus walk visits.
const DefaultWalkDepth = 15

// Level is one row of a level table.
type Level struct {
	Number         int
	Members        int64
	Amount         decimal.Decimal
	Percentage     decimal.Decimal
	DirectRequired int
}

// Levels is a read-only level table indexed by level number.
type Levels struct {
	byNumber map[int]Level
	max      int
}

// NewLevels builds a table from rows. Level numbers must be unique and positive.
func NewLevels(rows []Level) (Levels, error) {
	t := Levels{byNumber: make(map[int]Level, len(rows))}
	for _, row := range rows {
		if row.Number <= 0 {
			return Levels{}, fmt.Errorf("level number must be positive, got %d", row.Number)
		}
		if _, dup := t.byNumber[row.Number]; dup {
			return Levels{}, fmt.Errorf("level %d defined twice", row.Number)
		}
		if row.Amount.IsNegative() {
			return Levels{}, fmt.Errorf("level %d: negative amount", row.Number)
		}
		if row.DirectRequired < 0 {
			return Levels{}, fmt.Errorf("level %d: negative direct requirement", row.Number)
		}
		if row.Members == 0 {
			row.Members = int64(1) << uint(row.Number)
		}
		t.byNumber[row.Number] = row
		if row.Number > t.max {
			t.max = row.Number
		}
	}
	return t, nil
}

// Get returns the row for level n.
func (t Levels) Get(n int) (Level, bool) {
	l, ok := t.byNumber[n]
	return l, ok
}

// Max returns the highest configured level, 0 for an empty table.
func (t Levels) Max() int { return t.max }

// Rows returns the table ordered by level number.
func (t Levels) Rows() []Level {
	out := make([]Level, 0, len(t.byNumber))
	for _, l := range t.byNumber {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Tree is the static description of one incentive tree.
type Tree struct {
	ID                  string
	Name                string
	Fill                Fill
	Scope               Scope
	MaxDepth            int
	WalkDepth           int
	EntryFee            decimal.Decimal
	FeeBalances         []ledger.BalanceName
	PayoutBalance       ledger.BalanceName
	ParentReward        decimal.Decimal
	ParentRewardBalance ledger.BalanceName
	Levels              Levels
}

// Key returns the tree key an entrant sponsored by sponsorID is placed into.
func (t Tree) Key(sponsorID string) (string, error) {
	if t.Scope != ScopeSponsor {
		return t.ID, nil
	}
	if sponsorID == "" {
		return "", apperr.Validation("sponsor_id", "tree %s requires a sponsor", t.ID)
	}
	return t.ID + ":" + sponsorID, nil
}

// Capacity returns the first position outside a capped tree, or 0 when the
// tree is unbounded.
func (t Tree) Capacity() int64 {
	if t.MaxDepth <= 0 {
		return 0
	}
	return int64(1) << uint(t.MaxDepth+1)
}

// AcceptsFeeFrom reports whether the entry fee may be paid from b.
func (t Tree) AcceptsFeeFrom(b ledger.BalanceName) bool {
	for _, allowed := range t.FeeBalances {
		if allowed == b {
			return true
		}
	}
	return false
}

// Validate checks the static consistency of the tree.
func (t Tree) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("tree id is required")
	}
	switch t.Fill {
	case FillSequential, FillSponsorPriority:
	default:
		return fmt.Errorf("tree %s: unknown fill %q", t.ID, t.Fill)
	}
	switch t.Scope {
	case ScopeGlobal, ScopeSponsor:
	default:
		return fmt.Errorf("tree %s: unknown scope %q", t.ID, t.Scope)
	}
	if t.WalkDepth <= 0 {
		return fmt.Errorf("tree %s: walk depth must be positive", t.ID)
	}
	if t.EntryFee.IsNegative() || t.ParentReward.IsNegative() {
		return fmt.Errorf("tree %s: amounts must not be negative", t.ID)
	}
	if t.EntryFee.IsPositive() && len(t.FeeBalances) == 0 {
		return fmt.Errorf("tree %s: fee balances required when an entry fee is set", t.ID)
	}
	for _, b := range t.FeeBalances {
		if !b.Valid() {
			return fmt.Errorf("tree %s: unknown fee balance %q", t.ID, b)
		}
	}
	if t.Levels.Max() > 0 && !t.PayoutBalance.Valid() {
		return fmt.Errorf("tree %s: unknown payout balance %q", t.ID, t.PayoutBalance)
	}
	if t.ParentReward.IsPositive() && !t.ParentRewardBalance.Valid() {
		return fmt.Errorf("tree %s: unknown parent reward balance %q", t.ID, t.ParentRewardBalance)
	}
	return nil
}

// Plan is the set of trees the network runs.
type Plan struct {
	trees map[string]Tree
	order []string
}

// New builds a plan and validates every tree.
func New(trees ...Tree) (Plan, error) {
	p := Plan{trees: make(map[string]Tree, len(trees))}
	for _, t := range trees {
		if err := t.Validate(); err != nil {
			return Plan{}, err
		}
		if _, dup := p.trees[t.ID]; dup {
			return Plan{}, fmt.Errorf("tree %s defined twice", t.ID)
		}
		p.trees[t.ID] = t
		p.order = append(p.order, t.ID)
	}
	return p, nil
}

// Tree looks up a tree by id.
func (p Plan) Tree(id string) (Tree, error) {
	t, ok := p.trees[id]
	if !ok {
		return Tree{}, apperr.Validation("tree", "unknown tree %q", id)
	}
	return t, nil
}

// Trees returns every tree in declaration order.
func (p Plan) Trees() []Tree {
	out := make([]Tree, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.trees[id])
	}
	return out
}
