package plan

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/congo-pay/autopool/internal/ledger"
)

type fileLevel struct {
	Level          int    `yaml:"level"`
	Members        int64  `yaml:"members"`
	Amount         string `yaml:"amount"`
	Percentage     string `yaml:"percentage"`
	DirectRequired int    `yaml:"direct_required"`
}

type fileTree struct {
	ID                  string      `yaml:"id"`
	Name                string      `yaml:"name"`
	Fill                string      `yaml:"fill"`
	Scope               string      `yaml:"scope"`
	MaxDepth            int         `yaml:"max_depth"`
	WalkDepth           int         `yaml:"walk_depth"`
	EntryFee            string      `yaml:"entry_fee"`
	FeeBalances         []string    `yaml:"fee_balances"`
	PayoutBalance       string      `yaml:"payout_balance"`
	ParentReward        string      `yaml:"parent_reward"`
	ParentRewardBalance string      `yaml:"parent_reward_balance"`
	DefaultLevels       bool        `yaml:"default_levels"`
	Levels              []fileLevel `yaml:"levels"`
}

type file struct {
	Trees []fileTree `yaml:"trees"`
}

// Load reads a YAML plan file. An empty path yields Default().
func Load(path string) (Plan, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML plan document.
func Parse(raw []byte) (Plan, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	if len(f.Trees) == 0 {
		return Plan{}, fmt.Errorf("plan defines no trees")
	}

	trees := make([]Tree, 0, len(f.Trees))
	for _, ft := range f.Trees {
		t, err := ft.toTree()
		if err != nil {
			return Plan{}, err
		}
		trees = append(trees, t)
	}
	return New(trees...)
}

func (ft fileTree) toTree() (Tree, error) {
	t := Tree{
		ID:                  ft.ID,
		Name:                ft.Name,
		Fill:                Fill(ft.Fill),
		Scope:               Scope(ft.Scope),
		MaxDepth:            ft.MaxDepth,
		WalkDepth:           ft.WalkDepth,
		PayoutBalance:       ledger.BalanceName(ft.PayoutBalance),
		ParentRewardBalance: ledger.BalanceName(ft.ParentRewardBalance),
	}
	if t.Name == "" {
		t.Name = t.ID
	}
	if t.Fill == "" {
		t.Fill = FillSequential
	}
	if t.Scope == "" {
		t.Scope = ScopeGlobal
	}
	if t.WalkDepth == 0 {
		t.WalkDepth = DefaultWalkDepth
	}

	var err error
	if t.EntryFee, err = amount(ft.EntryFee); err != nil {
		return Tree{}, fmt.Errorf("tree %s entry_fee: %w", ft.ID, err)
	}
	if t.ParentReward, err = amount(ft.ParentReward); err != nil {
		return Tree{}, fmt.Errorf("tree %s parent_reward: %w", ft.ID, err)
	}
	for _, b := range ft.FeeBalances {
		name, err := ledger.ParseBalanceName(b)
		if err != nil {
			return Tree{}, fmt.Errorf("tree %s: %w", ft.ID, err)
		}
		t.FeeBalances = append(t.FeeBalances, name)
	}

	if ft.DefaultLevels {
		t.Levels = DefaultLevels()
		return t, nil
	}
	rows := make([]Level, 0, len(ft.Levels))
	for _, fl := range ft.Levels {
		amt, err := amount(fl.Amount)
		if err != nil {
			return Tree{}, fmt.Errorf("tree %s level %d amount: %w", ft.ID, fl.Level, err)
		}
		pct, err := amount(fl.Percentage)
		if err != nil {
			return Tree{}, fmt.Errorf("tree %s level %d percentage: %w", ft.ID, fl.Level, err)
		}
		rows = append(rows, Level{Number: fl.Level, Members: fl.Members, Amount: amt, Percentage: pct, DirectRequired: fl.DirectRequired})
	}
	if t.Levels, err = NewLevels(rows); err != nil {
		return Tree{}, fmt.Errorf("tree %s: %w", ft.ID, err)
	}
	return t, nil
}

func amount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
