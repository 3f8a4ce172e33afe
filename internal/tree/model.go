// Package tree stores placement nodes. It holds no business rules; the
// placement and bonus engines decide what to write.
package tree

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Side names a child slot.
type Side string

const (
	Left  Side = "left"
	Right Side = "right"
)

// Status of a node. Inactive nodes are skipped by the bonus walk.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// ParentOf returns the parent position of p, 0 for the root.
func ParentOf(p int64) int64 { return p / 2 }

// LeftOf returns the left child position of p.
func LeftOf(p int64) int64 { return 2 * p }

// RightOf returns the right child position of p.
func RightOf(p int64) int64 { return 2*p + 1 }

// ChildOf returns the position of the side child of p.
func ChildOf(p int64, side Side) int64 {
	if side == Left {
		return LeftOf(p)
	}
	return RightOf(p)
}

// Node is one account's membership in one tree. Child positions are 0 when
// the slot is empty.
type Node struct {
	TreeID          string
	Position        int64
	AccountID       string
	SponsorID       string
	ParentPosition  int64
	LeftChild       int64
	RightChild      int64
	Level           int
	CompletedLevels []int
	BlockedLevels   []int
	DirectReferrals int
	Earnings        map[int]decimal.Decimal
	EarningsTotal   decimal.Decimal
	Status          Status
	Seq             int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasOpenSlot reports whether either child slot is empty.
func (n Node) HasOpenSlot() bool {
	return n.LeftChild == 0 || n.RightChild == 0
}

// Active reports whether the node takes part in bonus walks.
func (n Node) Active() bool {
	return n.Status == StatusActive
}

// Completed reports whether level has been paid.
func (n Node) Completed(level int) bool {
	return contains(n.CompletedLevels, level)
}

// Blocked reports whether level is withheld.
func (n Node) Blocked(level int) bool {
	return contains(n.BlockedLevels, level)
}

// MarkCompleted records a paid level and clears any block on it.
func (n *Node) MarkCompleted(level int, amount decimal.Decimal) {
	if !n.Completed(level) {
		n.CompletedLevels = insertSorted(n.CompletedLevels, level)
	}
	n.BlockedLevels = remove(n.BlockedLevels, level)
	if n.Earnings == nil {
		n.Earnings = make(map[int]decimal.Decimal)
	}
	n.Earnings[level] = amount
	n.EarningsTotal = n.EarningsTotal.Add(amount)
}

// MarkBlocked records level as withheld. It reports false when the level was
// already blocked or completed.
func (n *Node) MarkBlocked(level int) bool {
	if n.Completed(level) || n.Blocked(level) {
		return false
	}
	n.BlockedLevels = insertSorted(n.BlockedLevels, level)
	return true
}

// Clone returns a deep copy of n.
func (n Node) Clone() Node {
	n.CompletedLevels = append([]int(nil), n.CompletedLevels...)
	n.BlockedLevels = append([]int(nil), n.BlockedLevels...)
	if n.Earnings != nil {
		earnings := make(map[int]decimal.Decimal, len(n.Earnings))
		for k, v := range n.Earnings {
			earnings[k] = v
		}
		n.Earnings = earnings
	}
	return n
}

func contains(levels []int, level int) bool {
	i := sort.SearchInts(levels, level)
	return i < len(levels) && levels[i] == level
}

func insertSorted(levels []int, level int) []int {
	i := sort.SearchInts(levels, level)
	levels = append(levels, 0)
	copy(levels[i+1:], levels[i:])
	levels[i] = level
	return levels
}

func remove(levels []int, level int) []int {
	i := sort.SearchInts(levels, level)
	if i < len(levels) && levels[i] == level {
		return append(levels[:i], levels[i+1:]...)
	}
	return levels
}
