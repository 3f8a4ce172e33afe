// Package bonus walks a placement tree upward after each insertion,
// recomputes ancestor levels and pays level bonuses through the ledger.
package bonus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/autopool/internal/apperr"
	"github.com/congo-pay/autopool/internal/ledger"
	"github.com/congo-pay/autopool/internal/plan"
	"github.com/congo-pay/autopool/internal/storage"
	"github.com/congo-pay/autopool/internal/tree"
)

// ReferralCounter returns how many accounts name accountID as their sponsor.
type ReferralCounter interface {
	CountDirectReferrals(ctx context.Context, accountID string) (int, error)
}

// Ledger records payouts.
type Ledger interface {
	Apply(ctx context.Context, entry ledger.Entry) (ledger.Transaction, error)
}

// Payout is a level bonus credited during a walk.
type Payout struct {
	AccountID     string
	Position      int64
	Level         int
	Amount        decimal.Decimal
	TransactionID string
}

// Block is a level bonus withheld for missing direct referrals.
type Block struct {
	AccountID     string
	Position      int64
	Level         int
	Required      int
	Have          int
	TransactionID string
}

// Outcome lists what a walk paid and withheld, in visiting order.
type Outcome struct {
	Paid    []Payout
	Blocked []Block
}

// Merge appends other to o.
func (o *Outcome) Merge(other Outcome) {
	o.Paid = append(o.Paid, other.Paid...)
	o.Blocked = append(o.Blocked, other.Blocked...)
}

// Engine runs bonus walks. Every method joins the unit of work carried by ctx
// or opens its own.
type Engine struct {
	nodes     tree.Repository
	ledger    Ledger
	referrals ReferralCounter
	tx        storage.Transactor
	logger    *slog.Logger
}

// NewEngine creates a new bonus engine.
func NewEngine(nodes tree.Repository, l Ledger, referrals ReferralCounter, tx storage.Transactor, logger *slog.Logger) *Engine {
	return &Engine{nodes: nodes, ledger: l, referrals: referrals, tx: tx, logger: logger}
}

// Walk visits the ancestors of the node at position from, nearest first, up
// to tp.WalkDepth of them. Each active ancestor has its level recomputed
// from its children and every newly reached level settled once.
func (e *Engine) Walk(ctx context.Context, tp plan.Tree, treeKey string, from int64) (Outcome, error) {
	var out Outcome
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		start, err := e.nodes.FindByPosition(ctx, treeKey, from)
		if err != nil {
			return err
		}

		childPos, childLevel := start.Position, start.Level
		pos := tree.ParentOf(from)
		for depth := 1; pos > 0 && depth <= tp.WalkDepth; depth++ {
			node, err := e.nodes.FindByPosition(ctx, treeKey, pos)
			if errors.Is(err, apperr.ErrNodeNotFound) {
				return fmt.Errorf("ancestor %d of %d missing in %s: %w", pos, from, treeKey, apperr.ErrTreeCorrupt)
			}
			if err != nil {
				return err
			}

			if node.Active() {
				level, err := e.levelOf(ctx, node, childPos, childLevel)
				if err != nil {
					return err
				}
				if err := e.visit(ctx, tp, &node, level, &out); err != nil {
					return err
				}
			}

			childPos, childLevel = node.Position, node.Level
			pos = tree.ParentOf(pos)
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// Reevaluate refreshes the referral count of accountID's node in treeKey and
// pays every blocked level it now qualifies for. An account without a node in
// the tree yields an empty outcome.
func (e *Engine) Reevaluate(ctx context.Context, tp plan.Tree, treeKey, accountID string) (Outcome, error) {
	var out Outcome
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		node, err := e.nodes.FindByAccount(ctx, treeKey, accountID)
		if errors.Is(err, apperr.ErrNodeNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !node.Active() {
			return nil
		}
		return e.visit(ctx, tp, &node, node.Level, &out)
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// levelOf derives the level of node from its children. The child at
// knownPos was just visited and its stored level may be stale in the
// repository, so knownLevel is used for it.
func (e *Engine) levelOf(ctx context.Context, node tree.Node, knownPos int64, knownLevel int) (int, error) {
	if node.LeftChild == 0 || node.RightChild == 0 {
		return 0, nil
	}
	left, err := e.childLevel(ctx, node, node.LeftChild, knownPos, knownLevel)
	if err != nil {
		return 0, err
	}
	right, err := e.childLevel(ctx, node, node.RightChild, knownPos, knownLevel)
	if err != nil {
		return 0, err
	}
	return 1 + min(left, right), nil
}

func (e *Engine) childLevel(ctx context.Context, parent tree.Node, pos, knownPos int64, knownLevel int) (int, error) {
	if pos == knownPos {
		return knownLevel, nil
	}
	child, err := e.nodes.FindByPosition(ctx, parent.TreeID, pos)
	if errors.Is(err, apperr.ErrNodeNotFound) {
		return 0, fmt.Errorf("child %d of %d missing in %s: %w", pos, parent.Position, parent.TreeID, apperr.ErrTreeCorrupt)
	}
	if err != nil {
		return 0, err
	}
	return child.Level, nil
}

// visit refreshes the referral snapshot of node, retries its blocked levels,
// raises its level to computed and settles the levels in between.
func (e *Engine) visit(ctx context.Context, tp plan.Tree, node *tree.Node, computed int, out *Outcome) error {
	have, err := e.referrals.CountDirectReferrals(ctx, node.AccountID)
	if err != nil {
		return fmt.Errorf("count referrals of %s: %w", node.AccountID, err)
	}
	node.DirectReferrals = have

	for _, level := range append([]int(nil), node.BlockedLevels...) {
		if err := e.settle(ctx, tp, node, level, out); err != nil {
			return err
		}
	}

	if computed > node.Level {
		previous := node.Level
		node.Level = computed
		for level := previous + 1; level <= computed; level++ {
			if err := e.settle(ctx, tp, node, level, out); err != nil {
				return err
			}
		}
	}

	node.UpdatedAt = time.Now().UTC()
	return e.nodes.Update(ctx, *node)
}

func (e *Engine) settle(ctx context.Context, tp plan.Tree, node *tree.Node, level int, out *Outcome) error {
	if node.Completed(level) {
		return nil
	}
	row, ok := tp.Levels.Get(level)
	if !ok {
		return nil
	}

	meta := ledger.Meta{Data: map[string]any{
		"tree":       node.TreeID,
		"position":   node.Position,
		"level":      level,
		"percentage": row.Percentage.String(),
	}}

	if node.DirectReferrals < row.DirectRequired {
		if !node.MarkBlocked(level) {
			return nil
		}
		txn, err := e.ledger.Apply(ctx, ledger.Entry{
			AccountID: node.AccountID,
			Amount:    decimal.Zero,
			Balance:   tp.PayoutBalance,
			Remark:    fmt.Sprintf("%s Level %d Bonus - BLOCKED (Need %d Direct Referrals)", tp.Name, level, row.DirectRequired),
			Status:    ledger.StatusBlocked,
			Meta:      meta,
		})
		if err != nil {
			return err
		}
		out.Blocked = append(out.Blocked, Block{
			AccountID:     node.AccountID,
			Position:      node.Position,
			Level:         level,
			Required:      row.DirectRequired,
			Have:          node.DirectReferrals,
			TransactionID: txn.ID,
		})
		e.logger.Info("level bonus blocked",
			slog.String("tree", node.TreeID),
			slog.Int64("position", node.Position),
			slog.Int("level", level),
			slog.Int("required", row.DirectRequired),
			slog.Int("have", node.DirectReferrals),
		)
		return nil
	}

	var txnID string
	if row.Amount.IsPositive() {
		txn, err := e.ledger.Apply(ctx, ledger.Entry{
			AccountID: node.AccountID,
			Amount:    row.Amount,
			Balance:   tp.PayoutBalance,
			Remark:    fmt.Sprintf("%s Level %d Bonus (Position: %d)", tp.Name, level, node.Position),
			Status:    ledger.StatusCompleted,
			Meta:      meta,
		})
		if err != nil {
			return err
		}
		txnID = txn.ID
	}
	node.MarkCompleted(level, row.Amount)
	out.Paid = append(out.Paid, Payout{
		AccountID:     node.AccountID,
		Position:      node.Position,
		Level:         level,
		Amount:        row.Amount,
		TransactionID: txnID,
	})
	e.logger.Info("level bonus paid",
		slog.String("tree", node.TreeID),
		slog.Int64("position", node.Position),
		slog.Int("level", level),
		slog.String("amount", row.Amount.String()),
	)
	return nil
}
