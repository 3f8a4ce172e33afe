package placement

import (
	"context"
	"errors"
	"fmt"

	"github.com/congo-pay/autopool/internal/account"
	"github.com/congo-pay/autopool/internal/apperr"
	"github.com/congo-pay/autopool/internal/plan"
	"github.com/congo-pay/autopool/internal/tree"
)

// Rule names the branch that chose a position.
type Rule string

const (
	RuleRoot         Rule = "root"
	RuleSequential   Rule = "sequential"
	RuleSponsorLeft  Rule = "sponsor_left"
	RuleSponsorRight Rule = "sponsor_right"
)

// Decision is where a new entrant attaches.
type Decision struct {
	Position       int64
	ParentPosition int64
	Side           tree.Side
	Rule           Rule
}

// Locator picks positions. It only reads the tree; callers hold the tree
// lock for the whole unit of work.
type Locator struct {
	nodes tree.Repository
}

// NewLocator builds a Locator over nodes.
func NewLocator(nodes tree.Repository) *Locator {
	return &Locator{nodes: nodes}
}

// Locate returns the position for entrant in treeKey.
func (l *Locator) Locate(ctx context.Context, tp plan.Tree, treeKey string, entrant account.Account) (Decision, error) {
	if tp.Fill == plan.FillSponsorPriority && entrant.SponsorID != "" {
		d, ok, err := l.underSponsor(ctx, treeKey, entrant.SponsorID)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			return d, nil
		}
	}
	return l.sequential(ctx, treeKey)
}

// underSponsor seats the sponsor's 3rd direct referral in its left slot and
// the 4th in its right slot when that slot is open.
func (l *Locator) underSponsor(ctx context.Context, treeKey, sponsorID string) (Decision, bool, error) {
	sponsor, err := l.nodes.FindByAccount(ctx, treeKey, sponsorID)
	if errors.Is(err, apperr.ErrNodeNotFound) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, err
	}

	placed, err := l.nodes.CountBySponsor(ctx, treeKey, sponsorID)
	if err != nil {
		return Decision{}, false, err
	}

	switch ordinal := placed + 1; {
	case ordinal == 3 && sponsor.LeftChild == 0:
		return Decision{
			Position:       tree.LeftOf(sponsor.Position),
			ParentPosition: sponsor.Position,
			Side:           tree.Left,
			Rule:           RuleSponsorLeft,
		}, true, nil
	case ordinal == 4 && sponsor.RightChild == 0:
		return Decision{
			Position:       tree.RightOf(sponsor.Position),
			ParentPosition: sponsor.Position,
			Side:           tree.Right,
			Rule:           RuleSponsorRight,
		}, true, nil
	}
	return Decision{}, false, nil
}

func (l *Locator) sequential(ctx context.Context, treeKey string) (Decision, error) {
	open, err := l.nodes.FindNodesWithOpenSlot(ctx, treeKey, 1)
	if err != nil {
		return Decision{}, err
	}
	if len(open) == 0 {
		highest, err := l.nodes.HighestPosition(ctx, treeKey)
		if err != nil {
			return Decision{}, err
		}
		if highest > 0 {
			return Decision{}, fmt.Errorf("tree %s has %d as highest position but no open slot: %w", treeKey, highest, apperr.ErrTreeCorrupt)
		}
		return Decision{Position: 1, Rule: RuleRoot}, nil
	}

	parent := open[0]
	side := tree.Left
	if parent.LeftChild != 0 {
		side = tree.Right
	}
	return Decision{
		Position:       tree.ChildOf(parent.Position, side),
		ParentPosition: parent.Position,
		Side:           side,
		Rule:           RuleSequential,
	}, nil
}
