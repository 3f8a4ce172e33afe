// Package placement seats accounts in incentive trees and triggers the bonus
// walk that follows every insertion.
package placement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/congo-pay/autopool/internal/account"
	"github.com/congo-pay/autopool/internal/apperr"
	"github.com/congo-pay/autopool/internal/bonus"
	"github.com/congo-pay/autopool/internal/events"
	"github.com/congo-pay/autopool/internal/ledger"
	"github.com/congo-pay/autopool/internal/metrics"
	"github.com/congo-pay/autopool/internal/plan"
	"github.com/congo-pay/autopool/internal/resilience"
	"github.com/congo-pay/autopool/internal/storage"
	"github.com/congo-pay/autopool/internal/tree"
)

var tracer = otel.Tracer("placement")

// MaxViewDepth bounds subtree views.
const MaxViewDepth = 6

// Accounts resolves entrants and their sponsors.
type Accounts interface {
	Get(ctx context.Context, id string) (account.Account, error)
	CountDirectReferrals(ctx context.Context, id string) (int, error)
}

// Options tunes the placement unit of work.
type Options struct {
	// DailyLimit caps placements per account per UTC calendar day across all
	// trees. Zero disables the cap.
	DailyLimit   int
	MaxRetries   int
	RetryBackoff time.Duration
}

// Deps aggregates the collaborators of Service.
type Deps struct {
	Plan     plan.Plan
	Accounts Accounts
	Nodes    tree.Repository
	Ledger   bonus.Ledger
	Engine   *bonus.Engine
	Tx       storage.Transactor
	Events   *events.Dispatcher
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// PlaceRequest asks for accountID to enter Tree, paying the entry fee from
// FeeBalance (the tree's first fee balance when empty).
type PlaceRequest struct {
	Tree       string
	AccountID  string
	FeeBalance ledger.BalanceName
}

// Result describes a committed placement.
type Result struct {
	Tree               string
	TreeKey            string
	AccountID          string
	Position           int64
	ParentPosition     int64
	Rule               Rule
	Level              int
	PaidLevels         []int
	BlockedLevels      []int
	Payouts            []bonus.Payout
	Blocks             []bonus.Block
	EntryTransactionID string
}

// Service runs placements.
type Service struct {
	plan     plan.Plan
	accounts Accounts
	nodes    tree.Repository
	ledger   bonus.Ledger
	engine   *bonus.Engine
	locator  *Locator
	tx       storage.Transactor
	events   *events.Dispatcher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
}

// NewService creates a new placement service.
func NewService(d Deps, opts Options) *Service {
	return &Service{
		plan:     d.Plan,
		accounts: d.Accounts,
		nodes:    d.Nodes,
		ledger:   d.Ledger,
		engine:   d.Engine,
		locator:  NewLocator(d.Nodes),
		tx:       d.Tx,
		events:   d.Events,
		metrics:  d.Metrics,
		logger:   d.Logger,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Place seats req.AccountID in req.Tree. Node creation, fee debit, parent
// reward and every bonus of the resulting walk commit together or not at
// all. Concurrency conflicts retry the whole unit of work.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (Result, error) {
	tp, err := s.plan.Tree(req.Tree)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(req.AccountID) == "" {
		return Result{}, apperr.Validation("account_id", "required")
	}
	if tp.EntryFee.IsPositive() {
		if req.FeeBalance == "" {
			req.FeeBalance = tp.FeeBalances[0]
		}
		if !tp.AcceptsFeeFrom(req.FeeBalance) {
			return Result{}, apperr.Validation("balance", "tree %s does not accept fees from %q", tp.ID, req.FeeBalance)
		}
	}

	ctx, span := tracer.Start(ctx, "placement.Place", trace.WithAttributes(
		attribute.String("tree", tp.ID),
		attribute.String("account.id", req.AccountID),
	))
	defer span.End()

	started := time.Now()
	attempt := 0
	var res Result
	err = resilience.RetryWithBackoff(ctx, resilience.Config{
		MaxRetries:     s.opts.MaxRetries,
		InitialBackoff: s.opts.RetryBackoff,
		Retryable:      func(err error) bool { return errors.Is(err, apperr.ErrConcurrencyConflict) },
	}, func() error {
		attempt++
		if attempt > 1 {
			s.metrics.PlacementRetried(tp.ID)
			s.logger.Debug("placement retry", slog.String("tree", tp.ID), slog.Int("attempt", attempt))
		}
		var err error
		res, err = s.place(ctx, tp, req)
		return err
	})

	if err != nil {
		s.metrics.ObservePlacement(tp.ID, "", apperr.Code(err), time.Since(started))
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Code(err))
		s.logger.Warn("placement failed",
			slog.String("tree", tp.ID),
			slog.String("account_id", req.AccountID),
			slog.Int("attempts", attempt),
			slog.String("error", err.Error()),
		)
		return Result{}, err
	}

	s.metrics.ObservePlacement(tp.ID, string(res.Rule), "ok", time.Since(started))
	for _, p := range res.Payouts {
		s.metrics.LevelPaid(tp.ID, p.Level)
	}
	for _, b := range res.Blocks {
		s.metrics.LevelBlocked(tp.ID, b.Level)
	}
	span.SetAttributes(attribute.Int64("position", res.Position), attribute.String("rule", string(res.Rule)))
	s.events.Emit(ctx, placementEvents(res)...)

	s.logger.Info("account placed",
		slog.String("tree", res.TreeKey),
		slog.String("account_id", res.AccountID),
		slog.Int64("position", res.Position),
		slog.Int64("parent_position", res.ParentPosition),
		slog.String("rule", string(res.Rule)),
		slog.Int("paid", len(res.Payouts)),
		slog.Int("blocked", len(res.Blocks)),
	)
	return res, nil
}

func (s *Service) place(ctx context.Context, tp plan.Tree, req PlaceRequest) (Result, error) {
	var res Result
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		entrant, err := s.accounts.Get(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if entrant.Blocked() {
			return fmt.Errorf("account %s: %w", entrant.ID, apperr.ErrAccountBlocked)
		}
		treeKey, err := tp.Key(entrant.SponsorID)
		if err != nil {
			return err
		}

		// account first, then tree, so concurrent placements lock in one order
		if err := s.nodes.Lock(ctx, "account/"+entrant.ID); err != nil {
			return err
		}
		if err := s.nodes.Lock(ctx, treeKey); err != nil {
			return err
		}

		if _, err := s.nodes.FindByAccount(ctx, treeKey, entrant.ID); err == nil {
			return fmt.Errorf("account %s in %s: %w", entrant.ID, treeKey, apperr.ErrAlreadyPlaced)
		} else if !errors.Is(err, apperr.ErrNodeNotFound) {
			return err
		}

		now := s.now()
		if s.opts.DailyLimit > 0 {
			today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
			n, err := s.nodes.CountByAccountSince(ctx, entrant.ID, today)
			if err != nil {
				return err
			}
			if n >= s.opts.DailyLimit {
				return fmt.Errorf("account %s placed %d times today: %w", entrant.ID, n, apperr.ErrDailyLimitReached)
			}
		}

		decision, err := s.locator.Locate(ctx, tp, treeKey, entrant)
		if err != nil {
			return err
		}
		if capacity := tp.Capacity(); capacity > 0 && decision.Position >= capacity {
			return fmt.Errorf("tree %s position %d: %w", treeKey, decision.Position, apperr.ErrTreeFull)
		}

		res = Result{
			Tree:           tp.ID,
			TreeKey:        treeKey,
			AccountID:      entrant.ID,
			Position:       decision.Position,
			ParentPosition: decision.ParentPosition,
			Rule:           decision.Rule,
		}

		if tp.EntryFee.IsPositive() {
			fee, err := s.ledger.Apply(ctx, ledger.Entry{
				AccountID: entrant.ID,
				Amount:    tp.EntryFee.Neg(),
				Balance:   req.FeeBalance,
				Remark:    fmt.Sprintf("%s Entry - Position %d", tp.Name, decision.Position),
				Status:    ledger.StatusCompleted,
				Meta:      ledger.Meta{Data: map[string]any{"tree": treeKey, "position": decision.Position}},
			})
			if err != nil {
				return err
			}
			res.EntryTransactionID = fee.ID
		}

		referrals, err := s.accounts.CountDirectReferrals(ctx, entrant.ID)
		if err != nil {
			return err
		}
		node, err := s.nodes.Create(ctx, tree.Node{
			TreeID:          treeKey,
			Position:        decision.Position,
			AccountID:       entrant.ID,
			SponsorID:       entrant.SponsorID,
			ParentPosition:  decision.ParentPosition,
			DirectReferrals: referrals,
			Earnings:        map[int]decimal.Decimal{},
			EarningsTotal:   decimal.Zero,
			Status:          tree.StatusActive,
			CreatedAt:       now,
		})
		if err != nil {
			return err
		}
		res.Level = node.Level

		if decision.ParentPosition > 0 {
			if err := s.nodes.LinkChild(ctx, treeKey, decision.ParentPosition, decision.Side, decision.Position); err != nil {
				return err
			}
			if err := s.rewardParent(ctx, tp, treeKey, decision); err != nil {
				return err
			}
		}

		outcome, err := s.engine.Walk(ctx, tp, treeKey, decision.Position)
		if err != nil {
			return err
		}
		if entrant.SponsorID != "" {
			catchUp, err := s.engine.Reevaluate(ctx, tp, treeKey, entrant.SponsorID)
			if err != nil {
				return err
			}
			outcome.Merge(catchUp)
		}

		res.Payouts = outcome.Paid
		res.Blocks = outcome.Blocked
		res.PaidLevels = paidLevels(outcome.Paid)
		res.BlockedLevels = blockedLevels(outcome.Blocked)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (s *Service) rewardParent(ctx context.Context, tp plan.Tree, treeKey string, d Decision) error {
	if !tp.ParentReward.IsPositive() {
		return nil
	}
	parent, err := s.nodes.FindByPosition(ctx, treeKey, d.ParentPosition)
	if err != nil {
		return err
	}
	_, err = s.ledger.Apply(ctx, ledger.Entry{
		AccountID: parent.AccountID,
		Amount:    tp.ParentReward,
		Balance:   tp.ParentRewardBalance,
		Remark:    fmt.Sprintf("%s Reward from Position %d", tp.Name, d.Position),
		Status:    ledger.StatusCompleted,
		Meta:      ledger.Meta{Data: map[string]any{"tree": treeKey, "position": d.Position, "parent_position": d.ParentPosition}},
	})
	return err
}

// Subtree returns the nodes of treeID (scoped to sponsorID for sponsor
// trees) below root, down to depth levels.
func (s *Service) Subtree(ctx context.Context, treeID, sponsorID string, root int64, depth int) ([]tree.Node, error) {
	tp, err := s.plan.Tree(treeID)
	if err != nil {
		return nil, err
	}
	treeKey, err := tp.Key(sponsorID)
	if err != nil {
		return nil, err
	}
	if root <= 0 {
		root = 1
	}
	if depth < 0 || depth > MaxViewDepth {
		return nil, apperr.Validation("depth", "must be between 0 and %d", MaxViewDepth)
	}
	nodes, err := s.nodes.Subtree(ctx, treeKey, root, depth)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("tree %s position %d: %w", treeKey, root, apperr.ErrNodeNotFound)
	}
	return nodes, nil
}

// TreeStats summarises one membership of an account.
type TreeStats struct {
	Tree            string
	TreeKey         string
	Position        int64
	Level           int
	CompletedLevels []int
	BlockedLevels   []int
	DirectReferrals int
	Earnings        decimal.Decimal
	JoinedAt        time.Time
}

// Stats summarises every membership of an account.
type Stats struct {
	AccountID    string
	Entries      int
	Investment   decimal.Decimal
	Earnings     decimal.Decimal
	HighestLevel int
	Trees        []TreeStats
}

// Stats aggregates the nodes held by accountID across all trees.
func (s *Service) Stats(ctx context.Context, accountID string) (Stats, error) {
	if _, err := s.accounts.Get(ctx, accountID); err != nil {
		return Stats{}, err
	}
	nodes, err := s.nodes.ListByAccount(ctx, accountID)
	if err != nil {
		return Stats{}, err
	}

	out := Stats{AccountID: accountID, Investment: decimal.Zero, Earnings: decimal.Zero}
	for _, n := range nodes {
		treeID, _, _ := strings.Cut(n.TreeID, ":")
		if tp, err := s.plan.Tree(treeID); err == nil {
			out.Investment = out.Investment.Add(tp.EntryFee)
		}
		out.Entries++
		out.Earnings = out.Earnings.Add(n.EarningsTotal)
		if n.Level > out.HighestLevel {
			out.HighestLevel = n.Level
		}
		out.Trees = append(out.Trees, TreeStats{
			Tree:            treeID,
			TreeKey:         n.TreeID,
			Position:        n.Position,
			Level:           n.Level,
			CompletedLevels: n.CompletedLevels,
			BlockedLevels:   n.BlockedLevels,
			DirectReferrals: n.DirectReferrals,
			Earnings:        n.EarningsTotal,
			JoinedAt:        n.CreatedAt,
		})
	}
	return out, nil
}

func paidLevels(paid []bonus.Payout) []int {
	levels := make([]int, 0, len(paid))
	for _, p := range paid {
		levels = append(levels, p.Level)
	}
	return distinct(levels)
}

func blockedLevels(blocked []bonus.Block) []int {
	levels := make([]int, 0, len(blocked))
	for _, b := range blocked {
		levels = append(levels, b.Level)
	}
	return distinct(levels)
}

func distinct(levels []int) []int {
	sort.Ints(levels)
	out := levels[:0]
	for i, l := range levels {
		if i == 0 || l != levels[i-1] {
			out = append(out, l)
		}
	}
	return out
}

func placementEvents(res Result) []events.Event {
	out := []events.Event{events.New(events.KindPlacementCompleted, res.AccountID, map[string]any{
		"tree":            res.TreeKey,
		"position":        res.Position,
		"parent_position": res.ParentPosition,
		"rule":            string(res.Rule),
	})}
	for _, p := range res.Payouts {
		out = append(out, events.New(events.KindLevelPaid, p.AccountID, map[string]any{
			"tree":           res.TreeKey,
			"position":       p.Position,
			"level":          p.Level,
			"amount":         p.Amount.String(),
			"transaction_id": p.TransactionID,
		}))
	}
	for _, b := range res.Blocks {
		out = append(out, events.New(events.KindLevelBlocked, b.AccountID, map[string]any{
			"tree":     res.TreeKey,
			"position": b.Position,
			"level":    b.Level,
			"required": b.Required,
			"have":     b.Have,
		}))
	}
	return out
}
