package tree

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/autopool/internal/apperr"
)

func seed(t *testing.T, r *MemoryRepository, treeID string, positions ...int64) {
	t.Helper()
	ctx := context.Background()
	for _, p := range positions {
		_, err := r.Create(ctx, Node{
			TreeID:         treeID,
			Position:       p,
			AccountID:      "acct-" + decimal.NewFromInt(p).String(),
			ParentPosition: ParentOf(p),
			Status:         StatusActive,
			CreatedAt:      time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("create %d: %v", p, err)
		}
		if p > 1 {
			side := Left
			if p%2 == 1 {
				side = Right
			}
			if err := r.LinkChild(ctx, treeID, ParentOf(p), side, p); err != nil {
				t.Fatalf("link %d: %v", p, err)
			}
		}
	}
}

func TestPositionArithmetic(t *testing.T) {
	if ParentOf(1) != 0 || ParentOf(6) != 3 || ParentOf(7) != 3 {
		t.Fatalf("unexpected parent arithmetic")
	}
	if LeftOf(3) != 6 || RightOf(3) != 7 || ChildOf(2, Right) != 5 {
		t.Fatalf("unexpected child arithmetic")
	}
}

func TestFindNodesWithOpenSlotOrdersByPosition(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	seed(t, r, "hybrid", 1, 2, 3, 6)

	open, err := r.FindNodesWithOpenSlot(ctx, "hybrid", 10)
	if err != nil {
		t.Fatalf("open slots: %v", err)
	}
	var got []int64
	for _, n := range open {
		got = append(got, n.Position)
	}
	want := []int64{2, 3, 6}
	if len(got) != len(want) {
		t.Fatalf("expected %v got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v got %v", want, got)
		}
	}

	highest, _ := r.HighestPosition(ctx, "hybrid")
	if highest != 6 {
		t.Fatalf("expected highest 6 got %d", highest)
	}
	empty, _ := r.HighestPosition(ctx, "other")
	if empty != 0 {
		t.Fatalf("expected 0 for empty tree, got %d", empty)
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	seed(t, r, "hybrid", 1)

	_, err := r.Create(ctx, Node{TreeID: "hybrid", Position: 1, AccountID: "someone-else"})
	if !errors.Is(err, apperr.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict for taken position, got %v", err)
	}
	_, err = r.Create(ctx, Node{TreeID: "hybrid", Position: 2, AccountID: "acct-1"})
	if !errors.Is(err, apperr.ErrAlreadyPlaced) {
		t.Fatalf("expected already placed, got %v", err)
	}
	// same account in another tree is fine
	if _, err := r.Create(ctx, Node{TreeID: "autopool", Position: 1, AccountID: "acct-1"}); err != nil {
		t.Fatalf("create in second tree: %v", err)
	}
}

func TestLinkChildRefusesFilledSlot(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	seed(t, r, "hybrid", 1, 2)

	if err := r.LinkChild(ctx, "hybrid", 1, Left, 2); !errors.Is(err, apperr.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUpdateAndSnapshotRestore(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	seed(t, r, "hybrid", 1, 2, 3)

	restore := r.Snapshot()

	root, _ := r.FindByPosition(ctx, "hybrid", 1)
	root.Level = 1
	root.MarkCompleted(1, decimal.NewFromInt(1))
	if err := r.Update(ctx, root); err != nil {
		t.Fatalf("update: %v", err)
	}
	seed(t, r, "hybrid", 4)

	got, _ := r.FindByPosition(ctx, "hybrid", 1)
	if got.Level != 1 || !got.Completed(1) || !got.EarningsTotal.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("update not persisted: %+v", got)
	}

	restore()

	got, _ = r.FindByPosition(ctx, "hybrid", 1)
	if got.Level != 0 || got.Completed(1) {
		t.Fatalf("snapshot not restored: %+v", got)
	}
	if _, err := r.FindByPosition(ctx, "hybrid", 4); !errors.Is(err, apperr.ErrNodeNotFound) {
		t.Fatalf("expected node 4 to be rolled back, got %v", err)
	}
}

func TestSubtreeAndCounts(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	seed(t, r, "hybrid", 1, 2, 3, 4, 5)

	nodes, err := r.Subtree(ctx, "hybrid", 2, 1)
	if err != nil {
		t.Fatalf("subtree: %v", err)
	}
	if len(nodes) != 3 || nodes[0].Position != 2 {
		t.Fatalf("unexpected subtree %+v", nodes)
	}

	n, _ := r.CountByAccountSince(ctx, "acct-3", time.Now().Add(-time.Hour))
	if n != 1 {
		t.Fatalf("expected 1 placement today, got %d", n)
	}
	n, _ = r.CountByAccountSince(ctx, "acct-3", time.Now().Add(time.Hour))
	if n != 0 {
		t.Fatalf("expected 0 placements after now, got %d", n)
	}
}

func TestNodeLevelBookkeeping(t *testing.T) {
	var n Node
	if !n.MarkBlocked(5) {
		t.Fatalf("expected first block to register")
	}
	if n.MarkBlocked(5) {
		t.Fatalf("expected repeated block to be ignored")
	}
	n.MarkCompleted(5, decimal.NewFromInt(16))
	if n.Blocked(5) || !n.Completed(5) {
		t.Fatalf("completion must clear the block: %+v", n)
	}
	if n.MarkBlocked(5) {
		t.Fatalf("completed levels cannot be blocked")
	}
	n.MarkCompleted(2, decimal.NewFromInt(2))
	if n.CompletedLevels[0] != 2 || n.CompletedLevels[1] != 5 {
		t.Fatalf("expected sorted levels, got %v", n.CompletedLevels)
	}
	if !n.EarningsTotal.Equal(decimal.NewFromInt(18)) {
		t.Fatalf("expected total 18, got %s", n.EarningsTotal)
	}
}
