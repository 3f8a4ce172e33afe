package tree

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/congo-pay/autopool/internal/apperr"
)

type memoryTree struct {
	byPosition map[int64]Node
	byAccount  map[string]int64
}

// MemoryRepository is an in-memory tree store for tests and development.
type MemoryRepository struct {
	mu    sync.RWMutex
	trees map[string]*memoryTree
	seq   int64
}

// NewMemoryRepository builds an empty in-memory tree store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{trees: make(map[string]*memoryTree)}
}

func (r *MemoryRepository) Snapshot() func() {
	r.mu.RLock()
	saved := make(map[string]*memoryTree, len(r.trees))
	for id, t := range r.trees {
		cp := &memoryTree{
			byPosition: make(map[int64]Node, len(t.byPosition)),
			byAccount:  make(map[string]int64, len(t.byAccount)),
		}
		for p, n := range t.byPosition {
			cp.byPosition[p] = n.Clone()
		}
		for a, p := range t.byAccount {
			cp.byAccount[a] = p
		}
		saved[id] = cp
	}
	seq := r.seq
	r.mu.RUnlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.trees = saved
		r.seq = seq
	}
}

// Lock is a no-op; the MemoryTransactor already serialises units of work.
func (r *MemoryRepository) Lock(context.Context, string) error { return nil }

func (r *MemoryRepository) FindByPosition(_ context.Context, treeID string, position int64) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.trees[treeID]; ok {
		if n, ok := t.byPosition[position]; ok {
			return n.Clone(), nil
		}
	}
	return Node{}, fmt.Errorf("tree %s position %d: %w", treeID, position, apperr.ErrNodeNotFound)
}

func (r *MemoryRepository) FindByAccount(_ context.Context, treeID, accountID string) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.trees[treeID]; ok {
		if p, ok := t.byAccount[accountID]; ok {
			return t.byPosition[p].Clone(), nil
		}
	}
	return Node{}, fmt.Errorf("tree %s account %s: %w", treeID, accountID, apperr.ErrNodeNotFound)
}

func (r *MemoryRepository) FindNodesWithOpenSlot(_ context.Context, treeID string, limit int) ([]Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trees[treeID]
	if !ok {
		return nil, nil
	}
	var open []Node
	for _, n := range t.byPosition {
		if n.HasOpenSlot() {
			open = append(open, n.Clone())
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].Position != open[j].Position {
			return open[i].Position < open[j].Position
		}
		return open[i].Seq < open[j].Seq
	})
	if limit <= 0 {
		limit = 1
	}
	if len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}

func (r *MemoryRepository) HighestPosition(_ context.Context, treeID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var highest int64
	if t, ok := r.trees[treeID]; ok {
		for p := range t.byPosition {
			if p > highest {
				highest = p
			}
		}
	}
	return highest, nil
}

func (r *MemoryRepository) Create(_ context.Context, node Node) (Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trees[node.TreeID]
	if !ok {
		t = &memoryTree{byPosition: make(map[int64]Node), byAccount: make(map[string]int64)}
		r.trees[node.TreeID] = t
	}
	if _, taken := t.byAccount[node.AccountID]; taken {
		return Node{}, fmt.Errorf("tree %s account %s: %w", node.TreeID, node.AccountID, apperr.ErrAlreadyPlaced)
	}
	if _, taken := t.byPosition[node.Position]; taken {
		return Node{}, fmt.Errorf("tree %s position %d taken: %w", node.TreeID, node.Position, apperr.ErrConcurrencyConflict)
	}
	r.seq++
	node.Seq = r.seq
	node.UpdatedAt = node.CreatedAt
	t.byPosition[node.Position] = node.Clone()
	t.byAccount[node.AccountID] = node.Position
	return node, nil
}

func (r *MemoryRepository) LinkChild(_ context.Context, treeID string, parent int64, side Side, child int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trees[treeID]
	if !ok {
		return fmt.Errorf("tree %s position %d: %w", treeID, parent, apperr.ErrNodeNotFound)
	}
	n, ok := t.byPosition[parent]
	if !ok {
		return fmt.Errorf("tree %s position %d: %w", treeID, parent, apperr.ErrNodeNotFound)
	}
	slot := &n.LeftChild
	if side == Right {
		slot = &n.RightChild
	}
	if *slot != 0 {
		return fmt.Errorf("tree %s position %d %s slot: %w", treeID, parent, side, apperr.ErrConcurrencyConflict)
	}
	*slot = child
	n.UpdatedAt = time.Now().UTC()
	t.byPosition[parent] = n
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, node Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trees[node.TreeID]
	if !ok {
		return fmt.Errorf("tree %s position %d: %w", node.TreeID, node.Position, apperr.ErrNodeNotFound)
	}
	stored, ok := t.byPosition[node.Position]
	if !ok {
		return fmt.Errorf("tree %s position %d: %w", node.TreeID, node.Position, apperr.ErrNodeNotFound)
	}
	stored.Level = node.Level
	stored.CompletedLevels = append([]int(nil), node.CompletedLevels...)
	stored.BlockedLevels = append([]int(nil), node.BlockedLevels...)
	stored.DirectReferrals = node.DirectReferrals
	stored.Earnings = node.Clone().Earnings
	stored.EarningsTotal = node.EarningsTotal
	stored.Status = node.Status
	stored.UpdatedAt = node.UpdatedAt
	t.byPosition[node.Position] = stored
	return nil
}

func (r *MemoryRepository) CountBySponsor(_ context.Context, treeID, sponsorID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	if t, ok := r.trees[treeID]; ok {
		for _, node := range t.byPosition {
			if node.SponsorID == sponsorID {
				n++
			}
		}
	}
	return n, nil
}

func (r *MemoryRepository) CountByAccountSince(_ context.Context, accountID string, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.trees {
		if p, ok := t.byAccount[accountID]; ok && !t.byPosition[p].CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) Subtree(_ context.Context, treeID string, root int64, depth int) ([]Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trees[treeID]
	if !ok {
		return nil, nil
	}
	var out []Node
	frontier := []int64{root}
	for d := 0; d <= depth && len(frontier) > 0; d++ {
		var next []int64
		for _, p := range frontier {
			n, ok := t.byPosition[p]
			if !ok {
				continue
			}
			out = append(out, n.Clone())
			if n.LeftChild != 0 {
				next = append(next, n.LeftChild)
			}
			if n.RightChild != 0 {
				next = append(next, n.RightChild)
			}
		}
		frontier = next
	}
	return out, nil
}

func (r *MemoryRepository) ListByAccount(_ context.Context, accountID string) ([]Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Node
	for _, t := range r.trees {
		if p, ok := t.byAccount[accountID]; ok {
			out = append(out, t.byPosition[p].Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
