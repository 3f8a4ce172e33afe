package storage

import (
	"context"
	"sync"
)

// Snapshotter is implemented by in-memory repositories that take part in a
// MemoryTransactor unit of work. Snapshot captures the current state and
// returns a function restoring it.
type Snapshotter interface {
	Snapshot() (restore func())
}

// MemoryTransactor serialises units of work over in-memory repositories and
// restores every registered participant when fn fails.
type MemoryTransactor struct {
	mu           sync.Mutex
	participants []Snapshotter
}

// NewMemoryTransactor builds a transactor over the given participants.
func NewMemoryTransactor(participants ...Snapshotter) *MemoryTransactor {
	return &MemoryTransactor{participants: participants}
}

// Register adds a participant. It must be called before the first InTx.
func (m *MemoryTransactor) Register(p Snapshotter) {
	m.participants = append(m.participants, p)
}

// InTx implements Transactor.
func (m *MemoryTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if InTransaction(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	restores := make([]func(), 0, len(m.participants))
	for _, p := range m.participants {
		restores = append(restores, p.Snapshot())
	}
	rollback := func() {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
	}

	defer func() {
		if r := recover(); r != nil {
			rollback()
			panic(r)
		}
	}()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		rollback()
		return err
	}
	return nil
}
