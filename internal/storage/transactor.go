// Package storage provides the unit-of-work boundary shared by the ledger,
// the placement tree store and the account store. Repositories join the
// transaction carried by the context; callers open one with Transactor.InTx.
package storage

import "context"

// Transactor runs fn as one atomic unit of work. Nested calls join the
// outer unit instead of opening a new one.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type memTxKey struct{}

// InTransaction reports whether ctx already carries a unit of work.
func InTransaction(ctx context.Context) bool {
	if _, ok := ctx.Value(memTxKey{}).(bool); ok {
		return true
	}
	_, ok := txFromContext(ctx)
	return ok
}
