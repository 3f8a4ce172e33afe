package wallet

import (
	"context"
	"time"

	"github.com/congo-pay/autopool/internal/apperr"
	"github.com/congo-pay/autopool/internal/ledger"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Service exposes the read side of the ledger and operator transitions.
type Service struct {
	ledger *ledger.Service
}

// NewService builds a wallet service instance.
func NewService(l *ledger.Service) *Service {
	return &Service{ledger: l}
}

// Balances returns the current balances of accountID.
func (s *Service) Balances(ctx context.Context, accountID string) (Balances, error) {
	w, err := s.ledger.Wallet(ctx, accountID)
	if err != nil {
		return Balances{}, err
	}
	return Balances{
		AccountID: w.AccountID,
		USDT:      w.USDT,
		Autopool:  w.Autopool,
		Utility:   w.Utility,
		Hybrid:    w.Hybrid,
		AsOf:      time.Now().UTC(),
	}, nil
}

// History returns one page of accountID's records, newest first.
func (s *Service) History(ctx context.Context, accountID string, q HistoryQuery) (Page, error) {
	if q.Balance != "" && !q.Balance.Valid() {
		return Page{}, apperr.Validation("balance", "unknown balance %q", q.Balance)
	}
	if q.Status != "" && !q.Status.Valid() {
		return Page{}, apperr.Validation("status", "unknown status %q", q.Status)
	}
	if q.Offset < 0 {
		return Page{}, apperr.Validation("offset", "must not be negative")
	}
	switch {
	case q.Limit <= 0:
		q.Limit = defaultPageSize
	case q.Limit > maxPageSize:
		q.Limit = maxPageSize
	}

	items, total, err := s.ledger.History(ctx, ledger.Filter{
		AccountID:    accountID,
		Balance:      q.Balance,
		Status:       q.Status,
		RemarkPrefix: q.RemarkPrefix,
		Limit:        q.Limit,
		Offset:       q.Offset,
	})
	if err != nil {
		return Page{}, err
	}
	return Page{Items: items, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

// Transition changes the status of a record on behalf of an operator.
func (s *Service) Transition(ctx context.Context, id string, input ledger.TransitionInput) (ledger.Transaction, error) {
	return s.ledger.Transition(ctx, id, input)
}
