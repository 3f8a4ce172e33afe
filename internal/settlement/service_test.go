package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/autopool/internal/apperr"
	"github.com/congo-pay/autopool/internal/ledger"
	"github.com/congo-pay/autopool/internal/logging"
	"github.com/congo-pay/autopool/internal/metrics"
	"github.com/congo-pay/autopool/internal/rates"
	"github.com/congo-pay/autopool/internal/storage"
	"github.com/congo-pay/autopool/internal/tree"
)

const address = "0x5C28b3979609eF43A2C4B73257d540cd29d9C1F0"

type fakeSettler struct {
	mu    sync.Mutex
	calls []Transfer
	errs  []error
}

func (f *fakeSettler) Transfer(_ context.Context, t Transfer) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, t)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return Receipt{}, err
		}
	}
	return Receipt{TxHash: fmt.Sprintf("0xhash%d", len(f.calls)), FromAddress: "0xtreasury"}, nil
}

type fixture struct {
	svc     *Service
	ledger  *ledger.Service
	repo    *ledger.MemoryRepository
	settler *fakeSettler
}

func newFixture(t *testing.T, provider rates.Provider) *fixture {
	t.Helper()
	repo := ledger.NewMemoryRepository()
	tx := storage.NewMemoryTransactor(repo)
	ledgerSvc := ledger.NewService(repo, tx, logging.Discard())
	settler := &fakeSettler{}
	svc := NewService(Deps{
		Ledger:  ledgerSvc,
		Tx:      tx,
		Locker:  tree.NewMemoryRepository(),
		Rates:   provider,
		Settler: settler,
		Metrics: metrics.New(),
		Logger:  logging.Discard(),
	})
	return &fixture{svc: svc, ledger: ledgerSvc, repo: repo, settler: settler}
}

func halfRate(t *testing.T) rates.Provider {
	t.Helper()
	p, err := rates.NewStatic("0.5")
	require.NoError(t, err)
	return p
}

func (f *fixture) wallet(t *testing.T, id string) ledger.Wallet {
	t.Helper()
	w, err := f.ledger.Wallet(context.Background(), id)
	require.NoError(t, err)
	return w
}

func (f *fixture) request(t *testing.T, id, amount string) ledger.Transaction {
	t.Helper()
	txn, err := f.svc.RequestWithdrawal(context.Background(), WithdrawalRequest{
		AccountID: id,
		Amount:    decimal.RequireFromString(amount),
		ToAddress: address,
	})
	require.NoError(t, err)
	return txn
}

func TestRequestWithdrawalValidation(t *testing.T) {
	f := newFixture(t, halfRate(t))
	ledger.SeedBalance(f.repo, "alice", ledger.BalanceUSDT, "100")
	ctx := context.Background()

	_, err := f.svc.RequestWithdrawal(ctx, WithdrawalRequest{AccountID: "alice", Amount: decimal.RequireFromString("9.99"), ToAddress: address})
	require.True(t, apperr.IsValidation(err))

	_, err = f.svc.RequestWithdrawal(ctx, WithdrawalRequest{AccountID: "alice", Amount: decimal.NewFromInt(10), ToAddress: "0x123"})
	require.True(t, apperr.IsValidation(err))

	_, err = f.svc.RequestWithdrawal(ctx, WithdrawalRequest{AccountID: "alice", Amount: decimal.NewFromInt(500), ToAddress: address})
	require.ErrorIs(t, err, apperr.ErrInsufficientBalance)
}

func TestRequestWithdrawalDebitsPending(t *testing.T) {
	f := newFixture(t, halfRate(t))
	ledger.SeedBalance(f.repo, "alice", ledger.BalanceUSDT, "100")

	txn := f.request(t, "alice", "20")
	require.Equal(t, ledger.StatusPending, txn.Status)
	require.Equal(t, address, txn.ToAddress)
	require.Equal(t, WithdrawalRemark, txn.Remark)
	require.True(t, f.wallet(t, "alice").USDT.Equal(decimal.NewFromInt(80)))

	_, err := f.svc.RequestWithdrawal(context.Background(), WithdrawalRequest{AccountID: "alice", Amount: decimal.NewFromInt(10), ToAddress: address})
	require.ErrorIs(t, err, apperr.ErrPendingWithdrawal)
}

func TestSettleCompletesAndCreditsBonuses(t *testing.T) {
	f := newFixture(t, halfRate(t))
	ledger.SeedBalance(f.repo, "alice", ledger.BalanceUSDT, "100")
	txn := f.request(t, "alice", "20")

	res, err := f.svc.Settle(context.Background(), txn.ID)
	require.NoError(t, err)
	require.True(t, res.Tokens.Equal(decimal.NewFromInt(34)), "tokens %s", res.Tokens)
	require.Equal(t, ledger.StatusCompleted, res.Withdrawal.Status)
	require.Equal(t, "0xhash1", res.Withdrawal.TxHash)
	require.Equal(t, "0xtreasury", res.Withdrawal.FromAddress)

	require.Len(t, f.settler.calls, 1)
	require.Equal(t, address, f.settler.calls[0].ToAddress)

	w := f.wallet(t, "alice")
	require.True(t, w.USDT.Equal(decimal.NewFromInt(80)))
	require.True(t, w.Utility.Equal(decimal.NewFromInt(1)))
	require.True(t, w.Autopool.Equal(decimal.NewFromInt(1)))

	_, err = f.svc.RequestWithdrawal(context.Background(), WithdrawalRequest{AccountID: "alice", Amount: decimal.NewFromInt(10), ToAddress: address})
	require.ErrorIs(t, err, apperr.ErrDailyLimitReached)
}

func TestSettleFailureRefundsOnce(t *testing.T) {
	f := newFixture(t, halfRate(t))
	f.settler.errs = []error{errors.New("gateway exploded")}
	ledger.SeedBalance(f.repo, "alice", ledger.BalanceUSDT, "100")
	txn := f.request(t, "alice", "20")

	res, err := f.svc.Settle(context.Background(), txn.ID)
	require.ErrorIs(t, err, apperr.ErrSettlementFailed)
	require.Equal(t, ledger.StatusFailed, res.Withdrawal.Status)
	require.True(t, f.wallet(t, "alice").USDT.Equal(decimal.NewFromInt(100)))

	_, err = f.svc.Settle(context.Background(), txn.ID)
	require.True(t, apperr.IsValidation(err))
	require.True(t, f.wallet(t, "alice").USDT.Equal(decimal.NewFromInt(100)))

	f.request(t, "alice", "20")
}

func TestSettleNotAttemptedStaysPending(t *testing.T) {
	f := newFixture(t, halfRate(t))
	f.settler.errs = []error{fmt.Errorf("%w: breaker open", ErrNotAttempted)}
	ledger.SeedBalance(f.repo, "alice", ledger.BalanceUSDT, "100")
	txn := f.request(t, "alice", "20")
	ctx := context.Background()

	_, err := f.svc.Settle(ctx, txn.ID)
	require.ErrorIs(t, err, ErrNotAttempted)

	pending, err := f.svc.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, txn.ID, pending[0].ID)

	res, err := f.svc.Settle(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, res.Withdrawal.Status)
}

func TestSettleWithoutRateDefers(t *testing.T) {
	f := newFixture(t, rates.Static{})
	ledger.SeedBalance(f.repo, "alice", ledger.BalanceUSDT, "100")
	txn := f.request(t, "alice", "20")

	_, err := f.svc.Settle(context.Background(), txn.ID)
	require.ErrorIs(t, err, rates.ErrUnavailable)
	require.Empty(t, f.settler.calls)

	stored, err := f.ledger.Transaction(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, stored.Status)
	require.False(t, submitted(stored))
}

func TestSettleNotAttemptedReleasesClaim(t *testing.T) {
	f := newFixture(t, halfRate(t))
	f.settler.errs = []error{ErrNotAttempted}
	ledger.SeedBalance(f.repo, "alice", ledger.BalanceUSDT, "100")
	txn := f.request(t, "alice", "20")

	_, err := f.svc.Settle(context.Background(), txn.ID)
	require.ErrorIs(t, err, ErrNotAttempted)

	stored, err := f.ledger.Transaction(context.Background(), txn.ID)
	require.NoError(t, err)
	require.NotContains(t, stored.Metadata, submittedKey)
}

func TestDispatcherSettlesBatch(t *testing.T) {
	f := newFixture(t, halfRate(t))
	for _, id := range []string{"alice", "bob", "carol"} {
		ledger.SeedBalance(f.repo, id, ledger.BalanceUSDT, "50")
		f.request(t, id, "10")
	}

	d := NewDispatcher(f.svc, time.Second, logging.Discard())
	settled, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, settled)

	pending, err := f.svc.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestDispatcherReachesOldestPastStuckRecords(t *testing.T) {
	f := newFixture(t, halfRate(t))
	ctx := context.Background()
	ledger.SeedBalance(f.repo, "alice", ledger.BalanceUSDT, "50")
	oldest := f.request(t, "alice", "10")

	for _, id := range []string{"bob", "carol"} {
		ledger.SeedBalance(f.repo, id, ledger.BalanceUSDT, "50")
		stuck := f.request(t, id, "10")
		_, err := f.ledger.Transition(ctx, stuck.ID, ledger.TransitionInput{
			Status: ledger.StatusPending,
			Data:   map[string]any{submittedKey: "2026-01-01T00:00:00Z"},
		})
		require.NoError(t, err)
	}

	d := NewDispatcher(f.svc, time.Second, logging.Discard())
	d.batch = 2
	settled, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, settled)

	stored, err := f.ledger.Transaction(ctx, oldest.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, stored.Status)
	require.Len(t, f.settler.calls, 1)
	require.Equal(t, oldest.ID, f.settler.calls[0].WithdrawalID)
}

func TestPendingOldestFirst(t *testing.T) {
	f := newFixture(t, halfRate(t))
	var want []string
	for _, id := range []string{"alice", "bob", "carol"} {
		ledger.SeedBalance(f.repo, id, ledger.BalanceUSDT, "50")
		want = append(want, f.request(t, id, "10").ID)
	}

	pending, err := f.svc.Pending(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, want[0], pending[0].ID)
	require.Equal(t, want[1], pending[1].ID)
}

// rendezvousRate holds every caller until n of them have read the record.
type rendezvousRate struct {
	arrived sync.WaitGroup
}

func newRendezvousRate(n int) *rendezvousRate {
	r := &rendezvousRate{}
	r.arrived.Add(n)
	return r
}

func (r *rendezvousRate) Rate(context.Context) (decimal.Decimal, error) {
	r.arrived.Done()
	r.arrived.Wait()
	return decimal.RequireFromString("0.5"), nil
}

func TestSettleAcrossInstancesPaysOnce(t *testing.T) {
	rate := newRendezvousRate(2)
	f := newFixture(t, rate)
	ledger.SeedBalance(f.repo, "alice", ledger.BalanceUSDT, "100")
	txn := f.request(t, "alice", "20")

	// a second process over the same ledger does not share the inflight map
	other := NewService(Deps{
		Ledger:  f.ledger,
		Tx:      f.svc.tx,
		Locker:  f.svc.locker,
		Rates:   rate,
		Settler: f.settler,
		Metrics: metrics.New(),
		Logger:  logging.Discard(),
	})

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, svc := range []*Service{f.svc, other} {
		wg.Add(1)
		go func(i int, svc *Service) {
			defer wg.Done()
			_, errs[i] = svc.Settle(context.Background(), txn.ID)
		}(i, svc)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.IsValidation(err):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, rejected)
	require.Len(t, f.settler.calls, 1)

	w := f.wallet(t, "alice")
	require.True(t, w.USDT.Equal(decimal.NewFromInt(80)))
	require.True(t, w.Utility.Equal(decimal.NewFromInt(1)), "utility %s", w.Utility)
	require.True(t, w.Autopool.Equal(decimal.NewFromInt(1)), "autopool %s", w.Autopool)
}

func TestCompleteRejectsRecordFailedMeanwhile(t *testing.T) {
	f := newFixture(t, halfRate(t))
	ledger.SeedBalance(f.repo, "alice", ledger.BalanceUSDT, "100")
	txn := f.request(t, "alice", "20")
	ctx := context.Background()

	claimed, err := f.ledger.Transition(ctx, txn.ID, ledger.TransitionInput{
		Status: ledger.StatusPending,
		Data:   map[string]any{submittedKey: "2026-01-01T00:00:00Z"},
		Guard:  claimable,
	})
	require.NoError(t, err)

	// an operator fails the record while the transfer is in flight
	_, err = f.ledger.Transition(ctx, txn.ID, ledger.TransitionInput{Status: ledger.StatusFailed})
	require.NoError(t, err)

	_, err = f.svc.complete(ctx, claimed, Result{
		Rate:     decimal.RequireFromString("0.5"),
		Tokens:   decimal.NewFromInt(34),
		Utility:  decimal.NewFromInt(1),
		Autopool: decimal.NewFromInt(1),
	}, Receipt{TxHash: "0xlate"})
	require.ErrorIs(t, err, apperr.ErrConcurrencyConflict)

	w := f.wallet(t, "alice")
	require.True(t, w.USDT.Equal(decimal.NewFromInt(100)))
	require.True(t, w.Utility.IsZero())
	require.True(t, w.Autopool.IsZero())
}

type failingSettler struct{ calls int }

func (f *failingSettler) Transfer(context.Context, Transfer) (Receipt, error) {
	f.calls++
	return Receipt{}, errors.New("down")
}

func TestGuardOpensBreaker(t *testing.T) {
	inner := &failingSettler{}
	g := Guard(inner, time.Second, 1000)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := g.Transfer(ctx, Transfer{})
		require.Error(t, err)
		require.False(t, errors.Is(err, ErrNotAttempted))
	}
	_, err := g.Transfer(ctx, Transfer{})
	require.ErrorIs(t, err, ErrNotAttempted)
	require.Equal(t, 5, inner.calls)
}

func TestHTTPSettler(t *testing.T) {
	var got transferRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "w-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.ToAddress == "bad" {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"rejected"}`))
			return
		}
		_, _ = w.Write([]byte(`{"tx_hash":"0xabc","from_address":"0xfrom"}`))
	}))
	t.Cleanup(srv.Close)

	s := NewHTTPSettler(srv.URL, srv.Client())
	receipt, err := s.Transfer(context.Background(), Transfer{
		WithdrawalID: "w-1",
		AccountID:    "alice",
		ToAddress:    address,
		Tokens:       decimal.NewFromInt(34),
		Rate:         decimal.RequireFromString("0.5"),
	})
	require.NoError(t, err)
	require.Equal(t, Receipt{TxHash: "0xabc", FromAddress: "0xfrom"}, receipt)
	require.Equal(t, "34", got.Amount)

	_, err = s.Transfer(context.Background(), Transfer{WithdrawalID: "w-1", ToAddress: "bad"})
	require.ErrorContains(t, err, "502")
}
