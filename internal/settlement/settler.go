package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/congo-pay/autopool/internal/resilience"
)

// ErrNotAttempted means the transfer was never sent, so the withdrawal can
// stay pending and be retried later.
var ErrNotAttempted = errors.New("transfer not attempted")

// Transfer is one outbound token payment.
type Transfer struct {
	WithdrawalID string
	AccountID    string
	ToAddress    string
	Tokens       decimal.Decimal
	Rate         decimal.Decimal
}

// Receipt confirms a transfer.
type Receipt struct {
	TxHash      string
	FromAddress string
}

// Settler moves tokens to an external address.
type Settler interface {
	Transfer(ctx context.Context, t Transfer) (Receipt, error)
}

// HTTPSettler posts transfers to a payout gateway.
type HTTPSettler struct {
	url    string
	client *http.Client
}

// NewHTTPSettler builds a gateway client for url.
func NewHTTPSettler(url string, client *http.Client) *HTTPSettler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSettler{url: url, client: client}
}

type transferRequest struct {
	WithdrawalID string `json:"withdrawal_id"`
	AccountID    string `json:"account_id"`
	ToAddress    string `json:"to_address"`
	Amount       string `json:"amount"`
	Rate         string `json:"rate"`
}

type transferResponse struct {
	TxHash      string `json:"tx_hash"`
	FromAddress string `json:"from_address"`
	Error       string `json:"error"`
}

func (s *HTTPSettler) Transfer(ctx context.Context, t Transfer) (Receipt, error) {
	body, err := json.Marshal(transferRequest{
		WithdrawalID: t.WithdrawalID,
		AccountID:    t.AccountID,
		ToAddress:    t.ToAddress,
		Amount:       t.Tokens.String(),
		Rate:         t.Rate.String(),
	})
	if err != nil {
		return Receipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrNotAttempted, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", t.WithdrawalID)

	resp, err := s.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("post transfer: %w", err)
	}
	defer resp.Body.Close()

	var out transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && resp.StatusCode < 300 {
		return Receipt{}, fmt.Errorf("decode transfer response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return Receipt{}, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, out.Error)
	}
	if out.TxHash == "" {
		return Receipt{}, errors.New("gateway returned no transaction hash")
	}
	return Receipt{TxHash: out.TxHash, FromAddress: out.FromAddress}, nil
}

// Guard wraps inner with a per-call timeout, a pacing limiter and a circuit
// breaker. Calls refused by the limiter or an open breaker fail with
// ErrNotAttempted.
func Guard(inner Settler, timeout time.Duration, perSecond float64) Settler {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &guarded{
		inner:   inner,
		breaker: resilience.NewCircuitBreaker("settlement"),
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		timeout: timeout,
	}
}

type guarded struct {
	inner   Settler
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	timeout time.Duration
}

func (g *guarded) Transfer(ctx context.Context, t Transfer) (Receipt, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrNotAttempted, err)
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.Transfer(ctx, t)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Receipt{}, fmt.Errorf("%w: %v", ErrNotAttempted, err)
	}
	if err != nil {
		return Receipt{}, err
	}
	return out.(Receipt), nil
}

// Unconfigured refuses every transfer without attempting it, leaving
// withdrawals pending for an operator to settle by hand.
type Unconfigured struct{}

// Transfer always returns ErrNotAttempted.
func (Unconfigured) Transfer(context.Context, Transfer) (Receipt, error) {
	return Receipt{}, fmt.Errorf("%w: no settlement gateway configured", ErrNotAttempted)
}
