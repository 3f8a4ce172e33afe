package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/autopool/internal/apperr"
)

// Dispatcher periodically settles pending withdrawals.
type Dispatcher struct {
	service  *Service
	interval time.Duration
	batch    int
	workers  int
	logger   *slog.Logger
}

// NewDispatcher polls every interval. Zero values fall back to 15s batches
// of 50 settled by 4 workers.
func NewDispatcher(service *Service, interval time.Duration, logger *slog.Logger) *Dispatcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Dispatcher{service: service, interval: interval, batch: 50, workers: 4, logger: logger}
}

// Run blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("settlement round failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce settles one batch and returns how many withdrawals completed.
// Individual settlement failures are logged, not returned.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	pending, err := d.service.Pending(ctx, d.batch)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	done := make([]bool, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, txn := range pending {
		i, id := i, txn.ID
		g.Go(func() error {
			_, err := d.service.Settle(gctx, id)
			switch {
			case err == nil:
				done[i] = true
			case errors.Is(err, apperr.ErrSettlementFailed):
			case errors.Is(err, context.Canceled):
				return err
			default:
				d.logger.Warn("withdrawal not settled", slog.String("transaction_id", id), slog.String("error", err.Error()))
			}
			return nil
		})
	}
	err = g.Wait()

	settled := 0
	for _, ok := range done {
		if ok {
			settled++
		}
	}
	d.logger.Info("settlement round", slog.Int("pending", len(pending)), slog.Int("settled", settled))
	return settled, err
}
