package boost

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/mkusnadi/go-ticket-ledger/internal/clock"
	"github.com/mkusnadi/go-ticket-ledger/internal/redisx"
)

type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	ListActive(ctx context.Context, limit int) ([]Allocation, error)
	GetForUpdate(ctx context.Context, id string) (Allocation, error)
	MarkActive(ctx context.Context, id string, at time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error)
	MarkDeactivated(ctx context.Context, id string, at time.Time) (bool, error)
	BudgetPaid(ctx context.Context, ownerID string) (bool, error)
	CreditBudget(ctx context.Context, ownerID string, cents int64) error
}

// Summary is the structured result of one expiry pass.
type Summary struct {
	Examined int      `json:"examined"`
	Expired  int      `json:"expired"`
	Errors   []string `json:"errors,omitempty"`
}

// Expirer moves active allocations to completed exactly at their computed
// expiry instant, and handles early deactivation with pro-rated refunds.
// Same sweep discipline as order reconciliation: per-item failures are
// recorded, never fatal to the pass.
type Expirer struct {
	store Store
	lock  *redisx.SweepLock
	clock clock.Clock
	batch int
	log   *zap.Logger
}

func NewExpirer(store Store, lock *redisx.SweepLock, clk clock.Clock, batch int, log *zap.Logger) *Expirer {
	if batch <= 0 {
		batch = 200
	}
	return &Expirer{store: store, lock: lock, clock: clk, batch: batch, log: log.Named("boost")}
}

// Activate turns a pending allocation on. The conditional transition makes
// double activation a no-op.
func (e *Expirer) Activate(ctx context.Context, id string) error {
	ok, err := e.store.MarkActive(ctx, id, e.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotPending
	}
	return nil
}

// Deactivate ends an active allocation early. The unspent portion of the
// interval is refunded pro-rata to the owner's budget, but only for owners
// on a paid plan; free-tier allocations get no refund.
func (e *Expirer) Deactivate(ctx context.Context, id string) (refunded int64, err error) {
	now := e.clock.Now()
	err = e.store.WithTx(ctx, func(txCtx context.Context) error {
		a, err := e.store.GetForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		if a.Status != StatusActive {
			return ErrNotActive
		}

		ok, err := e.store.MarkDeactivated(txCtx, id, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotActive
		}

		paid, err := e.store.BudgetPaid(txCtx, a.OwnerID)
		if err != nil {
			return err
		}
		if !paid {
			return nil
		}

		amount, err := ProRatedRefund(a, now)
		if err != nil {
			return err
		}
		if amount <= 0 {
			return nil
		}
		if err := e.store.CreditBudget(txCtx, a.OwnerID, amount); err != nil {
			return err
		}
		refunded = amount
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.log.Info("allocation deactivated", zap.String("allocation_id", id), zap.Int64("refunded_cents", refunded))
	return refunded, nil
}

// ProRatedRefund computes the unspent share of the allocation's total cost
// at the moment of deactivation. The refund never exceeds what is actually
// left unspent: an allocation that burned ahead of the calendar refunds only
// total cost minus spent_cents.
func ProRatedRefund(a Allocation, now time.Time) (int64, error) {
	start, end, err := a.Interval()
	if err != nil {
		return 0, err
	}
	total := end.Sub(start)
	if total <= 0 {
		return 0, nil
	}

	elapsed := now.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > total {
		elapsed = total
	}

	totalCost := int64(math.Round(float64(a.RateCentsPerDay) * total.Hours() / 24))
	remaining := float64(total-elapsed) / float64(total)
	refund := int64(math.Round(float64(totalCost) * remaining))
	if unspent := totalCost - a.SpentCents; refund > unspent {
		refund = unspent
	}
	if refund < 0 {
		refund = 0
	}
	return refund, nil
}

// RunForever runs an expiry pass on every tick until ctx is cancelled.
func (e *Expirer) RunForever(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if sum, err := e.RunOnce(ctx); err != nil {
			e.log.Warn("expiry pass failed", zap.Error(err))
		} else if sum.Expired > 0 || len(sum.Errors) > 0 {
			e.log.Info("expiry pass", zap.Int("examined", sum.Examined), zap.Int("expired", sum.Expired), zap.Int("errors", len(sum.Errors)))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce completes every active allocation whose expiry instant has
// passed. The transition is conditional, so re-running an interrupted pass
// is harmless.
func (e *Expirer) RunOnce(ctx context.Context) (Summary, error) {
	held, err := e.lock.TryAcquire(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("acquire expire lock: %w", err)
	}
	if !held {
		return Summary{}, nil
	}
	defer e.lock.Release(ctx)

	now := e.clock.Now()
	var sum Summary

	active, err := e.store.ListActive(ctx, e.batch)
	if err != nil {
		return Summary{}, fmt.Errorf("list active allocations: %w", err)
	}

	for _, a := range active {
		sum.Examined++
		expiry, err := a.ExpiryInstant()
		if err != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("allocation %s: %v", a.ID, err))
			continue
		}
		if expiry.After(now) {
			continue
		}
		ok, err := e.store.MarkCompleted(ctx, a.ID, expiry)
		if err != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("allocation %s: complete: %v", a.ID, err))
			continue
		}
		if ok {
			sum.Expired++
			e.log.Info("allocation expired", zap.String("allocation_id", a.ID), zap.Time("expiry", expiry))
		}
	}

	return sum, nil
}
