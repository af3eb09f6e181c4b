package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mkusnadi/go-ticket-ledger/internal/clock"
	kafkax "github.com/mkusnadi/go-ticket-ledger/internal/kafka"
	"github.com/mkusnadi/go-ticket-ledger/internal/orders"
	"github.com/mkusnadi/go-ticket-ledger/internal/payment"
	"github.com/mkusnadi/go-ticket-ledger/internal/redisx"
)

type OrderStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	ListReconcilable(ctx context.Context, olderThan, notOlderThan time.Time, limit int) ([]orders.Order, error)
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]orders.Order, error)
	OrderUnits(ctx context.Context, orderID string) ([]orders.OrderUnit, error)
	MarkFailed(ctx context.Context, orderID string) (bool, error)
}

type Completer interface {
	CompletePayment(ctx context.Context, orderID, paymentRef string) (payment.CompletionResult, error)
}

type Releaser interface {
	Release(ctx context.Context, unitID string, qty int) error
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type Config struct {
	GraceWindow time.Duration
	MaxOrderAge time.Duration
	Batch       int
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.GraceWindow <= 0 {
		c.GraceWindow = 30 * time.Minute
	}
	if c.MaxOrderAge <= 0 {
		c.MaxOrderAge = 24 * time.Hour
	}
	if c.Batch <= 0 {
		c.Batch = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	return c
}

// Summary is the structured result of one sweep pass.
type Summary struct {
	Examined      int      `json:"examined"`
	Completed     int      `json:"completed"`
	Failed        int      `json:"failed"`
	StaleReleased int      `json:"stale_released"`
	UnitsReleased int      `json:"units_released"`
	Errors        []string `json:"errors,omitempty"`
}

// Sweeper repairs orders stuck in pending: it re-queries the payment
// provider for orders past the grace window and either completes them or
// releases their held inventory. Orders past the maximum age are presumed
// abandoned and released without chasing the provider again. Every step is
// individually idempotent, so the sweep is safe to re-run and safe to run
// against live traffic.
type Sweeper struct {
	store     OrderStore
	completer Completer
	releaser  Releaser
	provider  payment.Provider
	producer  Publisher
	lock      *redisx.SweepLock
	clock     clock.Clock
	cfg       Config
	service   string
	log       *zap.Logger
}

func NewSweeper(store OrderStore, completer Completer, releaser Releaser, provider payment.Provider,
	producer Publisher, lock *redisx.SweepLock, clk clock.Clock, cfg Config, serviceName string, log *zap.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		completer: completer,
		releaser:  releaser,
		provider:  provider,
		producer:  producer,
		lock:      lock,
		clock:     clk,
		cfg:       cfg.withDefaults(),
		service:   serviceName,
		log:       log.Named("reconcile"),
	}
}

// RunForever runs a pass on every tick until the context is cancelled.
func (s *Sweeper) RunForever(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if sum, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep pass failed", zap.Error(err))
		} else if sum.Examined > 0 || len(sum.Errors) > 0 {
			s.log.Info("sweep pass",
				zap.Int("examined", sum.Examined),
				zap.Int("completed", sum.Completed),
				zap.Int("failed", sum.Failed),
				zap.Int("stale_released", sum.StaleReleased),
				zap.Int("errors", len(sum.Errors)))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes a single sweep pass. One order's failure is recorded in
// the summary and never aborts the rest of the batch.
func (s *Sweeper) RunOnce(ctx context.Context) (Summary, error) {
	held, err := s.lock.TryAcquire(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !held {
		s.log.Debug("sweep lock held elsewhere, skipping pass")
		return Summary{}, nil
	}
	defer s.lock.Release(ctx)

	now := s.clock.Now()
	var (
		mu  sync.Mutex
		sum Summary
	)
	record := func(fn func(*Summary)) {
		mu.Lock()
		fn(&sum)
		mu.Unlock()
	}

	candidates, err := s.store.ListReconcilable(ctx, now.Add(-s.cfg.GraceWindow), now.Add(-s.cfg.MaxOrderAge), s.cfg.Batch)
	if err != nil {
		return Summary{}, fmt.Errorf("list reconcilable orders: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, o := range candidates {
		o := o
		record(func(sum *Summary) { sum.Examined++ })
		g.Go(func() error {
			s.reconcileOrder(gctx, o, record)
			return nil
		})
	}
	_ = g.Wait()

	stale, err := s.store.ListStale(ctx, now.Add(-s.cfg.MaxOrderAge), s.cfg.Batch)
	if err != nil {
		record(func(sum *Summary) {
			sum.Errors = append(sum.Errors, fmt.Sprintf("list stale orders: %v", err))
		})
		return sum, nil
	}
	for _, o := range stale {
		record(func(sum *Summary) { sum.Examined++ })
		if released := s.failAndRelease(ctx, o, "abandoned", record); released {
			record(func(sum *Summary) { sum.StaleReleased++ })
		}
	}

	return sum, nil
}

func (s *Sweeper) reconcileOrder(ctx context.Context, o orders.Order, record func(func(*Summary))) {
	ref := o.ExternalPaymentRef
	if ref == "" {
		ref = o.ExternalSessionRef
	}

	if ref != "" {
		pp, err := s.provider.GetPayment(ctx, ref)
		if err != nil {
			record(func(sum *Summary) {
				sum.Errors = append(sum.Errors, fmt.Sprintf("order %s: provider query: %v", o.ID, err))
			})
			return
		}
		if pp.Status == payment.ProviderPaid {
			res, err := s.completer.CompletePayment(ctx, o.ID, ref)
			if err != nil {
				// Amount/currency mismatches stay pending for manual review;
				// record and move on.
				record(func(sum *Summary) {
					sum.Errors = append(sum.Errors, fmt.Sprintf("order %s: complete: %v", o.ID, err))
				})
				return
			}
			if res.Completed {
				record(func(sum *Summary) { sum.Completed++ })
			}
			return
		}
	}

	// Unpaid, unknown to the provider, or never handed off to payment at
	// all: give the capacity back.
	if failed := s.failAndRelease(ctx, o, "payment not confirmed", record); failed {
		record(func(sum *Summary) { sum.Failed++ })
	}
}

// failAndRelease drives pending -> failed and restores the order's held
// capacity in one transaction: an interrupted pass rolls the transition
// back and leaves the order pending for the next run, so capacity can
// never be stranded behind a failed order. The failed transition is
// conditional in storage, so a concurrent completion wins cleanly and no
// release happens.
func (s *Sweeper) failAndRelease(ctx context.Context, o orders.Order, reason string, record func(func(*Summary))) bool {
	var failed bool
	var released int
	err := s.store.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		failed, err = s.store.MarkFailed(txCtx, o.ID)
		if err != nil || !failed {
			return err
		}

		units, err := s.store.OrderUnits(txCtx, o.ID)
		if err != nil {
			return fmt.Errorf("load units: %w", err)
		}
		for _, u := range units {
			if err := s.releaser.Release(txCtx, u.UnitID, u.Quantity); err != nil {
				return fmt.Errorf("release unit %s: %w", u.UnitID, err)
			}
			released += u.Quantity
		}
		return nil
	})
	if err != nil {
		record(func(sum *Summary) {
			sum.Errors = append(sum.Errors, fmt.Sprintf("order %s: fail and release: %v", o.ID, err))
		})
		return false
	}
	if !failed {
		return false
	}
	record(func(sum *Summary) { sum.UnitsReleased += released })

	s.log.Info("order failed by sweep",
		zap.String("order_id", o.ID), zap.String("reason", reason), zap.Int("units_released", released))
	s.publishFailed(o.ID, reason)
	return true
}

func (s *Sweeper) publishFailed(orderID, reason string) {
	if s.producer == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderFailed,
		EventVersion:  1,
		OccurredAt:    s.clock.Now(),
		Producer:      s.service,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(orders.OrderFailedPayload{OrderID: orderID, Reason: reason}),
	}
	s.producer.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderFailed)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
