package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mkusnadi/go-ticket-ledger/internal/clock"
	"github.com/mkusnadi/go-ticket-ledger/internal/orders"
	"github.com/mkusnadi/go-ticket-ledger/internal/tickets"
)

type fakeOrderStore struct {
	mu     sync.Mutex
	orders map[string]orders.Order
	units  map[string][]orders.OrderUnit
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{
		orders: make(map[string]orders.Order),
		units:  make(map[string][]orders.OrderUnit),
	}
}

func (s *fakeOrderStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *fakeOrderStore) GetOrder(ctx context.Context, orderID string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return o, nil
}

func (s *fakeOrderStore) GetOrderForUpdate(ctx context.Context, orderID string) (orders.Order, error) {
	return s.GetOrder(ctx, orderID)
}

func (s *fakeOrderStore) OrderUnits(ctx context.Context, orderID string) ([]orders.OrderUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.units[orderID], nil
}

func (s *fakeOrderStore) MarkCompleted(ctx context.Context, orderID, paymentRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.Status != orders.StatusPending {
		return false, nil
	}
	o.Status = orders.StatusCompleted
	o.ExternalPaymentRef = paymentRef
	s.orders[orderID] = o
	return true, nil
}

func (s *fakeOrderStore) status(orderID string) orders.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[orderID].Status
}

type fakeTicketStore struct {
	mu       sync.Mutex
	inserted []tickets.Ticket
}

func (s *fakeTicketStore) InsertTickets(ctx context.Context, ts []tickets.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, ts...)
	return nil
}

type fakeProvider struct {
	mu       sync.Mutex
	payments map[string]ProviderPayment
	calls    map[string]int
	err      error
}

func (p *fakeProvider) GetPayment(ctx context.Context, ref string) (ProviderPayment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[ref]++
	if p.err != nil {
		return ProviderPayment{}, p.err
	}
	pp, ok := p.payments[ref]
	if !ok {
		return ProviderPayment{Reference: ref, Status: ProviderNotFound}, nil
	}
	return pp, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages [][]byte
}

func (p *fakePublisher) Publish(key, value []byte, headers ...kafkago.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, value)
}

func pendingOrder(id string, amount int64) orders.Order {
	return orders.Order{
		ID:                 id,
		OwnerID:            "owner-1",
		Status:             orders.StatusPending,
		ExternalSessionRef: "sess-" + id,
		AmountCents:        amount,
		Currency:           "USD",
	}
}

func newTestService(store *fakeOrderStore, ts *fakeTicketStore, p Provider, pub Publisher) *Service {
	clk := clock.NewFixed(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	return NewService(store, ts, p, pub, clk, "test", zap.NewNop())
}

func TestCompletePayment(t *testing.T) {
	t.Parallel()

	t.Run("paid order completes and mints one ticket per quantity", func(t *testing.T) {
		store := newFakeOrderStore()
		store.orders["o1"] = pendingOrder("o1", 5000)
		store.units["o1"] = []orders.OrderUnit{
			{OrderID: "o1", UnitID: "u1", Quantity: 2, UnitPriceCents: 2000},
			{OrderID: "o1", UnitID: "u2", Quantity: 1, UnitPriceCents: 1000},
		}
		ts := &fakeTicketStore{}
		prov := &fakeProvider{payments: map[string]ProviderPayment{
			"pay-1": {Reference: "pay-1", Status: ProviderPaid, AmountCents: 5000, Currency: "USD"},
		}}
		pub := &fakePublisher{}

		res, err := newTestService(store, ts, prov, pub).CompletePayment(context.Background(), "o1", "pay-1")
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if !res.Completed || res.AlreadyFinal {
			t.Fatalf("expected completion, got %+v", res)
		}
		if len(res.Tickets) != 3 {
			t.Fatalf("expected 3 tickets, got %d", len(res.Tickets))
		}
		if got := store.status("o1"); got != orders.StatusCompleted {
			t.Fatalf("expected order completed, got %s", got)
		}
		seen := map[string]bool{}
		for _, tk := range ts.inserted {
			if tk.Status != tickets.StatusValid {
				t.Fatalf("expected minted ticket valid, got %s", tk.Status)
			}
			if seen[tk.Token] {
				t.Fatalf("duplicate token %q", tk.Token)
			}
			seen[tk.Token] = true
		}
		if len(pub.messages) != 1 {
			t.Fatalf("expected one completion event, got %d", len(pub.messages))
		}
	})

	t.Run("already completed order is a no-op success", func(t *testing.T) {
		store := newFakeOrderStore()
		o := pendingOrder("o1", 5000)
		o.Status = orders.StatusCompleted
		store.orders["o1"] = o
		ts := &fakeTicketStore{}
		prov := &fakeProvider{}

		res, err := newTestService(store, ts, prov, nil).CompletePayment(context.Background(), "o1", "pay-1")
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if !res.AlreadyFinal || res.Completed {
			t.Fatalf("expected already-final, got %+v", res)
		}
		if len(ts.inserted) != 0 {
			t.Fatalf("expected no tickets, got %d", len(ts.inserted))
		}
		if prov.calls["pay-1"] != 0 {
			t.Fatal("expected no provider call for a final order")
		}
	})

	t.Run("repeated completion mints tickets once", func(t *testing.T) {
		store := newFakeOrderStore()
		store.orders["o1"] = pendingOrder("o1", 1000)
		store.units["o1"] = []orders.OrderUnit{{OrderID: "o1", UnitID: "u1", Quantity: 2, UnitPriceCents: 500}}
		ts := &fakeTicketStore{}
		prov := &fakeProvider{payments: map[string]ProviderPayment{
			"pay-1": {Reference: "pay-1", Status: ProviderPaid, AmountCents: 1000, Currency: "USD"},
		}}
		svc := newTestService(store, ts, prov, nil)

		if _, err := svc.CompletePayment(context.Background(), "o1", "pay-1"); err != nil {
			t.Fatalf("first complete: %v", err)
		}
		res, err := svc.CompletePayment(context.Background(), "o1", "pay-1")
		if err != nil {
			t.Fatalf("second complete: %v", err)
		}
		if !res.AlreadyFinal {
			t.Fatalf("expected already-final on second call, got %+v", res)
		}
		if len(ts.inserted) != 2 {
			t.Fatalf("expected 2 tickets total, got %d", len(ts.inserted))
		}
	})

	t.Run("unpaid payment leaves order pending", func(t *testing.T) {
		store := newFakeOrderStore()
		store.orders["o1"] = pendingOrder("o1", 1000)
		ts := &fakeTicketStore{}
		prov := &fakeProvider{payments: map[string]ProviderPayment{
			"pay-1": {Reference: "pay-1", Status: ProviderUnpaid},
		}}

		_, err := newTestService(store, ts, prov, nil).CompletePayment(context.Background(), "o1", "pay-1")
		if !errors.Is(err, ErrPaymentNotConfirmed) {
			t.Fatalf("expected ErrPaymentNotConfirmed, got %v", err)
		}
		if got := store.status("o1"); got != orders.StatusPending {
			t.Fatalf("expected order still pending, got %s", got)
		}
	})

	t.Run("unknown payment ref is not confirmed", func(t *testing.T) {
		store := newFakeOrderStore()
		store.orders["o1"] = pendingOrder("o1", 1000)

		_, err := newTestService(store, &fakeTicketStore{}, &fakeProvider{}, nil).CompletePayment(context.Background(), "o1", "missing")
		if !errors.Is(err, ErrPaymentNotConfirmed) {
			t.Fatalf("expected ErrPaymentNotConfirmed, got %v", err)
		}
	})

	t.Run("provider outage surfaces as error", func(t *testing.T) {
		store := newFakeOrderStore()
		store.orders["o1"] = pendingOrder("o1", 1000)
		prov := &fakeProvider{err: ErrProviderUnavailable}

		_, err := newTestService(store, &fakeTicketStore{}, prov, nil).CompletePayment(context.Background(), "o1", "pay-1")
		if !errors.Is(err, ErrProviderUnavailable) {
			t.Fatalf("expected provider error, got %v", err)
		}
		if got := store.status("o1"); got != orders.StatusPending {
			t.Fatalf("expected order still pending, got %s", got)
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		_, err := newTestService(newFakeOrderStore(), &fakeTicketStore{}, &fakeProvider{}, nil).CompletePayment(context.Background(), "nope", "pay-1")
		if !errors.Is(err, orders.ErrOrderNotFound) {
			t.Fatalf("expected ErrOrderNotFound, got %v", err)
		}
	})
}

func TestCompletePaymentAmountValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name           string
		orderAmount    int64
		providerAmount int64
		currency       string
		wantErr        error
	}{
		{"exact match", 5000, 5000, "USD", nil},
		{"one cent over within tolerance", 5000, 5001, "USD", nil},
		{"one cent under within tolerance", 5000, 4999, "USD", nil},
		{"fifty cents short", 5000, 4950, "USD", ErrAmountMismatch},
		{"fifty cents over", 5000, 5050, "USD", ErrAmountMismatch},
		{"currency mismatch", 5000, 5000, "EUR", ErrCurrencyMismatch},
		{"free order ignores provider amount", 0, 9999, "EUR", nil},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := newFakeOrderStore()
			store.orders["o1"] = pendingOrder("o1", tc.orderAmount)
			store.units["o1"] = []orders.OrderUnit{{OrderID: "o1", UnitID: "u1", Quantity: 1, UnitPriceCents: tc.orderAmount}}
			prov := &fakeProvider{payments: map[string]ProviderPayment{
				"pay-1": {Reference: "pay-1", Status: ProviderPaid, AmountCents: tc.providerAmount, Currency: tc.currency},
			}}

			res, err := newTestService(store, &fakeTicketStore{}, prov, nil).CompletePayment(context.Background(), "o1", "pay-1")
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				if got := store.status("o1"); got != orders.StatusPending {
					t.Fatalf("expected mismatched order left pending for review, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("complete: %v", err)
			}
			if !res.Completed {
				t.Fatalf("expected completion, got %+v", res)
			}
		})
	}
}
