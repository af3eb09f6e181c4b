package boost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mkusnadi/go-ticket-ledger/internal/clock"
	"github.com/mkusnadi/go-ticket-ledger/internal/redisx"
)

type fakeBoostStore struct {
	mu          sync.Mutex
	allocations map[string]Allocation
	paidOwners  map[string]bool
	budgets     map[string]int64
}

func newFakeBoostStore() *fakeBoostStore {
	return &fakeBoostStore{
		allocations: make(map[string]Allocation),
		paidOwners:  make(map[string]bool),
		budgets:     make(map[string]int64),
	}
}

func (s *fakeBoostStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *fakeBoostStore) ListActive(ctx context.Context, limit int) ([]Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Allocation
	for _, a := range s.allocations {
		if a.Status != StatusActive {
			continue
		}
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeBoostStore) GetForUpdate(ctx context.Context, id string) (Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.allocations[id]
	if !ok {
		return Allocation{}, ErrAllocationNotFound
	}
	return a, nil
}

func (s *fakeBoostStore) transition(id string, from, to Status, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.allocations[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	switch to {
	case StatusActive:
		a.ActivatedAt = &at
	default:
		a.EndedAt = &at
	}
	s.allocations[id] = a
	return true, nil
}

func (s *fakeBoostStore) MarkActive(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.transition(id, StatusPending, StatusActive, at)
}

func (s *fakeBoostStore) MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.transition(id, StatusActive, StatusCompleted, at)
}

func (s *fakeBoostStore) MarkDeactivated(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.transition(id, StatusActive, StatusDeactivated, at)
}

func (s *fakeBoostStore) BudgetPaid(ctx context.Context, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paidOwners[ownerID], nil
}

func (s *fakeBoostStore) CreditBudget(ctx context.Context, ownerID string, cents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[ownerID] += cents
	return nil
}

func (s *fakeBoostStore) get(id string) Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocations[id]
}

func days(n int) *int { return &n }

func datePtr(t time.Time) *time.Time { return &t }

func newTestExpirer(store Store, now time.Time) *Expirer {
	return NewExpirer(store, &redisx.SweepLock{}, clock.NewFixed(now), 100, zap.NewNop())
}

func TestAllocationInterval(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 5, 1, 14, 45, 30, 0, time.UTC)

	t.Run("duration based runs from creation", func(t *testing.T) {
		a := Allocation{CreatedAt: created, DurationDays: days(7)}
		start, end, err := a.Interval()
		if err != nil {
			t.Fatalf("interval: %v", err)
		}
		if !start.Equal(created) {
			t.Fatalf("expected start at creation, got %v", start)
		}
		if want := created.AddDate(0, 0, 7); !end.Equal(want) {
			t.Fatalf("expected end %v, got %v", want, end)
		}
	})

	t.Run("date bounded keeps creation time of day", func(t *testing.T) {
		a := Allocation{
			CreatedAt: created,
			StartDate: datePtr(time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC)),
			EndDate:   datePtr(time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)),
		}
		start, end, err := a.Interval()
		if err != nil {
			t.Fatalf("interval: %v", err)
		}
		if start.Hour() != 14 || start.Minute() != 45 || start.Second() != 30 {
			t.Fatalf("expected creation time of day on start, got %v", start)
		}
		if want := time.Date(2026, 5, 10, 14, 45, 30, 0, time.UTC); !end.Equal(want) {
			t.Fatalf("expected end %v, got %v", want, end)
		}
	})

	t.Run("end date only anchors start at creation", func(t *testing.T) {
		a := Allocation{CreatedAt: created, EndDate: datePtr(time.Date(2026, 5, 8, 0, 0, 0, 0, time.UTC))}
		start, _, err := a.Interval()
		if err != nil {
			t.Fatalf("interval: %v", err)
		}
		if !start.Equal(created) {
			t.Fatalf("expected start at creation, got %v", start)
		}
	})

	t.Run("neither shape set", func(t *testing.T) {
		a := Allocation{CreatedAt: created}
		if _, _, err := a.Interval(); !errors.Is(err, ErrNoInterval) {
			t.Fatalf("expected ErrNoInterval, got %v", err)
		}
	})
}

func TestExpirerRunOnce(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	t.Run("expires allocations past their instant", func(t *testing.T) {
		store := newFakeBoostStore()
		store.allocations["due"] = Allocation{
			ID: "due", OwnerID: "own-1", Status: StatusActive,
			CreatedAt: created, DurationDays: days(3),
		}
		store.allocations["running"] = Allocation{
			ID: "running", OwnerID: "own-1", Status: StatusActive,
			CreatedAt: created, DurationDays: days(30),
		}

		now := created.AddDate(0, 0, 3).Add(time.Minute)
		sum, err := newTestExpirer(store, now).RunOnce(context.Background())
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if sum.Expired != 1 {
			t.Fatalf("expected 1 expired, got %d", sum.Expired)
		}
		if got := store.get("due").Status; got != StatusCompleted {
			t.Fatalf("expected due allocation completed, got %s", got)
		}
		if got := store.get("running").Status; got != StatusActive {
			t.Fatalf("expected running allocation untouched, got %s", got)
		}
		// Completion is stamped at the computed instant, not the sweep time.
		if ended := store.get("due").EndedAt; ended == nil || !ended.Equal(created.AddDate(0, 0, 3)) {
			t.Fatalf("expected ended_at at the expiry instant, got %v", ended)
		}
	})

	t.Run("not due a second before the instant", func(t *testing.T) {
		store := newFakeBoostStore()
		store.allocations["a"] = Allocation{
			ID: "a", Status: StatusActive, CreatedAt: created, DurationDays: days(1),
		}

		now := created.AddDate(0, 0, 1).Add(-time.Second)
		sum, err := newTestExpirer(store, now).RunOnce(context.Background())
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if sum.Expired != 0 {
			t.Fatalf("expected nothing expired, got %d", sum.Expired)
		}
	})

	t.Run("broken allocation recorded, pass continues", func(t *testing.T) {
		store := newFakeBoostStore()
		store.allocations["broken"] = Allocation{ID: "broken", Status: StatusActive, CreatedAt: created}
		store.allocations["due"] = Allocation{ID: "due", Status: StatusActive, CreatedAt: created, DurationDays: days(1)}

		sum, err := newTestExpirer(store, created.AddDate(0, 0, 2)).RunOnce(context.Background())
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if len(sum.Errors) != 1 {
			t.Fatalf("expected 1 error, got %v", sum.Errors)
		}
		if sum.Expired != 1 {
			t.Fatalf("expected sibling still expired, got %d", sum.Expired)
		}
	})
}

func TestProRatedRefund(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	alloc := Allocation{
		ID: "a", OwnerID: "own-1", Status: StatusActive,
		RateCentsPerDay: 100, CreatedAt: created, DurationDays: days(10),
	}

	cases := []struct {
		name  string
		now   time.Time
		spent int64
		want  int64
	}{
		{"half elapsed refunds half", created.AddDate(0, 0, 5), 0, 500},
		{"fully elapsed refunds nothing", created.AddDate(0, 0, 10), 0, 0},
		{"past the end still refunds nothing", created.AddDate(0, 0, 12), 0, 0},
		{"before start refunds everything", created.Add(-time.Hour), 0, 1000},
		{"one day in refunds nine days", created.AddDate(0, 0, 1), 0, 900},
		// Spend that ran ahead of the calendar caps the refund at what is
		// actually left unspent.
		{"spend ahead of schedule caps refund", created.AddDate(0, 0, 5), 800, 200},
		{"fully spent refunds nothing", created.AddDate(0, 0, 5), 1000, 0},
		{"overspent never goes negative", created.AddDate(0, 0, 5), 1200, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := alloc
			a.SpentCents = tc.spent
			got, err := ProRatedRefund(a, tc.now)
			if err != nil {
				t.Fatalf("refund: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %d cents, got %d", tc.want, got)
			}
		})
	}
}

func TestDeactivate(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	active := func(owner string) Allocation {
		return Allocation{
			ID: "a", OwnerID: owner, Status: StatusActive,
			RateCentsPerDay: 200, CreatedAt: created, DurationDays: days(10),
		}
	}

	t.Run("paid plan owner gets a pro-rated refund", func(t *testing.T) {
		store := newFakeBoostStore()
		store.allocations["a"] = active("own-1")
		store.paidOwners["own-1"] = true

		refunded, err := newTestExpirer(store, created.AddDate(0, 0, 5)).Deactivate(context.Background(), "a")
		if err != nil {
			t.Fatalf("deactivate: %v", err)
		}
		if refunded != 1000 {
			t.Fatalf("expected 1000 cents refunded, got %d", refunded)
		}
		if store.budgets["own-1"] != 1000 {
			t.Fatalf("expected budget credited, got %d", store.budgets["own-1"])
		}
		if got := store.get("a").Status; got != StatusDeactivated {
			t.Fatalf("expected deactivated, got %s", got)
		}
	})

	t.Run("free tier owner gets no refund", func(t *testing.T) {
		store := newFakeBoostStore()
		store.allocations["a"] = active("own-2")

		refunded, err := newTestExpirer(store, created.AddDate(0, 0, 5)).Deactivate(context.Background(), "a")
		if err != nil {
			t.Fatalf("deactivate: %v", err)
		}
		if refunded != 0 {
			t.Fatalf("expected no refund, got %d", refunded)
		}
		if store.budgets["own-2"] != 0 {
			t.Fatalf("expected budget untouched, got %d", store.budgets["own-2"])
		}
		if got := store.get("a").Status; got != StatusDeactivated {
			t.Fatalf("expected deactivated regardless of plan, got %s", got)
		}
	})

	t.Run("only active allocations deactivate", func(t *testing.T) {
		store := newFakeBoostStore()
		a := active("own-1")
		a.Status = StatusCompleted
		store.allocations["a"] = a

		if _, err := newTestExpirer(store, created).Deactivate(context.Background(), "a"); !errors.Is(err, ErrNotActive) {
			t.Fatalf("expected ErrNotActive, got %v", err)
		}
	})
}

func TestActivate(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeBoostStore()
	store.allocations["a"] = Allocation{ID: "a", Status: StatusPending, CreatedAt: created, DurationDays: days(5)}

	exp := newTestExpirer(store, created.Add(time.Hour))
	if err := exp.Activate(context.Background(), "a"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if got := store.get("a").Status; got != StatusActive {
		t.Fatalf("expected active, got %s", got)
	}
	if err := exp.Activate(context.Background(), "a"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending on double activation, got %v", err)
	}
}
