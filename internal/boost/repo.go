package boost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkusnadi/go-ticket-ledger/internal/postgres"
)

type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return postgres.WithTx(ctx, r.DB, fn)
}

const allocColumns = `id, owner_id, status, rate_cents_per_day, spent_cents, duration_days, start_date, end_date, created_at, activated_at, ended_at`

func scanAllocation(row pgx.Row) (Allocation, error) {
	var a Allocation
	err := row.Scan(&a.ID, &a.OwnerID, &a.Status, &a.RateCentsPerDay, &a.SpentCents,
		&a.DurationDays, &a.StartDate, &a.EndDate, &a.CreatedAt, &a.ActivatedAt, &a.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Allocation{}, ErrAllocationNotFound
		}
		return Allocation{}, err
	}
	return a, nil
}

func (r *Repo) GetForUpdate(ctx context.Context, id string) (Allocation, error) {
	row := postgres.Q(ctx, r.DB).QueryRow(ctx, `SELECT `+allocColumns+` FROM allocations WHERE id = $1 FOR UPDATE`, id)
	a, err := scanAllocation(row)
	if err != nil && !errors.Is(err, ErrAllocationNotFound) {
		return Allocation{}, fmt.Errorf("lock allocation %s: %w", id, err)
	}
	return a, err
}

// ListActive returns active allocations for the expiry sweep. Expiry
// instants are computed in Go (time-of-day anchoring), so the sweep
// filters after loading.
func (r *Repo) ListActive(ctx context.Context, limit int) ([]Allocation, error) {
	rows, err := postgres.Q(ctx, r.DB).Query(ctx, `
		SELECT `+allocColumns+` FROM allocations WHERE status = 'active' ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list active allocations: %w", err)
	}
	defer rows.Close()

	var out []Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repo) MarkActive(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.transition(ctx, id, StatusPending, StatusActive, `activated_at`, at)
}

func (r *Repo) MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.transition(ctx, id, StatusActive, StatusCompleted, `ended_at`, at)
}

func (r *Repo) MarkDeactivated(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.transition(ctx, id, StatusActive, StatusDeactivated, `ended_at`, at)
}

func (r *Repo) transition(ctx context.Context, id string, from, to Status, tsColumn string, at time.Time) (bool, error) {
	ct, err := postgres.Q(ctx, r.DB).Exec(ctx, fmt.Sprintf(`
		UPDATE allocations SET status = $2, %s = $3 WHERE id = $1 AND status = $4`, tsColumn),
		id, to, at, from)
	if err != nil {
		return false, fmt.Errorf("allocation %s %s->%s: %w", id, from, to, err)
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) BudgetPaid(ctx context.Context, ownerID string) (bool, error) {
	var paid bool
	err := postgres.Q(ctx, r.DB).QueryRow(ctx, `SELECT paid_plan FROM budgets WHERE owner_id = $1`, ownerID).Scan(&paid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("budget for %s: %w", ownerID, err)
	}
	return paid, nil
}

func (r *Repo) CreditBudget(ctx context.Context, ownerID string, cents int64) error {
	_, err := postgres.Q(ctx, r.DB).Exec(ctx, `
		INSERT INTO budgets (owner_id, balance_cents) VALUES ($1, $2)
		ON CONFLICT (owner_id) DO UPDATE SET balance_cents = budgets.balance_cents + EXCLUDED.balance_cents`,
		ownerID, cents)
	if err != nil {
		return fmt.Errorf("credit budget %s: %w", ownerID, err)
	}
	return nil
}
