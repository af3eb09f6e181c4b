package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkusnadi/go-ticket-ledger/internal/postgres"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrAlreadyExists = errors.New("order already exists")
)

type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return postgres.WithTx(ctx, r.DB, fn)
}

// CreateOrder inserts a pending order with its held inventory lines.
// Idempotent via external_session_ref: retried checkouts get the existing
// order back instead of a second hold.
func (r *Repo) CreateOrder(ctx context.Context, o Order, units []OrderUnit) (Order, bool, error) {
	var out Order
	var existed bool
	err := r.WithTx(ctx, func(txCtx context.Context) error {
		q := postgres.Q(txCtx, r.DB)

		if o.ExternalSessionRef != "" {
			existing, err := r.findBySessionRef(txCtx, o.ExternalSessionRef)
			if err != nil && !errors.Is(err, ErrOrderNotFound) {
				return err
			}
			if err == nil {
				out, existed = existing, true
				return nil
			}
		}

		_, err := q.Exec(txCtx, `
			INSERT INTO orders (id, owner_id, status, external_session_ref, amount_cents, currency, hold_expires_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)`,
			o.ID, o.OwnerID, StatusPending, o.ExternalSessionRef, o.AmountCents, o.Currency, o.HoldExpiresAt)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for _, u := range units {
			if _, err := q.Exec(txCtx, `
				INSERT INTO order_units (order_id, unit_id, quantity, unit_price_cents)
				VALUES ($1, $2, $3, $4)`,
				o.ID, u.UnitID, u.Quantity, u.UnitPriceCents); err != nil {
				return fmt.Errorf("insert order unit: %w", err)
			}
		}
		out = o
		out.Status = StatusPending
		return nil
	})
	if errors.Is(err, ErrAlreadyExists) && o.ExternalSessionRef != "" {
		// A concurrent checkout with the same session won the insert race.
		// The losing transaction is already rolled back, so re-read outside
		// of it and hand back the winner's order.
		existing, ferr := r.findBySessionRef(ctx, o.ExternalSessionRef)
		if ferr != nil {
			return Order{}, false, fmt.Errorf("refetch order for session %s: %w", o.ExternalSessionRef, ferr)
		}
		return existing, true, nil
	}
	if err != nil {
		return Order{}, false, err
	}
	return out, existed, nil
}

const orderColumns = `id, owner_id, status, COALESCE(external_session_ref, ''), COALESCE(external_payment_ref, ''),
	amount_cents, currency, hold_expires_at, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.OwnerID, &o.Status, &o.ExternalSessionRef, &o.ExternalPaymentRef,
		&o.AmountCents, &o.Currency, &o.HoldExpiresAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, err
	}
	return o, nil
}

func (r *Repo) GetOrder(ctx context.Context, orderID string) (Order, error) {
	row := postgres.Q(ctx, r.DB).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	o, err := scanOrder(row)
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		return Order{}, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return o, err
}

// GetOrderForUpdate locks the order row; competing completions serialize here.
func (r *Repo) GetOrderForUpdate(ctx context.Context, orderID string) (Order, error) {
	row := postgres.Q(ctx, r.DB).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
	o, err := scanOrder(row)
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		return Order{}, fmt.Errorf("lock order %s: %w", orderID, err)
	}
	return o, err
}

func (r *Repo) findBySessionRef(ctx context.Context, ref string) (Order, error) {
	row := postgres.Q(ctx, r.DB).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_session_ref = $1`, ref)
	return scanOrder(row)
}

func (r *Repo) OrderUnits(ctx context.Context, orderID string) ([]OrderUnit, error) {
	rows, err := postgres.Q(ctx, r.DB).Query(ctx, `
		SELECT order_id, unit_id, quantity, unit_price_cents FROM order_units WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("order units %s: %w", orderID, err)
	}
	defer rows.Close()

	var out []OrderUnit
	for rows.Next() {
		var u OrderUnit
		if err := rows.Scan(&u.OrderID, &u.UnitID, &u.Quantity, &u.UnitPriceCents); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// MarkCompleted performs the single legal pending -> completed transition.
// The status predicate in the WHERE clause is what makes it exactly-once:
// a second caller matches zero rows and gets false back.
func (r *Repo) MarkCompleted(ctx context.Context, orderID, paymentRef string) (bool, error) {
	ct, err := postgres.Q(ctx, r.DB).Exec(ctx, `
		UPDATE orders SET status = $2, external_payment_ref = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		orderID, StatusCompleted, paymentRef, StatusPending)
	if err != nil {
		return false, fmt.Errorf("complete order %s: %w", orderID, err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkFailed is the alternate terminal transition, same conditional shape.
func (r *Repo) MarkFailed(ctx context.Context, orderID string) (bool, error) {
	ct, err := postgres.Q(ctx, r.DB).Exec(ctx, `
		UPDATE orders SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3`,
		orderID, StatusFailed, StatusPending)
	if err != nil {
		return false, fmt.Errorf("fail order %s: %w", orderID, err)
	}
	return ct.RowsAffected() == 1, nil
}

// ListReconcilable returns pending orders old enough to be past in-flight
// traffic but young enough to still be worth chasing with the provider.
// SKIP LOCKED keeps concurrent sweep passes off each other's batches.
func (r *Repo) ListReconcilable(ctx context.Context, olderThan, notOlderThan time.Time, limit int) ([]Order, error) {
	return r.listPending(ctx, `created_at <= $1 AND created_at > $2`, []any{olderThan, notOlderThan}, limit)
}

// ListStale returns pending orders past the maximum repair age; these are
// presumed abandoned and get released without another provider query.
func (r *Repo) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]Order, error) {
	return r.listPending(ctx, `created_at <= $1`, []any{olderThan}, limit)
}

func (r *Repo) listPending(ctx context.Context, where string, args []any, limit int) ([]Order, error) {
	var out []Order
	err := r.WithTx(ctx, func(txCtx context.Context) error {
		q := postgres.Q(txCtx, r.DB)
		args := append(append([]any{}, args...), limit)
		rows, err := q.Query(txCtx, fmt.Sprintf(`
			SELECT `+orderColumns+`
			FROM orders
			WHERE status = 'pending' AND %s
			ORDER BY created_at ASC
			LIMIT $%d
			FOR UPDATE SKIP LOCKED`, where, len(args)), args...)
		if err != nil {
			return fmt.Errorf("list pending orders: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			o, err := scanOrder(rows)
			if err != nil {
				return err
			}
			out = append(out, o)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
