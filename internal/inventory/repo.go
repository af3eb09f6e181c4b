package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkusnadi/go-ticket-ledger/internal/postgres"
)

const defaultLockTimeout = 3 * time.Second

// Repo stores inventory units in Postgres. The per-unit lock is the row
// lock taken by SELECT ... FOR UPDATE, bounded by lock_timeout so a
// contended caller gets an explicit busy instead of hanging.
type Repo struct {
	DB          *pgxpool.Pool
	LockTimeout time.Duration
}

func (r *Repo) lockTimeout() time.Duration {
	if r.LockTimeout > 0 {
		return r.LockTimeout
	}
	return defaultLockTimeout
}

// WithUnitLock locks the unit's row for the duration of fn. Lock wait is
// bounded; timing out surfaces ErrBusy without mutating anything.
func (r *Repo) WithUnitLock(ctx context.Context, unitID string, fn func(ctx context.Context, u Unit) error) error {
	return postgres.WithTx(ctx, r.DB, func(txCtx context.Context) error {
		q := postgres.Q(txCtx, r.DB)

		if _, err := q.Exec(txCtx, fmt.Sprintf(`SET LOCAL lock_timeout = '%dms'`, r.lockTimeout().Milliseconds())); err != nil {
			return fmt.Errorf("set lock_timeout: %w", err)
		}

		var u Unit
		err := q.QueryRow(txCtx, `
			SELECT id, organizer_id, name, total_capacity, sold_count, max_per_order, active, created_at, updated_at
			FROM inventory_units
			WHERE id = $1
			FOR UPDATE`, unitID).
			Scan(&u.ID, &u.OrganizerID, &u.Name, &u.TotalCapacity, &u.SoldCount, &u.MaxPerOrder, &u.Active, &u.CreatedAt, &u.UpdatedAt)
		if err != nil {
			if postgres.IsLockNotAvailable(err) {
				return ErrBusy
			}
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUnitNotFound
			}
			return fmt.Errorf("lock unit %s: %w", unitID, err)
		}

		return fn(txCtx, u)
	})
}

// SetSoldCount writes the new sold count. Must be called under WithUnitLock.
func (r *Repo) SetSoldCount(ctx context.Context, unitID string, count int) error {
	q := postgres.Q(ctx, r.DB)
	ct, err := q.Exec(ctx, `
		UPDATE inventory_units SET sold_count = $2, updated_at = NOW() WHERE id = $1`, unitID, count)
	if err != nil {
		return fmt.Errorf("update sold_count for %s: %w", unitID, err)
	}
	if ct.RowsAffected() != 1 {
		return ErrUnitNotFound
	}
	return nil
}

// GetUnit reads a unit without locking it (display paths).
func (r *Repo) GetUnit(ctx context.Context, unitID string) (Unit, error) {
	var u Unit
	err := postgres.Q(ctx, r.DB).QueryRow(ctx, `
		SELECT id, organizer_id, name, total_capacity, sold_count, max_per_order, active, created_at, updated_at
		FROM inventory_units
		WHERE id = $1`, unitID).
		Scan(&u.ID, &u.OrganizerID, &u.Name, &u.TotalCapacity, &u.SoldCount, &u.MaxPerOrder, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Unit{}, ErrUnitNotFound
		}
		return Unit{}, fmt.Errorf("get unit %s: %w", unitID, err)
	}
	return u, nil
}
