package tickets

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

// InsertTickets writes freshly minted tickets; joins the caller's
// transaction when one is on the context.
func (r *Repo) InsertTickets(ctx context.Context, ts []Ticket) error {
	q := postgres.Q(ctx, r.DB)
	for _, t := range ts {
		if _, err := q.Exec(ctx, `
			INSERT INTO tickets (id, unit_id, order_id, owner_id, token, status)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			t.ID, t.UnitID, t.OrderID, t.OwnerID, t.Token, t.Status); err != nil {
			return fmt.Errorf("insert ticket %s: %w", t.ID, err)
		}
	}
	return nil
}

// RedeemIfValid is the check-in transition as one conditional write:
// "set used where status is valid". Zero rows affected means someone else
// already moved the ticket out of valid.
func (r *Repo) RedeemIfValid(ctx context.Context, token, agentID string, now time.Time) (bool, error) {
	ct, err := postgres.Q(ctx, r.DB).Exec(ctx, `
		UPDATE tickets SET status = $2, redeemed_at = $3, redeemed_by = $4
		WHERE token = $1 AND status = $5`,
		token, StatusUsed, now, agentID, StatusValid)
	if err != nil {
		return false, fmt.Errorf("redeem ticket: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// GetByToken looks a ticket up by its redemption token, joined with the
// owning unit for authorization and display.
func (r *Repo) GetByToken(ctx context.Context, token string) (Ticket, string, string, error) {
	var t Ticket
	var organizerID, unitName string
	err := postgres.Q(ctx, r.DB).QueryRow(ctx, `
		SELECT t.id, t.unit_id, t.order_id, t.owner_id, t.token, t.status, t.redeemed_at,
		       COALESCE(t.redeemed_by::text, ''), t.created_at, u.organizer_id, u.name
		FROM tickets t
		JOIN inventory_units u ON u.id = t.unit_id
		WHERE t.token = $1`, token).
		Scan(&t.ID, &t.UnitID, &t.OrderID, &t.OwnerID, &t.Token, &t.Status, &t.RedeemedAt,
			&t.RedeemedBy, &t.CreatedAt, &organizerID, &unitName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ticket{}, "", "", ErrTicketNotFound
		}
		return Ticket{}, "", "", fmt.Errorf("get ticket by token: %w", err)
	}
	return t, organizerID, unitName, nil
}

// CountLive returns tickets for a unit not cancelled or refunded; used by
// invariant checks (live tickets never exceed sold_count).
func (r *Repo) CountLive(ctx context.Context, unitID string) (int, error) {
	var n int
	err := postgres.Q(ctx, r.DB).QueryRow(ctx, `
		SELECT COUNT(*) FROM tickets WHERE unit_id = $1 AND status NOT IN ($2, $3)`,
		unitID, StatusCancelled, StatusRefunded).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count live tickets: %w", err)
	}
	return n, nil
}
