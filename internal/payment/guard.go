package payment

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/mkusnadi/go-ticket-ledger/internal/postgres"
	"github.com/mkusnadi/go-ticket-ledger/internal/redisx"
)

// Guard is the durable idempotency set for external payment events. A row
// in processed_events is the witness that an event was handled; the insert
// either lands first or collides with the earlier delivery. Marking must be
// the first action on any externally-triggered event, before any order or
// inventory mutation.
type Guard struct {
	DB      *pgxpool.Pool
	Redis   *redis.Client
	Service string
}

// MarkProcessed records the event id. Returns already=true when a previous
// delivery got there first; duplicates are a no-op success, not an error.
func (g *Guard) MarkProcessed(ctx context.Context, eventID, eventType string) (already bool, err error) {
	// Fast path: redis remembers recent deliveries so obvious retries skip
	// the DB round trip. The table below stays the witness of record.
	dkey := fmt.Sprintf(redisx.KeyDedup, g.Service, eventID)
	if g.Redis != nil {
		if seen, _ := redisx.Exists(ctx, g.Redis, dkey); seen {
			return true, nil
		}
	}

	ct, err := postgres.Q(ctx, g.DB).Exec(ctx, `
		INSERT INTO processed_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("mark event %s processed: %w", eventID, err)
	}

	if g.Redis != nil {
		_ = g.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()
	}
	return ct.RowsAffected() == 0, nil
}
