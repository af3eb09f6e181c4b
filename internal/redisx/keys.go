package redisx

import "time"

const (
	// Fast-path dedup for provider webhook events: dedup:{service}:{event_id}.
	// The processed_events table stays the witness of record; this only
	// short-circuits obvious redeliveries without a DB round trip.
	KeyDedup = "dedup:%s:%s"

	// Cache of order status for GET /orders/{id}: order_status:{order_id}.
	KeyOrderStatus = "order_status:%s"

	// Cache of ticket summary served on check-in display: ticket:%s (token).
	KeyTicketSummary = "ticket:%s"

	// Leader lock so only one sweeper instance runs a pass at a time:
	// sweep:lock:{kind}.
	KeySweepLock = "sweep:lock:%s"
)

var (
	TTLDedup         = 48 * time.Hour
	TTLStatusCache   = 5 * time.Minute
	TTLTicketSummary = time.Minute
	TTLSweepLock     = 10 * time.Minute
)
