package orders

import (
	"encoding/json"
	"time"
)

const (
	EventPaymentReceived = "PaymentReceived"
	EventOrderCompleted  = "OrderCompleted"
	EventOrderFailed     = "OrderFailed"
	EventTicketCheckedIn = "TicketCheckedIn"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type PaymentReceivedPayload struct {
	OrderID     string `json:"order_id"`
	PaymentRef  string `json:"payment_ref"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

type OrderCompletedPayload struct {
	OrderID    string   `json:"order_id"`
	PaymentRef string   `json:"payment_ref"`
	TicketIDs  []string `json:"ticket_ids"`
}

type OrderFailedPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type TicketCheckedInPayload struct {
	TicketID string `json:"ticket_id"`
	UnitID   string `json:"unit_id"`
	AgentID  string `json:"agent_id"`
}
