package tickets

import (
	"errors"
	"time"
)

type Status string

const (
	StatusValid     Status = "valid"
	StatusUsed      Status = "used"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// Ticket is one sold, individually redeemable instance. It is created only
// by payment completion and moves to used only through CheckIn.
type Ticket struct {
	ID         string
	UnitID     string
	OrderID    string
	OwnerID    string
	Token      string
	Status     Status
	RedeemedAt *time.Time
	RedeemedBy string
	CreatedAt  time.Time
}

// UnitSummary is the display payload returned to a check-in agent.
type UnitSummary struct {
	TicketID string `json:"ticket_id"`
	UnitID   string `json:"unit_id"`
	UnitName string `json:"unit_name"`
	OrderID  string `json:"order_id"`
}

// CheckInResult reports the outcome of a redemption attempt. Exactly one
// of two simultaneous attempts sees Valid; the other sees AlreadyUsed.
// Cancelled/refunded tickets surface their own status, never AlreadyUsed.
type CheckInResult struct {
	Valid       bool
	AlreadyUsed bool
	Status      Status
	RedeemedAt  *time.Time
	Summary     UnitSummary
}

var (
	ErrTicketNotFound = errors.New("ticket not found")
	ErrNotAuthorized  = errors.New("agent not authorized for this ticket")
)
