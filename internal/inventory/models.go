package inventory

import (
	"errors"
	"time"
)

// Unit is one finite capacity pool: a ticket tier, an offer's redemption
// allotment, a table slot. sold_count is mutated only by Reserve/Release.
type Unit struct {
	ID            string
	OrganizerID   string
	Name          string
	TotalCapacity int
	SoldCount     int
	MaxPerOrder   int
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Remaining returns the capacity still available for sale.
func (u Unit) Remaining() int { return u.TotalCapacity - u.SoldCount }

const (
	ReasonInsufficientCapacity = "insufficient capacity"
	ReasonBusy                 = "busy"
	ReasonUnitInactive         = "unit inactive"
	ReasonMaxPerOrder          = "quantity exceeds per-order limit"
)

// Result reports the outcome of a reservation attempt. A false OK with
// ReasonBusy is retryable; ReasonInsufficientCapacity is not.
type Result struct {
	OK        bool
	Remaining int
	Reason    string
}

var (
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrUnitNotFound    = errors.New("inventory unit not found")

	// ErrBusy means the per-unit lock could not be acquired within the
	// bounded wait. The attempt mutated nothing and may be retried.
	ErrBusy = errors.New("unit busy")
)
