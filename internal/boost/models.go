package boost

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusActive      Status = "active"
	StatusCompleted   Status = "completed"
	StatusDeactivated Status = "deactivated"
)

// Allocation is a time-boxed promotional budget (a listing boost). It is
// either duration-based (DurationDays) or date-bounded (StartDate/EndDate);
// exactly one of the two shapes is set.
type Allocation struct {
	ID              string
	OwnerID         string
	Status          Status
	RateCentsPerDay int64
	SpentCents      int64
	DurationDays    *int
	StartDate       *time.Time
	EndDate         *time.Time
	CreatedAt       time.Time
	ActivatedAt     *time.Time
	EndedAt         *time.Time
}

var (
	ErrAllocationNotFound = errors.New("allocation not found")
	ErrNotActive          = errors.New("allocation not active")
	ErrNotPending         = errors.New("allocation not pending")
	ErrNoInterval         = errors.New("allocation has neither duration nor end date")
)

// Interval returns the allocation's paid-for window. Duration-based
// allocations run from created_at for the given number of days.
// Date-bounded allocations run between their dates but keep created_at's
// time-of-day: a midnight cutoff would under- or over-run the interval by
// up to a day.
func (a Allocation) Interval() (start, end time.Time, err error) {
	anchor := a.CreatedAt
	switch {
	case a.DurationDays != nil && *a.DurationDays > 0:
		return anchor, anchor.AddDate(0, 0, *a.DurationDays), nil
	case a.EndDate != nil:
		start = anchor
		if a.StartDate != nil {
			start = atTimeOfDay(*a.StartDate, anchor)
		}
		return start, atTimeOfDay(*a.EndDate, anchor), nil
	default:
		return time.Time{}, time.Time{}, ErrNoInterval
	}
}

// ExpiryInstant is the precise instant the allocation should complete.
func (a Allocation) ExpiryInstant() (time.Time, error) {
	_, end, err := a.Interval()
	return end, err
}

func atTimeOfDay(date, tod time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, tod.Hour(), tod.Minute(), tod.Second(), tod.Nanosecond(), tod.Location())
}
