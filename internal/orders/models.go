package orders

import "time"

// Order is a buyer's purchase attempt. Capacity is held at creation time
// via the inventory reservation; completion only materializes tickets.
type Order struct {
	ID                 string
	OwnerID            string
	Status             Status
	ExternalSessionRef string
	ExternalPaymentRef string
	AmountCents        int64
	Currency           string
	HoldExpiresAt      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// OrderUnit is one held inventory line of an order.
type OrderUnit struct {
	OrderID        string
	UnitID         string
	Quantity       int
	UnitPriceCents int64
}
