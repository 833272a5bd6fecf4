package order

import "time"

// Status enumerates the lifecycle states an order can be in locally.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. The agent never
// overwrites a terminal status once set.
func (s Status) Terminal() bool {
	switch s {
	case StatusPaid, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known local statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Order mirrors the orders table columns the agent touches.
type Order struct {
	ID            string
	Status        Status
	CustomerEmail string
	AmountCents   int64
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// Charge is the first gateway charge associated with the order,
	// nil when checkout never reached the gateway.
	Charge *Charge
}

// Charge records one request made to the payment gateway for an order.
type Charge struct {
	ID          string
	OrderID     string
	AmountCents int64
	Status      string
	CreatedAt   time.Time
}

// StatusUpdateParams enumerates the writes applied when the agent
// corrects a drifted order inside a single transaction.
type StatusUpdateParams struct {
	OrderID string
	// ObservedStatus guards the update: the write only lands if the row
	// still holds this status (a concurrent webhook may have won the race).
	ObservedStatus Status
	NewStatus      Status
	RunID          string
	ChargeID       string
}

// AuditEntry is one row of the order status audit trail, appended in the
// same transaction as the status write.
type AuditEntry struct {
	ID        int64
	OrderID   string
	OldStatus Status
	NewStatus Status
	RunID     string
	ChargeID  string
	CreatedAt time.Time
}
