package broker

import "context"

// Status is the broker's view of an order.
type Status string

const (
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusPartial   Status = "partial"
	StatusPending   Status = "pending"
	StatusUnknown   Status = "unknown"
)

// OrderStatus is the answer to a status query.
type OrderStatus struct {
	Status      Status
	FilledQty   int
	FilledPrice float64
}

// Client abstracts the brokerage integration. The core never speaks a broker
// wire protocol directly; it submits through this port and reconciles
// through it at startup. Satisfied by *paperbroker.Client.
type Client interface {
	// SubmitOrder places an order and returns the broker-assigned reference id.
	SubmitOrder(ctx context.Context, ticker, action string, quantity int) (string, error)

	// GetOrderStatus reports the broker's current view of a previously
	// submitted order.
	GetOrderStatus(ctx context.Context, ref string) (OrderStatus, error)
}
