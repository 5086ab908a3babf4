package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/charleschow/execution-core/internal/core/state"
)

const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
)

var ErrUnknownOrder = errors.New("order not found")

// nowFunc is swapped in tests that pin timestamps.
var nowFunc = time.Now

// InvalidTransitionError reports a transition the state machine refused.
// It is a logic error: some upstream component violated an invariant, so it
// always surfaces to the caller and is never swallowed.
type InvalidTransitionError struct {
	OrderID string
	From    state.State
	To      state.State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s (order %s)", e.From, e.To, e.OrderID)
}

// Intent is a normalized trading request from the decision layer.
type Intent struct {
	Ticker     string
	Action     string // BUY or SELL
	Quantity   int
	StrategyID string
	Priority   int
	Confidence float64
}

// Order is a single buy/sell instruction tracked from intent to terminal
// outcome. Lifecycle state changes only through Manager; terminal orders are
// retained for audit and recovery, never deleted.
type Order struct {
	ID         string
	Ticker     string
	StrategyID string
	Action     string
	Quantity   int

	State       state.State
	FilledQty   int
	FilledPrice float64
	BrokerRef   string
	Metadata    map[string]string
	ErrMsg      string

	NeedsManualReview bool

	CreatedAt time.Time
	UpdatedAt time.Time
	FilledAt  time.Time
}

func newOrder(intent Intent) *Order {
	now := nowFunc()
	return &Order{
		ID:         uuid.NewString(),
		Ticker:     intent.Ticker,
		StrategyID: intent.StrategyID,
		Action:     intent.Action,
		Quantity:   intent.Quantity,
		State:      state.Idle,
		Metadata:   make(map[string]string),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// snapshot returns a deep copy used for rollback when a persist fails.
func (o *Order) snapshot() Order {
	cp := *o
	cp.Metadata = make(map[string]string, len(o.Metadata))
	for k, v := range o.Metadata {
		cp.Metadata[k] = v
	}
	return cp
}

// restore rewinds the order to a snapshot taken before a failed mutation.
func (o *Order) restore(snap Order) {
	*o = snap
}
