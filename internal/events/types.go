package events

// OrderIntentEvent is published when a strategy wants to trade. The
// execution pipeline subscribes and runs conflict checks + order creation.
type OrderIntentEvent struct {
	Ticker     string  `json:"ticker"`
	Action     string  `json:"action"` // "BUY" or "SELL"
	Quantity   int     `json:"quantity"`
	StrategyID string  `json:"strategy_id"`
	Priority   int     `json:"priority"`
	Confidence float64 `json:"confidence"`
}

// OrderStateChangedEvent is published by the order manager on every
// successful transition. Exactly one per transition.
type OrderStateChangedEvent struct {
	OrderID   string `json:"order_id"`
	Ticker    string `json:"ticker"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Reason    string `json:"reason"`
}

// ConflictEvent carries both sides of an ownership conflict. Published as
// conflict_detected on every contested intent, then again as
// order_blocked_by_conflict or priority_override depending on resolution.
type ConflictEvent struct {
	Ticker             string `json:"ticker"`
	RequestingStrategy string `json:"requesting_strategy"`
	RequestingName     string `json:"requesting_name"`
	RequestingPriority int    `json:"requesting_priority"`
	OwningStrategy     string `json:"owning_strategy"`
	OwningName         string `json:"owning_name"`
	OwningPriority     int    `json:"owning_priority"`
	Action             string `json:"action"`
	Resolution         string `json:"resolution"` // "blocked", "override", "allowed"
}

// OwnershipAcquiredEvent is published when a strategy takes ownership of a
// ticker that previously had no owner.
type OwnershipAcquiredEvent struct {
	Ticker       string `json:"ticker"`
	StrategyID   string `json:"strategy_id"`
	StrategyName string `json:"strategy_name"`
	Kind         string `json:"kind"` // "exclusive" or "shared"
}

// OwnershipTransferredEvent is published when ownership moves between
// strategies (priority override or explicit transfer).
type OwnershipTransferredEvent struct {
	Ticker       string `json:"ticker"`
	FromStrategy string `json:"from_strategy"`
	FromName     string `json:"from_name"`
	ToStrategy   string `json:"to_strategy"`
	ToName       string `json:"to_name"`
	Reason       string `json:"reason"`
}

// RecoveryCompleteEvent summarizes the startup reconciliation pass.
type RecoveryCompleteEvent struct {
	Recovered  int `json:"recovered"`
	Monitoring int `json:"monitoring"`
	Flagged    int `json:"flagged"`
	Total      int `json:"total"`
}
