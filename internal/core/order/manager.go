package order

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/charleschow/execution-core/internal/core/conflict"
	"github.com/charleschow/execution-core/internal/core/state"
	"github.com/charleschow/execution-core/internal/events"
	"github.com/charleschow/execution-core/internal/telemetry"
)

// Persister is the slice of storage the manager needs. Satisfied by *store.Store.
type Persister interface {
	SaveOrder(*Order) error
	ActiveOrders() ([]*Order, error)
	ManualReviewOrders() ([]*Order, error)
}

// Manager is the single writer of order lifecycle state. Every mutation —
// creation, transition, manual-review flagging — goes through it, under a
// per-ticker lock that spans "check conflict -> create/transition -> persist
// -> publish". Intents for different tickers proceed fully in parallel.
type Manager struct {
	machine  state.Machine
	store    Persister
	bus      *events.Bus
	detector *conflict.Detector

	mu      sync.Mutex
	orders  map[string]*Order
	tickers map[string]*sync.Mutex
}

func NewManager(store Persister, bus *events.Bus, detector *conflict.Detector) *Manager {
	return &Manager{
		machine:  state.NewMachine(),
		store:    store,
		bus:      bus,
		detector: detector,
		orders:   make(map[string]*Order),
		tickers:  make(map[string]*sync.Mutex),
	}
}

// LoadActive rebuilds the in-memory working set from orders left in a
// non-terminal state by a prior run. Called once at startup, before recovery.
func (m *Manager) LoadActive() (int, error) {
	active, err := m.store.ActiveOrders()
	if err != nil {
		return 0, fmt.Errorf("load active orders: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range active {
		if o.Metadata == nil {
			o.Metadata = make(map[string]string)
		}
		m.orders[o.ID] = o
	}
	return len(active), nil
}

// tickerLock returns the mutex serializing all work on one ticker,
// creating it on first use.
func (m *Manager) tickerLock(ticker string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.tickers[ticker]
	if !ok {
		lock = &sync.Mutex{}
		m.tickers[ticker] = lock
	}
	return lock
}

// ProcessIntent runs the whole admission pipeline for one intent under the
// ticker lock: conflict arbitration, order creation in idle, persistence,
// and the receive_signal transition. A blocked intent returns the decision
// with a nil order and no error — blocking is an outcome, not a failure.
func (m *Manager) ProcessIntent(ctx context.Context, intent Intent) (*Order, conflict.Decision, error) {
	telemetry.Metrics.IntentsReceived.Inc()

	lock := m.tickerLock(intent.Ticker)
	lock.Lock()
	defer lock.Unlock()

	decision := m.detector.Check(conflict.Request{
		Ticker:     intent.Ticker,
		Action:     intent.Action,
		StrategyID: intent.StrategyID,
		Priority:   intent.Priority,
	})
	if !decision.Allowed() {
		return nil, decision, nil
	}

	o := newOrder(intent)
	if err := m.store.SaveOrder(o); err != nil {
		telemetry.Metrics.PersistErrors.Inc()
		return nil, decision, fmt.Errorf("persist new order %s: %w", o.ID, err)
	}

	m.mu.Lock()
	m.orders[o.ID] = o
	m.mu.Unlock()
	telemetry.Metrics.OrdersCreated.Inc()

	if err := m.transitionLocked(o, state.SignalReceived, "intent accepted", map[string]string{
		"confidence": strconv.FormatFloat(intent.Confidence, 'f', -1, 64),
	}, nil); err != nil {
		return o, decision, err
	}
	return o, decision, nil
}

// Transition moves an order to target if the state machine approves. On
// refusal it returns *InvalidTransitionError and changes nothing. On a
// persistence failure the in-memory order is rolled back to its prior value
// before the error is returned, so readers never observe a half-applied write.
func (m *Manager) Transition(ctx context.Context, orderID string, target state.State, reason string, metadata map[string]string) error {
	return m.transitionWith(orderID, target, reason, metadata, nil)
}

func (m *Manager) transitionWith(orderID string, target state.State, reason string, metadata map[string]string, apply func(*Order)) error {
	o, err := m.get(orderID)
	if err != nil {
		return err
	}

	lock := m.tickerLock(o.Ticker)
	lock.Lock()
	defer lock.Unlock()

	return m.transitionLocked(o, target, reason, metadata, apply)
}

// transitionLocked is the one mutation path. Caller holds the ticker lock.
func (m *Manager) transitionLocked(o *Order, target state.State, reason string, metadata map[string]string, apply func(*Order)) error {
	if !m.machine.CanTransition(o.State, target) {
		telemetry.Metrics.InvalidTransitions.Inc()
		return &InvalidTransitionError{OrderID: o.ID, From: o.State, To: target}
	}

	snap := o.snapshot()

	from := o.State
	o.State = target
	o.UpdatedAt = nowFunc()
	if target == state.FullyFilled {
		o.FilledAt = o.UpdatedAt
	}
	for k, v := range metadata {
		o.Metadata[k] = v
	}
	if apply != nil {
		apply(o)
	}

	if err := m.store.SaveOrder(o); err != nil {
		o.restore(snap)
		telemetry.Metrics.PersistErrors.Inc()
		return fmt.Errorf("persist order %s: %w", o.ID, err)
	}

	telemetry.Metrics.Transitions.Inc()

	// Payload built from plain values captured above; nothing here can hold
	// a reference that a later mutation invalidates.
	m.bus.Publish(events.EventOrderStateChanged, events.OrderStateChangedEvent{
		OrderID:   o.ID,
		Ticker:    o.Ticker,
		FromState: string(from),
		ToState:   string(target),
		Reason:    reason,
	})
	return nil
}

// ── Domain transition wrappers ──────────────────────────────────────────

func (m *Manager) ReceiveSignal(ctx context.Context, orderID string) error {
	return m.transitionWith(orderID, state.SignalReceived, "signal received", nil, nil)
}

func (m *Manager) StartValidation(ctx context.Context, orderID string) error {
	return m.transitionWith(orderID, state.Validating, "validation started", nil, nil)
}

func (m *Manager) ValidationPassed(ctx context.Context, orderID string) error {
	return m.transitionWith(orderID, state.OrderPending, "validation passed", nil, nil)
}

func (m *Manager) ValidationFailed(ctx context.Context, orderID, reason string) error {
	return m.transitionWith(orderID, state.Rejected, reason, nil, func(o *Order) {
		o.ErrMsg = reason
	})
}

// OrderSent records the broker-assigned reference id alongside the transition.
func (m *Manager) OrderSent(ctx context.Context, orderID, brokerRef string) error {
	return m.transitionWith(orderID, state.OrderSent, "order sent to broker",
		map[string]string{"broker_ref": brokerRef},
		func(o *Order) { o.BrokerRef = brokerRef })
}

func (m *Manager) OrderFailed(ctx context.Context, orderID, errMsg string) error {
	return m.transitionWith(orderID, state.Failed, "broker submit failed", nil, func(o *Order) {
		o.ErrMsg = errMsg
	})
}

func (m *Manager) PartialFill(ctx context.Context, orderID string, filledQty int, filledPrice float64) error {
	return m.transitionWith(orderID, state.PartialFilled, "partial fill",
		map[string]string{
			"filled_qty":   strconv.Itoa(filledQty),
			"filled_price": strconv.FormatFloat(filledPrice, 'f', -1, 64),
		},
		func(o *Order) {
			o.FilledQty = filledQty
			o.FilledPrice = filledPrice
		})
}

func (m *Manager) FullyFilled(ctx context.Context, orderID string, filledQty int, filledPrice float64) error {
	return m.transitionWith(orderID, state.FullyFilled, "fully filled",
		map[string]string{
			"filled_qty":   strconv.Itoa(filledQty),
			"filled_price": strconv.FormatFloat(filledPrice, 'f', -1, 64),
		},
		func(o *Order) {
			o.FilledQty = filledQty
			o.FilledPrice = filledPrice
		})
}

func (m *Manager) Cancel(ctx context.Context, orderID, reason string) error {
	return m.transitionWith(orderID, state.Cancelled, reason, nil, nil)
}

// ── Reads and operator surface ──────────────────────────────────────────

// get returns the live order for the manager's own mutation paths. Callers
// outside the manager go through Get, which copies under the ticker lock.
func (m *Manager) get(orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	return o, nil
}

// Get returns a point-in-time copy of the order, taken under the ticker
// lock. Readers never observe a half-applied transition or the window
// between a mutation and its rollback.
func (m *Manager) Get(orderID string) (*Order, error) {
	o, err := m.get(orderID)
	if err != nil {
		return nil, err
	}

	lock := m.tickerLock(o.Ticker)
	lock.Lock()
	defer lock.Unlock()
	snap := o.snapshot()
	return &snap, nil
}

// Pending returns copies of the in-memory orders in a broker-in-flight
// state, the recovery pass's worklist. Each copy is taken under its ticker
// lock; the set itself is a point-in-time view.
func (m *Manager) Pending() []*Order {
	m.mu.Lock()
	live := make([]*Order, 0, len(m.orders))
	for _, o := range m.orders {
		live = append(live, o)
	}
	m.mu.Unlock()

	// Ticker locks are taken outside m.mu: tickerLock needs m.mu itself.
	var out []*Order
	for _, o := range live {
		lock := m.tickerLock(o.Ticker)
		lock.Lock()
		if m.machine.IsPending(o.State) {
			snap := o.snapshot()
			out = append(out, &snap)
		}
		lock.Unlock()
	}
	return out
}

// FlagManualReview marks an order for operator attention without touching
// its lifecycle state. Used when recovery cannot establish the truth.
func (m *Manager) FlagManualReview(ctx context.Context, orderID, reason string) error {
	o, err := m.get(orderID)
	if err != nil {
		return err
	}

	lock := m.tickerLock(o.Ticker)
	lock.Lock()
	defer lock.Unlock()

	snap := o.snapshot()
	o.NeedsManualReview = true
	o.ErrMsg = reason
	o.UpdatedAt = nowFunc()

	if err := m.store.SaveOrder(o); err != nil {
		o.restore(snap)
		telemetry.Metrics.PersistErrors.Inc()
		return fmt.Errorf("persist manual-review flag %s: %w", o.ID, err)
	}

	telemetry.Metrics.FlaggedOrders.Inc()
	telemetry.Warnf("order %s flagged for manual review: %s", o.ID, reason)
	return nil
}

// ManualReview lists every order awaiting operator action, from the store
// so terminal-but-flagged orders from prior runs are included.
func (m *Manager) ManualReview() ([]*Order, error) {
	return m.store.ManualReviewOrders()
}
