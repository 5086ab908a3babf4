package conflict

import (
	"github.com/charleschow/execution-core/internal/core/ownership"
	"github.com/charleschow/execution-core/internal/core/strategy"
	"github.com/charleschow/execution-core/internal/events"
	"github.com/charleschow/execution-core/internal/telemetry"
)

// Outcome is the detector's verdict on an intent.
type Outcome string

const (
	// OutcomeAllowed: requester already owns the ticker.
	OutcomeAllowed Outcome = "allowed"
	// OutcomeNewOwner: ticker was unowned; requester acquired it.
	OutcomeNewOwner Outcome = "allowed_new_owner"
	// OutcomeOverride: requester outranked the owner and took the ticker.
	OutcomeOverride Outcome = "override"
	// OutcomeBlocked: a higher-or-equal priority owner (or an active lock)
	// keeps the ticker.
	OutcomeBlocked Outcome = "blocked"
)

// Request is a normalized intent as the detector sees it.
type Request struct {
	Ticker     string
	Action     string
	StrategyID string
	Priority   int
}

// Decision is the full, auditable result of a conflict check.
type Decision struct {
	Outcome Outcome
	OwnerID string // owner after the decision was applied
	Reason  string
}

// Allowed reports whether the order may proceed.
func (d Decision) Allowed() bool {
	return d.Outcome != OutcomeBlocked
}

// Detector arbitrates which strategy may act on a ticker right now. It is
// the only caller of OwnershipService's write operations on the intent path.
//
// Callers must hold the per-ticker lock for the full check-then-create span;
// the detector itself takes no locks.
type Detector struct {
	ownership *ownership.Service
	registry  *strategy.Registry
	bus       *events.Bus
}

func NewDetector(own *ownership.Service, registry *strategy.Registry, bus *events.Bus) *Detector {
	return &Detector{
		ownership: own,
		registry:  registry,
		bus:       bus,
	}
}

// Check runs the arbitration algorithm for one intent. Every contested
// branch publishes conflict_detected plus a resolution event; a publish or
// bookkeeping failure is logged and never flips the decision to a less safe
// outcome.
func (d *Detector) Check(req Request) Decision {
	owner, exists := d.ownership.Owner(req.Ticker)

	// Unowned ticker: first strategy in takes it exclusively.
	if !exists {
		if err := d.ownership.Acquire(req.Ticker, req.StrategyID, ownership.KindExclusive); err != nil {
			telemetry.Errorf("conflict: acquire %s for %s failed: %v", req.Ticker, req.StrategyID, err)
			return Decision{Outcome: OutcomeBlocked, Reason: "ownership acquisition failed"}
		}
		return Decision{
			Outcome: OutcomeNewOwner,
			OwnerID: req.StrategyID,
			Reason:  "no prior owner",
		}
	}

	// Owner re-trading its own ticker: no conflict, no ownership change.
	if owner.StrategyID == req.StrategyID {
		return Decision{
			Outcome: OutcomeAllowed,
			OwnerID: owner.StrategyID,
			Reason:  "requester owns ticker",
		}
	}

	ownerPriority := d.registry.Priority(owner.StrategyID)
	locked := d.ownership.IsLocked(req.Ticker)

	switch {
	case locked:
		// A live lock beats any priority; it can expire but not be jumped.
		return d.blocked(req, owner, ownerPriority, "ownership locked")

	case req.Priority > ownerPriority:
		return d.override(req, owner, ownerPriority)

	case req.Priority < ownerPriority:
		return d.blocked(req, owner, ownerPriority, "owner outranks requester")

	default:
		// Equal priority: the incumbent keeps the ticker.
		return d.blocked(req, owner, ownerPriority, "equal priority, incumbent wins")
	}
}

func (d *Detector) blocked(req Request, owner ownership.Record, ownerPriority int, reason string) Decision {
	telemetry.Metrics.ConflictsDetected.Inc()
	telemetry.Metrics.OrdersBlocked.Inc()

	payload := d.conflictPayload(req, owner, ownerPriority, "blocked")
	d.bus.Publish(events.EventConflictDetected, payload)
	d.bus.Publish(events.EventOrderBlocked, payload)

	return Decision{Outcome: OutcomeBlocked, OwnerID: owner.StrategyID, Reason: reason}
}

func (d *Detector) override(req Request, owner ownership.Record, ownerPriority int) Decision {
	telemetry.Metrics.ConflictsDetected.Inc()

	payload := d.conflictPayload(req, owner, ownerPriority, "override")
	d.bus.Publish(events.EventConflictDetected, payload)

	if err := d.ownership.Transfer(req.Ticker, owner.StrategyID, req.StrategyID, "priority override"); err != nil {
		// The transfer is the decision; if it cannot be applied, blocking is
		// the only safe answer.
		telemetry.Errorf("conflict: override transfer %s %s->%s failed: %v",
			req.Ticker, owner.StrategyID, req.StrategyID, err)
		return Decision{Outcome: OutcomeBlocked, OwnerID: owner.StrategyID, Reason: "override transfer failed"}
	}

	telemetry.Metrics.PriorityOverrides.Inc()
	d.bus.Publish(events.EventPriorityOverride, payload)

	return Decision{
		Outcome: OutcomeOverride,
		OwnerID: req.StrategyID,
		Reason:  "requester outranks owner",
	}
}

// conflictPayload captures both strategies as plain values so every
// conflict, resolved or not, is auditable from the event alone.
func (d *Detector) conflictPayload(req Request, owner ownership.Record, ownerPriority int, resolution string) events.ConflictEvent {
	return events.ConflictEvent{
		Ticker:             req.Ticker,
		RequestingStrategy: req.StrategyID,
		RequestingName:     d.registry.Name(req.StrategyID),
		RequestingPriority: req.Priority,
		OwningStrategy:     owner.StrategyID,
		OwningName:         d.registry.Name(owner.StrategyID),
		OwningPriority:     ownerPriority,
		Action:             req.Action,
		Resolution:         resolution,
	}
}
