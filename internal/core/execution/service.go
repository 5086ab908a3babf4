package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/charleschow/execution-core/internal/core/broker"
	"github.com/charleschow/execution-core/internal/core/order"
	"github.com/charleschow/execution-core/internal/core/strategy"
	"github.com/charleschow/execution-core/internal/events"
	"github.com/charleschow/execution-core/internal/telemetry"
)

// Service subscribes to order_intent events and drives each accepted intent
// through the lifecycle: conflict arbitration and creation (inside the
// manager, under the ticker lock), validation, then broker submission.
//
// Broker submission is async — the submit call runs on a short-lived
// goroutine so it never blocks intent admission. The result is fed back
// through the manager as an order_sent or order_failed transition.
type Service struct {
	bus      *events.Bus
	mgr      *order.Manager
	registry *strategy.Registry
	client   broker.Client
}

func NewService(bus *events.Bus, mgr *order.Manager, registry *strategy.Registry, client broker.Client) *Service {
	s := &Service{
		bus:      bus,
		mgr:      mgr,
		registry: registry,
		client:   client,
	}

	bus.Subscribe(events.EventOrderIntent, s.onOrderIntent)

	return s
}

func (s *Service) onOrderIntent(evt events.Event) error {
	payload, ok := evt.Payload.(events.OrderIntentEvent)
	if !ok {
		return nil
	}

	_, err := s.HandleIntent(context.Background(), order.Intent{
		Ticker:     payload.Ticker,
		Action:     payload.Action,
		Quantity:   payload.Quantity,
		StrategyID: payload.StrategyID,
		Priority:   payload.Priority,
		Confidence: payload.Confidence,
	})
	return err
}

// HandleIntent runs the admission-and-submission pipeline for one intent.
// A blocked intent returns (nil, nil): blocking is an outcome the conflict
// detector has already published, not an error.
func (s *Service) HandleIntent(ctx context.Context, intent order.Intent) (*order.Order, error) {
	o, decision, err := s.mgr.ProcessIntent(ctx, intent)
	if err != nil {
		return nil, err
	}
	if o == nil {
		telemetry.Infof("execution: intent blocked ticker=%s strategy=%s reason=%q",
			intent.Ticker, intent.StrategyID, decision.Reason)
		return nil, nil
	}

	if err := s.mgr.StartValidation(ctx, o.ID); err != nil {
		return o, err
	}

	if reason := s.validate(intent); reason != "" {
		if err := s.mgr.ValidationFailed(ctx, o.ID, reason); err != nil {
			return o, err
		}
		telemetry.Infof("execution: intent rejected ticker=%s strategy=%s reason=%q",
			intent.Ticker, intent.StrategyID, reason)
		return o, nil
	}

	if err := s.mgr.ValidationPassed(ctx, o.ID); err != nil {
		return o, err
	}

	go s.submit(o.ID, intent)
	return o, nil
}

// validate returns a rejection reason, or "" when the intent is sound.
func (s *Service) validate(intent order.Intent) string {
	if intent.Quantity <= 0 {
		return fmt.Sprintf("quantity must be positive, got %d", intent.Quantity)
	}
	if intent.Action != order.ActionBuy && intent.Action != order.ActionSell {
		return fmt.Sprintf("unknown action %q", intent.Action)
	}
	def, ok := s.registry.Get(intent.StrategyID)
	if !ok {
		return fmt.Sprintf("unknown strategy %q", intent.StrategyID)
	}
	if !def.Active {
		return fmt.Sprintf("strategy %q is inactive", intent.StrategyID)
	}
	return ""
}

func (s *Service) submit(orderID string, intent order.Intent) {
	ctx := context.Background()

	start := time.Now()
	ref, err := s.client.SubmitOrder(ctx, intent.Ticker, intent.Action, intent.Quantity)
	telemetry.Metrics.SubmitLatency.Record(time.Since(start))

	if err != nil {
		telemetry.Metrics.SubmitErrors.Inc()
		telemetry.Errorf("execution: submit failed ticker=%s order=%s: %v", intent.Ticker, orderID, err)
		if ferr := s.mgr.OrderFailed(ctx, orderID, err.Error()); ferr != nil {
			telemetry.Errorf("execution: recording submit failure for %s: %v", orderID, ferr)
		}
		return
	}

	telemetry.Metrics.OrdersSubmitted.Inc()
	telemetry.Infof("execution: order submitted ticker=%s order=%s ref=%s", intent.Ticker, orderID, ref)

	if err := s.mgr.OrderSent(ctx, orderID, ref); err != nil {
		telemetry.Errorf("execution: recording submit for %s: %v", orderID, err)
	}
}
