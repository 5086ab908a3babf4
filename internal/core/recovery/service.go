package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/charleschow/execution-core/internal/core/broker"
	"github.com/charleschow/execution-core/internal/core/order"
	"github.com/charleschow/execution-core/internal/events"
	"github.com/charleschow/execution-core/internal/telemetry"
)

// StatusClient is the slice of the broker port recovery needs.
type StatusClient interface {
	GetOrderStatus(ctx context.Context, ref string) (broker.OrderStatus, error)
}

// Summary is the result of one recovery pass.
type Summary struct {
	Recovered  int // moved to a terminal state from broker truth
	Monitoring int // still live at the broker; handed to the tracking loop
	Flagged    int // ambiguous; needs a human before the system trusts them
	Total      int
}

// Service reconciles orders left in a pending state by a prior run against
// the broker's view of reality. It runs once at startup, before any new
// intent is accepted, and never guesses: an order whose true status cannot
// be established is flagged for manual review in its last known state.
type Service struct {
	mgr     *order.Manager
	client  StatusClient
	bus     *events.Bus
	limiter *rate.Limiter

	orderTimeout time.Duration
	parallelism  int
}

type Option func(*Service)

// WithOrderTimeout bounds each broker status query so one unreachable
// broker call cannot stall the whole pass.
func WithOrderTimeout(d time.Duration) Option {
	return func(s *Service) { s.orderTimeout = d }
}

// WithParallelism caps concurrent broker queries.
func WithParallelism(n int) Option {
	return func(s *Service) { s.parallelism = n }
}

// WithRateLimit throttles broker status queries to qps.
func WithRateLimit(qps float64) Option {
	return func(s *Service) { s.limiter = rate.NewLimiter(rate.Limit(qps), 1) }
}

func NewService(mgr *order.Manager, client StatusClient, bus *events.Bus, opts ...Option) *Service {
	s := &Service{
		mgr:          mgr,
		client:       client,
		bus:          bus,
		limiter:      rate.NewLimiter(rate.Limit(10), 1),
		orderTimeout: 10 * time.Second,
		parallelism:  4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run processes every pending order. A failure recovering one order is
// contained — logged, flagged — and never aborts the rest of the pass.
func (s *Service) Run(ctx context.Context) (Summary, error) {
	pending := s.mgr.Pending()

	var mu sync.Mutex
	summary := Summary{Total: len(pending)}

	if len(pending) == 0 {
		telemetry.Infof("recovery: no pending orders")
		s.publish(summary)
		return summary, nil
	}

	telemetry.Infof("recovery: reconciling %d pending orders", len(pending))

	g := new(errgroup.Group)
	g.SetLimit(s.parallelism)

	for _, o := range pending {
		g.Go(func() error {
			outcome := s.recoverOne(ctx, o)
			mu.Lock()
			switch outcome {
			case outcomeRecovered:
				summary.Recovered++
			case outcomeMonitoring:
				summary.Monitoring++
			case outcomeFlagged:
				summary.Flagged++
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	telemetry.Infof("recovery: done recovered=%d monitoring=%d flagged=%d total=%d",
		summary.Recovered, summary.Monitoring, summary.Flagged, summary.Total)
	s.publish(summary)
	return summary, ctx.Err()
}

type outcome int

const (
	outcomeRecovered outcome = iota
	outcomeMonitoring
	outcomeFlagged
)

// recoverOne reconciles a single order. Panics are contained here so a bug
// in one order's handling cannot take down the pass.
func (s *Service) recoverOne(ctx context.Context, o *order.Order) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.Errorf("recovery: panic on order %s: %v", o.ID, r)
			s.flag(ctx, o.ID, fmt.Sprintf("recovery panic: %v", r))
			out = outcomeFlagged
		}
	}()

	if s.client == nil {
		s.flag(ctx, o.ID, "no broker client configured")
		return outcomeFlagged
	}
	if o.BrokerRef == "" {
		s.flag(ctx, o.ID, "pending order has no broker reference id")
		return outcomeFlagged
	}

	octx, cancel := context.WithTimeout(ctx, s.orderTimeout)
	defer cancel()

	if err := s.limiter.Wait(octx); err != nil {
		s.flag(ctx, o.ID, fmt.Sprintf("broker query rate wait: %v", err))
		return outcomeFlagged
	}

	start := time.Now()
	status, err := s.client.GetOrderStatus(octx, o.BrokerRef)
	telemetry.Metrics.BrokerStatusCalls.Inc()
	telemetry.Metrics.BrokerLatency.Record(time.Since(start))
	if err != nil {
		// Absence of information is not information. Flag, never guess.
		s.flag(ctx, o.ID, fmt.Sprintf("broker status query failed: %v", err))
		return outcomeFlagged
	}

	switch status.Status {
	case broker.StatusFilled:
		if err := s.mgr.FullyFilled(ctx, o.ID, status.FilledQty, status.FilledPrice); err != nil {
			s.flag(ctx, o.ID, fmt.Sprintf("apply recovered fill: %v", err))
			return outcomeFlagged
		}
		telemetry.Metrics.RecoveredOrders.Inc()
		return outcomeRecovered

	case broker.StatusCancelled:
		if err := s.mgr.Cancel(ctx, o.ID, "recovered as cancelled"); err != nil {
			s.flag(ctx, o.ID, fmt.Sprintf("apply recovered cancel: %v", err))
			return outcomeFlagged
		}
		telemetry.Metrics.RecoveredOrders.Inc()
		return outcomeRecovered

	case broker.StatusPartial:
		// Broker quantities are authoritative; only write when they differ
		// so a repeated pass does not double-apply the same fill.
		if o.FilledQty != status.FilledQty {
			if err := s.mgr.PartialFill(ctx, o.ID, status.FilledQty, status.FilledPrice); err != nil {
				s.flag(ctx, o.ID, fmt.Sprintf("apply recovered partial fill: %v", err))
				return outcomeFlagged
			}
		}
		return outcomeMonitoring

	case broker.StatusPending:
		return outcomeMonitoring

	default:
		s.flag(ctx, o.ID, fmt.Sprintf("broker reported unrecognized status %q", status.Status))
		return outcomeFlagged
	}
}

func (s *Service) flag(ctx context.Context, orderID, reason string) {
	if err := s.mgr.FlagManualReview(ctx, orderID, reason); err != nil {
		telemetry.Errorf("recovery: flagging order %s failed: %v", orderID, err)
	}
}

func (s *Service) publish(summary Summary) {
	s.bus.Publish(events.EventRecoveryComplete, events.RecoveryCompleteEvent{
		Recovered:  summary.Recovered,
		Monitoring: summary.Monitoring,
		Flagged:    summary.Flagged,
		Total:      summary.Total,
	})
}
