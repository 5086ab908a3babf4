package ownership

import (
	"fmt"
	"sync"
	"time"

	"github.com/charleschow/execution-core/internal/core/strategy"
	"github.com/charleschow/execution-core/internal/events"
	"github.com/charleschow/execution-core/internal/telemetry"
)

// Kind distinguishes exclusive from shared ticker ownership.
type Kind string

const (
	KindExclusive Kind = "exclusive"
	KindShared    Kind = "shared"
)

// Record is one ticker's ownership row. At most one exclusive owner per
// ticker at any instant; a LockedUntil in the future makes the record
// immovable except by explicit override.
type Record struct {
	Ticker      string
	StrategyID  string
	Kind        Kind
	LockedUntil time.Time
	AcquiredAt  time.Time
	UpdatedAt   time.Time
}

// MismatchError reports a transfer requested from a strategy that does not
// currently own the ticker. This is a safety invariant, not a soft failure.
type MismatchError struct {
	Ticker  string
	Claimed string
	Actual  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("ownership mismatch on %s: %s claimed, %s owns", e.Ticker, e.Claimed, e.Actual)
}

// Persister is the slice of storage the service needs. Satisfied by *store.Store.
type Persister interface {
	SaveOwnership(*Record) error
	AllOwnerships() ([]*Record, error)
}

// Service holds the authoritative ticker -> strategy ownership mapping.
// It is the only writer of ownership rows; everything else reads through
// Owner/IsLocked.
type Service struct {
	mu       sync.RWMutex
	records  map[string]*Record
	store    Persister
	bus      *events.Bus
	registry *strategy.Registry
}

func NewService(store Persister, bus *events.Bus, registry *strategy.Registry) *Service {
	return &Service{
		records:  make(map[string]*Record),
		store:    store,
		bus:      bus,
		registry: registry,
	}
}

// Load rebuilds the in-memory mapping from the durable store. Called once
// at startup before any intent is accepted.
func (s *Service) Load() error {
	records, err := s.store.AllOwnerships()
	if err != nil {
		return fmt.Errorf("load ownerships: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[r.Ticker] = r
	}
	telemetry.Metrics.ActiveOwnerships.Set(int64(len(s.records)))
	return nil
}

// Owner returns a copy of the current ownership record for a ticker.
func (s *Service) Owner(ticker string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[ticker]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// IsLocked reports whether the ticker's ownership is under an unexpired
// time lock. An expired lock is treated as absent.
func (s *Service) IsLocked(ticker string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[ticker]
	return ok && !r.LockedUntil.IsZero() && r.LockedUntil.After(time.Now())
}

// Acquire creates or replaces the ownership row for a ticker and publishes
// ownership_acquired. Used for unowned tickers; contested moves go through
// Transfer.
func (s *Service) Acquire(ticker, strategyID string, kind Kind) error {
	now := time.Now()

	s.mu.Lock()
	prev, existed := s.records[ticker]
	rec := &Record{
		Ticker:     ticker,
		StrategyID: strategyID,
		Kind:       kind,
		AcquiredAt: now,
		UpdatedAt:  now,
	}
	s.records[ticker] = rec

	if err := s.store.SaveOwnership(rec); err != nil {
		// roll back the in-memory view so readers never see an unpersisted row
		if existed {
			s.records[ticker] = prev
		} else {
			delete(s.records, ticker)
		}
		s.mu.Unlock()
		telemetry.Metrics.PersistErrors.Inc()
		return fmt.Errorf("persist ownership %s: %w", ticker, err)
	}
	if !existed {
		telemetry.Metrics.ActiveOwnerships.Inc()
	}
	s.mu.Unlock()

	s.bus.Publish(events.EventOwnershipAcquired, events.OwnershipAcquiredEvent{
		Ticker:       ticker,
		StrategyID:   strategyID,
		StrategyName: s.registry.Name(strategyID),
		Kind:         string(kind),
	})
	return nil
}

// Transfer moves ownership of a ticker between strategies. The from side
// must be the current owner or the call fails with *MismatchError.
func (s *Service) Transfer(ticker, fromStrategyID, toStrategyID, reason string) error {
	s.mu.Lock()
	rec, ok := s.records[ticker]
	if !ok || rec.StrategyID != fromStrategyID {
		actual := ""
		if ok {
			actual = rec.StrategyID
		}
		s.mu.Unlock()
		return &MismatchError{Ticker: ticker, Claimed: fromStrategyID, Actual: actual}
	}

	// Capture everything the event needs as plain values before mutating
	// the row, so the payload can never reference a stale record.
	payload := events.OwnershipTransferredEvent{
		Ticker:       ticker,
		FromStrategy: rec.StrategyID,
		FromName:     s.registry.Name(rec.StrategyID),
		ToStrategy:   toStrategyID,
		ToName:       s.registry.Name(toStrategyID),
		Reason:       reason,
	}

	prev := *rec
	rec.StrategyID = toStrategyID
	rec.AcquiredAt = time.Now()
	rec.UpdatedAt = rec.AcquiredAt
	rec.LockedUntil = time.Time{}

	if err := s.store.SaveOwnership(rec); err != nil {
		*rec = prev
		s.mu.Unlock()
		telemetry.Metrics.PersistErrors.Inc()
		return fmt.Errorf("persist ownership transfer %s: %w", ticker, err)
	}
	s.mu.Unlock()

	telemetry.Metrics.OwnershipTransfers.Inc()
	s.bus.Publish(events.EventOwnershipTransferred, payload)
	return nil
}

// LockUntil places a time-bounded hold on a ticker's ownership. While
// unexpired the owner cannot be overridden regardless of priority.
func (s *Service) LockUntil(ticker string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[ticker]
	if !ok {
		return fmt.Errorf("lock %s: no ownership record", ticker)
	}

	prev := rec.LockedUntil
	rec.LockedUntil = until
	rec.UpdatedAt = time.Now()
	if err := s.store.SaveOwnership(rec); err != nil {
		rec.LockedUntil = prev
		telemetry.Metrics.PersistErrors.Inc()
		return fmt.Errorf("persist lock %s: %w", ticker, err)
	}
	return nil
}

// All returns a snapshot of every ownership record.
func (s *Service) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	return out
}
