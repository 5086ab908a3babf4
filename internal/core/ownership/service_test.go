package ownership

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charleschow/execution-core/internal/core/strategy"
	"github.com/charleschow/execution-core/internal/events"
)

type memStore struct {
	rows    map[string]Record
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]Record)}
}

func (s *memStore) SaveOwnership(r *Record) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.rows[r.Ticker] = *r
	return nil
}

func (s *memStore) AllOwnerships() ([]*Record, error) {
	var out []*Record
	for _, r := range s.rows {
		cp := r
		out = append(out, &cp)
	}
	return out, nil
}

func newTestService() (*Service, *memStore, *events.Bus) {
	registry := strategy.NewRegistry()
	registry.Register(strategy.Strategy{ID: "alpha", Name: "Alpha", Priority: 5, Active: true})
	registry.Register(strategy.Strategy{ID: "beta", Name: "Beta", Priority: 3, Active: true})

	store := newMemStore()
	bus := events.NewBus()
	return NewService(store, bus, registry), store, bus
}

func TestAcquireCreatesExclusiveOwner(t *testing.T) {
	svc, store, bus := newTestService()

	require.NoError(t, svc.Acquire("AAPL", "alpha", KindExclusive))

	rec, ok := svc.Owner("AAPL")
	require.True(t, ok)
	assert.Equal(t, "alpha", rec.StrategyID)
	assert.Equal(t, KindExclusive, rec.Kind)
	assert.Contains(t, store.rows, "AAPL")

	hist := bus.History(events.EventOwnershipAcquired, 0)
	require.Len(t, hist, 1)
	payload := hist[0].Payload.(events.OwnershipAcquiredEvent)
	assert.Equal(t, "Alpha", payload.StrategyName)
}

func TestAcquireRollsBackOnPersistFailure(t *testing.T) {
	svc, store, bus := newTestService()

	store.saveErr = errors.New("disk full")
	err := svc.Acquire("AAPL", "alpha", KindExclusive)
	require.Error(t, err)

	_, ok := svc.Owner("AAPL")
	assert.False(t, ok, "unpersisted ownership must not be visible")
	assert.Empty(t, bus.History(events.EventOwnershipAcquired, 0))
}

func TestTransferRequiresCurrentOwner(t *testing.T) {
	svc, _, _ := newTestService()
	require.NoError(t, svc.Acquire("AAPL", "alpha", KindExclusive))

	err := svc.Transfer("AAPL", "beta", "alpha", "bogus claim")
	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "beta", mismatch.Claimed)
	assert.Equal(t, "alpha", mismatch.Actual)

	// owner unchanged
	rec, _ := svc.Owner("AAPL")
	assert.Equal(t, "alpha", rec.StrategyID)
}

func TestTransferEventCapturesBothSides(t *testing.T) {
	svc, _, bus := newTestService()
	require.NoError(t, svc.Acquire("AAPL", "alpha", KindExclusive))

	require.NoError(t, svc.Transfer("AAPL", "alpha", "beta", "priority override"))

	rec, _ := svc.Owner("AAPL")
	assert.Equal(t, "beta", rec.StrategyID)

	hist := bus.History(events.EventOwnershipTransferred, 0)
	require.Len(t, hist, 1)
	payload := hist[0].Payload.(events.OwnershipTransferredEvent)
	assert.Equal(t, "alpha", payload.FromStrategy)
	assert.Equal(t, "Alpha", payload.FromName)
	assert.Equal(t, "beta", payload.ToStrategy)
	assert.Equal(t, "Beta", payload.ToName)
	assert.Equal(t, "priority override", payload.Reason)
}

func TestTransferRollsBackOnPersistFailure(t *testing.T) {
	svc, store, _ := newTestService()
	require.NoError(t, svc.Acquire("AAPL", "alpha", KindExclusive))

	store.saveErr = errors.New("disk full")
	require.Error(t, svc.Transfer("AAPL", "alpha", "beta", "override"))

	rec, _ := svc.Owner("AAPL")
	assert.Equal(t, "alpha", rec.StrategyID, "failed transfer must leave owner unchanged")
}

func TestLockExpiryTreatedAsAbsent(t *testing.T) {
	svc, _, _ := newTestService()
	require.NoError(t, svc.Acquire("AAPL", "alpha", KindExclusive))

	assert.False(t, svc.IsLocked("AAPL"))

	require.NoError(t, svc.LockUntil("AAPL", time.Now().Add(time.Hour)))
	assert.True(t, svc.IsLocked("AAPL"))

	require.NoError(t, svc.LockUntil("AAPL", time.Now().Add(-time.Second)))
	assert.False(t, svc.IsLocked("AAPL"), "expired lock is no lock")
}

func TestLoadRestoresRecords(t *testing.T) {
	svc, store, _ := newTestService()
	require.NoError(t, svc.Acquire("AAPL", "alpha", KindExclusive))
	require.NoError(t, svc.Acquire("TSLA", "beta", KindShared))

	registry := strategy.NewRegistry()
	fresh := NewService(store, events.NewBus(), registry)
	require.NoError(t, fresh.Load())

	rec, ok := fresh.Owner("AAPL")
	require.True(t, ok)
	assert.Equal(t, "alpha", rec.StrategyID)
	assert.Len(t, fresh.All(), 2)
}
