package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charleschow/execution-core/internal/core/order"
	"github.com/charleschow/execution-core/internal/core/ownership"
	"github.com/charleschow/execution-core/internal/core/state"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleOrder(id string, st state.State) *order.Order {
	now := time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC)
	return &order.Order{
		ID:         id,
		Ticker:     "AAPL",
		StrategyID: "alpha",
		Action:     order.ActionBuy,
		Quantity:   100,
		State:      st,
		Metadata:   map[string]string{"confidence": "0.80"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestOrderRoundTrip(t *testing.T) {
	s := openTestStore(t)

	in := sampleOrder("ord-1", state.OrderSent)
	in.FilledQty = 40
	in.FilledPrice = 187.25
	in.BrokerRef = "bk-9"
	in.Metadata["broker_ref"] = "bk-9"
	require.NoError(t, s.SaveOrder(in))

	out, err := s.GetOrder("ord-1")
	require.NoError(t, err)
	assert.Equal(t, in.Ticker, out.Ticker)
	assert.Equal(t, state.OrderSent, out.State)
	assert.Equal(t, 40, out.FilledQty)
	assert.Equal(t, 187.25, out.FilledPrice)
	assert.Equal(t, "bk-9", out.BrokerRef)
	assert.Equal(t, in.Metadata, out.Metadata)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.True(t, out.FilledAt.IsZero(), "unset filled_at survives the round trip as zero")
}

func TestSaveOrderUpserts(t *testing.T) {
	s := openTestStore(t)

	o := sampleOrder("ord-1", state.SignalReceived)
	require.NoError(t, s.SaveOrder(o))

	o.State = state.Validating
	o.UpdatedAt = o.UpdatedAt.Add(time.Second)
	require.NoError(t, s.SaveOrder(o))

	out, err := s.GetOrder("ord-1")
	require.NoError(t, err)
	assert.Equal(t, state.Validating, out.State)

	all, err := s.ActiveOrders()
	require.NoError(t, err)
	assert.Len(t, all, 1, "upsert must not duplicate rows")
}

func TestGetOrderUnknown(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetOrder("missing")
	assert.ErrorIs(t, err, order.ErrUnknownOrder)
}

func TestActiveOrdersExcludesTerminals(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveOrder(sampleOrder("a", state.OrderSent)))
	require.NoError(t, s.SaveOrder(sampleOrder("b", state.PartialFilled)))
	require.NoError(t, s.SaveOrder(sampleOrder("c", state.FullyFilled)))
	require.NoError(t, s.SaveOrder(sampleOrder("d", state.Cancelled)))
	require.NoError(t, s.SaveOrder(sampleOrder("e", state.Rejected)))
	require.NoError(t, s.SaveOrder(sampleOrder("f", state.Failed)))

	active, err := s.ActiveOrders()
	require.NoError(t, err)
	require.Len(t, active, 2)
	for _, o := range active {
		assert.False(t, state.NewMachine().IsTerminal(o.State))
	}
}

func TestOrdersInStates(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveOrder(sampleOrder("a", state.OrderSent)))
	require.NoError(t, s.SaveOrder(sampleOrder("b", state.Validating)))
	require.NoError(t, s.SaveOrder(sampleOrder("c", state.OrderPending)))

	got, err := s.OrdersInStates(state.OrderSent, state.OrderPending)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	none, err := s.OrdersInStates()
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestManualReviewOrders(t *testing.T) {
	s := openTestStore(t)

	flagged := sampleOrder("a", state.OrderSent)
	flagged.NeedsManualReview = true
	flagged.ErrMsg = "broker unreachable"
	require.NoError(t, s.SaveOrder(flagged))
	require.NoError(t, s.SaveOrder(sampleOrder("b", state.OrderSent)))

	got, err := s.ManualReviewOrders()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
	assert.True(t, got[0].NeedsManualReview)
	assert.Equal(t, "broker unreachable", got[0].ErrMsg)
}

func TestOwnershipRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC)

	rec := &ownership.Record{
		Ticker:     "AAPL",
		StrategyID: "alpha",
		Kind:       ownership.KindExclusive,
		AcquiredAt: now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.SaveOwnership(rec))

	locked := &ownership.Record{
		Ticker:      "TSLA",
		StrategyID:  "beta",
		Kind:        ownership.KindShared,
		LockedUntil: now.Add(time.Hour),
		AcquiredAt:  now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.SaveOwnership(locked))

	all, err := s.AllOwnerships()
	require.NoError(t, err)
	require.Len(t, all, 2)

	byTicker := make(map[string]*ownership.Record, len(all))
	for _, r := range all {
		byTicker[r.Ticker] = r
	}
	assert.Equal(t, "alpha", byTicker["AAPL"].StrategyID)
	assert.True(t, byTicker["AAPL"].LockedUntil.IsZero())
	assert.Equal(t, ownership.KindShared, byTicker["TSLA"].Kind)
	assert.True(t, locked.LockedUntil.Equal(byTicker["TSLA"].LockedUntil))
}

func TestOwnershipUpsertReplacesOwner(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	require.NoError(t, s.SaveOwnership(&ownership.Record{
		Ticker: "AAPL", StrategyID: "alpha", Kind: ownership.KindExclusive,
		AcquiredAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.SaveOwnership(&ownership.Record{
		Ticker: "AAPL", StrategyID: "beta", Kind: ownership.KindExclusive,
		AcquiredAt: now, UpdatedAt: now.Add(time.Second),
	}))

	all, err := s.AllOwnerships()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "beta", all[0].StrategyID)
}
