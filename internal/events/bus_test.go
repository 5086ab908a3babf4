package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInlineHandlersRunInRegistrationOrder(t *testing.T) {
	bus := NewBus()

	var got []int
	for i := range 3 {
		bus.SubscribeInline(EventOrderStateChanged, func(Event) error {
			got = append(got, i)
			return nil
		})
	}

	bus.Publish(EventOrderStateChanged, nil)
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestBrokenSubscriberNeverBreaksPublisher(t *testing.T) {
	bus := NewBus()

	bus.SubscribeInline(EventConflictDetected, func(Event) error {
		return errors.New("subscriber bug")
	})
	bus.SubscribeInline(EventConflictDetected, func(Event) error {
		panic("worse subscriber bug")
	})

	var reached bool
	bus.SubscribeInline(EventConflictDetected, func(Event) error {
		reached = true
		return nil
	})

	assert.NotPanics(t, func() {
		bus.Publish(EventConflictDetected, nil)
	})
	assert.True(t, reached, "later handlers must still run")
}

func TestAsyncHandlerDelivery(t *testing.T) {
	bus := NewBus()

	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(EventOwnershipAcquired, func(e Event) error {
		defer wg.Done()
		assert.Equal(t, EventOwnershipAcquired, e.Type)
		return nil
	})

	bus.Publish(EventOwnershipAcquired, OwnershipAcquiredEvent{Ticker: "AAPL"})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async handler never ran")
	}
}

func TestHistoryFilterAndLimit(t *testing.T) {
	bus := NewBus()

	bus.Publish(EventOrderStateChanged, OrderStateChangedEvent{OrderID: "a"})
	bus.Publish(EventConflictDetected, ConflictEvent{Ticker: "AAPL"})
	bus.Publish(EventOrderStateChanged, OrderStateChangedEvent{OrderID: "b"})
	bus.Publish(EventOrderStateChanged, OrderStateChangedEvent{OrderID: "c"})

	all := bus.History("", 0)
	require.Len(t, all, 4)

	changes := bus.History(EventOrderStateChanged, 0)
	require.Len(t, changes, 3)

	last2 := bus.History(EventOrderStateChanged, 2)
	require.Len(t, last2, 2)
	assert.Equal(t, "b", last2[0].Payload.(OrderStateChangedEvent).OrderID)
	assert.Equal(t, "c", last2[1].Payload.(OrderStateChangedEvent).OrderID)
}

func TestHistoryEvictsOldestBeyondCap(t *testing.T) {
	bus := NewBusWithCap(5)

	for range 9 {
		bus.Publish(EventOrderStateChanged, nil)
	}
	first := bus.History("", 0)
	require.Len(t, first, 5)

	// the five survivors are the five newest
	last := bus.Publish(EventOrderStateChanged, nil)
	hist := bus.History("", 0)
	require.Len(t, hist, 5)
	assert.Equal(t, last.ID, hist[4].ID)
}

func TestReconstructWindowPreservesPublishOrder(t *testing.T) {
	bus := NewBus()

	before := time.Now()
	e1 := bus.Publish(EventOrderStateChanged, OrderStateChangedEvent{OrderID: "1"})
	e2 := bus.Publish(EventOwnershipAcquired, OwnershipAcquiredEvent{Ticker: "TSLA"})
	e3 := bus.Publish(EventOrderStateChanged, OrderStateChangedEvent{OrderID: "2"})
	after := time.Now().Add(time.Millisecond)

	window := bus.Reconstruct(before, after)
	require.Len(t, window, 3)
	assert.Equal(t, []string{e1.ID, e2.ID, e3.ID}, []string{window[0].ID, window[1].ID, window[2].ID})

	// a window that ends before the events were published is empty
	assert.Empty(t, bus.Reconstruct(before.Add(-time.Hour), before))
}
