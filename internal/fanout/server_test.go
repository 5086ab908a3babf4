package fanout

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charleschow/execution-core/internal/events"
)

func startServer(t *testing.T, bus *events.Bus) string {
	t.Helper()
	srv := NewServer(bus)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "?"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	evt, err := UnmarshalEvent(msg)
	require.NoError(t, err)
	return evt
}

func TestFanoutDeliversStreamedEvents(t *testing.T) {
	bus := events.NewBus()
	url := startServer(t, bus)
	conn := dial(t, url)

	// give the server a beat to register the client
	time.Sleep(50 * time.Millisecond)

	bus.Publish(events.EventOrderStateChanged, events.OrderStateChangedEvent{
		OrderID: "ord-1", Ticker: "AAPL", FromState: "order_pending", ToState: "order_sent",
	})

	evt := readEvent(t, conn)
	assert.Equal(t, events.EventOrderStateChanged, evt.Type)
	payload := evt.Payload.(events.OrderStateChangedEvent)
	assert.Equal(t, "ord-1", payload.OrderID)
	assert.Equal(t, "order_sent", payload.ToState)
}

func TestFanoutTypeFilter(t *testing.T) {
	bus := events.NewBus()
	url := startServer(t, bus)
	conn := dial(t, url+"type="+string(events.EventConflictDetected))

	time.Sleep(50 * time.Millisecond)

	bus.Publish(events.EventOrderStateChanged, events.OrderStateChangedEvent{OrderID: "skip-me"})
	bus.Publish(events.EventConflictDetected, events.ConflictEvent{Ticker: "AAPL"})

	evt := readEvent(t, conn)
	assert.Equal(t, events.EventConflictDetected, evt.Type, "filtered-out event must not arrive first")
}

func TestFanoutRejectsUnknownType(t *testing.T) {
	bus := events.NewBus()
	url := startServer(t, bus)

	_, resp, err := websocket.DefaultDialer.Dial(url+"type=bogus", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFanoutReplaySendsBacklog(t *testing.T) {
	bus := events.NewBus()
	bus.Publish(events.EventOrderStateChanged, events.OrderStateChangedEvent{OrderID: "old-1"})
	bus.Publish(events.EventOrderStateChanged, events.OrderStateChangedEvent{OrderID: "old-2"})

	url := startServer(t, bus)
	conn := dial(t, url+"replay=10")

	first := readEvent(t, conn)
	second := readEvent(t, conn)
	assert.Equal(t, "old-1", first.Payload.(events.OrderStateChangedEvent).OrderID)
	assert.Equal(t, "old-2", second.Payload.(events.OrderStateChangedEvent).OrderID)
}
