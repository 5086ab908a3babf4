package fanout

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charleschow/execution-core/internal/events"
	"github.com/charleschow/execution-core/internal/telemetry"
)

const (
	clientSendBuf = 256
	writeDeadline = 5 * time.Second
	pongWait      = 30 * time.Second
	pingInterval  = 20 * time.Second
	maxReplay     = 500
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// streamed is the set of event types fanned out to consumers. Intents are
// internal plumbing and stay off the wire.
var streamed = []events.EventType{
	events.EventOrderStateChanged,
	events.EventConflictDetected,
	events.EventOrderBlocked,
	events.EventPriorityOverride,
	events.EventOwnershipAcquired,
	events.EventOwnershipTransferred,
	events.EventRecoveryComplete,
}

type wsClient struct {
	types map[events.EventType]struct{} // empty = all streamed types
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
}

func (c *wsClient) wants(t events.EventType) bool {
	if len(c.types) == 0 {
		return true
	}
	_, ok := c.types[t]
	return ok
}

// Server fans out bus events to connected WebSocket consumers (dashboards,
// notification daemons, audit tails). Delivery is strictly best-effort: a
// slow or dead consumer never slows the core down.
type Server struct {
	bus  *events.Bus
	http *http.Server

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func NewServer(bus *events.Bus) *Server {
	s := &Server{
		bus:     bus,
		clients: make(map[*wsClient]struct{}),
	}
	for _, t := range streamed {
		bus.Subscribe(t, s.forward)
	}
	return s
}

// forward serializes the event once and enqueues it to every matching
// client's send channel, non-blocking.
func (s *Server) forward(evt events.Event) error {
	data, err := MarshalEvent(evt)
	if err != nil {
		telemetry.Warnf("fanout: marshal error: %v", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if !c.wants(evt.Type) {
			continue
		}
		select {
		case c.send <- data:
		default:
			telemetry.Warnf("fanout: dropping event for slow client")
		}
	}
	return nil
}

// HandleWS upgrades the connection and registers the client. Consumers may
// narrow the stream with ?type=order_state_changed,conflict_detected and
// request a backlog of recent events with ?replay=100.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	types, err := parseTypes(r.URL.Query().Get("type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	replay, _ := strconv.Atoi(r.URL.Query().Get("replay"))
	if replay > maxReplay {
		replay = maxReplay
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.Warnf("fanout: upgrade failed: %v", err)
		return
	}

	c := &wsClient{
		types: types,
		conn:  conn,
		send:  make(chan []byte, clientSendBuf),
		done:  make(chan struct{}),
	}
	s.queueReplay(c, replay)

	s.mu.Lock()
	s.clients[c] = struct{}{}
	total := len(s.clients)
	s.mu.Unlock()

	telemetry.Infof("fanout: client connected types=%d replay=%d total=%d", len(types), replay, total)

	go c.writePump(func() { s.remove(c) })
	go c.readPump()
}

// queueReplay preloads the client's send buffer with the tail of the event
// history so late-joining consumers can catch up before live delivery starts.
func (s *Server) queueReplay(c *wsClient, n int) {
	if n <= 0 {
		return
	}
	for _, evt := range s.bus.History("", n) {
		if !c.wants(evt.Type) {
			continue
		}
		data, err := MarshalEvent(evt)
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		default:
			return // buffer full, live events take precedence
		}
	}
}

func parseTypes(raw string) (map[events.EventType]struct{}, error) {
	out := make(map[events.EventType]struct{})
	if raw == "" {
		return out, nil
	}
	for _, part := range strings.Split(raw, ",") {
		t := events.EventType(strings.TrimSpace(part))
		known := false
		for _, st := range streamed {
			if t == st {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown event type %q", t)
		}
		out[t] = struct{}{}
	}
	return out, nil
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with pings. It owns teardown: on exit the client leaves the registry
// (so forward never sends to a stale channel) and the connection closes.
func (c *wsClient) writePump(onExit func()) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		onExit()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes pongs and close frames; consumers send nothing upstream.
// On exit it signals writePump via done (never closes send).
func (c *wsClient) readPump() {
	defer close(c.done)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) remove(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c)
	total := len(s.clients)
	s.mu.Unlock()
	telemetry.Infof("fanout: client disconnected total=%d", total)
}

// ListenAndServe starts the fanout endpoint at /ws and blocks.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	telemetry.Plainf("fanout: server listening on %s", addr)
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and drains the existing ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Addr formats host:port for ListenAndServe.
func Addr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
