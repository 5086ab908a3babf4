// Command watch tails the execution core's event stream over the fanout
// WebSocket and prints each event, optionally filtered by type:
//
//	watch -addr localhost:8790 -type order_state_changed
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charleschow/execution-core/internal/events"
	"github.com/charleschow/execution-core/internal/fanout"
)

func main() {
	addr := flag.String("addr", "localhost:8790", "fanout server address")
	typ := flag.String("type", "", "event type filter (empty = all)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	client := fanout.NewClient(*addr, events.EventType(*typ), printEvent)
	client.ConnectWithRetry(ctx)
}

func printEvent(evt events.Event) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	fmt.Printf("[%s] %-26s %s\n", evt.Timestamp.Format("15:04:05.000"), evt.Type, payload)
}
