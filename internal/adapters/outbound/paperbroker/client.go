// Package paperbroker is an in-process broker.Client used for dry runs and
// tests. It accepts every order, assigns a reference id, and reports
// whatever status it has been scripted to report — by default orders rest
// as pending until MarkFilled/MarkCancelled is called.
package paperbroker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/charleschow/execution-core/internal/core/broker"
	"github.com/charleschow/execution-core/internal/telemetry"
)

var ErrUnknownRef = errors.New("paperbroker: unknown reference id")

type paperOrder struct {
	ticker   string
	action   string
	quantity int
	status   broker.OrderStatus
}

type Client struct {
	mu     sync.Mutex
	orders map[string]*paperOrder

	submitErr error
}

func New() *Client {
	return &Client{
		orders: make(map[string]*paperOrder),
	}
}

func (c *Client) SubmitOrder(ctx context.Context, ticker, action string, quantity int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.submitErr != nil {
		return "", c.submitErr
	}

	ref := "paper-" + uuid.NewString()
	c.orders[ref] = &paperOrder{
		ticker:   ticker,
		action:   action,
		quantity: quantity,
		status:   broker.OrderStatus{Status: broker.StatusPending},
	}

	telemetry.Debugf("paperbroker: accepted %s %s x%d -> %s", action, ticker, quantity, ref)
	return ref, nil
}

func (c *Client) GetOrderStatus(ctx context.Context, ref string) (broker.OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderStatus{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.orders[ref]
	if !ok {
		return broker.OrderStatus{Status: broker.StatusUnknown}, fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}
	return o.status, nil
}

// ── Scripting hooks ─────────────────────────────────────────────────────

// MarkFilled scripts a full fill for a resting order.
func (c *Client) MarkFilled(ref string, price float64) {
	c.setStatus(ref, func(o *paperOrder) {
		o.status = broker.OrderStatus{
			Status:      broker.StatusFilled,
			FilledQty:   o.quantity,
			FilledPrice: price,
		}
	})
}

// MarkPartial scripts a partial fill.
func (c *Client) MarkPartial(ref string, qty int, price float64) {
	c.setStatus(ref, func(o *paperOrder) {
		o.status = broker.OrderStatus{
			Status:      broker.StatusPartial,
			FilledQty:   qty,
			FilledPrice: price,
		}
	})
}

// MarkCancelled scripts a broker-side cancellation.
func (c *Client) MarkCancelled(ref string) {
	c.setStatus(ref, func(o *paperOrder) {
		o.status = broker.OrderStatus{Status: broker.StatusCancelled}
	})
}

// Seed registers a reference id with a given status, for recovery scenarios
// where the submitting process is long gone.
func (c *Client) Seed(ref string, status broker.OrderStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[ref] = &paperOrder{status: status}
}

// FailSubmits makes every subsequent SubmitOrder return err (nil restores
// normal behavior).
func (c *Client) FailSubmits(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErr = err
}

func (c *Client) setStatus(ref string, apply func(*paperOrder)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.orders[ref]; ok {
		apply(o)
	}
}
