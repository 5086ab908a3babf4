package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStatesHaveNoSuccessors(t *testing.T) {
	m := NewMachine()
	for _, s := range All() {
		if m.IsTerminal(s) {
			assert.Empty(t, m.AllowedTargets(s), "terminal state %s must have no successors", s)
		} else {
			assert.NotEmpty(t, m.AllowedTargets(s), "non-terminal state %s must have successors", s)
		}
	}
}

func TestCanTransition(t *testing.T) {
	m := NewMachine()

	tests := []struct {
		name    string
		from    State
		to      State
		allowed bool
	}{
		{"idle to signal", Idle, SignalReceived, true},
		{"signal to validating", SignalReceived, Validating, true},
		{"validating to pending", Validating, OrderPending, true},
		{"validating to rejected", Validating, Rejected, true},
		{"pending to sent", OrderPending, OrderSent, true},
		{"sent to partial", OrderSent, PartialFilled, true},
		{"sent to filled", OrderSent, FullyFilled, true},
		{"sent to cancelled", OrderSent, Cancelled, true},
		{"partial repeats", PartialFilled, PartialFilled, true},
		{"partial to filled", PartialFilled, FullyFilled, true},

		{"idle skips to sent", Idle, OrderSent, false},
		{"sent back to pending", OrderSent, OrderPending, false},
		{"filled to pending", FullyFilled, OrderPending, false},
		{"filled to anything", FullyFilled, Cancelled, false},
		{"cancelled to filled", Cancelled, FullyFilled, false},
		{"rejected to validating", Rejected, Validating, false},
		{"failed to sent", Failed, OrderSent, false},
		{"unknown state", State("bogus"), Idle, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, m.CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsPending(t *testing.T) {
	m := NewMachine()

	pendingSet := map[State]bool{
		OrderPending:  true,
		OrderSent:     true,
		PartialFilled: true,
	}
	for _, s := range All() {
		assert.Equal(t, pendingSet[s], m.IsPending(s), "IsPending(%s)", s)
	}
}

func TestPendingStatesAreNotTerminal(t *testing.T) {
	m := NewMachine()
	for _, s := range PendingStates() {
		assert.False(t, m.IsTerminal(s))
		assert.True(t, m.IsPending(s))
	}
}
