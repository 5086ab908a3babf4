package state

// State is an order lifecycle state. Orders move exclusively through
// transitions the Machine approves; nothing else may assign one.
type State string

const (
	Idle           State = "idle"
	SignalReceived State = "signal_received"
	Validating     State = "validating"
	OrderPending   State = "order_pending"
	OrderSent      State = "order_sent"
	PartialFilled  State = "partial_filled"
	FullyFilled    State = "fully_filled"
	Cancelled      State = "cancelled"
	Rejected       State = "rejected"
	Failed         State = "failed"
)

// transitions is the full legal-successor table. Terminal states map to nil.
var transitions = map[State][]State{
	Idle:           {SignalReceived},
	SignalReceived: {Validating, Cancelled},
	Validating:     {OrderPending, Rejected, Failed},
	OrderPending:   {OrderSent, Failed, Cancelled},
	OrderSent:      {PartialFilled, FullyFilled, Cancelled},
	PartialFilled:  {PartialFilled, FullyFilled, Cancelled},
	FullyFilled:    nil,
	Cancelled:      nil,
	Rejected:       nil,
	Failed:         nil,
}

// pending marks states with an order in flight at the broker. The recovery
// pass reconciles exactly these against the broker's view.
var pending = map[State]bool{
	OrderPending:  true,
	OrderSent:     true,
	PartialFilled: true,
}

// Machine is a pure rule table over order states. It holds no mutable state
// and never fails.
type Machine struct{}

func NewMachine() Machine {
	return Machine{}
}

// CanTransition reports whether target is a legal successor of current.
func (Machine) CanTransition(current, target State) bool {
	for _, s := range transitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is legal from s.
func (Machine) IsTerminal(s State) bool {
	succ, ok := transitions[s]
	return ok && len(succ) == 0
}

// IsPending reports whether s represents in-flight broker interaction.
func (Machine) IsPending(s State) bool {
	return pending[s]
}

// AllowedTargets returns a copy of the legal successor set for s.
func (Machine) AllowedTargets(s State) []State {
	succ := transitions[s]
	out := make([]State, len(succ))
	copy(out, succ)
	return out
}

// All enumerates every known state.
func All() []State {
	out := make([]State, 0, len(transitions))
	for s := range transitions {
		out = append(out, s)
	}
	return out
}

// PendingStates returns the states IsPending reports true for.
func PendingStates() []State {
	return []State{OrderPending, OrderSent, PartialFilled}
}
