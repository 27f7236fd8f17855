// Package msm defines the money state machine: the per-task escrow states,
// the events that move between them, and the guards that can veto an
// otherwise-legal transition. The package is pure; persistence and side
// effects live in the saga.
package msm

import (
	"sort"

	"github.com/hustlexp/money-core/internal/cerr"
)

type State string

const (
	StateOpen           State = "open"
	StateHeld           State = "held"
	StateReleased       State = "released"
	StateRefunded       State = "refunded"
	StateCompleted      State = "completed"
	StatePendingDispute State = "pending_dispute"
	StateUpheld         State = "upheld"
)

type Event string

const (
	EventHoldEscrow        Event = "HOLD_ESCROW"
	EventReleasePayout     Event = "RELEASE_PAYOUT"
	EventRefundEscrow      Event = "REFUND_ESCROW"
	EventDisputeOpen       Event = "DISPUTE_OPEN"
	EventResolveRefund     Event = "RESOLVE_REFUND"
	EventResolveUphold     Event = "RESOLVE_UPHOLD"
	EventWebhookPayoutPaid Event = "WEBHOOK_PAYOUT_PAID"
	EventForceRefund       Event = "FORCE_REFUND"
)

// transitions is the single authoritative table. Everything else in the
// package (next-allowed lists, terminal detection) is derived from it.
var transitions = map[State]map[Event]State{
	StateOpen: {
		EventHoldEscrow: StateHeld,
	},
	StateHeld: {
		EventReleasePayout: StateReleased,
		EventRefundEscrow:  StateRefunded,
		EventDisputeOpen:   StatePendingDispute,
	},
	StatePendingDispute: {
		EventResolveRefund: StateRefunded,
		EventResolveUphold: StateUpheld,
	},
	StateReleased: {
		EventWebhookPayoutPaid: StateCompleted,
		EventForceRefund:       StateRefunded,
	},
}

// Next returns the state the event leads to from cur, or
// ErrInvalidTransition when the table has no edge.
func Next(cur State, ev Event) (State, error) {
	if to, ok := transitions[cur][ev]; ok {
		return to, nil
	}
	return "", cerr.Wrap(cerr.KindPolicy, "INVALID_TRANSITION", nil,
		"event %s not allowed in state %s", ev, cur)
}

// Allowed reports whether the edge exists.
func Allowed(cur State, ev Event) bool {
	_, ok := transitions[cur][ev]
	return ok
}

// NextAllowed lists the events legal from cur, sorted for stable storage
// and display.
func NextAllowed(cur State) []string {
	edges := transitions[cur]
	out := make([]string, 0, len(edges))
	for ev := range edges {
		out = append(out, string(ev))
	}
	sort.Strings(out)
	return out
}

// Terminal reports whether no event can ever leave cur.
func Terminal(cur State) bool {
	return len(transitions[cur]) == 0
}

// AdminOnly reports whether the event may only be raised by an admin actor.
func AdminOnly(ev Event) bool {
	switch ev {
	case EventResolveRefund, EventResolveUphold, EventForceRefund:
		return true
	}
	return false
}

// FromWebhook reports whether the event originates from the payment
// provider rather than a user or admin.
func FromWebhook(ev Event) bool {
	switch ev {
	case EventWebhookPayoutPaid, EventDisputeOpen:
		return true
	}
	return false
}
