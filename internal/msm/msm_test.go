package msm

import (
	"errors"
	"reflect"
	"testing"

	"github.com/hustlexp/money-core/internal/cerr"
	"github.com/hustlexp/money-core/internal/store"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from State
		ev   Event
		to   State
		ok   bool
	}{
		{StateOpen, EventHoldEscrow, StateHeld, true},
		{StateHeld, EventReleasePayout, StateReleased, true},
		{StateHeld, EventRefundEscrow, StateRefunded, true},
		{StateHeld, EventDisputeOpen, StatePendingDispute, true},
		{StatePendingDispute, EventResolveRefund, StateRefunded, true},
		{StatePendingDispute, EventResolveUphold, StateUpheld, true},
		{StateReleased, EventWebhookPayoutPaid, StateCompleted, true},
		{StateReleased, EventForceRefund, StateRefunded, true},

		{StateOpen, EventReleasePayout, "", false},
		{StateHeld, EventHoldEscrow, "", false},
		{StateHeld, EventResolveRefund, "", false},
		{StateReleased, EventRefundEscrow, "", false},
		{StatePendingDispute, EventReleasePayout, "", false},
		{StateRefunded, EventHoldEscrow, "", false},
		{StateCompleted, EventForceRefund, "", false},
		{StateUpheld, EventResolveRefund, "", false},
	}
	for _, tc := range cases {
		got, err := Next(tc.from, tc.ev)
		if tc.ok {
			if err != nil {
				t.Errorf("%s + %s: unexpected error %v", tc.from, tc.ev, err)
			} else if got != tc.to {
				t.Errorf("%s + %s = %s, want %s", tc.from, tc.ev, got, tc.to)
			}
			if !Allowed(tc.from, tc.ev) {
				t.Errorf("Allowed(%s, %s) = false", tc.from, tc.ev)
			}
			continue
		}
		if err == nil {
			t.Errorf("%s + %s: expected rejection, got %s", tc.from, tc.ev, got)
			continue
		}
		if !errors.Is(err, cerr.ErrInvalidTransition) {
			t.Errorf("%s + %s: error %v does not match ErrInvalidTransition", tc.from, tc.ev, err)
		}
		if Allowed(tc.from, tc.ev) {
			t.Errorf("Allowed(%s, %s) = true", tc.from, tc.ev)
		}
	}
}

func TestNextAllowedIsSorted(t *testing.T) {
	got := NextAllowed(StateHeld)
	want := []string{"DISPUTE_OPEN", "REFUND_ESCROW", "RELEASE_PAYOUT"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("NextAllowed(held) = %v, want %v", got, want)
	}
	if n := len(NextAllowed(StateCompleted)); n != 0 {
		t.Fatalf("NextAllowed(completed) has %d events, want 0", n)
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateCompleted, StateRefunded, StateUpheld} {
		if !Terminal(s) {
			t.Errorf("Terminal(%s) = false", s)
		}
	}
	for _, s := range []State{StateOpen, StateHeld, StateReleased, StatePendingDispute} {
		if Terminal(s) {
			t.Errorf("Terminal(%s) = true", s)
		}
	}
}

func TestAdminOnlyEvents(t *testing.T) {
	admin := []Event{EventResolveRefund, EventResolveUphold, EventForceRefund}
	for _, ev := range admin {
		if !AdminOnly(ev) {
			t.Errorf("AdminOnly(%s) = false", ev)
		}
	}
	for _, ev := range []Event{EventHoldEscrow, EventReleasePayout, EventRefundEscrow, EventDisputeOpen, EventWebhookPayoutPaid} {
		if AdminOnly(ev) {
			t.Errorf("AdminOnly(%s) = true", ev)
		}
	}
}

func guardInput(state State) GuardInput {
	return GuardInput{
		Task: &store.Task{ID: "t1", PosterID: "p1", WorkerID: "w1"},
		Lock: &store.MoneyStateLock{TaskID: "t1", CurrentState: string(state)},
	}
}

func TestGuardTerminalState(t *testing.T) {
	in := guardInput(StateRefunded)
	err := CheckGuards(EventHoldEscrow, in)
	if cerr.CodeOf(err) != "TERMINAL_STATE" {
		t.Fatalf("err = %v, want TERMINAL_STATE", err)
	}
}

func TestGuardAdminRequired(t *testing.T) {
	in := guardInput(StatePendingDispute)
	in.OpenDisputes = 1
	in.ActorID = "someone"
	if err := CheckGuards(EventResolveRefund, in); cerr.CodeOf(err) != "ADMIN_REQUIRED" {
		t.Fatalf("err = %v, want ADMIN_REQUIRED", err)
	}
	in.ActorAdmin = true
	in.ActorID = "admin9"
	if err := CheckGuards(EventResolveRefund, in); err != nil {
		t.Fatalf("admin resolve rejected: %v", err)
	}
}

func TestGuardResolveNeedsOpenDispute(t *testing.T) {
	for _, ev := range []Event{EventResolveRefund, EventResolveUphold} {
		in := guardInput(StatePendingDispute)
		in.ActorAdmin = true
		in.ActorID = "admin9"
		if err := CheckGuards(ev, in); cerr.CodeOf(err) != "NO_OPEN_DISPUTE" {
			t.Errorf("%s with no open dispute: err = %v, want NO_OPEN_DISPUTE", ev, err)
		}
		in.OpenDisputes = 1
		if err := CheckGuards(ev, in); err != nil {
			t.Errorf("%s with open dispute rejected: %v", ev, err)
		}
	}
}

func TestGuardReleaseNeedsWorkerAndNoDispute(t *testing.T) {
	in := guardInput(StateHeld)
	in.Task.WorkerID = ""
	if err := CheckGuards(EventReleasePayout, in); cerr.CodeOf(err) != "NO_WORKER_ASSIGNED" {
		t.Fatalf("err = %v, want NO_WORKER_ASSIGNED", err)
	}

	in = guardInput(StateHeld)
	in.OpenDisputes = 1
	if err := CheckGuards(EventReleasePayout, in); cerr.CodeOf(err) != "DISPUTE_OPEN" {
		t.Fatalf("err = %v, want DISPUTE_OPEN", err)
	}

	in = guardInput(StateHeld)
	if err := CheckGuards(EventReleasePayout, in); err != nil {
		t.Fatalf("clean release rejected: %v", err)
	}
}

func TestGuardConflictOfInterest(t *testing.T) {
	in := guardInput(StatePendingDispute)
	in.OpenDisputes = 1
	in.ActorAdmin = true
	in.ActorID = "p1" // the admin is also the poster
	err := CheckGuards(EventResolveUphold, in)
	if cerr.CodeOf(err) != "CONFLICT_OF_INTEREST" {
		t.Fatalf("err = %v, want CONFLICT_OF_INTEREST", err)
	}

	in.ActorID = "w1"
	err = CheckGuards(EventResolveUphold, in)
	if cerr.CodeOf(err) != "CONFLICT_OF_INTEREST" {
		t.Fatalf("err = %v, want CONFLICT_OF_INTEREST", err)
	}
}
