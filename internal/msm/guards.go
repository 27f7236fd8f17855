package msm

import (
	"github.com/hustlexp/money-core/internal/cerr"
	"github.com/hustlexp/money-core/internal/store"
)

// GuardInput is the snapshot a guard decision is made from. The saga
// assembles it inside the row-locked transaction so guards never race the
// state they inspect.
type GuardInput struct {
	Task         *store.Task
	Lock         *store.MoneyStateLock
	OpenDisputes int
	ActorID      string
	ActorAdmin   bool
}

// CheckGuards vetoes transitions the table alone cannot rule out. The
// returned error is always KindPolicy with a stable reason code.
func CheckGuards(ev Event, in GuardInput) error {
	if Terminal(State(in.Lock.CurrentState)) {
		return cerr.Policyf("TERMINAL_STATE", "task %s is in terminal state %s",
			in.Lock.TaskID, in.Lock.CurrentState)
	}

	if AdminOnly(ev) && !in.ActorAdmin {
		return cerr.Policyf("ADMIN_REQUIRED", "event %s requires an admin actor", ev)
	}

	switch ev {
	case EventReleasePayout:
		if in.Task.WorkerID == "" {
			return cerr.Policyf("NO_WORKER_ASSIGNED", "task %s has no assigned worker", in.Task.ID)
		}
		if in.OpenDisputes > 0 {
			return cerr.Policyf("DISPUTE_OPEN", "task %s has %d open dispute(s)", in.Task.ID, in.OpenDisputes)
		}
	case EventResolveUphold, EventForceRefund:
		if in.Task.WorkerID == "" {
			return cerr.Policyf("NO_WORKER_ASSIGNED", "task %s has no assigned worker", in.Task.ID)
		}
	}

	switch ev {
	case EventResolveRefund, EventResolveUphold:
		// A resolution with nothing to resolve is an admin mistake, not a
		// transition.
		if in.OpenDisputes == 0 {
			return cerr.Policyf("NO_OPEN_DISPUTE", "task %s has no open dispute to resolve", in.Task.ID)
		}
	}

	switch ev {
	case EventResolveRefund, EventResolveUphold, EventForceRefund:
		// Conflict of interest: an admin who is a party to the task may
		// not arbitrate its money.
		if in.ActorID != "" && (in.ActorID == in.Task.PosterID || in.ActorID == in.Task.WorkerID) {
			return cerr.Policyf("CONFLICT_OF_INTEREST",
				"admin %s is a party to task %s", in.ActorID, in.Task.ID)
		}
	}
	return nil
}
