package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/hustlexp/money-core/internal/cerr"
	"github.com/hustlexp/money-core/internal/msm"
	"github.com/hustlexp/money-core/internal/platform/auth"
	"github.com/hustlexp/money-core/internal/store"
)

// statusExplanations translates machine states into poster-facing prose.
var statusExplanations = map[msm.State]string{
	msm.StateOpen:           "No money is held for this task yet.",
	msm.StateHeld:           "Your payment is held in escrow until you approve the work.",
	msm.StateReleased:       "The payout was sent to the worker and is awaiting bank confirmation.",
	msm.StateCompleted:      "The payout reached the worker's bank. This task is settled.",
	msm.StateRefunded:       "The escrowed payment was returned to your payment method.",
	msm.StatePendingDispute: "A dispute is open. Funds stay in escrow until it is resolved.",
	msm.StateUpheld:         "The dispute was resolved in the worker's favor and the payout stands.",
}

// handlePayoutStatus explains where the money for a task is, who can act
// next, and whether anything is blocked.
func (s *Server) handlePayoutStatus(c *fiber.Ctx) error {
	actor, _ := auth.ActorFromFiber(c)
	taskID := c.Params("id")

	task, err := s.store.GetTask(c.UserContext(), taskID)
	if err != nil {
		return s.fail(c, cerr.Wrap(cerr.KindValidation, "UNKNOWN_TASK", err, "task %s", taskID))
	}
	if task.PosterID != actor.ID && task.WorkerID != actor.ID && !actor.Admin {
		return s.fail(c, cerr.Policyf("NOT_PARTY", "only a party to the task can view payout status"))
	}

	lock, err := s.store.GetStateLock(c.UserContext(), taskID, false)
	if errors.Is(err, store.ErrNotFound) {
		lock = &store.MoneyStateLock{
			TaskID:            taskID,
			CurrentState:      string(msm.StateOpen),
			NextAllowedEvents: msm.NextAllowed(msm.StateOpen),
		}
	} else if err != nil {
		return s.fail(c, err)
	}

	state := msm.State(lock.CurrentState)
	explanation := statusExplanations[state]

	disputes, err := s.store.ListDisputesByTask(c.UserContext(), taskID)
	if err != nil {
		return s.fail(c, err)
	}
	openDisputes := 0
	for _, d := range disputes {
		if !d.Status.Terminal() {
			openDisputes++
		}
	}

	resp := fiber.Map{
		"task_id":             taskID,
		"state":               state,
		"explanation":         explanation,
		"next_allowed_events": lock.NextAllowedEvents,
		"open_disputes":       openDisputes,
		"last_transition_at":  lock.LastTransitionAt,
	}
	if s.ks.Active() {
		resp["frozen"] = true
		resp["explanation"] = "Money movement is temporarily paused for a safety review. " + explanation
	}
	// Eligibility internals stay off the user-facing surface.
	if actor.Admin {
		resp["eligibility"] = fiber.Map{
			"version":           lock.Version,
			"payment_intent_id": lock.PaymentIntentID,
			"charge_id":         lock.ChargeID,
			"transfer_id":       lock.TransferID,
			"refund_id":         lock.RefundID,
		}
	}
	return c.JSON(resp)
}
