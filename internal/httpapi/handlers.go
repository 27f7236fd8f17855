package httpapi

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"github.com/hustlexp/money-core/internal/cerr"
	"github.com/hustlexp/money-core/internal/msm"
	"github.com/hustlexp/money-core/internal/platform/auth"
	"github.com/hustlexp/money-core/internal/saga"
	"github.com/hustlexp/money-core/internal/store"
	"github.com/hustlexp/money-core/internal/tpee"
)

type confirmTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	City        string `json:"city"`
	PriceCents  int64  `json:"price_cents"`
}

// handleConfirmTask runs the proposal through the gate and, when it
// clears, creates the task record. Escrow is a separate, explicit step.
func (s *Server) handleConfirmTask(c *fiber.Ctx) error {
	actor, _ := auth.ActorFromFiber(c)
	var req confirmTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, cerr.Validationf("BAD_REQUEST", "malformed body"))
	}

	eval, err := s.proposal.Evaluate(c.UserContext(), tpee.Proposal{
		PosterID:    actor.ID,
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		City:        req.City,
		PriceCents:  req.PriceCents,
	})
	if err != nil {
		return s.fail(c, err)
	}

	if eval.Decision == tpee.DecisionBlock {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"decision":              eval.Decision,
			"reason_code":           eval.ReasonCode,
			"evaluation_id":         eval.EvaluationID,
			"human_review_required": eval.HumanReviewRequired,
			"checks_passed":         eval.ChecksPassed,
			"checks_failed":         eval.ChecksFailed,
		})
	}

	price := req.PriceCents
	if eval.Decision == tpee.DecisionAdjust {
		price = eval.AdjustedPriceCents
	}

	task := &store.Task{
		ID:               store.NewID(),
		PosterID:         actor.ID,
		Title:            req.Title,
		Description:      req.Description,
		Category:         req.Category,
		City:             req.City,
		PriceCents:       price,
		TPEEEvaluationID: eval.EvaluationID,
		TPEEDecision:     string(eval.Decision),
		TPEEReasonCode:   eval.ReasonCode,
		TPEEConfidence:   eval.Confidence,
		PolicySnapshotID: eval.PolicySnapshotID,
		CreatedAt:        s.clock.Now(),
	}
	if err := s.store.InsertTask(c.UserContext(), task); err != nil {
		return s.fail(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"task_id":       task.ID,
		"price_cents":   task.PriceCents,
		"decision":      eval.Decision,
		"reason_code":   eval.ReasonCode,
		"evaluation_id": eval.EvaluationID,
	})
}

type createEscrowRequest struct {
	TaskID          string `json:"task_id"`
	PaymentMethodID string `json:"payment_method_id"`
}

func (s *Server) handleCreateEscrow(c *fiber.Ctx) error {
	actor, _ := auth.ActorFromFiber(c)
	var req createEscrowRequest
	if err := c.BodyParser(&req); err != nil || req.TaskID == "" {
		return s.fail(c, cerr.Validationf("BAD_REQUEST", "task_id is required"))
	}

	task, err := s.store.GetTask(c.UserContext(), req.TaskID)
	if err != nil {
		return s.fail(c, cerr.Wrap(cerr.KindValidation, "UNKNOWN_TASK", err, "task %s", req.TaskID))
	}
	if task.PosterID != actor.ID {
		return s.fail(c, cerr.Policyf("NOT_POSTER", "only the poster can fund escrow"))
	}
	if task.TPEEDecision == string(tpee.DecisionBlock) {
		return s.fail(c, cerr.Policyf("TASK_BLOCKED", "task was blocked by the proposal gate"))
	}

	return s.runSaga(c, saga.Command{
		EventID:         "evt_" + store.NewID(),
		TaskID:          req.TaskID,
		Event:           msm.EventHoldEscrow,
		ActorID:         actor.ID,
		Raw:             json.RawMessage(c.Body()),
		PaymentMethodID: req.PaymentMethodID,
	})
}

func (s *Server) handleAcceptTask(c *fiber.Ctx) error {
	actor, _ := auth.ActorFromFiber(c)
	taskID := c.Params("id")
	task, err := s.store.GetTask(c.UserContext(), taskID)
	if err != nil {
		return s.fail(c, cerr.Wrap(cerr.KindValidation, "UNKNOWN_TASK", err, "task %s", taskID))
	}
	if task.PosterID == actor.ID {
		return s.fail(c, cerr.Policyf("SELF_ASSIGNMENT", "poster cannot work their own task"))
	}
	if task.WorkerID != "" && task.WorkerID != actor.ID {
		return s.fail(c, cerr.Policyf("ALREADY_ASSIGNED", "task already has a worker"))
	}
	if err := s.store.UpdateTaskWorker(c.UserContext(), taskID, actor.ID); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"task_id": taskID, "worker_id": actor.ID})
}

type approveTaskRequest struct {
	WorkerStripeAccount string `json:"worker_stripe_account"`
}

func (s *Server) handleApproveTask(c *fiber.Ctx) error {
	actor, _ := auth.ActorFromFiber(c)
	taskID := c.Params("id")
	var req approveTaskRequest
	_ = c.BodyParser(&req)

	task, err := s.store.GetTask(c.UserContext(), taskID)
	if err != nil {
		return s.fail(c, cerr.Wrap(cerr.KindValidation, "UNKNOWN_TASK", err, "task %s", taskID))
	}
	if task.PosterID != actor.ID {
		return s.fail(c, cerr.Policyf("NOT_POSTER", "only the poster can approve"))
	}
	if !s.cfg.PayoutsEnabled && s.cfg.Mode == "production" {
		return s.fail(c, cerr.Policyf("PAYOUTS_DISABLED", "payouts are disabled"))
	}

	return s.runSaga(c, saga.Command{
		EventID:             "evt_" + store.NewID(),
		TaskID:              taskID,
		Event:               msm.EventReleasePayout,
		ActorID:             actor.ID,
		Raw:                 json.RawMessage(c.Body()),
		WorkerStripeAccount: req.WorkerStripeAccount,
	})
}

type rejectTaskRequest struct {
	Action string `json:"action"` // refund or dispute
	Reason string `json:"reason"`
}

// handleRejectTask routes a rejection: the poster can pull the escrow
// straight back, or either party can open a dispute over it.
func (s *Server) handleRejectTask(c *fiber.Ctx) error {
	actor, _ := auth.ActorFromFiber(c)
	taskID := c.Params("id")
	var req rejectTaskRequest
	_ = c.BodyParser(&req)

	task, err := s.store.GetTask(c.UserContext(), taskID)
	if err != nil {
		return s.fail(c, cerr.Wrap(cerr.KindValidation, "UNKNOWN_TASK", err, "task %s", taskID))
	}
	if task.PosterID != actor.ID && task.WorkerID != actor.ID {
		return s.fail(c, cerr.Policyf("NOT_PARTY", "only a party to the task can reject it"))
	}

	var event msm.Event
	switch req.Action {
	case "refund":
		if task.PosterID != actor.ID {
			return s.fail(c, cerr.Policyf("NOT_POSTER", "only the poster can cancel escrow"))
		}
		event = msm.EventRefundEscrow
	case "dispute":
		event = msm.EventDisputeOpen
	default:
		return s.fail(c, cerr.Validationf("BAD_ACTION", "action must be refund or dispute"))
	}

	return s.runSaga(c, saga.Command{
		EventID: "evt_" + store.NewID(),
		TaskID:  taskID,
		Event:   event,
		ActorID: actor.ID,
		Raw:     json.RawMessage(c.Body()),
		Reason:  req.Reason,
	})
}

func (s *Server) handleRefundEscrow(c *fiber.Ctx) error {
	actor, _ := auth.ActorFromFiber(c)
	taskID := c.Params("id")

	task, err := s.store.GetTask(c.UserContext(), taskID)
	if err != nil {
		return s.fail(c, cerr.Wrap(cerr.KindValidation, "UNKNOWN_TASK", err, "task %s", taskID))
	}
	if task.PosterID != actor.ID {
		return s.fail(c, cerr.Policyf("NOT_POSTER", "only the poster can cancel escrow"))
	}

	return s.runSaga(c, saga.Command{
		EventID: "evt_" + store.NewID(),
		TaskID:  taskID,
		Event:   msm.EventRefundEscrow,
		ActorID: actor.ID,
		Raw:     json.RawMessage(c.Body()),
	})
}

type resolveDisputeRequest struct {
	Decision            string `json:"decision"` // refund or uphold
	WorkerStripeAccount string `json:"worker_stripe_account"`
}

func (s *Server) handleResolveDispute(c *fiber.Ctx) error {
	actor, _ := auth.ActorFromFiber(c)
	disputeID := c.Params("id")
	var req resolveDisputeRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, cerr.Validationf("BAD_REQUEST", "malformed body"))
	}

	dispute, err := s.store.GetDispute(c.UserContext(), disputeID)
	if err != nil {
		return s.fail(c, cerr.Wrap(cerr.KindValidation, "UNKNOWN_DISPUTE", err, "dispute %s", disputeID))
	}

	var event msm.Event
	switch req.Decision {
	case "refund":
		event = msm.EventResolveRefund
	case "uphold":
		event = msm.EventResolveUphold
	default:
		return s.fail(c, cerr.Validationf("BAD_DECISION", "decision must be refund or uphold"))
	}

	return s.runSaga(c, saga.Command{
		EventID:             "evt_" + store.NewID(),
		TaskID:              dispute.TaskID,
		Event:               event,
		ActorID:             actor.ID,
		ActorAdmin:          true,
		Raw:                 json.RawMessage(c.Body()),
		DisputeID:           disputeID,
		WorkerStripeAccount: req.WorkerStripeAccount,
	})
}

func (s *Server) handleForceRefund(c *fiber.Ctx) error {
	actor, _ := auth.ActorFromFiber(c)
	taskID := c.Params("id")
	var req rejectTaskRequest
	_ = c.BodyParser(&req)

	return s.runSaga(c, saga.Command{
		EventID:    "evt_" + store.NewID(),
		TaskID:     taskID,
		Event:      msm.EventForceRefund,
		ActorID:    actor.ID,
		ActorAdmin: true,
		Raw:        json.RawMessage(c.Body()),
		Reason:     req.Reason,
	})
}

func (s *Server) handleKillSwitchStatus(c *fiber.Ctx) error {
	state := s.ks.Current()
	return c.JSON(fiber.Map{
		"active":       state.Active,
		"reason":       state.Reason,
		"triggered_at": state.TriggeredAt,
	})
}

func (s *Server) handleKillSwitchResolve(c *fiber.Ctx) error {
	actor, _ := auth.ActorFromFiber(c)
	s.ks.Resolve(c.UserContext(), actor.ID)
	return c.JSON(fiber.Map{"active": false, "resolved_by": actor.ID})
}

func (s *Server) handleWebhook(c *fiber.Ctx) error {
	outcome := s.gate.HandleDelivery(c.UserContext(), c.Body(), c.Get("Stripe-Signature"))
	return c.Status(outcome.Status).JSON(fiber.Map{
		"received": outcome.Received,
		"action":   outcome.Action,
	})
}

// runSaga drives a command and renders the result.
func (s *Server) runSaga(c *fiber.Ctx, cmd saga.Command) error {
	res, err := s.sagas.Handle(c.UserContext(), cmd)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"outcome":  res.Outcome,
		"state":    res.NewState,
		"event_id": cmd.EventID,
	})
}
