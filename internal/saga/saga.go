// Package saga drives money transitions through three phases: prepare
// (local intent under the task's row lock), execute (external provider
// calls, no database transaction open), and commit (apply effects and
// write the processed-event barrier). A crash between phases leaves a
// trail the recovery loops converge from.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hustlexp/money-core/internal/cerr"
	"github.com/hustlexp/money-core/internal/killswitch"
	"github.com/hustlexp/money-core/internal/ledger"
	"github.com/hustlexp/money-core/internal/locks"
	"github.com/hustlexp/money-core/internal/msm"
	"github.com/hustlexp/money-core/internal/platform/audit"
	"github.com/hustlexp/money-core/internal/platform/clock"
	"github.com/hustlexp/money-core/internal/platform/metrics"
	"github.com/hustlexp/money-core/internal/provider"
	"github.com/hustlexp/money-core/internal/store"
)

// Pending-action types the recovery loops understand.
const (
	ActionCommitTx      = "COMMIT_TX"
	ActionReverseStripe = "REVERSE_STRIPE"
	ActionRefundStripe  = "REFUND_STRIPE"
)

// Outcomes.
const (
	OutcomeApplied          = "applied"
	OutcomeDuplicateIgnored = "duplicate_ignored"
)

// Command is one money event to drive through the machine.
type Command struct {
	EventID    string
	TaskID     string
	Event      msm.Event
	ActorID    string
	ActorAdmin bool
	Raw        json.RawMessage

	PaymentMethodID     string // HOLD_ESCROW
	WorkerStripeAccount string // RELEASE_PAYOUT, RESOLVE_UPHOLD
	DisputeID           string // RESOLVE_REFUND, RESOLVE_UPHOLD
	Reason              string
}

type Result struct {
	Outcome  string
	NewState msm.State
	Effect   provider.Effect
}

type Config struct {
	FeeBasisPoints int64
	// SingleTx runs all three phases inside one store transaction. Only
	// for local mode and tests; the provider call then happens with the
	// transaction open.
	SingleTx bool
}

type Orchestrator struct {
	store    store.Store
	ledger   *ledger.Ledger
	provider provider.Adapter
	locks    *locks.Manager
	ks       *killswitch.Switch
	chain    *audit.Chain
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
	cfg      Config

	// phaseHook, when set, runs after each phase ("prepared",
	// "executed"). A non-nil return aborts the saga at that point,
	// which is how tests simulate a crash.
	phaseHook func(phase string) error
}

func New(st store.Store, led *ledger.Ledger, pr provider.Adapter, lm *locks.Manager,
	ks *killswitch.Switch, clk clock.Clock, log *zap.Logger, m *metrics.Metrics, cfg Config) *Orchestrator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.FeeBasisPoints == 0 {
		cfg.FeeBasisPoints = 1000
	}
	return &Orchestrator{
		store:    st,
		ledger:   led,
		provider: pr,
		locks:    lm,
		ks:       ks,
		chain:    audit.NewChain(),
		clock:    clk,
		log:      log,
		metrics:  m,
		cfg:      cfg,
	}
}

// Chain exposes the in-process audit chain so recovery writes link into
// the same hash sequence as saga writes.
func (o *Orchestrator) Chain() *audit.Chain { return o.chain }

// prepared carries phase-one output into execute and commit.
type prepared struct {
	duplicate bool
	lock      *store.MoneyStateLock
	task      *store.Task
	target    msm.State
	ledgerTx  *store.LedgerTransaction
}

func (o *Orchestrator) Handle(ctx context.Context, cmd Command) (*Result, error) {
	start := o.clock.Now()
	res, err := o.handle(ctx, cmd)
	label := "error"
	switch {
	case err != nil:
		label = cerr.KindOf(err).String()
	case res.Outcome == OutcomeDuplicateIgnored:
		label = "duplicate"
	default:
		label = "applied"
	}
	o.metrics.ObserveSaga(string(cmd.Event), label, o.clock.Now().Sub(start))
	return res, err
}

func (o *Orchestrator) handle(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.EventID == "" || cmd.TaskID == "" {
		return nil, cerr.Validationf("BAD_COMMAND", "event_id and task_id are required")
	}
	if err := o.ks.Guard(); err != nil {
		return nil, err
	}

	resource := "task:" + cmd.TaskID
	if err := o.locks.Acquire(ctx, resource, cmd.EventID); err != nil {
		return nil, err
	}
	defer o.locks.Release(ctx, resource, cmd.EventID)

	if o.cfg.SingleTx {
		var res *Result
		err := o.store.RunInTx(ctx, func(ctx context.Context) error {
			var err error
			res, err = o.run(ctx, cmd)
			return err
		})
		return res, err
	}
	return o.run(ctx, cmd)
}

func (o *Orchestrator) run(ctx context.Context, cmd Command) (*Result, error) {
	p, err := o.prepare(ctx, cmd)
	if err != nil {
		// Denials are audited outside the rolled-back transaction so the
		// refusal survives.
		if cerr.KindOf(err) == cerr.KindPolicy {
			o.auditDenied(ctx, cmd, err)
		}
		return nil, err
	}
	if p.duplicate {
		return &Result{Outcome: OutcomeDuplicateIgnored, NewState: msm.State(p.lock.CurrentState)}, nil
	}
	if err := o.hook("prepared"); err != nil {
		return nil, err
	}

	eff, err := o.execute(ctx, cmd, p)
	if err != nil {
		return nil, err
	}
	if err := o.hook("executed"); err != nil {
		return nil, err
	}

	if err := o.commit(ctx, cmd, p, eff); err != nil {
		if errors.Is(err, errCommittedElsewhere) {
			return &Result{Outcome: OutcomeDuplicateIgnored, NewState: p.target}, nil
		}
		return nil, err
	}

	o.log.Info("money event applied",
		zap.String("event_id", cmd.EventID),
		zap.String("task_id", cmd.TaskID),
		zap.String("event", string(cmd.Event)),
		zap.String("from", p.lock.CurrentState),
		zap.String("to", string(p.target)))
	return &Result{Outcome: OutcomeApplied, NewState: p.target, Effect: eff}, nil
}

func (o *Orchestrator) hook(phase string) error {
	if o.phaseHook == nil {
		return nil
	}
	return o.phaseHook(phase)
}

// prepare validates the transition and records local intent: the pending
// ledger transaction, the prepare record, and the intent audit row. All
// under the task's FOR UPDATE row lock.
func (o *Orchestrator) prepare(ctx context.Context, cmd Command) (*prepared, error) {
	p := &prepared{}
	err := o.store.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := o.store.GetProcessedEvent(ctx, cmd.EventID); err == nil {
			lock, lerr := o.store.GetStateLock(ctx, cmd.TaskID, false)
			if lerr != nil {
				return lerr
			}
			p.duplicate = true
			p.lock = lock
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		now := o.clock.Now()
		lock, err := o.store.GetStateLock(ctx, cmd.TaskID, true)
		if errors.Is(err, store.ErrNotFound) {
			if cmd.Event != msm.EventHoldEscrow {
				return cerr.Validationf("UNKNOWN_TASK", "no money state for task %s", cmd.TaskID)
			}
			lock = &store.MoneyStateLock{
				TaskID:            cmd.TaskID,
				CurrentState:      string(msm.StateOpen),
				NextAllowedEvents: msm.NextAllowed(msm.StateOpen),
				LastTransitionAt:  now,
			}
			if err := o.store.InsertStateLock(ctx, lock); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		target, err := msm.Next(msm.State(lock.CurrentState), cmd.Event)
		if err != nil {
			return err
		}

		task, err := o.store.GetTask(ctx, cmd.TaskID)
		if err != nil {
			return cerr.Wrap(cerr.KindValidation, "UNKNOWN_TASK", err, "task %s", cmd.TaskID)
		}

		disputes, err := o.store.ListDisputesByTask(ctx, cmd.TaskID)
		if err != nil {
			return err
		}
		open := 0
		for _, d := range disputes {
			if !d.Status.Terminal() {
				open++
			}
		}

		if err := msm.CheckGuards(cmd.Event, msm.GuardInput{
			Task:         task,
			Lock:         lock,
			OpenDisputes: open,
			ActorID:      cmd.ActorID,
			ActorAdmin:   cmd.ActorAdmin,
		}); err != nil {
			return err
		}

		if msm.AdminOnly(cmd.Event) {
			if err := o.store.AppendAdminAction(ctx, &audit.AdminAction{
				ID:         store.NewID(),
				AdminID:    cmd.ActorID,
				Action:     string(cmd.Event),
				TargetID:   cmd.DisputeID,
				TaskID:     cmd.TaskID,
				RawContext: cmd.Raw,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}

		if cmd.Event == msm.EventDisputeOpen {
			if err := o.store.InsertDispute(ctx, &store.Dispute{
				ID:        firstNonEmpty(cmd.DisputeID, store.NewID()),
				TaskID:    cmd.TaskID,
				OpenedBy:  cmd.ActorID,
				Reason:    cmd.Reason,
				Status:    store.DisputePending,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}

		entries, err := o.buildPlan(ctx, cmd.Event, task)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			tx, err := o.ledger.PrepareTransaction(ctx, string(cmd.Event), "ledger_"+cmd.EventID, entries,
				map[string]string{"task_id": task.ID, "event_id": cmd.EventID})
			if err != nil {
				return err
			}
			p.ledgerTx = tx
		}

		if err := o.appendAudit(ctx, cmd, lock, string(target), audit.ResultIntent, "", provider.Effect{}); err != nil {
			return err
		}

		p.lock = lock
		p.task = task
		p.target = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// execute performs the provider side effects. No database transaction is
// open here; every call is keyed so a re-drive replays instead of
// double-moving money.
func (o *Orchestrator) execute(ctx context.Context, cmd Command, p *prepared) (provider.Effect, error) {
	if p.ledgerTx != nil && !o.cfg.SingleTx {
		if err := o.ledger.MarkExecuting(ctx, p.ledgerTx.ID); err != nil {
			return provider.Effect{}, err
		}
	}

	_, payout := o.split(p.task.PriceCents)

	switch cmd.Event {
	case msm.EventHoldEscrow:
		eff, err := o.provider.CreateHold(ctx, cmd.EventID+"-confirm", provider.HoldParams{
			TaskID:          cmd.TaskID,
			PosterID:        p.task.PosterID,
			AmountCents:     p.task.PriceCents,
			Currency:        "usd",
			PaymentMethodID: cmd.PaymentMethodID,
		})
		return o.afterProvider(ctx, cmd, p, eff, err)

	case msm.EventReleasePayout, msm.EventResolveUphold:
		// The hold was only authorized; capture settles it before the
		// payout transfer. Both calls replay safely on a re-drive.
		capEff, err := o.provider.Capture(ctx, cmd.EventID+"-capture", p.lock.PaymentIntentID)
		if err != nil {
			return o.afterProvider(ctx, cmd, p, capEff, err)
		}
		chargeID := firstNonEmpty(p.lock.ChargeID, capEff.ChargeID)
		eff, err := o.provider.Transfer(ctx, cmd.EventID+"-transfer", provider.TransferParams{
			TaskID:             cmd.TaskID,
			WorkerID:           p.task.WorkerID,
			DestinationAccount: cmd.WorkerStripeAccount,
			AmountCents:        payout,
			Currency:           "usd",
			ChargeID:           chargeID,
		})
		if err == nil {
			eff.PaymentIntentID = capEff.PaymentIntentID
			eff.ChargeID = chargeID
		}
		return o.afterProvider(ctx, cmd, p, eff, err)

	case msm.EventRefundEscrow, msm.EventResolveRefund:
		// Nothing was captured yet, so voiding the authorization returns
		// the funds without touching the card networks.
		eff, err := o.provider.CancelHold(ctx, cmd.EventID+"-cancel", p.lock.PaymentIntentID)
		return o.afterProvider(ctx, cmd, p, eff, err)

	case msm.EventForceRefund:
		// Claw the transfer back first; without that there is nothing to
		// refund from. A reversal failure fails the whole saga.
		eff, err := o.provider.ReverseTransfer(ctx, cmd.EventID+"-reversal", p.lock.TransferID, payout)
		if err != nil {
			return o.afterProvider(ctx, cmd, p, eff, err)
		}
		refEff, err := o.provider.Refund(ctx, cmd.EventID+"-refund", provider.RefundParams{
			TaskID:      cmd.TaskID,
			ChargeID:    p.lock.ChargeID,
			AmountCents: p.task.PriceCents,
			Reason:      "fraudulent",
		})
		if err != nil {
			// The reversal landed, so the internal books must move now;
			// the card refund is re-driven from the queue until it lands.
			o.log.Error("force refund: card refund failed after reversal, queueing re-drive",
				zap.String("task_id", cmd.TaskID), zap.Error(err))
			if qerr := o.queueRefundRedrive(ctx, cmd, p); qerr != nil {
				return provider.Effect{}, qerr
			}
			return *eff, nil
		}
		eff.RefundID = refEff.RefundID
		return *eff, nil

	case msm.EventDisputeOpen, msm.EventWebhookPayoutPaid:
		return provider.Effect{}, nil
	}
	return provider.Effect{}, cerr.Validationf("BAD_COMMAND", "unknown event %s", cmd.Event)
}

// afterProvider folds a provider outcome into the saga: on failure the
// pending ledger transaction is terminated and the failure audited.
func (o *Orchestrator) afterProvider(ctx context.Context, cmd Command, p *prepared, eff *provider.Effect, err error) (provider.Effect, error) {
	if err != nil {
		if p.ledgerTx != nil {
			if ferr := o.ledger.FailTransaction(ctx, p.ledgerTx.ID, cerr.CodeOf(err)); ferr != nil {
				o.log.Error("failing ledger transaction after provider error",
					zap.String("transaction_id", p.ledgerTx.ID), zap.Error(ferr))
			}
		}
		if aerr := o.appendAudit(ctx, cmd, p.lock, string(p.target), audit.ResultError, cerr.CodeOf(err), provider.Effect{}); aerr != nil {
			o.log.Error("audit append after provider error", zap.Error(aerr))
		}
		return provider.Effect{}, err
	}
	return *eff, nil
}

func (o *Orchestrator) queueRefundRedrive(ctx context.Context, cmd Command, p *prepared) error {
	payload, _ := json.Marshal(map[string]any{
		"task_id":      cmd.TaskID,
		"charge_id":    p.lock.ChargeID,
		"amount_cents": p.task.PriceCents,
		"idem_key":     cmd.EventID + "-refund",
	})
	now := o.clock.Now()
	txID := ""
	if p.ledgerTx != nil {
		txID = p.ledgerTx.ID
	}
	return o.store.EnqueuePendingAction(ctx, &store.PendingAction{
		ID:            store.NewID(),
		TransactionID: txID,
		Type:          ActionRefundStripe,
		Payload:       payload,
		Status:        store.ActionPending,
		NextRetryAt:   now,
		CreatedAt:     now,
	})
}

var errCommittedElsewhere = errors.New("saga: event committed elsewhere")

// commit applies the prepared effects atomically: ledger commit, state
// lock CAS, dispute resolution, and the processed-event barrier.
func (o *Orchestrator) commit(ctx context.Context, cmd Command, p *prepared, eff provider.Effect) error {
	return o.store.RunInTx(ctx, func(ctx context.Context) error {
		now := o.clock.Now()

		if p.ledgerTx != nil {
			if err := o.ledger.CommitTransaction(ctx, p.ledgerTx.ID, effectMeta(eff)); err != nil {
				return err
			}
		}

		if cmd.Event == msm.EventWebhookPayoutPaid {
			if err := o.confirmReleaseTransaction(ctx, cmd.TaskID); err != nil {
				return err
			}
		}

		if cmd.Event == msm.EventResolveRefund || cmd.Event == msm.EventResolveUphold {
			status := store.DisputeResolvedRefund
			if cmd.Event == msm.EventResolveUphold {
				status = store.DisputeResolvedUphold
			}
			if err := o.resolveDisputes(ctx, cmd, status, now); err != nil {
				return err
			}
		}

		next := *p.lock
		next.CurrentState = string(p.target)
		next.NextAllowedEvents = msm.NextAllowed(p.target)
		next.PaymentIntentID = eff.PaymentIntentID
		next.ChargeID = eff.ChargeID
		next.TransferID = eff.TransferID
		next.RefundID = eff.RefundID
		next.LastTransitionAt = now

		moved, err := o.store.UpdateStateLock(ctx, &next, p.lock.Version)
		if err != nil {
			return err
		}
		if !moved {
			return cerr.Concurrencyf("STATE_VERSION_RACE",
				"state lock for task %s moved past version %d", cmd.TaskID, p.lock.Version)
		}

		inserted, err := o.store.InsertProcessedEvent(ctx, &store.ProcessedEvent{
			EventID:     cmd.EventID,
			TaskID:      cmd.TaskID,
			EventType:   string(cmd.Event),
			ProcessedAt: now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return errCommittedElsewhere
		}

		return o.appendAudit(ctx, cmd, p.lock, string(p.target), audit.ResultSuccess, "", eff)
	})
}

// confirmReleaseTransaction upgrades the payout's ledger transaction to
// confirmed. No new money moves on payout settlement.
func (o *Orchestrator) confirmReleaseTransaction(ctx context.Context, taskID string) error {
	for _, txType := range []string{string(msm.EventReleasePayout), string(msm.EventResolveUphold)} {
		txs, err := o.store.ListTransactionsByType(ctx, txType, time.Time{})
		if err != nil {
			return err
		}
		for _, tx := range txs {
			if tx.Metadata["task_id"] != taskID {
				continue
			}
			if _, err := o.ledger.MarkConfirmed(ctx, tx.ID, nil); err != nil {
				return err
			}
			return nil
		}
	}
	o.log.Warn("payout settled but no release transaction found", zap.String("task_id", taskID))
	return nil
}

func (o *Orchestrator) resolveDisputes(ctx context.Context, cmd Command, status store.DisputeStatus, now time.Time) error {
	if cmd.DisputeID != "" {
		return o.store.UpdateDisputeStatus(ctx, cmd.DisputeID, status, &now)
	}
	disputes, err := o.store.ListDisputesByTask(ctx, cmd.TaskID)
	if err != nil {
		return err
	}
	for _, d := range disputes {
		if d.Status.Terminal() {
			continue
		}
		if err := o.store.UpdateDisputeStatus(ctx, d.ID, status, &now); err != nil {
			return err
		}
	}
	return nil
}

// appendAudit writes one hash-chained row of the forensic stream.
func (o *Orchestrator) appendAudit(ctx context.Context, cmd Command, lock *store.MoneyStateLock, newState string, result audit.Result, reason string, eff provider.Effect) error {
	e := audit.Event{
		AuditID:         store.NewID(),
		EventID:         cmd.EventID,
		TaskID:          cmd.TaskID,
		ActorID:         cmd.ActorID,
		EventType:       string(cmd.Event),
		PreviousState:   lock.CurrentState,
		NewState:        newState,
		PaymentIntentID: firstNonEmpty(eff.PaymentIntentID, lock.PaymentIntentID),
		ChargeID:        firstNonEmpty(eff.ChargeID, lock.ChargeID),
		TransferID:      firstNonEmpty(eff.TransferID, lock.TransferID),
		RefundID:        firstNonEmpty(eff.RefundID, lock.RefundID),
		RawContext:      cmd.Raw,
		Result:          result,
		Reason:          reason,
		RecordedAt:      o.clock.Now(),
	}
	chained, err := o.chain.Append(e)
	if err != nil {
		o.ks.Trigger(ctx, killswitch.ReasonLedgerMismatch, map[string]string{
			"detail": "audit chain corruption", "task_id": cmd.TaskID})
		return err
	}
	return o.store.AppendMoneyAudit(ctx, &chained)
}

// auditDenied records a policy refusal. Runs outside any transaction so
// the row survives the rollback that accompanies the denial.
func (o *Orchestrator) auditDenied(ctx context.Context, cmd Command, cause error) {
	lock, err := o.store.GetStateLock(ctx, cmd.TaskID, false)
	if err != nil {
		lock = &store.MoneyStateLock{TaskID: cmd.TaskID}
	}
	if err := o.appendAudit(ctx, cmd, lock, lock.CurrentState, audit.ResultDenied, cerr.CodeOf(cause), provider.Effect{}); err != nil {
		o.log.Error("denied audit append failed", zap.Error(err))
	}
}

func effectMeta(eff provider.Effect) map[string]string {
	m := map[string]string{}
	if eff.PaymentIntentID != "" {
		m["payment_intent_id"] = eff.PaymentIntentID
	}
	if eff.ChargeID != "" {
		m["charge_id"] = eff.ChargeID
	}
	if eff.TransferID != "" {
		m["transfer_id"] = eff.TransferID
	}
	if eff.RefundID != "" {
		m["refund_id"] = eff.RefundID
	}
	if eff.ReversalID != "" {
		m["reversal_id"] = eff.ReversalID
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
