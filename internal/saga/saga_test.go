package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hustlexp/money-core/internal/cerr"
	"github.com/hustlexp/money-core/internal/killswitch"
	"github.com/hustlexp/money-core/internal/ledger"
	"github.com/hustlexp/money-core/internal/locks"
	"github.com/hustlexp/money-core/internal/msm"
	"github.com/hustlexp/money-core/internal/platform/audit"
	"github.com/hustlexp/money-core/internal/platform/clock"
	"github.com/hustlexp/money-core/internal/provider"
	"github.com/hustlexp/money-core/internal/store"
	"github.com/hustlexp/money-core/internal/store/memory"
)

type env struct {
	st   *memory.Store
	led  *ledger.Ledger
	mock *provider.Mock
	ks   *killswitch.Switch
	clk  *clock.Fixed
	orch *Orchestrator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := memory.New()
	clk := &clock.Fixed{T: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ks := killswitch.New(nil, nil, clk, nil)
	led := ledger.New(st, ks, nil, clk)
	lm := locks.NewManager(st, 30*time.Second, clk, nil)
	mock := provider.NewMock()
	orch := New(st, led, mock, lm, ks, clk, nil, nil, Config{FeeBasisPoints: 1000})
	return &env{st: st, led: led, mock: mock, ks: ks, clk: clk, orch: orch}
}

func (e *env) seedTask(t *testing.T, id, workerID string, price int64) *store.Task {
	t.Helper()
	task := &store.Task{
		ID:         id,
		PosterID:   "p1",
		WorkerID:   workerID,
		Title:      "assemble shelf",
		PriceCents: price,
		CreatedAt:  e.clk.Now(),
	}
	if err := e.st.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

func (e *env) balance(t *testing.T, owner store.OwnerType, ownerID string, typ store.AccountType) int64 {
	t.Helper()
	acct, err := e.st.EnsureAccount(context.Background(), owner, ownerID, typ, "USD")
	if err != nil {
		t.Fatalf("account %s/%s: %v", owner, ownerID, err)
	}
	return acct.Balance
}

func (e *env) apply(t *testing.T, cmd Command) *Result {
	t.Helper()
	res, err := e.orch.Handle(context.Background(), cmd)
	if err != nil {
		t.Fatalf("%s on %s: %v", cmd.Event, cmd.TaskID, err)
	}
	if res.Outcome != OutcomeApplied {
		t.Fatalf("%s outcome = %s, want applied", cmd.Event, res.Outcome)
	}
	return res
}

func holdCmd(taskID, eventID string) Command {
	return Command{
		EventID:         eventID,
		TaskID:          taskID,
		Event:           msm.EventHoldEscrow,
		ActorID:         "p1",
		PaymentMethodID: "pm_card_visa",
	}
}

func TestHoldEscrow(t *testing.T) {
	e := newEnv(t)
	e.seedTask(t, "t1", "", 5000)
	ctx := context.Background()

	res := e.apply(t, holdCmd("t1", "evt-hold-1"))
	if res.NewState != msm.StateHeld {
		t.Fatalf("state = %s, want held", res.NewState)
	}
	if res.Effect.PaymentIntentID == "" || res.Effect.ChargeID == "" {
		t.Fatalf("effect missing provider ids: %+v", res.Effect)
	}

	// The poster receivable is a liability account: the debit shows as -5000.
	if got := e.balance(t, store.OwnerUser, "p1", store.AccountLiability); got != -5000 {
		t.Fatalf("poster receivable = %d, want -5000", got)
	}
	if got := e.balance(t, store.OwnerTask, "t1", store.AccountLiability); got != 5000 {
		t.Fatalf("escrow = %d, want 5000", got)
	}

	lock, err := e.st.GetStateLock(ctx, "t1", false)
	if err != nil {
		t.Fatalf("state lock: %v", err)
	}
	if lock.CurrentState != string(msm.StateHeld) || lock.Version != 1 {
		t.Fatalf("lock = %+v", lock)
	}
	if lock.PaymentIntentID != res.Effect.PaymentIntentID || lock.ChargeID != res.Effect.ChargeID {
		t.Fatalf("provider ids not recorded on lock: %+v", lock)
	}

	if _, err := e.st.GetProcessedEvent(ctx, "evt-hold-1"); err != nil {
		t.Fatalf("processed event missing: %v", err)
	}

	audits, err := e.st.ListMoneyAudits(ctx, "t1")
	if err != nil {
		t.Fatalf("audits: %v", err)
	}
	if len(audits) != 2 {
		t.Fatalf("audit rows = %d, want intent + success", len(audits))
	}
	if audits[0].Result != audit.ResultIntent || audits[1].Result != audit.ResultSuccess {
		t.Fatalf("audit results = %s, %s", audits[0].Result, audits[1].Result)
	}
	if audits[1].HashPrev != audits[0].HashCurr {
		t.Fatal("audit rows do not chain")
	}
}

func TestDuplicateEventIgnored(t *testing.T) {
	e := newEnv(t)
	e.seedTask(t, "t1", "", 5000)

	e.apply(t, holdCmd("t1", "evt-hold-1"))
	res, err := e.orch.Handle(context.Background(), holdCmd("t1", "evt-hold-1"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Outcome != OutcomeDuplicateIgnored {
		t.Fatalf("outcome = %s, want duplicate_ignored", res.Outcome)
	}
	if n := e.mock.CallCount("hold"); n != 1 {
		t.Fatalf("hold calls = %d, want 1", n)
	}
	if got := e.balance(t, store.OwnerTask, "t1", store.AccountLiability); got != 5000 {
		t.Fatalf("escrow = %d after replay, want 5000", got)
	}
}

func TestReleaseAndSettle(t *testing.T) {
	e := newEnv(t)
	e.seedTask(t, "t1", "w1", 5000)
	ctx := context.Background()

	e.apply(t, holdCmd("t1", "evt-hold-1"))
	res := e.apply(t, Command{
		EventID:             "evt-release-1",
		TaskID:              "t1",
		Event:               msm.EventReleasePayout,
		ActorID:             "p1",
		WorkerStripeAccount: "acct_w1",
	})
	if res.NewState != msm.StateReleased {
		t.Fatalf("state = %s, want released", res.NewState)
	}

	// 10% fee on 5000: worker gets 4500, platform keeps 500, escrow drains.
	if got := e.balance(t, store.OwnerTask, "t1", store.AccountLiability); got != 0 {
		t.Fatalf("escrow = %d, want 0", got)
	}
	if got := e.balance(t, store.OwnerUser, "w1", store.AccountLiability); got != 4500 {
		t.Fatalf("worker payable = %d, want 4500", got)
	}
	if got := e.balance(t, store.OwnerPlatform, "platform", store.AccountEquity); got != 500 {
		t.Fatalf("platform fee = %d, want 500", got)
	}
	// Capture settles the authorization before the payout transfer.
	if n := e.mock.CallCount("capture"); n != 1 {
		t.Fatalf("capture calls = %d, want 1", n)
	}
	for _, c := range e.mock.Calls() {
		if c.Kind == "transfer" && c.Amount != 4500 {
			t.Fatalf("transfer amount = %d, want 4500", c.Amount)
		}
	}

	// Bank settlement confirms the payout without moving internal money.
	res = e.apply(t, Command{
		EventID: "evt-payout-paid-1",
		TaskID:  "t1",
		Event:   msm.EventWebhookPayoutPaid,
		ActorID: "stripe",
	})
	if res.NewState != msm.StateCompleted {
		t.Fatalf("state = %s, want completed", res.NewState)
	}
	relTx, err := e.st.GetLedgerTransactionByKey(ctx, "ledger_evt-release-1")
	if err != nil {
		t.Fatalf("release tx: %v", err)
	}
	if relTx.Status != store.TxConfirmed {
		t.Fatalf("release tx status = %s, want confirmed", relTx.Status)
	}
	if got := e.balance(t, store.OwnerUser, "w1", store.AccountLiability); got != 4500 {
		t.Fatalf("worker payable moved on settlement: %d", got)
	}

	if err := e.led.VerifyAll(ctx); err != nil {
		t.Fatalf("ledger verify: %v", err)
	}
}

func TestRefundEscrow(t *testing.T) {
	e := newEnv(t)
	e.seedTask(t, "t1", "", 5000)

	e.apply(t, holdCmd("t1", "evt-hold-1"))
	res := e.apply(t, Command{
		EventID: "evt-refund-1",
		TaskID:  "t1",
		Event:   msm.EventRefundEscrow,
		ActorID: "p1",
	})
	if res.NewState != msm.StateRefunded {
		t.Fatalf("state = %s, want refunded", res.NewState)
	}
	// The hold was never captured, so the refund is a cancellation of the
	// authorization, not a card refund.
	if res.Effect.PaymentIntentID == "" {
		t.Fatal("cancel effect missing payment intent id")
	}
	if n := e.mock.CallCount("cancel"); n != 1 {
		t.Fatalf("cancel calls = %d, want 1", n)
	}
	if n := e.mock.CallCount("refund"); n != 0 {
		t.Fatalf("refund calls = %d, want 0", n)
	}

	if got := e.balance(t, store.OwnerUser, "p1", store.AccountLiability); got != 0 {
		t.Fatalf("poster receivable = %d, want 0", got)
	}
	if got := e.balance(t, store.OwnerTask, "t1", store.AccountLiability); got != 0 {
		t.Fatalf("escrow = %d, want 0", got)
	}
	if err := e.led.VerifyAll(context.Background()); err != nil {
		t.Fatalf("ledger verify: %v", err)
	}
}

func TestDisputeResolveRefund(t *testing.T) {
	e := newEnv(t)
	e.seedTask(t, "t1", "w1", 5000)
	ctx := context.Background()

	e.apply(t, holdCmd("t1", "evt-hold-1"))
	res := e.apply(t, Command{
		EventID:   "evt-dispute-1",
		TaskID:    "t1",
		Event:     msm.EventDisputeOpen,
		ActorID:   "p1",
		DisputeID: "d1",
		Reason:    "work never happened",
	})
	if res.NewState != msm.StatePendingDispute {
		t.Fatalf("state = %s, want pending_dispute", res.NewState)
	}
	d, err := e.st.GetDispute(ctx, "d1")
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if d.Status != store.DisputePending || d.OpenedBy != "p1" {
		t.Fatalf("dispute = %+v", d)
	}

	res = e.apply(t, Command{
		EventID:    "evt-resolve-1",
		TaskID:     "t1",
		Event:      msm.EventResolveRefund,
		ActorID:    "admin9",
		ActorAdmin: true,
		DisputeID:  "d1",
	})
	if res.NewState != msm.StateRefunded {
		t.Fatalf("state = %s, want refunded", res.NewState)
	}
	d, _ = e.st.GetDispute(ctx, "d1")
	if d.Status != store.DisputeResolvedRefund {
		t.Fatalf("dispute status = %s, want resolved_refund", d.Status)
	}

	actions := e.st.AdminActions()
	if len(actions) != 1 || actions[0].AdminID != "admin9" || actions[0].Action != string(msm.EventResolveRefund) {
		t.Fatalf("admin actions = %+v", actions)
	}

	if got := e.balance(t, store.OwnerUser, "p1", store.AccountLiability); got != 0 {
		t.Fatalf("poster receivable = %d, want 0", got)
	}
	if got := e.balance(t, store.OwnerTask, "t1", store.AccountLiability); got != 0 {
		t.Fatalf("escrow = %d, want 0", got)
	}
}

func TestDisputeResolveUphold(t *testing.T) {
	e := newEnv(t)
	e.seedTask(t, "t1", "w1", 5000)

	e.apply(t, holdCmd("t1", "evt-hold-1"))
	e.apply(t, Command{
		EventID: "evt-dispute-1", TaskID: "t1", Event: msm.EventDisputeOpen, ActorID: "w1", DisputeID: "d1",
	})
	res := e.apply(t, Command{
		EventID:             "evt-resolve-1",
		TaskID:              "t1",
		Event:               msm.EventResolveUphold,
		ActorID:             "admin9",
		ActorAdmin:          true,
		DisputeID:           "d1",
		WorkerStripeAccount: "acct_w1",
	})
	if res.NewState != msm.StateUpheld {
		t.Fatalf("state = %s, want upheld", res.NewState)
	}
	if got := e.balance(t, store.OwnerUser, "w1", store.AccountLiability); got != 4500 {
		t.Fatalf("worker payable = %d, want 4500", got)
	}
	if got := e.balance(t, store.OwnerPlatform, "platform", store.AccountEquity); got != 500 {
		t.Fatalf("platform fee = %d, want 500", got)
	}
	if got := e.balance(t, store.OwnerTask, "t1", store.AccountLiability); got != 0 {
		t.Fatalf("escrow = %d, want 0", got)
	}
}

func TestForceRefundClawsBackPayout(t *testing.T) {
	e := newEnv(t)
	e.seedTask(t, "t1", "w1", 5000)
	ctx := context.Background()

	e.apply(t, holdCmd("t1", "evt-hold-1"))
	e.apply(t, Command{
		EventID: "evt-release-1", TaskID: "t1", Event: msm.EventReleasePayout, ActorID: "p1",
	})
	res := e.apply(t, Command{
		EventID:    "evt-force-1",
		TaskID:     "t1",
		Event:      msm.EventForceRefund,
		ActorID:    "admin9",
		ActorAdmin: true,
		Reason:     "fraud ring",
	})
	if res.NewState != msm.StateRefunded {
		t.Fatalf("state = %s, want refunded", res.NewState)
	}
	if res.Effect.ReversalID == "" || res.Effect.RefundID == "" {
		t.Fatalf("effect = %+v, want reversal and refund ids", res.Effect)
	}

	// Everything unwinds: worker, platform, escrow, and poster all at zero.
	for _, check := range []struct {
		name string
		got  int64
	}{
		{"poster", e.balance(t, store.OwnerUser, "p1", store.AccountLiability)},
		{"worker", e.balance(t, store.OwnerUser, "w1", store.AccountLiability)},
		{"platform", e.balance(t, store.OwnerPlatform, "platform", store.AccountEquity)},
		{"escrow", e.balance(t, store.OwnerTask, "t1", store.AccountLiability)},
	} {
		if check.got != 0 {
			t.Errorf("%s balance = %d, want 0", check.name, check.got)
		}
	}
	if err := e.led.VerifyAll(ctx); err != nil {
		t.Fatalf("ledger verify: %v", err)
	}
}

func TestForceRefundQueuesRedriveWhenCardRefundFails(t *testing.T) {
	e := newEnv(t)
	e.seedTask(t, "t1", "w1", 5000)
	ctx := context.Background()

	e.apply(t, holdCmd("t1", "evt-hold-1"))
	e.apply(t, Command{
		EventID: "evt-release-1", TaskID: "t1", Event: msm.EventReleasePayout, ActorID: "p1",
	})

	e.mock.FailAlways["refund"] = cerr.ErrProviderFailure
	res := e.apply(t, Command{
		EventID:    "evt-force-1",
		TaskID:     "t1",
		Event:      msm.EventForceRefund,
		ActorID:    "admin9",
		ActorAdmin: true,
	})
	if res.NewState != msm.StateRefunded {
		t.Fatalf("state = %s, want refunded", res.NewState)
	}

	// The internal books moved; the card refund waits in the queue.
	if got := e.balance(t, store.OwnerUser, "w1", store.AccountLiability); got != 0 {
		t.Fatalf("worker payable = %d, want 0", got)
	}
	actions, err := e.st.DuePendingActions(ctx, e.clk.Now(), 10)
	if err != nil {
		t.Fatalf("pending actions: %v", err)
	}
	if len(actions) != 1 || actions[0].Type != ActionRefundStripe {
		t.Fatalf("pending actions = %+v, want one REFUND_STRIPE", actions)
	}
}

func TestGuardBlocksReleaseWithOpenDispute(t *testing.T) {
	e := newEnv(t)
	e.seedTask(t, "t1", "w1", 5000)
	ctx := context.Background()

	e.apply(t, holdCmd("t1", "evt-hold-1"))
	if err := e.st.InsertDispute(ctx, &store.Dispute{
		ID: "d1", TaskID: "t1", OpenedBy: "p1", Status: store.DisputePending, CreatedAt: e.clk.Now(),
	}); err != nil {
		t.Fatalf("insert dispute: %v", err)
	}

	_, err := e.orch.Handle(ctx, Command{
		EventID: "evt-release-1", TaskID: "t1", Event: msm.EventReleasePayout, ActorID: "p1",
	})
	if cerr.CodeOf(err) != "DISPUTE_OPEN" {
		t.Fatalf("err = %v, want DISPUTE_OPEN", err)
	}
	if n := e.mock.CallCount("transfer"); n != 0 {
		t.Fatalf("transfer attempted despite open dispute")
	}

	// The refusal itself is on the audit trail.
	audits, _ := e.st.ListMoneyAudits(ctx, "t1")
	last := audits[len(audits)-1]
	if last.Result != audit.ResultDenied || last.Reason != "DISPUTE_OPEN" {
		t.Fatalf("last audit = %+v, want denied/DISPUTE_OPEN", last)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	e := newEnv(t)
	e.seedTask(t, "t1", "w1", 5000)
	ctx := context.Background()

	e.apply(t, holdCmd("t1", "evt-hold-1"))
	e.apply(t, Command{
		EventID: "evt-release-1", TaskID: "t1", Event: msm.EventReleasePayout, ActorID: "p1",
	})

	_, err := e.orch.Handle(ctx, Command{
		EventID: "evt-refund-1", TaskID: "t1", Event: msm.EventRefundEscrow, ActorID: "p1",
	})
	if !errors.Is(err, cerr.ErrInvalidTransition) {
		t.Fatalf("err = %v, want invalid transition", err)
	}
}

func TestAdminOnlyEventRejectsUserActor(t *testing.T) {
	e := newEnv(t)
	e.seedTask(t, "t1", "w1", 5000)
	ctx := context.Background()

	e.apply(t, holdCmd("t1", "evt-hold-1"))
	e.apply(t, Command{
		EventID: "evt-release-1", TaskID: "t1", Event: msm.EventReleasePayout, ActorID: "p1",
	})
	_, err := e.orch.Handle(ctx, Command{
		EventID: "evt-force-1", TaskID: "t1", Event: msm.EventForceRefund, ActorID: "p1",
	})
	if cerr.CodeOf(err) != "ADMIN_REQUIRED" {
		t.Fatalf("err = %v, want ADMIN_REQUIRED", err)
	}
}

func TestProviderFailureFailsLedgerTransaction(t *testing.T) {
	e := newEnv(t)
	e.seedTask(t, "t1", "", 5000)
	ctx := context.Background()

	e.mock.FailAlways["hold"] = cerr.ErrProviderFailure
	_, err := e.orch.Handle(ctx, holdCmd("t1", "evt-hold-1"))
	if cerr.KindOf(err) != cerr.KindTransient {
		t.Fatalf("err = %v, want transient", err)
	}

	tx, err := e.st.GetLedgerTransactionByKey(ctx, "ledger_evt-hold-1")
	if err != nil {
		t.Fatalf("ledger tx: %v", err)
	}
	if tx.Status != store.TxFailed {
		t.Fatalf("tx status = %s, want failed", tx.Status)
	}
	if got := e.balance(t, store.OwnerTask, "t1", store.AccountLiability); got != 0 {
		t.Fatalf("escrow = %d after failed hold, want 0", got)
	}

	// A fresh attempt under a new event succeeds.
	delete(e.mock.FailAlways, "hold")
	e.apply(t, holdCmd("t1", "evt-hold-2"))
	if got := e.balance(t, store.OwnerTask, "t1", store.AccountLiability); got != 5000 {
		t.Fatalf("escrow = %d after retry, want 5000", got)
	}
}

func TestKillSwitchBlocksEverything(t *testing.T) {
	e := newEnv(t)
	e.seedTask(t, "t1", "", 5000)
	ctx := context.Background()

	e.ks.Trigger(ctx, killswitch.ReasonManual, nil)
	_, err := e.orch.Handle(ctx, holdCmd("t1", "evt-hold-1"))
	if !errors.Is(err, cerr.ErrKillSwitchActive) {
		t.Fatalf("err = %v, want kill switch", err)
	}
	if n := e.mock.CallCount("hold"); n != 0 {
		t.Fatal("provider called while frozen")
	}
}

func TestCrashAfterPrepareRetryConverges(t *testing.T) {
	e := newEnv(t)
	e.seedTask(t, "t1", "", 5000)
	ctx := context.Background()

	crash := errors.New("process died")
	e.orch.phaseHook = func(phase string) error {
		if phase == "prepared" {
			return crash
		}
		return nil
	}
	if _, err := e.orch.Handle(ctx, holdCmd("t1", "evt-hold-1")); !errors.Is(err, crash) {
		t.Fatalf("err = %v, want injected crash", err)
	}

	// Intent persisted, nothing moved, provider untouched.
	tx, err := e.st.GetLedgerTransactionByKey(ctx, "ledger_evt-hold-1")
	if err != nil {
		t.Fatalf("ledger tx: %v", err)
	}
	if tx.Status != store.TxPending {
		t.Fatalf("tx status = %s, want pending", tx.Status)
	}
	if n := e.mock.CallCount("hold"); n != 0 {
		t.Fatal("provider called before crash point")
	}

	e.orch.phaseHook = nil
	res := e.apply(t, holdCmd("t1", "evt-hold-1"))
	if res.NewState != msm.StateHeld {
		t.Fatalf("state = %s, want held", res.NewState)
	}
	if got := e.balance(t, store.OwnerTask, "t1", store.AccountLiability); got != 5000 {
		t.Fatalf("escrow = %d, want 5000", got)
	}
	if n := e.mock.CallCount("hold"); n != 1 {
		t.Fatalf("hold calls = %d, want 1", n)
	}
}

func TestCrashAfterExecuteRetryConverges(t *testing.T) {
	e := newEnv(t)
	e.seedTask(t, "t1", "", 5000)
	ctx := context.Background()

	crash := errors.New("process died")
	e.orch.phaseHook = func(phase string) error {
		if phase == "executed" {
			return crash
		}
		return nil
	}
	if _, err := e.orch.Handle(ctx, holdCmd("t1", "evt-hold-1")); !errors.Is(err, crash) {
		t.Fatalf("err = %v, want injected crash", err)
	}
	if n := e.mock.CallCount("hold"); n != 1 {
		t.Fatalf("hold calls = %d, want 1", n)
	}

	e.orch.phaseHook = nil
	res := e.apply(t, holdCmd("t1", "evt-hold-1"))
	if res.NewState != msm.StateHeld {
		t.Fatalf("state = %s, want held", res.NewState)
	}
	// The retry re-drove the provider under the same key: two calls, one
	// effect, one balance movement.
	if n := e.mock.CallCount("hold"); n != 2 {
		t.Fatalf("hold calls = %d, want 2", n)
	}
	if got := e.balance(t, store.OwnerTask, "t1", store.AccountLiability); got != 5000 {
		t.Fatalf("escrow = %d, want 5000", got)
	}
	lock, _ := e.st.GetStateLock(ctx, "t1", false)
	if lock.PaymentIntentID != res.Effect.PaymentIntentID {
		t.Fatalf("lock payment intent %s != effect %s", lock.PaymentIntentID, res.Effect.PaymentIntentID)
	}
	if err := e.led.VerifyAll(ctx); err != nil {
		t.Fatalf("ledger verify: %v", err)
	}
}

func TestFeeSplitRoundsDownFee(t *testing.T) {
	e := newEnv(t)
	fee, payout := e.orch.split(999)
	if fee != 99 || payout != 900 {
		t.Fatalf("split(999) = %d, %d, want 99, 900", fee, payout)
	}
	if fee+payout != 999 {
		t.Fatal("split loses cents")
	}
}
