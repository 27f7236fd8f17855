package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hustlexp/money-core/internal/killswitch"
	"github.com/hustlexp/money-core/internal/provider"
	"github.com/hustlexp/money-core/internal/saga"
	"github.com/hustlexp/money-core/internal/store"
)

// RunDLQ drains due pending actions. Backoff between attempts is
// base * 5^(attempt-1) minutes; an action that exhausts its retries goes
// dead and freezes money movement, because at that point the books and
// the provider disagree in a way retries cannot fix.
func (r *Recovery) RunDLQ(ctx context.Context) error {
	now := r.clock.Now()
	due, err := r.store.DuePendingActions(ctx, now, 50)
	if err != nil {
		return err
	}
	for _, action := range due {
		r.processAction(ctx, action)
	}
	if depth, err := r.store.CountOpenPendingActions(ctx); err == nil {
		r.metrics.SetDLQDepth(depth)
	}
	return nil
}

func (r *Recovery) processAction(ctx context.Context, action *store.PendingAction) {
	err := r.dispatchAction(ctx, action)
	if err == nil {
		action.Status = store.ActionResolved
		if uerr := r.store.UpdatePendingAction(ctx, action); uerr != nil {
			r.log.Error("marking pending action resolved failed",
				zap.String("action_id", action.ID), zap.Error(uerr))
		}
		return
	}

	action.RetryCount++
	action.ErrorLog = append(action.ErrorLog,
		fmt.Sprintf("%s attempt %d: %v", r.clock.Now().Format(time.RFC3339), action.RetryCount, err))

	if action.RetryCount >= r.cfg.DLQMaxRetries {
		action.Status = store.ActionDead
		if uerr := r.store.UpdatePendingAction(ctx, action); uerr != nil {
			r.log.Error("marking pending action dead failed",
				zap.String("action_id", action.ID), zap.Error(uerr))
		}
		r.metrics.ObserveDLQDead()
		r.ks.Trigger(ctx, killswitch.ReasonSagaRetryExhaustion, map[string]string{
			"action_id":      action.ID,
			"action_type":    action.Type,
			"transaction_id": action.TransactionID,
		})
		return
	}

	action.Status = store.ActionFailed
	action.NextRetryAt = r.clock.Now().Add(r.backoff(action.RetryCount))
	if uerr := r.store.UpdatePendingAction(ctx, action); uerr != nil {
		r.log.Error("rescheduling pending action failed",
			zap.String("action_id", action.ID), zap.Error(uerr))
	}
}

func (r *Recovery) backoff(attempt int) time.Duration {
	base := time.Duration(r.cfg.DLQBackoffBaseMinutes) * time.Minute
	d := base
	for i := 1; i < attempt; i++ {
		d *= 5
	}
	return d
}

type refundPayload struct {
	TaskID      string `json:"task_id"`
	ChargeID    string `json:"charge_id"`
	AmountCents int64  `json:"amount_cents"`
	IdemKey     string `json:"idem_key"`
}

type reversePayload struct {
	TransferID  string `json:"transfer_id"`
	AmountCents int64  `json:"amount_cents"`
	IdemKey     string `json:"idem_key"`
}

func (r *Recovery) dispatchAction(ctx context.Context, action *store.PendingAction) error {
	switch action.Type {
	case saga.ActionCommitTx:
		return r.store.RunInTx(ctx, func(ctx context.Context) error {
			return r.ledger.CommitTransaction(ctx, action.TransactionID, nil)
		})

	case saga.ActionRefundStripe:
		var p refundPayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return fmt.Errorf("decode refund payload: %w", err)
		}
		_, err := r.provider.Refund(ctx, p.IdemKey, provider.RefundParams{
			TaskID:      p.TaskID,
			ChargeID:    p.ChargeID,
			AmountCents: p.AmountCents,
			Reason:      "fraudulent",
		})
		return err

	case saga.ActionReverseStripe:
		var p reversePayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return fmt.Errorf("decode reversal payload: %w", err)
		}
		_, err := r.provider.ReverseTransfer(ctx, p.IdemKey, p.TransferID, p.AmountCents)
		return err
	}
	return fmt.Errorf("unknown pending action type %q", action.Type)
}
