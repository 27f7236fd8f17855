package recovery

import (
	"context"

	"go.uber.org/zap"

	"github.com/hustlexp/money-core/internal/msm"
	"github.com/hustlexp/money-core/internal/platform/audit"
	"github.com/hustlexp/money-core/internal/store"
)

// providerKeySuffix maps a transaction type to the idempotency key suffix
// its saga used for the provider call, so the reaper can probe for it.
func providerKeySuffix(txType string) string {
	switch msm.Event(txType) {
	case msm.EventHoldEscrow:
		return "-confirm"
	case msm.EventReleasePayout, msm.EventResolveUphold:
		return "-transfer"
	case msm.EventRefundEscrow, msm.EventResolveRefund:
		return "-cancel"
	case msm.EventForceRefund:
		return "-reversal"
	}
	return ""
}

// RunReaper converges ledger transactions stuck in pending or executing
// past the timeout, the trail a crash between prepare and commit leaves
// behind.
// The provider probe decides the direction: no outbound record means
// nothing moved externally and the transaction rolls back; an outbound
// record means money moved and the commit must be completed.
func (r *Recovery) RunReaper(ctx context.Context) error {
	cutoff := r.clock.Now().Add(-r.cfg.PendingReaperTimeout())
	stuck, err := r.store.ListPendingTransactionsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, tx := range stuck {
		if err := r.reapOne(ctx, tx); err != nil {
			r.log.Error("reaping pending transaction failed",
				zap.String("transaction_id", tx.ID), zap.Error(err))
		}
	}
	return nil
}

func (r *Recovery) reapOne(ctx context.Context, tx *store.LedgerTransaction) error {
	eventID := tx.Metadata["event_id"]
	taskID := tx.Metadata["task_id"]

	var eff struct {
		paymentIntentID, chargeID, transferID string
	}
	outbound := false
	if suffix := providerKeySuffix(tx.Type); suffix != "" && eventID != "" {
		found, ok, err := r.provider.FindByIdempotencyKey(ctx, eventID+suffix)
		if err != nil {
			// Can't tell whether money moved; leave the row for the next
			// sweep rather than guess.
			return err
		}
		outbound = ok
		if ok {
			eff.paymentIntentID = found.PaymentIntentID
			eff.chargeID = found.ChargeID
			eff.transferID = found.TransferID
		}
	}

	if !outbound {
		if err := r.store.RunInTx(ctx, func(ctx context.Context) error {
			if err := r.ledger.FailTransaction(ctx, tx.ID, "reaped_no_outbound"); err != nil {
				return err
			}
			return r.store.DeleteLedgerEntries(ctx, tx.ID)
		}); err != nil {
			return err
		}
		r.metrics.ObservePendingReaped("rolled_back")
		r.appendAudit(ctx, audit.Event{
			EventID:   eventID,
			TaskID:    taskID,
			EventType: "PENDING_REAPED",
			Result:    audit.ResultSuccess,
			Reason:    "rolled_back_no_outbound",
		})
		return nil
	}

	err := r.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := r.ledger.CommitTransaction(ctx, tx.ID, nil); err != nil {
			return err
		}
		lock, err := r.store.GetStateLock(ctx, taskID, true)
		if err != nil {
			return err
		}
		target, err := msm.Next(msm.State(lock.CurrentState), msm.Event(tx.Type))
		if err != nil {
			// The transition already happened through another path; the
			// ledger commit above is the only thing that was missing.
			return nil
		}
		next := *lock
		next.CurrentState = string(target)
		next.NextAllowedEvents = msm.NextAllowed(target)
		next.PaymentIntentID = eff.paymentIntentID
		next.ChargeID = eff.chargeID
		next.TransferID = eff.transferID
		next.LastTransitionAt = r.clock.Now()
		if _, err := r.store.UpdateStateLock(ctx, &next, lock.Version); err != nil {
			return err
		}
		if eventID != "" {
			if _, err := r.store.InsertProcessedEvent(ctx, &store.ProcessedEvent{
				EventID:     eventID,
				TaskID:      taskID,
				EventType:   tx.Type,
				ProcessedAt: r.clock.Now(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.metrics.ObservePendingReaped("committed")
	r.appendAudit(ctx, audit.Event{
		EventID:    eventID,
		TaskID:     taskID,
		EventType:  "PENDING_REAPED",
		Result:     audit.ResultSuccess,
		Reason:     "committed_outbound_found",
		ChargeID:   eff.chargeID,
		TransferID: eff.transferID,
	})
	return nil
}
