package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hustlexp/money-core/internal/killswitch"
	"github.com/hustlexp/money-core/internal/store"
)

// RunReconcile pulls the provider's balance history for the trailing
// window into the local mirror, then flags rows with no internal
// counterpart. Flagged rows are the backfill loop's work queue; a row
// whose counterpart exists but disagrees on amount freezes money
// movement.
func (r *Recovery) RunReconcile(ctx context.Context) error {
	since := r.clock.Now().Add(-48 * time.Hour)
	rows, err := r.provider.ListBalanceTransactions(ctx, since, 500)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := r.store.UpsertProviderBalanceTxn(ctx, row); err != nil {
			return err
		}
		if err := r.checkCounterpart(ctx, row); err != nil {
			return err
		}
	}

	orphans, err := r.store.ListOrphanMirrorTxns(ctx, 100)
	if err != nil {
		return err
	}
	if len(orphans) > 0 {
		r.log.Warn("mirror rows without internal counterpart",
			zap.Int("count", len(orphans)))
	}
	return nil
}

// checkCounterpart compares a mirror row against the ledger transaction
// that claims its source, when one exists.
func (r *Recovery) checkCounterpart(ctx context.Context, row *store.ProviderBalanceTxn) error {
	if row.SourceID == "" {
		return nil
	}
	tx, err := r.store.GetLedgerTransactionByKey(ctx, row.SourceID)
	if err != nil {
		return nil // no counterpart yet; the orphan pass handles it
	}
	entries, err := r.store.ListLedgerEntries(ctx, tx.ID)
	if err != nil {
		return err
	}
	var debits int64
	for _, e := range entries {
		if e.Direction == store.Debit {
			debits += e.Amount
		}
	}
	mirror := row.Amount
	if mirror < 0 {
		mirror = -mirror
	}
	if debits != mirror {
		r.ks.Trigger(ctx, killswitch.ReasonReconcileDivergence, map[string]string{
			"mirror_id":      row.ID,
			"transaction_id": tx.ID,
		})
	}
	return nil
}

// RunBackfill converts orphan mirror rows into ledger transactions so the
// books account for every cent the provider has seen. Money with no
// reconstructable origin lands in the unallocated-cash pair for an
// operator to classify.
func (r *Recovery) RunBackfill(ctx context.Context) error {
	orphans, err := r.store.ListOrphanMirrorTxns(ctx, 50)
	if err != nil {
		return err
	}
	for _, row := range orphans {
		if err := r.backfillOne(ctx, row); err != nil {
			r.log.Error("backfilling mirror row failed",
				zap.String("mirror_id", row.ID), zap.Error(err))
		}
	}
	return nil
}

func (r *Recovery) backfillOne(ctx context.Context, row *store.ProviderBalanceTxn) error {
	amount := row.Amount
	if amount < 0 {
		amount = -amount
	}
	if amount == 0 {
		return nil
	}
	return r.store.RunInTx(ctx, func(ctx context.Context) error {
		cash, err := r.store.EnsureAccount(ctx, store.OwnerPlatform, "platform", store.AccountAsset, row.Currency)
		if err != nil {
			return err
		}
		unallocated, err := r.store.EnsureAccount(ctx, store.OwnerPlatform, "unallocated", store.AccountLiability, row.Currency)
		if err != nil {
			return err
		}
		debit, credit := cash.ID, unallocated.ID
		if row.Amount < 0 {
			debit, credit = unallocated.ID, cash.ID
		}
		entries := []store.LedgerEntry{
			{AccountID: debit, Direction: store.Debit, Amount: amount},
			{AccountID: credit, Direction: store.Credit, Amount: amount},
		}
		tx, err := r.ledger.PrepareTransaction(ctx, "BACKFILL", "backfill_"+row.ID, entries,
			map[string]string{"stripe_txn_id": row.ID, "reporting_category": row.ReportingCategory})
		if err != nil {
			return err
		}
		return r.ledger.CommitTransaction(ctx, tx.ID, nil)
	})
}
