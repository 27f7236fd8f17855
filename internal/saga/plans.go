package saga

import (
	"context"

	"github.com/hustlexp/money-core/internal/msm"
	"github.com/hustlexp/money-core/internal/store"
)

// split divides the task price into platform fee and worker payout.
// Integer cents only; the fee rounds down so the worker never loses the
// rounding cent.
func (o *Orchestrator) split(priceCents int64) (fee, payout int64) {
	fee = priceCents * o.cfg.FeeBasisPoints / 10000
	return fee, priceCents - fee
}

// taskAccounts resolves (creating on first use) the four accounts a task's
// money flows through.
type taskAccounts struct {
	posterRecv  *store.Account // liability: the poster's receivable with the platform
	escrow      *store.Account // liability: funds held for the task
	workerPay   *store.Account // liability: funds owed to the worker
	platformFee *store.Account // equity: earned platform fees
}

func (o *Orchestrator) accountsFor(ctx context.Context, task *store.Task) (*taskAccounts, error) {
	posterRecv, err := o.store.EnsureAccount(ctx, store.OwnerUser, task.PosterID, store.AccountLiability, "USD")
	if err != nil {
		return nil, err
	}
	escrow, err := o.store.EnsureAccount(ctx, store.OwnerTask, task.ID, store.AccountLiability, "USD")
	if err != nil {
		return nil, err
	}
	acc := &taskAccounts{posterRecv: posterRecv, escrow: escrow}
	if task.WorkerID != "" {
		acc.workerPay, err = o.store.EnsureAccount(ctx, store.OwnerUser, task.WorkerID, store.AccountLiability, "USD")
		if err != nil {
			return nil, err
		}
	}
	acc.platformFee, err = o.store.EnsureAccount(ctx, store.OwnerPlatform, "platform", store.AccountEquity, "USD")
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func pair(debitAcct, creditAcct string, amount int64) []store.LedgerEntry {
	return []store.LedgerEntry{
		{AccountID: debitAcct, Direction: store.Debit, Amount: amount},
		{AccountID: creditAcct, Direction: store.Credit, Amount: amount},
	}
}

// buildPlan returns the double-entry posting for the event, or nil for
// events that move no internal money.
func (o *Orchestrator) buildPlan(ctx context.Context, ev msm.Event, task *store.Task) ([]store.LedgerEntry, error) {
	price := task.PriceCents
	fee, payout := o.split(price)

	switch ev {
	case msm.EventHoldEscrow:
		acc, err := o.accountsFor(ctx, task)
		if err != nil {
			return nil, err
		}
		return pair(acc.posterRecv.ID, acc.escrow.ID, price), nil

	case msm.EventReleasePayout, msm.EventResolveUphold:
		acc, err := o.accountsFor(ctx, task)
		if err != nil {
			return nil, err
		}
		entries := pair(acc.escrow.ID, acc.workerPay.ID, payout)
		if fee > 0 {
			entries = append(entries, pair(acc.escrow.ID, acc.platformFee.ID, fee)...)
		}
		return entries, nil

	case msm.EventRefundEscrow, msm.EventResolveRefund:
		acc, err := o.accountsFor(ctx, task)
		if err != nil {
			return nil, err
		}
		return pair(acc.escrow.ID, acc.posterRecv.ID, price), nil

	case msm.EventForceRefund:
		acc, err := o.accountsFor(ctx, task)
		if err != nil {
			return nil, err
		}
		entries := pair(acc.workerPay.ID, acc.posterRecv.ID, payout)
		if fee > 0 {
			entries = append(entries, pair(acc.platformFee.ID, acc.posterRecv.ID, fee)...)
		}
		return entries, nil

	case msm.EventDisputeOpen, msm.EventWebhookPayoutPaid:
		return nil, nil
	}
	return nil, nil
}
