// Package ledger implements the double-entry engine. Every money movement
// is a balanced transaction of paired debit/credit entries; balances are
// derived state and are re-derivable from the entry stream at any time.
package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hustlexp/money-core/internal/cerr"
	"github.com/hustlexp/money-core/internal/killswitch"
	"github.com/hustlexp/money-core/internal/platform/clock"
	"github.com/hustlexp/money-core/internal/store"
)

type Ledger struct {
	store store.Store
	ks    *killswitch.Switch
	log   *zap.Logger
	clock clock.Clock
}

func New(st store.Store, ks *killswitch.Switch, log *zap.Logger, clk clock.Clock) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Ledger{store: st, ks: ks, log: log, clock: clk}
}

// validateEntries enforces the shape every posting must have before any
// row is written: at least one debit/credit pair, an even entry count,
// strictly positive integer amounts, and sum(debits) == sum(credits).
func validateEntries(entries []store.LedgerEntry) error {
	if len(entries) < 2 {
		return cerr.Validationf("UNBALANCED_POSTING", "posting needs at least two entries, got %d", len(entries))
	}
	if len(entries)%2 != 0 {
		return cerr.Validationf("UNBALANCED_POSTING", "posting needs an even number of entries, got %d", len(entries))
	}
	var debits, credits int64
	for _, e := range entries {
		if e.Amount <= 0 {
			return cerr.Validationf("NONPOSITIVE_AMOUNT", "entry amount must be a positive integer, got %d", e.Amount)
		}
		switch e.Direction {
		case store.Debit:
			debits += e.Amount
		case store.Credit:
			credits += e.Amount
		default:
			return cerr.Validationf("BAD_DIRECTION", "unknown entry direction %q", e.Direction)
		}
	}
	if debits != credits {
		return cerr.Validationf("UNBALANCED_POSTING", "debits %d != credits %d", debits, credits)
	}
	return nil
}

// PrepareTransaction writes the transaction in `pending` plus its entries
// and the prepare-intent record, all inside the caller's enclosing store
// transaction. Replays by idempotency key return the original transaction;
// a key reuse with different content trips the kill switch.
func (l *Ledger) PrepareTransaction(ctx context.Context, txType, idemKey string, entries []store.LedgerEntry, meta map[string]string) (*store.LedgerTransaction, error) {
	if err := validateEntries(entries); err != nil {
		return nil, err
	}

	currency := ""
	for _, e := range entries {
		acct, err := l.store.GetAccount(ctx, e.AccountID)
		if err != nil {
			return nil, cerr.Wrap(cerr.KindValidation, "UNKNOWN_ACCOUNT", err, "account %s", e.AccountID)
		}
		if currency == "" {
			currency = acct.Currency
		} else if acct.Currency != currency {
			return nil, cerr.Validationf("CURRENCY_MISMATCH", "accounts span currencies %s and %s", currency, acct.Currency)
		}
	}

	now := l.clock.Now()
	tx := &store.LedgerTransaction{
		ID:             store.NewTimeOrderedID(),
		Type:           txType,
		IdempotencyKey: idemKey,
		Status:         store.TxPending,
		Metadata:       meta,
		CreatedAt:      now,
	}

	inserted, err := l.store.InsertLedgerTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := l.store.GetLedgerTransactionByKey(ctx, idemKey)
		if err != nil {
			return nil, err
		}
		if err := l.matchExisting(ctx, existing, txType, entries); err != nil {
			return nil, err
		}
		return existing, nil
	}

	for i := range entries {
		entries[i].TransactionID = tx.ID
	}
	if err := l.store.InsertLedgerEntries(ctx, entries); err != nil {
		return nil, err
	}
	if err := l.store.InsertLedgerPrepare(ctx, &store.LedgerPrepare{
		TransactionID:  tx.ID,
		IdempotencyKey: idemKey,
		Type:           txType,
		RecordedAt:     now,
	}); err != nil {
		return nil, err
	}
	return tx, nil
}

// matchExisting deep-compares a replayed prepare against the stored
// transaction. Same key with different content means two different money
// movements are fighting over one identity; that is unrecoverable.
func (l *Ledger) matchExisting(ctx context.Context, existing *store.LedgerTransaction, txType string, entries []store.LedgerEntry) error {
	if existing.Status == store.TxFailed {
		// The key's identity is burned, and a reaped rollback may have
		// dropped its entries; a content compare would be meaningless.
		return cerr.Policyf("TX_FAILED", "idempotency key %s belongs to a failed transaction", existing.IdempotencyKey)
	}
	stored, err := l.store.ListLedgerEntries(ctx, existing.ID)
	if err != nil {
		return err
	}
	mismatch := existing.Type != txType || len(stored) != len(entries)
	if !mismatch {
		want := make(map[string]int64, len(entries))
		for _, e := range entries {
			want[string(e.Direction)+"|"+e.AccountID] += e.Amount
		}
		for _, e := range stored {
			want[string(e.Direction)+"|"+e.AccountID] -= e.Amount
		}
		for _, v := range want {
			if v != 0 {
				mismatch = true
				break
			}
		}
	}
	if mismatch {
		l.ks.Trigger(ctx, killswitch.ReasonIdempotencyConflict, map[string]string{
			"idempotency_key": existing.IdempotencyKey,
			"existing_tx":     existing.ID,
			"requested_type":  txType,
		})
		return cerr.Integrityf("IDEMPOTENCY_CONFLICT",
			"idempotency key %s reused with different content", existing.IdempotencyKey)
	}
	return nil
}

// CommitTransaction applies the prepared entries to account balances and
// CAS-moves the transaction to committed. Idempotent: a transaction that
// already reached committed or confirmed is left alone.
func (l *Ledger) CommitTransaction(ctx context.Context, txID string, mergeMeta map[string]string) error {
	tx, err := l.store.GetLedgerTransaction(ctx, txID)
	if err != nil {
		return err
	}
	switch tx.Status {
	case store.TxCommitted, store.TxConfirmed:
		return nil
	case store.TxFailed:
		return cerr.Policyf("TX_FAILED", "transaction %s already failed", txID)
	}

	now := l.clock.Now()
	moved, err := l.store.UpdateLedgerTransactionStatus(ctx, txID,
		[]store.TxStatus{store.TxPending, store.TxExecuting}, store.TxCommitted, mergeMeta, &now)
	if err != nil {
		return err
	}
	if !moved {
		// A concurrent committer won the CAS; re-read to distinguish
		// success from a terminal failure.
		cur, err := l.store.GetLedgerTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if cur.Status == store.TxCommitted || cur.Status == store.TxConfirmed {
			return nil
		}
		return cerr.Concurrencyf("TX_STATUS_RACE", "transaction %s moved to %s", txID, cur.Status)
	}

	entries, err := l.store.ListLedgerEntries(ctx, txID)
	if err != nil {
		return err
	}
	if err := validateEntries(entries); err != nil {
		return l.integrity(ctx, txID, fmt.Sprintf("stored entries invalid: %v", err))
	}

	for _, e := range entries {
		acct, err := l.store.GetAccount(ctx, e.AccountID)
		if err != nil {
			return err
		}
		// Monotonic causality: a commit may only advance the account head.
		// UUIDv7 transaction IDs make the lexicographic compare a time
		// compare.
		if acct.HeadTxID != "" && txID <= acct.HeadTxID {
			return l.integrity(ctx, txID, fmt.Sprintf(
				"commit would rewind account %s head %s to %s", acct.ID, acct.HeadTxID, txID))
		}
		delta := e.Amount
		if (e.Direction == store.Debit) != acct.Type.DebitPositive() {
			delta = -delta
		}
		if err := l.store.AdjustBalance(ctx, acct.ID, delta, txID); err != nil {
			return err
		}
	}
	return nil
}

// MarkExecuting records that the provider call for this transaction is in
// flight. Run in autocommit, before the provider call, so a crash during
// execution is distinguishable from a crash before it.
func (l *Ledger) MarkExecuting(ctx context.Context, txID string) error {
	_, err := l.store.UpdateLedgerTransactionStatus(ctx, txID,
		[]store.TxStatus{store.TxPending}, store.TxExecuting, nil, nil)
	return err
}

// MarkConfirmed upgrades a committed transaction once the provider's
// asynchronous settlement signal lands. Reports false when the transaction
// was not in committed.
func (l *Ledger) MarkConfirmed(ctx context.Context, txID string, mergeMeta map[string]string) (bool, error) {
	return l.store.UpdateLedgerTransactionStatus(ctx, txID,
		[]store.TxStatus{store.TxCommitted}, store.TxConfirmed, mergeMeta, nil)
}

// FailTransaction terminates a transaction whose effects never applied.
func (l *Ledger) FailTransaction(ctx context.Context, txID, reason string) error {
	_, err := l.store.UpdateLedgerTransactionStatus(ctx, txID,
		[]store.TxStatus{store.TxPending, store.TxExecuting}, store.TxFailed,
		map[string]string{"failure_reason": reason}, nil)
	return err
}

// VerifyAccount re-derives the balance from the baseline plus committed
// entries and compares it to the stored balance. A mismatch freezes money
// movement.
func (l *Ledger) VerifyAccount(ctx context.Context, accountID string) error {
	// Account row and entry replay must come from one snapshot, or a
	// commit landing between the two reads looks like drift.
	var (
		acct    *store.Account
		entries []store.LedgerEntry
	)
	err := l.store.RunInReadTx(ctx, func(ctx context.Context) error {
		var err error
		if acct, err = l.store.GetAccount(ctx, accountID); err != nil {
			return err
		}
		entries, err = l.store.ListCommittedEntriesSince(ctx, accountID, acct.BaselineTxID)
		return err
	})
	if err != nil {
		return err
	}
	derived := acct.BaselineBalance
	for _, e := range entries {
		delta := e.Amount
		if (e.Direction == store.Debit) != acct.Type.DebitPositive() {
			delta = -delta
		}
		derived += delta
	}
	if derived != acct.Balance {
		l.ks.Trigger(ctx, killswitch.ReasonLedgerMismatch, map[string]string{
			"account_id": accountID,
			"stored":     fmt.Sprintf("%d", acct.Balance),
			"derived":    fmt.Sprintf("%d", derived),
		})
		return cerr.Integrityf("LEDGER_MISMATCH",
			"account %s stored balance %d, derived %d", accountID, acct.Balance, derived)
	}
	return nil
}

// VerifyAll runs VerifyAccount over every account. Used by the integrity
// sweep and by tests.
func (l *Ledger) VerifyAll(ctx context.Context) error {
	accounts, err := l.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		if err := l.VerifyAccount(ctx, a.ID); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) integrity(ctx context.Context, txID, detail string) error {
	l.ks.Trigger(ctx, killswitch.ReasonLedgerMismatch, map[string]string{
		"transaction_id": txID,
		"detail":         detail,
	})
	return cerr.Integrityf("INTEGRITY_VIOLATION", "%s", detail)
}
