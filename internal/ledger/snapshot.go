package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hustlexp/money-core/internal/cerr"
	"github.com/hustlexp/money-core/internal/killswitch"
	"github.com/hustlexp/money-core/internal/store"
)

// snapshotHash fingerprints an account's position so later baselines can
// be compared without replaying entries.
func snapshotHash(accountID string, balance int64, lastTxID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", accountID, balance, lastTxID)))
	return hex.EncodeToString(sum[:])
}

// ReadSnapshot loads an account's stored snapshot and recomputes its hash
// over the recorded position. A mismatch means the row was altered after
// it was written; money movement freezes until the books are replayed.
func (l *Ledger) ReadSnapshot(ctx context.Context, accountID string) (*store.LedgerSnapshot, error) {
	snap, err := l.store.GetSnapshot(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if snapshotHash(snap.AccountID, snap.Balance, snap.LastTxID) != snap.SnapshotHash {
		l.ks.Trigger(ctx, killswitch.ReasonLedgerMismatch, map[string]string{
			"account_id": accountID,
			"detail":     "snapshot hash mismatch",
		})
		return nil, cerr.Integrityf("SNAPSHOT_CORRUPT",
			"snapshot for account %s fails its hash check", accountID)
	}
	return snap, nil
}

// SnapshotAccount verifies the account and the previous snapshot, then
// records the current position and advances the replay baseline to the
// head.
func (l *Ledger) SnapshotAccount(ctx context.Context, accountID string) error {
	if _, err := l.ReadSnapshot(ctx, accountID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := l.VerifyAccount(ctx, accountID); err != nil {
		return err
	}
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	snap := &store.LedgerSnapshot{
		AccountID:    acct.ID,
		Balance:      acct.Balance,
		LastTxID:     acct.HeadTxID,
		SnapshotHash: snapshotHash(acct.ID, acct.Balance, acct.HeadTxID),
		CreatedAt:    l.clock.Now(),
	}
	if err := l.store.UpsertSnapshot(ctx, snap); err != nil {
		return err
	}
	return l.store.UpdateBaseline(ctx, acct.ID, acct.Balance, acct.HeadTxID)
}

// SnapshotSweep runs one pass over all accounts. An integrity error stops
// the sweep; the kill switch has already fired by then.
func (l *Ledger) SnapshotSweep(ctx context.Context) error {
	accounts, err := l.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		if err := l.SnapshotAccount(ctx, a.ID); err != nil {
			return err
		}
	}
	return nil
}

// StartSnapshotWorker sweeps on a fixed interval until ctx ends. Sweeps
// are skipped while the kill switch is active.
func (l *Ledger) StartSnapshotWorker(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if l.ks.Active() {
					continue
				}
				if err := l.SnapshotSweep(ctx); err != nil {
					l.log.Error("snapshot sweep failed", zap.Error(err))
				}
			}
		}
	}()
}
