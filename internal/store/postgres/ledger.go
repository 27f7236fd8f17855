package postgres

import (
	"context"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hustlexp/money-core/internal/store"
)

// --- Accounts ---

func (s *Store) EnsureAccount(ctx context.Context, owner store.OwnerType, ownerID string, typ store.AccountType, currency string) (*store.Account, error) {
	const ins = `
INSERT INTO accounts (id, owner_type, owner_id, account_type, currency_code)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (owner_type, owner_id, account_type) DO NOTHING
`
	id := store.NewID()
	if _, err := s.q(ctx).Exec(ctx, ins, id, owner, ownerID, typ, strings.ToUpper(currency)); err != nil {
		return nil, err
	}
	const get = `
SELECT id, owner_type, owner_id, account_type, currency_code,
       balance_minor, baseline_minor, baseline_tx_id, head_tx_id,
       created_at, updated_at
FROM accounts
WHERE owner_type = $1 AND owner_id = $2 AND account_type = $3
`
	return s.scanAccount(s.q(ctx).QueryRow(ctx, get, owner, ownerID, typ))
}

func (s *Store) GetAccount(ctx context.Context, id string) (*store.Account, error) {
	const q = `
SELECT id, owner_type, owner_id, account_type, currency_code,
       balance_minor, baseline_minor, baseline_tx_id, head_tx_id,
       created_at, updated_at
FROM accounts
WHERE id = $1
`
	return s.scanAccount(s.q(ctx).QueryRow(ctx, q, id))
}

type rowScanner interface{ Scan(dest ...any) error }

func (s *Store) scanAccount(row rowScanner) (*store.Account, error) {
	var a store.Account
	err := row.Scan(&a.ID, &a.OwnerType, &a.OwnerID, &a.Type, &a.Currency,
		&a.Balance, &a.BaselineBalance, &a.BaselineTxID, &a.HeadTxID,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &a, nil
}

func (s *Store) AdjustBalance(ctx context.Context, accountID string, delta int64, headTxID string) error {
	const q = `
UPDATE accounts
SET balance_minor = balance_minor + $2,
    head_tx_id = $3,
    updated_at = NOW()
WHERE id = $1
`
	tag, err := s.q(ctx).Exec(ctx, q, accountID, delta, headTxID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateBaseline(ctx context.Context, accountID string, balance int64, txID string) error {
	const q = `
UPDATE accounts
SET baseline_minor = $2, baseline_tx_id = $3, updated_at = NOW()
WHERE id = $1
`
	tag, err := s.q(ctx).Exec(ctx, q, accountID, balance, txID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]*store.Account, error) {
	const q = `
SELECT id, owner_type, owner_id, account_type, currency_code,
       balance_minor, baseline_minor, baseline_tx_id, head_tx_id,
       created_at, updated_at
FROM accounts
ORDER BY id
`
	rows, err := s.q(ctx).Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Account
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Ledger transactions ---

func (s *Store) InsertLedgerTransaction(ctx context.Context, tx *store.LedgerTransaction) (bool, error) {
	const q = `
INSERT INTO ledger_transactions (id, transaction_type, idempotency_key, status, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (idempotency_key) DO NOTHING
`
	tag, err := s.q(ctx).Exec(ctx, q, tx.ID, tx.Type, tx.IdempotencyKey, tx.Status, metaOrEmpty(tx.Metadata), tx.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func metaOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func (s *Store) GetLedgerTransaction(ctx context.Context, id string) (*store.LedgerTransaction, error) {
	const q = `
SELECT id, transaction_type, idempotency_key, status, metadata, created_at, committed_at
FROM ledger_transactions
WHERE id = $1
`
	return s.scanLedgerTx(s.q(ctx).QueryRow(ctx, q, id))
}

func (s *Store) GetLedgerTransactionByKey(ctx context.Context, idempotencyKey string) (*store.LedgerTransaction, error) {
	const q = `
SELECT id, transaction_type, idempotency_key, status, metadata, created_at, committed_at
FROM ledger_transactions
WHERE idempotency_key = $1
`
	return s.scanLedgerTx(s.q(ctx).QueryRow(ctx, q, idempotencyKey))
}

func (s *Store) scanLedgerTx(row rowScanner) (*store.LedgerTransaction, error) {
	var tx store.LedgerTransaction
	var committedAt *time.Time
	if err := row.Scan(&tx.ID, &tx.Type, &tx.IdempotencyKey, &tx.Status, &tx.Metadata, &tx.CreatedAt, &committedAt); err != nil {
		return nil, mapNoRows(err)
	}
	tx.CommittedAt = committedAt
	return &tx, nil
}

func (s *Store) UpdateLedgerTransactionStatus(ctx context.Context, id string, from []store.TxStatus, to store.TxStatus, mergeMeta map[string]string, committedAt *time.Time) (bool, error) {
	// Metadata merge is append-only: existing keys win over incoming.
	b := psql.Update("ledger_transactions").
		Set("status", to).
		Where(sq.Eq{"id": id})
	if len(from) > 0 {
		states := make([]string, len(from))
		for i, f := range from {
			states[i] = string(f)
		}
		b = b.Where(sq.Eq{"status": states})
	}
	if len(mergeMeta) > 0 {
		b = b.Set("metadata", sq.Expr("?::jsonb || metadata", metaOrEmpty(mergeMeta)))
	}
	if committedAt != nil {
		b = b.Set("committed_at", *committedAt)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return false, err
	}
	tag, err := s.q(ctx).Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListPendingTransactionsBefore(ctx context.Context, cutoff time.Time) ([]*store.LedgerTransaction, error) {
	query, args, err := psql.
		Select("id", "transaction_type", "idempotency_key", "status", "metadata", "created_at", "committed_at").
		From("ledger_transactions").
		Where(sq.Eq{"status": []store.TxStatus{store.TxPending, store.TxExecuting}}).
		Where(sq.Lt{"created_at": cutoff}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}
	return s.listLedgerTxs(ctx, query, args)
}

func (s *Store) ListTransactionsByType(ctx context.Context, txType string, since time.Time) ([]*store.LedgerTransaction, error) {
	query, args, err := psql.
		Select("id", "transaction_type", "idempotency_key", "status", "metadata", "created_at", "committed_at").
		From("ledger_transactions").
		Where(sq.Eq{"transaction_type": txType}).
		Where(sq.GtOrEq{"created_at": since}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}
	return s.listLedgerTxs(ctx, query, args)
}

func (s *Store) listLedgerTxs(ctx context.Context, query string, args []any) ([]*store.LedgerTransaction, error) {
	rows, err := s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.LedgerTransaction
	for rows.Next() {
		tx, err := s.scanLedgerTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// --- Ledger entries ---

func (s *Store) InsertLedgerEntries(ctx context.Context, entries []store.LedgerEntry) error {
	const q = `
INSERT INTO ledger_entries (transaction_id, account_id, direction, amount_minor)
VALUES ($1, $2, $3, $4)
`
	for _, e := range entries {
		if _, err := s.q(ctx).Exec(ctx, q, e.TransactionID, e.AccountID, e.Direction, e.Amount); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, txID string) ([]store.LedgerEntry, error) {
	const q = `
SELECT transaction_id, account_id, direction, amount_minor
FROM ledger_entries
WHERE transaction_id = $1
`
	rows, err := s.q(ctx).Query(ctx, q, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.LedgerEntry
	for rows.Next() {
		var e store.LedgerEntry
		if err := rows.Scan(&e.TransactionID, &e.AccountID, &e.Direction, &e.Amount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteLedgerEntries(ctx context.Context, txID string) error {
	const q = `DELETE FROM ledger_entries WHERE transaction_id = $1`
	_, err := s.q(ctx).Exec(ctx, q, txID)
	return err
}

func (s *Store) ListCommittedEntriesSince(ctx context.Context, accountID, sinceTxID string) ([]store.LedgerEntry, error) {
	b := psql.
		Select("e.transaction_id", "e.account_id", "e.direction", "e.amount_minor").
		From("ledger_entries e").
		Join("ledger_transactions t ON t.id = e.transaction_id").
		Where(sq.Eq{"e.account_id": accountID}).
		Where(sq.Eq{"t.status": []string{string(store.TxCommitted), string(store.TxConfirmed)}}).
		OrderBy("e.transaction_id")
	if sinceTxID != "" {
		b = b.Where(sq.Gt{"e.transaction_id::text": sinceTxID})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.LedgerEntry
	for rows.Next() {
		var e store.LedgerEntry
		if err := rows.Scan(&e.TransactionID, &e.AccountID, &e.Direction, &e.Amount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) InsertLedgerPrepare(ctx context.Context, p *store.LedgerPrepare) error {
	const q = `
INSERT INTO ledger_prepares (transaction_id, idempotency_key, transaction_type, recorded_at)
VALUES ($1, $2, $3, $4)
`
	_, err := s.q(ctx).Exec(ctx, q, p.TransactionID, p.IdempotencyKey, p.Type, p.RecordedAt)
	return err
}

// --- Snapshots ---

func (s *Store) UpsertSnapshot(ctx context.Context, snap *store.LedgerSnapshot) error {
	const q = `
INSERT INTO ledger_snapshots (account_id, balance_minor, last_tx_id, snapshot_hash, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (account_id) DO UPDATE
SET balance_minor = EXCLUDED.balance_minor,
    last_tx_id = EXCLUDED.last_tx_id,
    snapshot_hash = EXCLUDED.snapshot_hash,
    created_at = EXCLUDED.created_at
`
	_, err := s.q(ctx).Exec(ctx, q, snap.AccountID, snap.Balance, snap.LastTxID, snap.SnapshotHash, snap.CreatedAt)
	return err
}

func (s *Store) GetSnapshot(ctx context.Context, accountID string) (*store.LedgerSnapshot, error) {
	const q = `
SELECT account_id, balance_minor, last_tx_id, snapshot_hash, created_at
FROM ledger_snapshots
WHERE account_id = $1
`
	var snap store.LedgerSnapshot
	err := s.q(ctx).QueryRow(ctx, q, accountID).Scan(&snap.AccountID, &snap.Balance, &snap.LastTxID, &snap.SnapshotHash, &snap.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &snap, nil
}
