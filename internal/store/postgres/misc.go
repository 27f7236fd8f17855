package postgres

import (
	"context"
	"time"

	"github.com/hustlexp/money-core/internal/store"
)

// --- Provider balance mirror ---

func (s *Store) UpsertProviderBalanceTxn(ctx context.Context, t *store.ProviderBalanceTxn) error {
	const q = `
INSERT INTO provider_balance_mirror
  (id, amount_minor, currency_code, txn_type, status, available_on, created, reporting_category, source_id, description)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE
SET amount_minor = EXCLUDED.amount_minor,
    status = EXCLUDED.status,
    available_on = EXCLUDED.available_on
`
	_, err := s.q(ctx).Exec(ctx, q, t.ID, t.Amount, t.Currency, t.Type, t.Status,
		t.AvailableOn, t.Created, t.ReportingCategory, t.SourceID, t.Description)
	return err
}

func (s *Store) ListOrphanMirrorTxns(ctx context.Context, limit int) ([]*store.ProviderBalanceTxn, error) {
	// Orphan: no ledger transaction claims the row, neither through the
	// stripe_txn_id metadata tag nor through an idempotency key matching
	// the mirror row's source.
	q := `
SELECT m.id, m.amount_minor, m.currency_code, m.txn_type, m.status,
       COALESCE(m.available_on, 'epoch'::timestamptz),
       COALESCE(m.created, 'epoch'::timestamptz),
       m.reporting_category, m.source_id, m.description
FROM provider_balance_mirror m
LEFT JOIN ledger_transactions tm ON tm.metadata->>'stripe_txn_id' = m.id
LEFT JOIN ledger_transactions tk ON tk.idempotency_key = m.source_id
WHERE tm.id IS NULL AND tk.id IS NULL
ORDER BY m.id
`
	args := []any{}
	if limit > 0 {
		q += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.q(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.ProviderBalanceTxn
	for rows.Next() {
		var t store.ProviderBalanceTxn
		if err := rows.Scan(&t.ID, &t.Amount, &t.Currency, &t.Type, &t.Status,
			&t.AvailableOn, &t.Created, &t.ReportingCategory, &t.SourceID, &t.Description); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *Store) FindMirrorBySource(ctx context.Context, sourceID string) (*store.ProviderBalanceTxn, error) {
	const q = `
SELECT id, amount_minor, currency_code, txn_type, status,
       COALESCE(available_on, 'epoch'::timestamptz),
       COALESCE(created, 'epoch'::timestamptz),
       reporting_category, source_id, description
FROM provider_balance_mirror
WHERE source_id = $1
LIMIT 1
`
	var t store.ProviderBalanceTxn
	err := s.q(ctx).QueryRow(ctx, q, sourceID).Scan(&t.ID, &t.Amount, &t.Currency, &t.Type, &t.Status,
		&t.AvailableOn, &t.Created, &t.ReportingCategory, &t.SourceID, &t.Description)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &t, nil
}

// --- Tasks ---

func (s *Store) InsertTask(ctx context.Context, t *store.Task) error {
	const q = `
INSERT INTO tasks
  (id, poster_id, worker_id, title, description, category, city, price_cents,
   tpee_evaluation_id, tpee_decision, tpee_reason_code, tpee_confidence, policy_snapshot_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`
	_, err := s.q(ctx).Exec(ctx, q, t.ID, t.PosterID, t.WorkerID, t.Title, t.Description,
		t.Category, t.City, t.PriceCents,
		t.TPEEEvaluationID, t.TPEEDecision, t.TPEEReasonCode, t.TPEEConfidence, t.PolicySnapshotID, t.CreatedAt)
	return err
}

func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	const q = `
SELECT id, poster_id, worker_id, title, description, category, city, price_cents,
       tpee_evaluation_id, tpee_decision, tpee_reason_code, tpee_confidence, policy_snapshot_id, created_at
FROM tasks
WHERE id = $1
`
	var t store.Task
	err := s.q(ctx).QueryRow(ctx, q, id).Scan(&t.ID, &t.PosterID, &t.WorkerID, &t.Title, &t.Description,
		&t.Category, &t.City, &t.PriceCents,
		&t.TPEEEvaluationID, &t.TPEEDecision, &t.TPEEReasonCode, &t.TPEEConfidence, &t.PolicySnapshotID, &t.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &t, nil
}

func (s *Store) UpdateTaskWorker(ctx context.Context, taskID, workerID string) error {
	const q = `UPDATE tasks SET worker_id = $2 WHERE id = $1`
	tag, err := s.q(ctx).Exec(ctx, q, taskID, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- Disputes ---

func (s *Store) InsertDispute(ctx context.Context, d *store.Dispute) error {
	const q = `
INSERT INTO disputes (id, task_id, opened_by, reason, status, created_at, resolved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := s.q(ctx).Exec(ctx, q, d.ID, d.TaskID, d.OpenedBy, d.Reason, d.Status, d.CreatedAt, d.ResolvedAt)
	return err
}

func (s *Store) GetDispute(ctx context.Context, id string) (*store.Dispute, error) {
	const q = `
SELECT id, task_id, opened_by, reason, status, created_at, resolved_at
FROM disputes
WHERE id = $1
`
	var d store.Dispute
	err := s.q(ctx).QueryRow(ctx, q, id).Scan(&d.ID, &d.TaskID, &d.OpenedBy, &d.Reason, &d.Status, &d.CreatedAt, &d.ResolvedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &d, nil
}

func (s *Store) ListDisputesByTask(ctx context.Context, taskID string) ([]*store.Dispute, error) {
	const q = `
SELECT id, task_id, opened_by, reason, status, created_at, resolved_at
FROM disputes
WHERE task_id = $1
ORDER BY created_at
`
	rows, err := s.q(ctx).Query(ctx, q, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Dispute
	for rows.Next() {
		var d store.Dispute
		if err := rows.Scan(&d.ID, &d.TaskID, &d.OpenedBy, &d.Reason, &d.Status, &d.CreatedAt, &d.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *Store) UpdateDisputeStatus(ctx context.Context, id string, status store.DisputeStatus, resolvedAt *time.Time) error {
	const q = `
UPDATE disputes SET status = $2, resolved_at = COALESCE($3, resolved_at) WHERE id = $1
`
	tag, err := s.q(ctx).Exec(ctx, q, id, status, resolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- Idempotent responses ---

func (s *Store) GetIdempotentResponse(ctx context.Context, scope, key string) (*store.IdempotentResponse, error) {
	const q = `
SELECT scope, idem_key, request_hash, status_code, body, created_at, expires_at
FROM idempotent_responses
WHERE scope = $1 AND idem_key = $2
`
	var r store.IdempotentResponse
	err := s.q(ctx).QueryRow(ctx, q, scope, key).Scan(&r.Scope, &r.Key, &r.RequestHash, &r.StatusCode, &r.Body, &r.CreatedAt, &r.ExpiresAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &r, nil
}

func (s *Store) PutIdempotentResponse(ctx context.Context, r *store.IdempotentResponse) error {
	// First writer wins; a concurrent duplicate keeps the original body.
	const q = `
INSERT INTO idempotent_responses (scope, idem_key, request_hash, status_code, body, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (scope, idem_key) DO NOTHING
`
	_, err := s.q(ctx).Exec(ctx, q, r.Scope, r.Key, r.RequestHash, r.StatusCode, r.Body, r.CreatedAt, r.ExpiresAt)
	return err
}

func (s *Store) DeleteExpiredIdempotentResponses(ctx context.Context, now time.Time, batch int) (int64, error) {
	const q = `
DELETE FROM idempotent_responses
WHERE (scope, idem_key) IN (
  SELECT scope, idem_key FROM idempotent_responses
  WHERE expires_at <= $1
  LIMIT $2
)
`
	n := batch
	if n <= 0 {
		n = 1000
	}
	tag, err := s.q(ctx).Exec(ctx, q, now, n)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Webhook replay dedup ---

func (s *Store) MarkWebhookSeen(ctx context.Context, providerEventID, internalID string, at time.Time) (bool, error) {
	const q = `
INSERT INTO webhook_events_seen (provider_event_id, internal_id, seen_at)
VALUES ($1, $2, $3)
ON CONFLICT (provider_event_id) DO NOTHING
`
	tag, err := s.q(ctx).Exec(ctx, q, providerEventID, internalID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
