package postgres

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hustlexp/money-core/internal/cerr"
	"github.com/hustlexp/money-core/internal/platform/audit"
	"github.com/hustlexp/money-core/internal/store"
)

// --- Money state locks ---

func (s *Store) GetStateLock(ctx context.Context, taskID string, forUpdate bool) (*store.MoneyStateLock, error) {
	q := `
SELECT task_id, current_state, next_allowed_events,
       payment_intent_id, charge_id, transfer_id, refund_id,
       version, last_transition_at
FROM money_state_locks
WHERE task_id = $1
`
	if forUpdate {
		q += " FOR UPDATE"
	}
	var l store.MoneyStateLock
	err := s.q(ctx).QueryRow(ctx, q, taskID).Scan(&l.TaskID, &l.CurrentState, &l.NextAllowedEvents,
		&l.PaymentIntentID, &l.ChargeID, &l.TransferID, &l.RefundID,
		&l.Version, &l.LastTransitionAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &l, nil
}

func (s *Store) InsertStateLock(ctx context.Context, l *store.MoneyStateLock) error {
	const q = `
INSERT INTO money_state_locks
  (task_id, current_state, next_allowed_events,
   payment_intent_id, charge_id, transfer_id, refund_id,
   version, last_transition_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`
	_, err := s.q(ctx).Exec(ctx, q, l.TaskID, l.CurrentState, l.NextAllowedEvents,
		l.PaymentIntentID, l.ChargeID, l.TransferID, l.RefundID,
		l.Version, l.LastTransitionAt)
	if isUniqueViolation(err) {
		// Two first-hold attempts raced; the loser retries and finds the row.
		return cerr.Concurrencyf("STATE_LOCK_EXISTS", "money state already exists for task %s", l.TaskID)
	}
	return err
}

func (s *Store) UpdateStateLock(ctx context.Context, l *store.MoneyStateLock, expectedVersion int64) (bool, error) {
	// Provider IDs are set-once: an existing non-empty value always wins.
	const q = `
UPDATE money_state_locks
SET current_state = $2,
    next_allowed_events = $3,
    payment_intent_id = COALESCE(NULLIF(payment_intent_id, ''), $4),
    charge_id = COALESCE(NULLIF(charge_id, ''), $5),
    transfer_id = COALESCE(NULLIF(transfer_id, ''), $6),
    refund_id = COALESCE(NULLIF(refund_id, ''), $7),
    version = version + 1,
    last_transition_at = $8
WHERE task_id = $1 AND version = $9
`
	tag, err := s.q(ctx).Exec(ctx, q, l.TaskID, l.CurrentState, l.NextAllowedEvents,
		l.PaymentIntentID, l.ChargeID, l.TransferID, l.RefundID,
		l.LastTransitionAt, expectedVersion)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// --- Processed events ---

func (s *Store) InsertProcessedEvent(ctx context.Context, ev *store.ProcessedEvent) (bool, error) {
	const q = `
INSERT INTO processed_events (event_id, task_id, event_type, processed_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (event_id) DO NOTHING
`
	tag, err := s.q(ctx).Exec(ctx, q, ev.EventID, ev.TaskID, ev.EventType, ev.ProcessedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetProcessedEvent(ctx context.Context, eventID string) (*store.ProcessedEvent, error) {
	const q = `
SELECT event_id, task_id, event_type, processed_at
FROM processed_events
WHERE event_id = $1
`
	var ev store.ProcessedEvent
	err := s.q(ctx).QueryRow(ctx, q, eventID).Scan(&ev.EventID, &ev.TaskID, &ev.EventType, &ev.ProcessedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &ev, nil
}

// --- Audits ---

func (s *Store) AppendMoneyAudit(ctx context.Context, e *audit.Event) error {
	const q = `
INSERT INTO money_event_audits
  (audit_id, event_id, task_id, actor_id, event_type,
   previous_state, new_state,
   payment_intent_id, charge_id, transfer_id, refund_id,
   raw_context, result, reason, recorded_at, hash_prev, hash_curr)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
`
	_, err := s.q(ctx).Exec(ctx, q, e.AuditID, e.EventID, e.TaskID, e.ActorID, e.EventType,
		e.PreviousState, e.NewState,
		e.PaymentIntentID, e.ChargeID, e.TransferID, e.RefundID,
		e.RawContext, e.Result, e.Reason, e.RecordedAt, e.HashPrev, e.HashCurr)
	return err
}

func (s *Store) AppendAdminAction(ctx context.Context, a *audit.AdminAction) error {
	const q = `
INSERT INTO admin_actions (id, admin_id, action, target_id, task_id, raw_context, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := s.q(ctx).Exec(ctx, q, a.ID, a.AdminID, a.Action, a.TargetID, a.TaskID, a.RawContext, a.CreatedAt)
	return err
}

func (s *Store) ListMoneyAudits(ctx context.Context, taskID string) ([]*audit.Event, error) {
	const q = `
SELECT audit_id, event_id, task_id, actor_id, event_type,
       previous_state, new_state,
       payment_intent_id, charge_id, transfer_id, refund_id,
       raw_context, result, reason, recorded_at, hash_prev, hash_curr
FROM money_event_audits
WHERE task_id = $1
ORDER BY recorded_at, audit_id
`
	rows, err := s.q(ctx).Query(ctx, q, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*audit.Event
	for rows.Next() {
		var e audit.Event
		if err := rows.Scan(&e.AuditID, &e.EventID, &e.TaskID, &e.ActorID, &e.EventType,
			&e.PreviousState, &e.NewState,
			&e.PaymentIntentID, &e.ChargeID, &e.TransferID, &e.RefundID,
			&e.RawContext, &e.Result, &e.Reason, &e.RecordedAt, &e.HashPrev, &e.HashCurr); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- App locks ---

func (s *Store) TryAcquireAppLock(ctx context.Context, resourceID, ownerID string, expiresAt, now time.Time) (bool, error) {
	// Insert, or steal when the holder's lease has lapsed.
	const q = `
INSERT INTO app_locks (resource_id, owner_id, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (resource_id) DO UPDATE
SET owner_id = EXCLUDED.owner_id, expires_at = EXCLUDED.expires_at
WHERE app_locks.owner_id = EXCLUDED.owner_id OR app_locks.expires_at <= $4
`
	tag, err := s.q(ctx).Exec(ctx, q, resourceID, ownerID, expiresAt, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseAppLock(ctx context.Context, resourceID, ownerID string) error {
	const q = `DELETE FROM app_locks WHERE resource_id = $1 AND owner_id = $2`
	_, err := s.q(ctx).Exec(ctx, q, resourceID, ownerID)
	return err
}

// --- Pending actions (DLQ) ---

func (s *Store) EnqueuePendingAction(ctx context.Context, a *store.PendingAction) error {
	const q = `
INSERT INTO pending_actions
  (id, transaction_id, action_type, payload, retry_count, status, next_retry_at, error_log, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING
`
	_, err := s.q(ctx).Exec(ctx, q, a.ID, a.TransactionID, a.Type, a.Payload,
		a.RetryCount, a.Status, a.NextRetryAt, a.ErrorLog, a.CreatedAt)
	return err
}

func (s *Store) DuePendingActions(ctx context.Context, now time.Time, limit int) ([]*store.PendingAction, error) {
	b := psql.
		Select("id", "transaction_id", "action_type", "payload", "retry_count", "status", "next_retry_at", "error_log", "created_at").
		From("pending_actions").
		Where(sq.Eq{"status": []string{string(store.ActionPending), string(store.ActionFailed)}}).
		Where(sq.LtOrEq{"next_retry_at": now}).
		OrderBy("next_retry_at")
	if limit > 0 {
		b = b.Limit(uint64(limit))
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
	var out []*store.PendingAction
	for rows.Next() {
		var a store.PendingAction
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.Type, &a.Payload,
			&a.RetryCount, &a.Status, &a.NextRetryAt, &a.ErrorLog, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) UpdatePendingAction(ctx context.Context, a *store.PendingAction) error {
	const q = `
UPDATE pending_actions
SET retry_count = $2, status = $3, next_retry_at = $4, error_log = $5
WHERE id = $1
`
	tag, err := s.q(ctx).Exec(ctx, q, a.ID, a.RetryCount, a.Status, a.NextRetryAt, a.ErrorLog)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CountOpenPendingActions(ctx context.Context) (int64, error) {
	const q = `
SELECT COUNT(*) FROM pending_actions WHERE status IN ('pending','failed')
`
	var n int64
	if err := s.q(ctx).QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
