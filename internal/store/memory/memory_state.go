package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hustlexp/money-core/internal/platform/audit"
	"github.com/hustlexp/money-core/internal/store"
)

// --- Money state locks ---

func (s *Store) GetStateLock(ctx context.Context, taskID string, forUpdate bool) (*store.MoneyStateLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.stateLocks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneStateLock(l), nil
}

func (s *Store) InsertStateLock(ctx context.Context, l *store.MoneyStateLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stateLocks[l.TaskID]; ok {
		return fmt.Errorf("state lock already exists for task %s", l.TaskID)
	}
	s.stateLocks[l.TaskID] = cloneStateLock(l)
	return nil
}

func (s *Store) UpdateStateLock(ctx context.Context, l *store.MoneyStateLock, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.stateLocks[l.TaskID]
	if !ok {
		return false, store.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return false, nil
	}
	next := cloneStateLock(l)
	next.Version = cur.Version + 1
	// Provider IDs are set-once: never overwrite a stored value.
	next.PaymentIntentID = coalesce(cur.PaymentIntentID, l.PaymentIntentID)
	next.ChargeID = coalesce(cur.ChargeID, l.ChargeID)
	next.TransferID = coalesce(cur.TransferID, l.TransferID)
	next.RefundID = coalesce(cur.RefundID, l.RefundID)
	s.stateLocks[l.TaskID] = next
	return true, nil
}

func coalesce(existing, incoming string) string {
	if existing != "" {
		return existing
	}
	return incoming
}

func cloneStateLock(l *store.MoneyStateLock) *store.MoneyStateLock {
	cp := *l
	cp.NextAllowedEvents = append([]string(nil), l.NextAllowedEvents...)
	return &cp
}

// --- Processed events ---

func (s *Store) InsertProcessedEvent(ctx context.Context, ev *store.ProcessedEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[ev.EventID]; ok {
		return false, nil
	}
	cp := *ev
	s.processed[ev.EventID] = &cp
	return true, nil
}

func (s *Store) GetProcessedEvent(ctx context.Context, eventID string) (*store.ProcessedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.processed[eventID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

// --- Audits ---

type auditsStore struct {
	auditMu      sync.Mutex
	moneyAudits  []audit.Event
	adminActions []audit.AdminAction
}

func (s *Store) AppendMoneyAudit(ctx context.Context, e *audit.Event) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	s.moneyAudits = append(s.moneyAudits, *e)
	return nil
}

func (s *Store) AppendAdminAction(ctx context.Context, a *audit.AdminAction) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	s.adminActions = append(s.adminActions, *a)
	return nil
}

func (s *Store) ListMoneyAudits(ctx context.Context, taskID string) ([]*audit.Event, error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	var out []*audit.Event
	for i := range s.moneyAudits {
		if s.moneyAudits[i].TaskID == taskID {
			cp := s.moneyAudits[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// AdminActions exposes the admin pre-audit stream to tests.
func (s *Store) AdminActions() []audit.AdminAction {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	out := make([]audit.AdminAction, len(s.adminActions))
	copy(out, s.adminActions)
	return out
}

// --- App locks ---

func (s *Store) TryAcquireAppLock(ctx context.Context, resourceID, ownerID string, expiresAt, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.appLocks[resourceID]
	if ok && cur.OwnerID != ownerID && cur.ExpiresAt.After(now) {
		return false, nil
	}
	s.appLocks[resourceID] = &store.AppLock{ResourceID: resourceID, OwnerID: ownerID, ExpiresAt: expiresAt}
	return true, nil
}

func (s *Store) ReleaseAppLock(ctx context.Context, resourceID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.appLocks[resourceID]; ok && cur.OwnerID == ownerID {
		delete(s.appLocks, resourceID)
	}
	return nil
}

// --- Pending actions (DLQ) ---

func (s *Store) EnqueuePendingAction(ctx context.Context, a *store.PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := clonePendingAction(a)
	s.pendingActions[a.ID] = cp
	return nil
}

func (s *Store) DuePendingActions(ctx context.Context, now time.Time, limit int) ([]*store.PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.PendingAction
	for _, a := range s.pendingActions {
		if (a.Status == store.ActionPending || a.Status == store.ActionFailed) && !a.NextRetryAt.After(now) {
			out = append(out, clonePendingAction(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdatePendingAction(ctx context.Context, a *store.PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pendingActions[a.ID]; !ok {
		return store.ErrNotFound
	}
	s.pendingActions[a.ID] = clonePendingAction(a)
	return nil
}

func (s *Store) CountOpenPendingActions(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, a := range s.pendingActions {
		if a.Status == store.ActionPending || a.Status == store.ActionFailed {
			n++
		}
	}
	return n, nil
}

func clonePendingAction(a *store.PendingAction) *store.PendingAction {
	cp := *a
	cp.Payload = append([]byte(nil), a.Payload...)
	cp.ErrorLog = append([]string(nil), a.ErrorLog...)
	return &cp
}
