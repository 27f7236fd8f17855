package memory

import (
	"context"
	"sort"
	"time"

	"github.com/hustlexp/money-core/internal/store"
)

// --- Provider balance mirror ---

func (s *Store) UpsertProviderBalanceTxn(ctx context.Context, t *store.ProviderBalanceTxn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.mirror[t.ID] = &cp
	return nil
}

func (s *Store) ListOrphanMirrorTxns(ctx context.Context, limit int) ([]*store.ProviderBalanceTxn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make(map[string]bool)
	for _, tx := range s.ledgerTxs {
		if id := tx.Metadata["stripe_txn_id"]; id != "" {
			matched[id] = true
		}
	}
	var out []*store.ProviderBalanceTxn
	for _, m := range s.mirror {
		if matched[m.ID] {
			continue
		}
		if _, ok := s.ledgerTxsByKey[m.SourceID]; ok {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FindMirrorBySource(ctx context.Context, sourceID string) (*store.ProviderBalanceTxn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mirror {
		if m.SourceID == sourceID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// --- Tasks ---

func (s *Store) InsertTask(ctx context.Context, t *store.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) UpdateTaskWorker(ctx context.Context, taskID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.WorkerID = workerID
	return nil
}

// --- Disputes ---

func (s *Store) InsertDispute(ctx context.Context, d *store.Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.disputes[d.ID] = &cp
	return nil
}

func (s *Store) GetDispute(ctx context.Context, id string) (*store.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) ListDisputesByTask(ctx context.Context, taskID string) ([]*store.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Dispute
	for _, d := range s.disputes {
		if d.TaskID == taskID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateDisputeStatus(ctx context.Context, id string, status store.DisputeStatus, resolvedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[id]
	if !ok {
		return store.ErrNotFound
	}
	d.Status = status
	if resolvedAt != nil {
		t := resolvedAt.UTC()
		d.ResolvedAt = &t
	}
	return nil
}

// --- Idempotent responses ---

func idemKey(scope, key string) string { return scope + "|" + key }

func (s *Store) GetIdempotentResponse(ctx context.Context, scope, key string) (*store.IdempotentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.idemResponses[idemKey(scope, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	cp.RequestHash = append([]byte(nil), r.RequestHash...)
	cp.Body = append([]byte(nil), r.Body...)
	return &cp, nil
}

func (s *Store) PutIdempotentResponse(ctx context.Context, r *store.IdempotentResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey(r.Scope, r.Key)
	if _, ok := s.idemResponses[k]; ok {
		return nil
	}
	cp := *r
	cp.RequestHash = append([]byte(nil), r.RequestHash...)
	cp.Body = append([]byte(nil), r.Body...)
	s.idemResponses[k] = &cp
	return nil
}

func (s *Store) DeleteExpiredIdempotentResponses(ctx context.Context, now time.Time, batch int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for k, r := range s.idemResponses {
		if !r.ExpiresAt.After(now) {
			delete(s.idemResponses, k)
			deleted++
			if batch > 0 && deleted >= int64(batch) {
				break
			}
		}
	}
	return deleted, nil
}

// --- Webhook replay dedup ---

func (s *Store) MarkWebhookSeen(ctx context.Context, providerEventID, internalID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooksSeen[providerEventID]; ok {
		return false, nil
	}
	s.webhooksSeen[providerEventID] = internalID
	return true, nil
}
