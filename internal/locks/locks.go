// Package locks provides short-lived application locks over shared rows.
// Locks carry a TTL lease so a crashed holder cannot wedge a resource.
package locks

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hustlexp/money-core/internal/cerr"
	"github.com/hustlexp/money-core/internal/platform/clock"
	"github.com/hustlexp/money-core/internal/store"
)

type Manager struct {
	store store.AppLocks
	ttl   time.Duration
	clock clock.Clock
	log   *zap.Logger
}

func NewManager(st store.AppLocks, ttl time.Duration, clk clock.Clock, log *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: st, ttl: ttl, clock: clk, log: log}
}

// Acquire takes the lock or returns ErrLockContested. An expired lease is
// stolen silently.
func (m *Manager) Acquire(ctx context.Context, resourceID, ownerID string) error {
	now := m.clock.Now()
	ok, err := m.store.TryAcquireAppLock(ctx, resourceID, ownerID, now.Add(m.ttl), now)
	if err != nil {
		return err
	}
	if !ok {
		return cerr.ErrLockContested
	}
	return nil
}

// Release drops the lock if ownerID still holds it. Releasing a lock lost
// to lease expiry is a no-op.
func (m *Manager) Release(ctx context.Context, resourceID, ownerID string) {
	if err := m.store.ReleaseAppLock(ctx, resourceID, ownerID); err != nil {
		m.log.Warn("app lock release failed",
			zap.String("resource_id", resourceID), zap.Error(err))
	}
}

// AcquireBatch takes every lock or none. Resources are sorted first so two
// batches over the same set cannot deadlock each other.
func (m *Manager) AcquireBatch(ctx context.Context, resourceIDs []string, ownerID string) error {
	sorted := append([]string(nil), resourceIDs...)
	sort.Strings(sorted)

	var held []string
	for _, id := range sorted {
		if err := m.Acquire(ctx, id, ownerID); err != nil {
			for _, h := range held {
				m.Release(ctx, h, ownerID)
			}
			return err
		}
		held = append(held, id)
	}
	return nil
}

// ReleaseBatch drops the given locks in reverse acquisition order.
func (m *Manager) ReleaseBatch(ctx context.Context, resourceIDs []string, ownerID string) {
	sorted := append([]string(nil), resourceIDs...)
	sort.Sort(sort.Reverse(sort.StringSlice(sorted)))
	for _, id := range sorted {
		m.Release(ctx, id, ownerID)
	}
}
