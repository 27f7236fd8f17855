package locks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hustlexp/money-core/internal/cerr"
	"github.com/hustlexp/money-core/internal/platform/clock"
	"github.com/hustlexp/money-core/internal/store/memory"
)

func newManager(t *testing.T) (*Manager, *clock.Fixed) {
	t.Helper()
	clk := &clock.Fixed{T: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewManager(memory.New(), 30*time.Second, clk, nil), clk
}

func TestAcquireAndRelease(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	if err := m.Acquire(ctx, "task:t1", "evt-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Re-acquire by the same owner is fine (lease refresh).
	if err := m.Acquire(ctx, "task:t1", "evt-1"); err != nil {
		t.Fatalf("re-acquire by owner: %v", err)
	}
	if err := m.Acquire(ctx, "task:t1", "evt-2"); !errors.Is(err, cerr.ErrLockContested) {
		t.Fatalf("contested acquire: err = %v, want lock contested", err)
	}

	m.Release(ctx, "task:t1", "evt-1")
	if err := m.Acquire(ctx, "task:t1", "evt-2"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestExpiredLeaseIsStolen(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()

	if err := m.Acquire(ctx, "task:t1", "evt-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.Advance(31 * time.Second)
	if err := m.Acquire(ctx, "task:t1", "evt-2"); err != nil {
		t.Fatalf("steal after expiry: %v", err)
	}
	// The original owner lost the lease.
	if err := m.Acquire(ctx, "task:t1", "evt-1"); !errors.Is(err, cerr.ErrLockContested) {
		t.Fatalf("stale owner reacquired: err = %v", err)
	}
}

func TestReleaseByNonOwnerKeepsLock(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	if err := m.Acquire(ctx, "task:t1", "evt-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.Release(ctx, "task:t1", "evt-2")
	if err := m.Acquire(ctx, "task:t1", "evt-3"); !errors.Is(err, cerr.ErrLockContested) {
		t.Fatalf("lock was released by a non-owner: err = %v", err)
	}
}

func TestAcquireBatchAllOrNothing(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	// Another owner holds the middle resource.
	if err := m.Acquire(ctx, "task:b", "other"); err != nil {
		t.Fatalf("pre-hold: %v", err)
	}
	err := m.AcquireBatch(ctx, []string{"task:c", "task:a", "task:b"}, "evt-1")
	if !errors.Is(err, cerr.ErrLockContested) {
		t.Fatalf("batch err = %v, want lock contested", err)
	}
	// The partial holds were rolled back.
	for _, id := range []string{"task:a", "task:c"} {
		if err := m.Acquire(ctx, id, "evt-2"); err != nil {
			t.Errorf("%s still held after failed batch: %v", id, err)
		}
	}

	m.Release(ctx, "task:b", "other")
	if err := m.AcquireBatch(ctx, []string{"task:b"}, "evt-1"); err != nil {
		t.Fatalf("batch after release: %v", err)
	}
	m.ReleaseBatch(ctx, []string{"task:b"}, "evt-1")
	if err := m.Acquire(ctx, "task:b", "evt-3"); err != nil {
		t.Fatalf("acquire after batch release: %v", err)
	}
}
