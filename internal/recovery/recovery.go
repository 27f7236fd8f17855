// Package recovery holds the background loops that converge the system
// after crashes and provider failures: the pending reaper, the retry
// queue processor, the mirror backfill, and the reconciler. Every loop
// sits out while the kill switch is active; convergence must not fight a
// frozen world.
package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hustlexp/money-core/internal/killswitch"
	"github.com/hustlexp/money-core/internal/ledger"
	"github.com/hustlexp/money-core/internal/platform/audit"
	"github.com/hustlexp/money-core/internal/platform/clock"
	"github.com/hustlexp/money-core/internal/platform/config"
	"github.com/hustlexp/money-core/internal/platform/metrics"
	"github.com/hustlexp/money-core/internal/provider"
	"github.com/hustlexp/money-core/internal/store"
)

type Recovery struct {
	store    store.Store
	ledger   *ledger.Ledger
	provider provider.Adapter
	ks       *killswitch.Switch
	cfg      *config.Config
	chain    *audit.Chain
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func New(st store.Store, led *ledger.Ledger, pr provider.Adapter, ks *killswitch.Switch,
	cfg *config.Config, chain *audit.Chain, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *Recovery {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if chain == nil {
		chain = audit.NewChain()
	}
	return &Recovery{
		store: st, ledger: led, provider: pr, ks: ks,
		cfg: cfg, chain: chain, clock: clk, log: log, metrics: m,
	}
}

// Start launches all loops. Intervals are deliberately staggered so the
// loops do not pile onto the database at once.
func (r *Recovery) Start(ctx context.Context) {
	r.loop(ctx, "reaper", 30*time.Second, r.RunReaper)
	r.loop(ctx, "dlq", 20*time.Second, r.RunDLQ)
	r.loop(ctx, "backfill", 5*time.Minute, r.RunBackfill)
	r.loop(ctx, "reconcile", 10*time.Minute, r.RunReconcile)
}

func (r *Recovery) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if r.ks.Active() {
					continue
				}
				err := fn(ctx)
				r.metrics.ObserveRecoveryRun(name, err)
				if err != nil {
					r.log.Error("recovery loop run failed", zap.String("loop", name), zap.Error(err))
				}
			}
		}
	}()
}

// appendAudit writes a recovery-originated row into the shared chain.
func (r *Recovery) appendAudit(ctx context.Context, e audit.Event) {
	e.AuditID = store.NewID()
	e.ActorID = "recovery"
	e.RecordedAt = r.clock.Now()
	chained, err := r.chain.Append(e)
	if err != nil {
		r.log.Error("recovery audit chain append failed", zap.Error(err))
		return
	}
	if err := r.store.AppendMoneyAudit(ctx, &chained); err != nil {
		r.log.Error("recovery audit persist failed", zap.Error(err))
	}
}
