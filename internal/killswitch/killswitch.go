// Package killswitch implements the global money freeze. Once triggered,
// every money-mutating path refuses to run until an operator resolves the
// freeze by hand; there is no automatic recovery.
package killswitch

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hustlexp/money-core/internal/cerr"
	"github.com/hustlexp/money-core/internal/platform/clock"
	"github.com/hustlexp/money-core/internal/platform/metrics"
)

// Trigger reason codes.
const (
	ReasonLedgerMismatch      = "LEDGER_MISMATCH"
	ReasonIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	ReasonSagaRetryExhaustion = "SAGA_RETRY_EXHAUSTION"
	ReasonReconcileDivergence = "RECONCILE_DIVERGENCE"
	ReasonManual              = "MANUAL"
)

const redisKey = "moneycore:killswitch"

// State is the frozen-flag record.
type State struct {
	Active      bool
	Reason      string
	Detail      map[string]string
	TriggeredAt time.Time
	ResolvedBy  string
}

// Switch is safe for concurrent use. The in-process flag is authoritative;
// the Redis mirror is best-effort so sibling processes and dashboards see
// the freeze, and so a restart inherits it.
type Switch struct {
	mu    sync.RWMutex
	state State

	rdb     redis.UniversalClient
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics
}

func New(rdb redis.UniversalClient, log *zap.Logger, clk clock.Clock, m *metrics.Metrics) *Switch {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Switch{rdb: rdb, log: log, clock: clk, metrics: m}
}

// Restore loads a freeze left behind by a previous process. Called once at
// startup; a Redis error is logged and ignored.
func (s *Switch) Restore(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	reason, err := s.rdb.HGet(ctx, redisKey, "reason").Result()
	if err != nil || reason == "" {
		return
	}
	s.mu.Lock()
	s.state = State{Active: true, Reason: reason, TriggeredAt: s.clock.Now()}
	s.mu.Unlock()
	s.metrics.ObserveKillSwitch(reason, true)
	s.log.Error("kill switch restored from mirror", zap.String("reason", reason))
}

// Trigger freezes money movement. Idempotent: a second trigger while
// frozen only logs.
func (s *Switch) Trigger(ctx context.Context, reason string, detail map[string]string) {
	s.mu.Lock()
	already := s.state.Active
	if !already {
		s.state = State{
			Active:      true,
			Reason:      reason,
			Detail:      detail,
			TriggeredAt: s.clock.Now(),
		}
	}
	s.mu.Unlock()

	if already {
		s.log.Error("kill switch trigger while already frozen",
			zap.String("reason", reason), zap.Any("detail", detail))
		return
	}

	s.metrics.ObserveKillSwitch(reason, true)
	s.log.Error("KILL SWITCH TRIGGERED: money movement frozen",
		zap.String("reason", reason), zap.Any("detail", detail))

	if s.rdb != nil {
		if err := s.rdb.HSet(ctx, redisKey,
			"reason", reason,
			"triggered_at", s.clock.Now().Format(time.RFC3339Nano),
		).Err(); err != nil {
			s.log.Warn("kill switch mirror write failed", zap.Error(err))
		}
	}
}

// Resolve lifts the freeze. Operator-only.
func (s *Switch) Resolve(ctx context.Context, adminID string) {
	s.mu.Lock()
	s.state = State{ResolvedBy: adminID}
	s.mu.Unlock()

	s.metrics.ObserveKillSwitch("", false)
	s.log.Warn("kill switch resolved", zap.String("admin_id", adminID))

	if s.rdb != nil {
		if err := s.rdb.Del(ctx, redisKey).Err(); err != nil {
			s.log.Warn("kill switch mirror clear failed", zap.Error(err))
		}
	}
}

func (s *Switch) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Active
}

func (s *Switch) Current() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Guard returns the caller-visible freeze error when active, nil otherwise.
func (s *Switch) Guard() error {
	if s.Active() {
		return cerr.ErrKillSwitchActive
	}
	return nil
}
