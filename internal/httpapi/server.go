// Package httpapi is the REST surface over the money core. Handlers stay
// thin: they authenticate, validate shape, and hand commands to the gate,
// the proposal engine, or the saga.
package httpapi

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/hustlexp/money-core/internal/cerr"
	"github.com/hustlexp/money-core/internal/ingress"
	"github.com/hustlexp/money-core/internal/killswitch"
	"github.com/hustlexp/money-core/internal/platform/auth"
	"github.com/hustlexp/money-core/internal/platform/clock"
	"github.com/hustlexp/money-core/internal/platform/config"
	"github.com/hustlexp/money-core/internal/platform/metrics"
	"github.com/hustlexp/money-core/internal/saga"
	"github.com/hustlexp/money-core/internal/store"
	"github.com/hustlexp/money-core/internal/tpee"
)

// Sagas is the command surface the handlers drive.
type Sagas interface {
	Handle(ctx context.Context, cmd saga.Command) (*saga.Result, error)
}

type Server struct {
	cfg      *config.Config
	store    store.Store
	sagas    Sagas
	gate     *ingress.Gate
	proposal *tpee.Engine
	ks       *killswitch.Switch
	verifier *auth.JWTVerifier
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics

	idemCache *lru.Cache[string, store.IdempotentResponse]
	app       *fiber.App
}

func New(cfg *config.Config, st store.Store, sagas Sagas, gate *ingress.Gate,
	proposal *tpee.Engine, ks *killswitch.Switch, verifier *auth.JWTVerifier,
	clk clock.Clock, log *zap.Logger, m *metrics.Metrics) (*Server, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	cache, err := lru.New[string, store.IdempotentResponse](2048)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg: cfg, store: st, sagas: sagas, gate: gate, proposal: proposal,
		ks: ks, verifier: verifier, clock: clk, log: log, metrics: m,
		idemCache: cache,
	}
	s.app = s.buildApp()
	return s, nil
}

// App exposes the fiber app, for serving and for httptest-style tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }

func (s *Server) Shutdown() error { return s.app.Shutdown() }

// StartIdempotencyCleanup deletes expired idempotent-response rows on a
// fixed interval until ctx ends.
func (s *Server) StartIdempotencyCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.store.DeleteExpiredIdempotentResponses(ctx, s.clock.Now(), 500)
				if err != nil {
					s.log.Error("idempotency cleanup failed", zap.Error(err))
				} else if n > 0 {
					s.log.Info("expired idempotent responses removed", zap.Int64("count", n))
				}
			}
		}
	}()
}

func (s *Server) buildApp() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          15 * time.Second,
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true, "frozen": s.ks.Active()})
	})

	// Webhook ingress carries its own signature auth; no bearer token.
	app.Post("/webhooks/payments", s.handleWebhook)

	user := app.Group("", auth.RequireUser(s.verifier))
	user.Get("/tasks/:id/payout-status", s.handlePayoutStatus)

	financial := app.Group("", auth.RequireUser(s.verifier),
		s.rateLimiter(s.cfg.FinancialRatePerMinute, "fin"), s.idempotency())
	financial.Post("/tasks/confirm", s.handleConfirmTask)
	financial.Post("/escrow/create", s.handleCreateEscrow)
	financial.Post("/tasks/:id/accept", s.handleAcceptTask)
	financial.Post("/tasks/:id/approve", s.handleApproveTask)
	financial.Post("/tasks/:id/reject", s.handleRejectTask)
	financial.Post("/escrow/:id/refund", s.handleRefundEscrow)

	admin := app.Group("/admin", auth.RequireAdmin(s.verifier),
		s.rateLimiter(s.cfg.AdminRatePerMinute, "adm"))
	admin.Post("/disputes/:id/resolve", s.idempotency(), s.handleResolveDispute)
	admin.Post("/tasks/:id/force-refund", s.idempotency(), s.handleForceRefund)
	admin.Get("/killswitch", s.handleKillSwitchStatus)
	admin.Post("/killswitch/resolve", s.handleKillSwitchResolve)

	return app
}

func (s *Server) rateLimiter(perMinute int, scope string) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        perMinute,
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			if actor, ok := auth.ActorFromFiber(c); ok {
				return scope + ":" + actor.ID
			}
			return scope + ":" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": fiber.Map{"code": "RATE_LIMITED", "message": "too many requests"},
			})
		},
	})
}

// fail renders a taxonomy error with its stable code and the status its
// kind maps to.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusBadGateway
	switch cerr.KindOf(err) {
	case cerr.KindValidation:
		status = fiber.StatusBadRequest
	case cerr.KindPolicy:
		status = fiber.StatusConflict
		if errors.Is(err, cerr.ErrKillSwitchActive) {
			status = fiber.StatusServiceUnavailable
		}
	case cerr.KindConcurrency:
		status = fiber.StatusConflict
	case cerr.KindIntegrity:
		status = fiber.StatusInternalServerError
	}
	code := cerr.CodeOf(err)
	if code == "" {
		code = "INTERNAL"
		s.log.Error("unclassified handler error", zap.Error(err))
	}
	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{"code": code, "message": err.Error()},
	})
}
