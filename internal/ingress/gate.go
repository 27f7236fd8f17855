// Package ingress is the ordering gate in front of provider webhooks.
// Every delivery passes a fixed guard chain; only a signature failure is
// reported back as an error status, everything else is acknowledged so
// the provider stops retrying deliveries that will never be accepted.
package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/zap"

	"github.com/hustlexp/money-core/internal/cerr"
	"github.com/hustlexp/money-core/internal/killswitch"
	"github.com/hustlexp/money-core/internal/msm"
	"github.com/hustlexp/money-core/internal/platform/clock"
	"github.com/hustlexp/money-core/internal/platform/config"
	"github.com/hustlexp/money-core/internal/platform/metrics"
	"github.com/hustlexp/money-core/internal/saga"
	"github.com/hustlexp/money-core/internal/store"
)

// eventMap binds provider event types that drive a state transition to
// their money events.
var eventMap = map[string]msm.Event{
	"payout.paid":            msm.EventWebhookPayoutPaid,
	"charge.dispute.created": msm.EventDisputeOpen,
}

// recordableEvents are settlement signals accepted for the record: they
// pass the full guard chain and are acknowledged, but move no state.
// Anything in neither list is acknowledged and ignored.
var recordableEvents = map[string]bool{
	"payment_intent.amount_capturable_updated": true,
	"payment_intent.succeeded":                 true,
	"payment_intent.canceled":                  true,
	"charge.succeeded":                         true,
	"charge.refunded":                          true,
	"charge.dispute.closed":                    true,
	"transfer.created":                         true,
}

// Outcome is what the gate did with a delivery.
type Outcome struct {
	Status   int
	Received bool
	Action   string // processed, recorded, duplicate, dropped, ignored
	Reason   string
}

type Sagas interface {
	Handle(ctx context.Context, cmd saga.Command) (*saga.Result, error)
}

type Gate struct {
	cfg     *config.Config
	store   store.Store
	sagas   Sagas
	ks      *killswitch.Switch
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewGate(cfg *config.Config, st store.Store, sagas Sagas, ks *killswitch.Switch,
	clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *Gate {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{cfg: cfg, store: st, sagas: sagas, ks: ks, clock: clk, log: log, metrics: m}
}

func (g *Gate) drop(guard, reason string) Outcome {
	g.metrics.ObserveGateDrop(guard)
	g.log.Warn("webhook dropped", zap.String("guard", guard), zap.String("reason", reason))
	return Outcome{Status: http.StatusOK, Received: true, Action: "dropped", Reason: reason}
}

// HandleDelivery runs the guard chain over one raw delivery.
func (g *Gate) HandleDelivery(ctx context.Context, payload []byte, sigHeader string) Outcome {
	// Kill switch first: while money is frozen nothing gets past the
	// front door, not even signature verification.
	if g.ks.Active() {
		return g.drop("killswitch", "money movement frozen")
	}

	event, err := webhook.ConstructEventWithTolerance(payload, sigHeader,
		g.cfg.StripeWebhookSecret, g.cfg.WebhookMaxSkew())
	if err != nil {
		g.metrics.ObserveGateDrop("signature")
		g.log.Warn("webhook signature rejected", zap.Error(err))
		return Outcome{Status: http.StatusBadRequest, Action: "dropped", Reason: "bad_signature"}
	}

	wantLive := g.cfg.StripeMode == "live"
	if event.Livemode != wantLive {
		return g.drop("livemode", "livemode mismatch")
	}

	moneyEvent, mapped := eventMap[string(event.Type)]
	if !mapped && !recordableEvents[string(event.Type)] {
		return Outcome{Status: http.StatusOK, Received: true, Action: "ignored", Reason: string(event.Type)}
	}

	fresh, err := g.store.MarkWebhookSeen(ctx, event.ID, "wh_"+event.ID, g.clock.Now())
	if err != nil {
		g.log.Error("webhook dedup write failed", zap.Error(err))
		return Outcome{Status: http.StatusOK, Received: true, Action: "dropped", Reason: "dedup_unavailable"}
	}
	if !fresh {
		return Outcome{Status: http.StatusOK, Received: true, Action: "duplicate"}
	}

	taskID := extractTaskID(event)
	if taskID == "" {
		return g.drop("money_path", "no task_id in event metadata")
	}
	if cur, ok := event.Data.Object["currency"].(string); ok && cur != "usd" {
		return g.drop("money_path", "unsupported currency "+cur)
	}
	if amt, ok := event.Data.Object["amount"].(float64); ok && amt < 0 {
		return g.drop("money_path", "negative amount")
	}

	// Temporal ordering: a delivery created before the task's latest
	// transition describes a world that no longer exists.
	created := time.Unix(event.Created, 0).UTC()
	if lock, err := g.store.GetStateLock(ctx, taskID, false); err == nil {
		if created.Before(lock.LastTransitionAt) {
			return g.drop("temporal", "event predates last transition")
		}
	}
	if lag := g.clock.Now().Sub(created); lag > g.cfg.WebhookLateWarn() {
		g.metrics.ObserveLateArrival()
		g.log.Warn("late webhook accepted",
			zap.String("event_id", event.ID),
			zap.Duration("lag", lag))
	}

	if !mapped {
		// A settlement signal with no transition to drive. The dedup row
		// above keeps it on the record; reconciliation sees the movement
		// through the balance mirror.
		g.log.Info("settlement signal recorded",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
			zap.String("task_id", taskID))
		return Outcome{Status: http.StatusOK, Received: true, Action: "recorded", Reason: string(event.Type)}
	}

	cmd := saga.Command{
		EventID: "wh_" + event.ID,
		TaskID:  taskID,
		Event:   moneyEvent,
		ActorID: "stripe",
		Raw:     json.RawMessage(event.Data.Raw),
	}
	if moneyEvent == msm.EventDisputeOpen {
		cmd.Reason = extractString(event, "reason")
	}

	res, err := g.sagas.Handle(ctx, cmd)
	if err != nil {
		if cerr.KindOf(err) == cerr.KindPolicy || cerr.KindOf(err) == cerr.KindValidation {
			return g.drop("dispatch", cerr.CodeOf(err))
		}
		g.log.Error("webhook dispatch failed", zap.String("event_id", event.ID), zap.Error(err))
		return Outcome{Status: http.StatusOK, Received: true, Action: "dropped", Reason: "dispatch_error"}
	}
	if res.Outcome == saga.OutcomeDuplicateIgnored {
		return Outcome{Status: http.StatusOK, Received: true, Action: "duplicate"}
	}
	return Outcome{Status: http.StatusOK, Received: true, Action: "processed"}
}

// extractTaskID digs task_id out of the event object's metadata.
func extractTaskID(event stripe.Event) string {
	if meta, ok := event.Data.Object["metadata"].(map[string]any); ok {
		if id, ok := meta["task_id"].(string); ok {
			return id
		}
	}
	return ""
}

func extractString(event stripe.Event, key string) string {
	if v, ok := event.Data.Object[key].(string); ok {
		return v
	}
	return ""
}
