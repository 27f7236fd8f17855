// Package tpee is the task proposal evaluation engine: the policy gate a
// task must clear before any money can be held against it. Checks run in
// a fixed order and the first failing check decides the outcome.
package tpee

import (
	"context"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/hustlexp/money-core/internal/platform/clock"
	"github.com/hustlexp/money-core/internal/platform/config"
	"github.com/hustlexp/money-core/internal/platform/metrics"
	"github.com/hustlexp/money-core/internal/store"
)

type Decision string

const (
	DecisionAccept Decision = "ACCEPT"
	DecisionAdjust Decision = "ADJUST"
	DecisionBlock  Decision = "BLOCK"
)

// Reason codes, stable across releases.
const (
	ReasonInsufficientInfo = "INSUFFICIENT_INFO"
	ReasonScamRisk         = "SCAM_RISK"
	ReasonPromptInjection  = "PROMPT_INJECTION_ATTEMPT"
	ReasonCategoryBanned   = "CATEGORY_NOT_ALLOWED"
	ReasonCityUnsupported  = "CITY_NOT_SUPPORTED"
	ReasonPriceBelowFloor  = "PRICE_BELOW_FLOOR"
	ReasonLowTrust         = "LOW_TRUST"
	ReasonVelocityLimit    = "VELOCITY_LIMIT"
	ReasonClean            = "CLEAN"
)

// Proposal is the task content under evaluation.
type Proposal struct {
	PosterID    string
	Title       string
	Description string
	Category    string
	City        string
	PriceCents  int64
}

// Evaluation is the recorded outcome. AdjustedPriceCents is set only for
// ADJUST decisions; HumanReviewRequired flags blocks an operator should
// look at rather than leave to the poster to rephrase.
type Evaluation struct {
	EvaluationID        string
	Decision            Decision
	ReasonCode          string
	Confidence          float64
	PolicySnapshotID    string
	AdjustedPriceCents  int64
	HumanReviewRequired bool
	ChecksPassed        []string
	ChecksFailed        []string
	ShadowOverridden    bool
	EvaluatedAt         time.Time
}

// TrustSource supplies poster trust scores on a 0-100 scale.
type TrustSource interface {
	TrustScore(ctx context.Context, userID string) (int, error)
}

// StaticTrust serves fixed scores; the default for users it has never
// seen is 50 (neutral).
type StaticTrust map[string]int

func (s StaticTrust) TrustScore(_ context.Context, userID string) (int, error) {
	if score, ok := s[userID]; ok {
		return score, nil
	}
	return 50, nil
}

// Hard patterns scanned against title+description. The scam list targets
// off-platform payment steering; the injection list targets content
// crafted to manipulate downstream automated review.
var (
	scamPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(venmo|zelle|cash\s*app|cashapp|paypal)\b`),
		regexp.MustCompile(`(?i)\bwire\s+(me|transfer)\b`),
		regexp.MustCompile(`(?i)\bpay(ment)?\s+(me\s+)?(outside|off)\s+(the\s+)?(app|platform|site)\b`),
		regexp.MustCompile(`(?i)\b(gift\s*cards?|crypto|bitcoin|western\s+union)\b`),
		regexp.MustCompile(`(?i)\bdirect\s+deposit\s+upfront\b`),
	}
	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|rules)`),
		regexp.MustCompile(`(?i)\bsystem\s*prompt\b`),
		regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|in)\b.{0,40}\bmode\b`),
		regexp.MustCompile(`(?i)disregard\s+(your|the)\s+(guidelines|policy|policies)`),
	}
)

// Engine evaluates proposals. The velocity window is tracked per poster
// in a bounded LRU so a scripted flood cannot grow memory without bound.
type Engine struct {
	cfg      *config.Config
	trust    TrustSource
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
	velocity *lru.Cache[string, []time.Time]
}

func New(cfg *config.Config, trust TrustSource, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) (*Engine, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	cache, err := lru.New[string, []time.Time](4096)
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, trust: trust, clock: clk, log: log, metrics: m, velocity: cache}, nil
}

// Evaluate runs the check chain. In shadow mode a non-ACCEPT outcome is
// recorded but reported as ACCEPT so enforcement can be rehearsed safely.
func (e *Engine) Evaluate(ctx context.Context, p Proposal) (*Evaluation, error) {
	ev := &Evaluation{
		EvaluationID:     store.NewID(),
		PolicySnapshotID: e.cfg.PolicySnapshotID(),
		EvaluatedAt:      e.clock.Now(),
	}

	decision, reason, confidence, adjusted := e.decide(ctx, p, ev)
	ev.Decision = decision
	ev.ReasonCode = reason
	ev.Confidence = confidence
	ev.AdjustedPriceCents = adjusted

	e.metrics.ObserveTPEEDecision(string(decision), reason)
	if decision != DecisionAccept {
		e.log.Info("proposal gated",
			zap.String("poster_id", p.PosterID),
			zap.String("decision", string(decision)),
			zap.String("reason", reason))
	}

	if e.cfg.TPEEShadowMode && decision != DecisionAccept {
		ev.ShadowOverridden = true
		ev.Decision = DecisionAccept
	}
	return ev, nil
}

// decide runs the checks in order; the first failure decides. Every check
// that ran lands in ev.ChecksPassed or ev.ChecksFailed.
func (e *Engine) decide(ctx context.Context, p Proposal, ev *Evaluation) (Decision, string, float64, int64) {
	pass := func(name string) { ev.ChecksPassed = append(ev.ChecksPassed, name) }
	fail := func(name string) { ev.ChecksFailed = append(ev.ChecksFailed, name) }

	// 1. Schema: required fields plus enough text to evaluate at all.
	if strings.TrimSpace(p.Title) == "" || strings.TrimSpace(p.Description) == "" ||
		p.Category == "" || p.City == "" || p.PriceCents <= 0 ||
		len(strings.TrimSpace(p.Title)) < 3 || len(strings.TrimSpace(p.Description)) < 10 {
		fail("schema")
		return DecisionBlock, ReasonInsufficientInfo, 1.0, 0
	}
	pass("schema")

	text := p.Title + "\n" + p.Description

	// 2. Hard patterns. Injection outranks scam so the distinct reason
	// code survives when content trips both lists.
	for _, re := range injectionPatterns {
		if re.MatchString(text) {
			fail("injection")
			return DecisionBlock, ReasonPromptInjection, 0.99, 0
		}
	}
	pass("injection")
	for _, re := range scamPatterns {
		if re.MatchString(text) {
			fail("scam")
			return DecisionBlock, ReasonScamRisk, 0.95, 0
		}
	}
	pass("scam")

	// With no city table configured there is no beta allow-list to apply.
	rule, known := e.cfg.CityRuleFor(p.City)
	if !known && len(e.cfg.Cities) > 0 {
		fail("city")
		return DecisionBlock, ReasonCityUnsupported, 1.0, 0
	}
	pass("city")

	// 3. Category allow-list.
	if len(rule.Categories) > 0 {
		allowed := false
		for _, c := range rule.Categories {
			if strings.EqualFold(c, p.Category) {
				allowed = true
				break
			}
		}
		if !allowed {
			fail("category")
			return DecisionBlock, ReasonCategoryBanned, 1.0, 0
		}
	}
	pass("category")

	// 4. Price floor: adjustable, not fatal.
	if rule.MinTaskPriceCents > 0 && p.PriceCents < rule.MinTaskPriceCents {
		fail("price_floor")
		return DecisionAdjust, ReasonPriceBelowFloor, 1.0, rule.MinTaskPriceCents
	}
	pass("price_floor")

	// 5. Trust gating. Below the hard threshold blocks and flags an
	// operator; below the warn threshold is logged and passes.
	score, err := e.trust.TrustScore(ctx, p.PosterID)
	if err != nil {
		// An unreachable trust source must not block the marketplace;
		// fall through at neutral trust.
		e.log.Warn("trust source unavailable", zap.Error(err))
		score = 50
	}
	if score < e.cfg.TPEETrustHardThreshold {
		fail("trust")
		ev.HumanReviewRequired = true
		return DecisionBlock, ReasonLowTrust, 0.9, 0
	}
	if score < e.cfg.TPEETrustWarnThreshold {
		e.log.Info("low trust score, passing",
			zap.String("poster_id", p.PosterID), zap.Int("score", score))
	}
	pass("trust")

	// 6. Velocity caps.
	if reason := e.checkVelocity(p.PosterID, rule); reason != "" {
		fail("velocity")
		return DecisionBlock, reason, 0.85, 0
	}
	pass("velocity")

	return DecisionAccept, ReasonClean, 1.0, 0
}

// checkVelocity records the attempt and reports ReasonVelocityLimit when
// the poster exceeds the hourly or daily cap.
func (e *Engine) checkVelocity(posterID string, rule config.CityRule) string {
	now := e.clock.Now()
	history, _ := e.velocity.Get(posterID)

	var kept []time.Time
	var hour, day int
	for _, t := range history {
		age := now.Sub(t)
		if age >= 24*time.Hour {
			continue
		}
		kept = append(kept, t)
		day++
		if age < time.Hour {
			hour++
		}
	}

	if rule.HourlyTaskCap > 0 && hour >= rule.HourlyTaskCap {
		e.velocity.Add(posterID, kept)
		return ReasonVelocityLimit
	}
	if rule.DailyTaskCap > 0 && day >= rule.DailyTaskCap {
		e.velocity.Add(posterID, kept)
		return ReasonVelocityLimit
	}

	e.velocity.Add(posterID, append(kept, now))
	return ""
}
