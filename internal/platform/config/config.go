// Package config loads and validates the money-core configuration from
// environment variables (prefix MONEYCORE_) and an optional YAML file.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CityRule is the per-city pricing and velocity policy consulted by the
// proposal gate.
type CityRule struct {
	MinTaskPriceCents int64    `mapstructure:"min_task_price_cents"`
	Categories        []string `mapstructure:"categories"`
	HourlyTaskCap     int      `mapstructure:"hourly_task_cap"`
	DailyTaskCap      int      `mapstructure:"daily_task_cap"`
}

type Config struct {
	// Mode is one of local, test, staging, production. Empty means
	// auto-detect from environment hints.
	Mode string `mapstructure:"mode"`

	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	HTTPAddr    string `mapstructure:"http_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	JWTSecret string `mapstructure:"jwt_secret"`

	StripeMode          string `mapstructure:"stripe_mode"` // live or test
	StripeSecretKey     string `mapstructure:"stripe_secret_key"`
	StripeWebhookSecret string `mapstructure:"stripe_webhook_secret"`
	PayoutsEnabled      bool   `mapstructure:"payouts_enabled"`

	PlatformFeeBasisPoints int64 `mapstructure:"platform_fee_basis_points"`

	AppLockTTLSeconds         int  `mapstructure:"app_lock_ttl_seconds"`
	PendingReaperTimeoutMin   int  `mapstructure:"pending_reaper_timeout_minutes"`
	DLQMaxRetries             int  `mapstructure:"dlq_max_retries"`
	DLQBackoffBaseMinutes     int  `mapstructure:"dlq_backoff_base_minutes"`
	WebhookTimestampMaxSkewMs int  `mapstructure:"webhook_timestamp_max_skew_ms"`
	WebhookLateArrivalWarnMs  int  `mapstructure:"webhook_late_arrival_warn_ms"`
	IdempotencyTTLSeconds     int  `mapstructure:"idempotency_ttl_seconds"`
	FinancialRatePerMinute    int  `mapstructure:"financial_rate_per_minute"`
	AdminRatePerMinute        int  `mapstructure:"admin_rate_per_minute"`
	TPEEShadowMode            bool `mapstructure:"tpee_shadow_mode"`
	TPEETrustHardThreshold    int  `mapstructure:"tpee_trust_hard_threshold"`
	TPEETrustWarnThreshold    int  `mapstructure:"tpee_trust_warn_threshold"`

	Cities map[string]CityRule `mapstructure:"cities"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("stripe_mode", "test")
	v.SetDefault("platform_fee_basis_points", 1000)
	v.SetDefault("app_lock_ttl_seconds", 30)
	v.SetDefault("pending_reaper_timeout_minutes", 1)
	v.SetDefault("dlq_max_retries", 5)
	v.SetDefault("dlq_backoff_base_minutes", 5)
	v.SetDefault("webhook_timestamp_max_skew_ms", 120_000)
	v.SetDefault("webhook_late_arrival_warn_ms", 600_000)
	v.SetDefault("idempotency_ttl_seconds", 86_400)
	v.SetDefault("financial_rate_per_minute", 5)
	v.SetDefault("admin_rate_per_minute", 10)
	v.SetDefault("tpee_trust_hard_threshold", 20)
	v.SetDefault("tpee_trust_warn_threshold", 40)
}

// Load reads configuration from the optional file path and the
// environment, applies defaults, auto-detects the mode when unset, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("MONEYCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Mode == "" {
		cfg.Mode = DetectMode()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DetectMode infers the deployment mode from common environment hints.
func DetectMode() string {
	for _, key := range []string{"MONEYCORE_ENV", "APP_ENV", "DEPLOY_ENV"} {
		switch strings.ToLower(os.Getenv(key)) {
		case "production", "prod":
			return "production"
		case "staging":
			return "staging"
		case "test", "ci":
			return "test"
		case "local", "dev", "development":
			return "local"
		}
	}
	if os.Getenv("CI") != "" {
		return "test"
	}
	return "local"
}

// Validate enforces the cross-field rules: production requires live Stripe
// with a live secret key, staging requires test mode, and payouts are
// hard-off outside production.
func (c *Config) Validate() error {
	switch c.Mode {
	case "local", "test", "staging", "production":
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	switch c.StripeMode {
	case "live", "test":
	default:
		return fmt.Errorf("invalid stripe_mode %q", c.StripeMode)
	}
	if c.Mode == "production" {
		if c.StripeMode != "live" {
			return fmt.Errorf("production requires stripe_mode=live")
		}
		if c.StripeSecretKey != "" && !strings.HasPrefix(c.StripeSecretKey, "sk_live_") {
			return fmt.Errorf("production stripe secret key must start with sk_live_")
		}
	}
	if c.Mode == "staging" && c.StripeMode != "test" {
		return fmt.Errorf("staging requires stripe_mode=test")
	}
	if c.Mode != "production" && c.PayoutsEnabled {
		return fmt.Errorf("payouts_enabled is only valid in production")
	}
	if c.PlatformFeeBasisPoints < 0 || c.PlatformFeeBasisPoints > 10_000 {
		return fmt.Errorf("platform_fee_basis_points out of range: %d", c.PlatformFeeBasisPoints)
	}
	return nil
}

// CityRuleFor returns the rule for city, falling back to the "default"
// entry. The second return reports whether the city is in the beta
// allow-list at all.
func (c *Config) CityRuleFor(city string) (CityRule, bool) {
	if rule, ok := c.Cities[strings.ToLower(city)]; ok {
		return rule, true
	}
	rule, ok := c.Cities["default"]
	return rule, ok
}

// PolicySnapshotID fingerprints the policy-bearing configuration so every
// gate decision records exactly which policy produced it.
func (c *Config) PolicySnapshotID() string {
	h := sha256.New()
	fmt.Fprintf(h, "fee=%d|hard=%d|warn=%d|shadow=%t",
		c.PlatformFeeBasisPoints, c.TPEETrustHardThreshold, c.TPEETrustWarnThreshold, c.TPEEShadowMode)
	cities := make([]string, 0, len(c.Cities))
	for name := range c.Cities {
		cities = append(cities, name)
	}
	sort.Strings(cities)
	for _, name := range cities {
		rule := c.Cities[name]
		fmt.Fprintf(h, "|%s:%d:%d:%d:%s",
			name, rule.MinTaskPriceCents, rule.HourlyTaskCap, rule.DailyTaskCap,
			strings.Join(rule.Categories, ","))
	}
	return "policy_" + hex.EncodeToString(h.Sum(nil))[:16]
}

func (c *Config) AppLockTTL() time.Duration {
	return time.Duration(c.AppLockTTLSeconds) * time.Second
}

func (c *Config) PendingReaperTimeout() time.Duration {
	return time.Duration(c.PendingReaperTimeoutMin) * time.Minute
}

func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSeconds) * time.Second
}

func (c *Config) WebhookMaxSkew() time.Duration {
	return time.Duration(c.WebhookTimestampMaxSkewMs) * time.Millisecond
}

func (c *Config) WebhookLateWarn() time.Duration {
	return time.Duration(c.WebhookLateArrivalWarnMs) * time.Millisecond
}
