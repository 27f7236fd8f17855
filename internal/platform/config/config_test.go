package config

import (
	"strings"
	"testing"
)

func validProduction() *Config {
	return &Config{
		Mode:            "production",
		StripeMode:      "live",
		StripeSecretKey: "sk_live_abc",
		PayoutsEnabled:  true,
	}
}

func TestValidateModeRules(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid production", func(c *Config) {}, ""},
		{"bad mode", func(c *Config) { c.Mode = "prod" }, "invalid mode"},
		{"bad stripe mode", func(c *Config) { c.StripeMode = "sandbox" }, "invalid stripe_mode"},
		{"production with test stripe", func(c *Config) { c.StripeMode = "test" }, "stripe_mode=live"},
		{"production with test key", func(c *Config) { c.StripeSecretKey = "sk_test_abc" }, "sk_live_"},
		{"staging with live stripe", func(c *Config) {
			c.Mode = "staging"
			c.StripeMode = "live"
			c.PayoutsEnabled = false
		}, "stripe_mode=test"},
		{"payouts outside production", func(c *Config) {
			c.Mode = "local"
			c.StripeMode = "test"
		}, "payouts_enabled"},
		{"fee out of range", func(c *Config) { c.PlatformFeeBasisPoints = 10_001 }, "basis_points"},
	}
	for _, tc := range cases {
		cfg := validProduction()
		tc.mutate(cfg)
		err := cfg.Validate()
		if tc.wantErr == "" {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: err = %v, want mention of %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestDetectModeFromEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("DEPLOY_ENV", "")
	for env, want := range map[string]string{
		"production":  "production",
		"prod":        "production",
		"staging":     "staging",
		"ci":          "test",
		"development": "local",
	} {
		t.Setenv("CI", "")
		t.Setenv("MONEYCORE_ENV", env)
		if got := DetectMode(); got != want {
			t.Errorf("MONEYCORE_ENV=%s: mode = %s, want %s", env, got, want)
		}
	}

	t.Setenv("MONEYCORE_ENV", "")
	t.Setenv("CI", "true")
	if got := DetectMode(); got != "test" {
		t.Errorf("CI hint: mode = %s, want test", got)
	}
}

func TestCityRuleFallsBackToDefault(t *testing.T) {
	cfg := &Config{Cities: map[string]CityRule{
		"austin":  {MinTaskPriceCents: 500},
		"default": {MinTaskPriceCents: 1000},
	}}

	rule, ok := cfg.CityRuleFor("Austin")
	if !ok || rule.MinTaskPriceCents != 500 {
		t.Fatalf("austin rule = %+v, %t", rule, ok)
	}
	rule, ok = cfg.CityRuleFor("tulsa")
	if !ok || rule.MinTaskPriceCents != 1000 {
		t.Fatalf("fallback rule = %+v, %t", rule, ok)
	}

	cfg.Cities = map[string]CityRule{"austin": {}}
	if _, ok := cfg.CityRuleFor("tulsa"); ok {
		t.Fatal("unknown city reported as known without a default entry")
	}
}

func TestPolicySnapshotIDIsStableAndSensitive(t *testing.T) {
	a := &Config{PlatformFeeBasisPoints: 1000, TPEETrustHardThreshold: 20, TPEETrustWarnThreshold: 40,
		Cities: map[string]CityRule{"austin": {MinTaskPriceCents: 500, Categories: []string{"errands"}}}}
	b := &Config{PlatformFeeBasisPoints: 1000, TPEETrustHardThreshold: 20, TPEETrustWarnThreshold: 40,
		Cities: map[string]CityRule{"austin": {MinTaskPriceCents: 500, Categories: []string{"errands"}}}}

	if a.PolicySnapshotID() != b.PolicySnapshotID() {
		t.Fatal("identical policies hash differently")
	}
	if !strings.HasPrefix(a.PolicySnapshotID(), "policy_") {
		t.Fatalf("snapshot id = %s", a.PolicySnapshotID())
	}

	b.Cities["austin"] = CityRule{MinTaskPriceCents: 600, Categories: []string{"errands"}}
	if a.PolicySnapshotID() == b.PolicySnapshotID() {
		t.Fatal("city rule change did not change the snapshot id")
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := &Config{
		AppLockTTLSeconds:       30,
		PendingReaperTimeoutMin: 2,
		IdempotencyTTLSeconds:   3600,
	}
	if cfg.AppLockTTL().Seconds() != 30 {
		t.Errorf("lock ttl = %v", cfg.AppLockTTL())
	}
	if cfg.PendingReaperTimeout().Minutes() != 2 {
		t.Errorf("reaper timeout = %v", cfg.PendingReaperTimeout())
	}
	if cfg.IdempotencyTTL().Hours() != 1 {
		t.Errorf("idempotency ttl = %v", cfg.IdempotencyTTL())
	}
}
