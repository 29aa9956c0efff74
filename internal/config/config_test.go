package config

import (
	"path/filepath"
	"testing"
	"time"
)

// =============================================================================
// UNIFIED CONFIG TESTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "cartbot" {
		t.Errorf("expected Name=cartbot, got %s", cfg.Name)
	}
	if cfg.Intent.ConfidenceThreshold != 0.65 {
		t.Errorf("expected confidence threshold 0.65, got %v", cfg.Intent.ConfidenceThreshold)
	}
	if cfg.Checkout.MessageCap != 3 {
		t.Errorf("expected message cap 3, got %d", cfg.Checkout.MessageCap)
	}
	if cfg.ReferenceTTL() != 5*time.Minute {
		t.Errorf("expected 5m reference TTL, got %v", cfg.ReferenceTTL())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("CARTBOT_DATA_DIR", "")
	t.Setenv("CARTBOT_LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Intent.MaxClarifications = 3
	cfg.Session.CheckoutIdleTimeout = "45m"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Intent.MaxClarifications != 3 {
		t.Errorf("expected MaxClarifications=3, got %d", loaded.Intent.MaxClarifications)
	}
	if loaded.CheckoutIdleTimeout() != 45*time.Minute {
		t.Errorf("expected 45m checkout idle timeout, got %v", loaded.CheckoutIdleTimeout())
	}
}

func TestConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load of missing file should not error: %v", err)
	}
	if cfg.Engine.Workers != 8 {
		t.Errorf("expected default workers, got %d", cfg.Engine.Workers)
	}
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-gemini-key")
	t.Setenv("CARTBOT_DATA_DIR", "/tmp/cartbot-test")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	pc, ok := cfg.Providers.ByModel("gemini-2.0-flash-lite")
	if !ok {
		t.Fatal("expected configured gemini model")
	}
	if pc.APIKey != "env-gemini-key" {
		t.Errorf("expected env API key, got %q", pc.APIKey)
	}
	if cfg.DataDir != "/tmp/cartbot-test" {
		t.Errorf("expected env data dir, got %q", cfg.DataDir)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers.Order = []string{"no-such-model"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unknown provider in order")
	}

	cfg = DefaultConfig()
	cfg.Grounding.EchoSimilarity = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for out-of-range echo similarity")
	}
}

func TestBudgetConfig(t *testing.T) {
	b := BudgetConfig{
		DefaultMonthlyCents: 5000,
		PerTenantCents:      map[string]int64{"tenant-big": 50000},
	}
	if b.MonthlyBudgetCents("tenant-big") != 50000 {
		t.Error("per-tenant override not applied")
	}
	if b.MonthlyBudgetCents("tenant-small") != 5000 {
		t.Error("default budget not applied")
	}
}
