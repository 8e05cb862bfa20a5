package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recon.yaml")
	data := []byte(`
matching:
  rule_threshold: 0.55
  auto_commit_threshold: 0.80
  date_window_days: 7
assist:
  budget_per_batch: 3
  confidence_cap: 0.88
batch:
  worker_count: 2
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Matching.RuleThreshold != 0.55 {
		t.Errorf("RuleThreshold = %v, want 0.55", cfg.Matching.RuleThreshold)
	}
	if cfg.Matching.DateWindowDays != 7 {
		t.Errorf("DateWindowDays = %v, want 7", cfg.Matching.DateWindowDays)
	}
	if cfg.Assist.BudgetPerBatch != 3 {
		t.Errorf("BudgetPerBatch = %v, want 3", cfg.Assist.BudgetPerBatch)
	}
	// Untouched values keep their defaults.
	if cfg.Batch.DefaultLimit != 100 {
		t.Errorf("DefaultLimit = %v, want default 100", cfg.Batch.DefaultLimit)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("RECON_AI_BUDGET", "1")
	t.Setenv("RECON_WEBHOOK_SECRET", "s3cret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Assist.BudgetPerBatch != 1 {
		t.Errorf("BudgetPerBatch = %v, want 1 from env", cfg.Assist.BudgetPerBatch)
	}
	if cfg.Webhook.Secret != "s3cret" {
		t.Errorf("Webhook.Secret = %q, want env value", cfg.Webhook.Secret)
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"auto commit below rule threshold", func(c *Config) { c.Matching.AutoCommitThreshold = 0.1 }},
		{"ai cap at 1.0", func(c *Config) { c.Assist.ConfidenceCap = 1.0 }},
		{"zero workers", func(c *Config) { c.Batch.WorkerCount = 0 }},
		{"negative window", func(c *Config) { c.Matching.DateWindowDays = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
