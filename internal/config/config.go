// Package config provides configuration for the reconciliation engine.
// Values are read from an optional YAML file, then overridden by environment
// variables; a .env file is loaded automatically when present.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration. Every matching threshold is a
// tuning parameter, not a contract: correctness depends only on consistent
// application, so none of them are hard-coded anywhere else.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Matching MatchingConfig `yaml:"matching"`
	Assist   AssistConfig   `yaml:"assist"`
	Batch    BatchConfig    `yaml:"batch"`

	// Companies maps a holding company to its subsidiaries for consolidated
	// scopes. Company administration itself lives in another service; this
	// is the static fallback used when that service is not wired in.
	Companies map[string][]string `yaml:"companies"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port string `yaml:"port"`

	// SharedSecret guards the batch-trigger endpoints. Empty disables the
	// guard (local development).
	SharedSecret string `yaml:"shared_secret"`
}

// PostgresConfig configures the persistent transaction store. An empty DSN
// selects the in-memory store.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// WebhookConfig configures inbound provider event verification.
type WebhookConfig struct {
	Secret string `yaml:"secret"`
}

// MatchingConfig holds the rule-matcher thresholds.
type MatchingConfig struct {
	// RuleThreshold is the confidence below which AI assist is consulted.
	RuleThreshold float64 `yaml:"rule_threshold"`
	// AutoCommitThreshold is the confidence at or above which a match is
	// committed without manual review.
	AutoCommitThreshold float64 `yaml:"auto_commit_threshold"`
	// AmbiguityMargin is the minimum lead the best candidate must have
	// over the runner-up before it is trusted.
	AmbiguityMargin float64 `yaml:"ambiguity_margin"`
	// DateWindowDays bounds |posting date - due date| for heuristic matches.
	DateWindowDays int `yaml:"date_window_days"`
	// AmountOnlyWindowDays is the tighter window for amount-only matches.
	AmountOnlyWindowDays int `yaml:"amount_only_window_days"`
	// PayerSimilarityThreshold is the minimum normalized token overlap
	// between transaction payer and receivable payer.
	PayerSimilarityThreshold float64 `yaml:"payer_similarity_threshold"`
}

// AssistConfig configures the AI fallback classifier.
type AssistConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	// ConfidenceCap keeps AI confidence strictly below the deterministic
	// ceiling of 1.0.
	ConfidenceCap float64 `yaml:"confidence_cap"`
	// BudgetPerBatch is the hard cap on model calls per batch run.
	BudgetPerBatch int `yaml:"budget_per_batch"`
	// TimeoutSeconds bounds a single model call.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// BatchConfig configures orchestrator behavior.
type BatchConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	// WorkerCount is the number of concurrent company workers. Each
	// company is assigned to exactly one worker per run.
	WorkerCount int `yaml:"worker_count"`
	// MaxAttempts is the number of fruitless batch evaluations after
	// which a transaction with no plausible candidate is discarded.
	MaxAttempts int `yaml:"max_attempts"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Matching: MatchingConfig{
			RuleThreshold:            0.60,
			AutoCommitThreshold:      0.85,
			AmbiguityMargin:          0.05,
			DateWindowDays:           5,
			AmountOnlyWindowDays:     2,
			PayerSimilarityThreshold: 0.5,
		},
		Assist: AssistConfig{
			Enabled:        true,
			Model:          "gemini-2.0-flash",
			ConfidenceCap:  0.90,
			BudgetPerBatch: 10,
			TimeoutSeconds: 20,
		},
		Batch: BatchConfig{
			DefaultLimit: 100,
			WorkerCount:  4,
			MaxAttempts:  5,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Port, "RECON_PORT")
	setString(&cfg.Server.SharedSecret, "RECON_SHARED_SECRET")
	setString(&cfg.Postgres.DSN, "RECON_POSTGRES_DSN")
	setString(&cfg.Webhook.Secret, "RECON_WEBHOOK_SECRET")
	setString(&cfg.Assist.Model, "RECON_ASSIST_MODEL")
	setFloat(&cfg.Matching.RuleThreshold, "RECON_RULE_THRESHOLD")
	setFloat(&cfg.Matching.AutoCommitThreshold, "RECON_AUTO_COMMIT_THRESHOLD")
	setFloat(&cfg.Assist.ConfidenceCap, "RECON_AI_CONFIDENCE_CAP")
	setInt(&cfg.Matching.DateWindowDays, "RECON_DATE_WINDOW_DAYS")
	setInt(&cfg.Assist.BudgetPerBatch, "RECON_AI_BUDGET")
	setInt(&cfg.Batch.DefaultLimit, "RECON_BATCH_LIMIT")
	setInt(&cfg.Batch.WorkerCount, "RECON_WORKER_COUNT")
	setInt(&cfg.Batch.MaxAttempts, "RECON_MAX_ATTEMPTS")
}

// Validate checks threshold ordering and bounds.
func (c *Config) Validate() error {
	m := c.Matching
	if m.RuleThreshold < 0 || m.RuleThreshold > 1 {
		return fmt.Errorf("config: rule_threshold %v out of [0,1]", m.RuleThreshold)
	}
	if m.AutoCommitThreshold < m.RuleThreshold || m.AutoCommitThreshold > 1 {
		return fmt.Errorf("config: auto_commit_threshold %v must be in [rule_threshold,1]", m.AutoCommitThreshold)
	}
	if m.AmbiguityMargin < 0 || m.AmbiguityMargin > 1 {
		return fmt.Errorf("config: ambiguity_margin %v out of [0,1]", m.AmbiguityMargin)
	}
	if m.DateWindowDays < 0 || m.AmountOnlyWindowDays < 0 {
		return fmt.Errorf("config: date windows must be non-negative")
	}
	if c.Assist.ConfidenceCap >= 1 {
		return fmt.Errorf("config: ai confidence_cap %v must stay below 1.0", c.Assist.ConfidenceCap)
	}
	if c.Batch.WorkerCount < 1 {
		return fmt.Errorf("config: worker_count must be at least 1")
	}
	if c.Batch.DefaultLimit < 1 {
		return fmt.Errorf("config: default_limit must be at least 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
