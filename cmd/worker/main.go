// Command worker runs batch reconciliation on a fixed interval until
// interrupted. It is the unattended counterpart of `reconcile batch`: deploy
// it next to the API server when matches should commit without anyone
// triggering runs by hand.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fincaops/recon-engine/internal/assist"
	"github.com/fincaops/recon-engine/internal/config"
	"github.com/fincaops/recon-engine/internal/domain"
	"github.com/fincaops/recon-engine/internal/logger"
	"github.com/fincaops/recon-engine/internal/match"
	"github.com/fincaops/recon-engine/internal/recon"
	"github.com/fincaops/recon-engine/internal/scope"
	"github.com/fincaops/recon-engine/internal/store/postgres"
)

func main() {
	// Initialize logger
	log := logger.New()

	configPath := flag.String("config", os.Getenv("RECON_CONFIG"), "Path to YAML config file")
	companyID := flag.String("company", "", "Company to reconcile for (required)")
	consolidated := flag.Bool("consolidated", false, "Widen the scope to all subsidiaries")
	useAI := flag.Bool("ai", false, "Consult the AI assist for low-confidence matches")
	interval := flag.Duration("interval", 15*time.Minute, "Time between batch runs")
	flag.Parse()

	if *companyID == "" {
		log.Fatal().Msg("Error: --company is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Postgres.DSN == "" {
		log.Fatal().Msg("Error: the worker needs a configured Postgres DSN")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := postgres.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open Postgres store")
	}
	defer st.Close()

	matcher := match.New(match.Config{
		DateWindowDays:           cfg.Matching.DateWindowDays,
		AmountOnlyWindowDays:     cfg.Matching.AmountOnlyWindowDays,
		PayerSimilarityThreshold: cfg.Matching.PayerSimilarityThreshold,
		AmbiguityMargin:          cfg.Matching.AmbiguityMargin,
	})

	var classifier recon.Assist
	if *useAI && cfg.Assist.Enabled {
		model, err := assist.NewGenAIClient(ctx, cfg.Assist.Model)
		if err != nil {
			log.Warn().Err(err).Msg("AI assist unavailable, continuing rules-only")
		} else {
			classifier = assist.New(model, assist.Config{
				ConfidenceCap: cfg.Assist.ConfidenceCap,
				Timeout:       time.Duration(cfg.Assist.TimeoutSeconds) * time.Second,
			}, log)
		}
	}

	orchestrator := recon.New(st, matcher, classifier, recon.Config{
		RuleThreshold:       cfg.Matching.RuleThreshold,
		AutoCommitThreshold: cfg.Matching.AutoCommitThreshold,
		MaxAttempts:         cfg.Batch.MaxAttempts,
		WorkerCount:         cfg.Batch.WorkerCount,
		AIBudgetPerBatch:    cfg.Assist.BudgetPerBatch,
		DefaultLimit:        cfg.Batch.DefaultLimit,
	}, log, nil)

	resolver := scope.NewResolver(scope.StaticDirectory(cfg.Companies), log)
	sc, err := resolver.Resolve(ctx, domain.CallerIdentity{
		UserID:       "worker",
		CompanyID:    *companyID,
		Consolidated: *consolidated,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve scope")
	}

	log.Info().
		Str("company_id", *companyID).
		Int("companies", sc.Size()).
		Dur("interval", *interval).
		Msg("Starting reconciliation worker")

	runOnce := func() {
		summary, err := orchestrator.ReconcileBatch(ctx, sc, 0, *useAI)
		if err != nil {
			log.Error().Err(err).Msg("Batch run failed")
			return
		}
		if summary.Processed == 0 {
			log.Debug().Msg("Nothing pending")
		}
	}

	// One run immediately, then on the ticker.
	runOnce()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			runOnce()
		case <-quit:
			log.Info().Msg("Shutting down worker...")
			cancel()
			log.Info().Msg("Worker exited")
			return
		}
	}
}
