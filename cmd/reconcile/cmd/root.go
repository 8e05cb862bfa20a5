// Package cmd provides the CLI commands for the reconciliation engine.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fincaops/recon-engine/internal/assist"
	"github.com/fincaops/recon-engine/internal/config"
	"github.com/fincaops/recon-engine/internal/domain"
	"github.com/fincaops/recon-engine/internal/logger"
	"github.com/fincaops/recon-engine/internal/match"
	"github.com/fincaops/recon-engine/internal/recon"
	"github.com/fincaops/recon-engine/internal/scope"
	"github.com/fincaops/recon-engine/internal/store"
	"github.com/fincaops/recon-engine/internal/store/inmemory"
	"github.com/fincaops/recon-engine/internal/store/postgres"
)

var (
	cfgFile      string
	companyID    string
	consolidated bool
	useAI        bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Match bank transactions against open receivables",
	Long: `reconcile runs the transaction reconciliation engine from the
command line: count what is pending, run a batch, or probe a single
description against the open receivables.

Example:
  reconcile count --company acme
  reconcile batch --company holding --consolidated --limit 50 --ai
  reconcile identify --company acme --description "SEPA RENT-2025-03" --amount 950.00`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("RECON_CONFIG"), "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&companyID, "company", "", "company the run acts for (required)")
	rootCmd.PersistentFlags().BoolVar(&consolidated, "consolidated", false, "widen the scope to all subsidiaries")
	rootCmd.PersistentFlags().BoolVar(&useAI, "ai", false, "consult the AI assist for low-confidence matches")

	rootCmd.MarkPersistentFlagRequired("company")

	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(countCmd)
	rootCmd.AddCommand(identifyCmd)
}

// engine bundles everything a command needs.
type engine struct {
	cfg          *config.Config
	log          zerolog.Logger
	orchestrator *recon.Orchestrator
	scope        domain.ReconciliationScope
	close        func()
}

// buildEngine loads configuration, opens the store and resolves the caller's
// scope from the --company flags.
func buildEngine(ctx context.Context) (*engine, error) {
	log := logger.New()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	var txStore store.TransactionStore
	closeStore := func() {}
	if cfg.Postgres.DSN != "" {
		pg, err := postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		txStore = pg
		closeStore = func() { pg.Close() }
	} else {
		txStore = inmemory.New()
		log.Warn().Msg("No Postgres DSN configured, using an empty in-memory store")
	}

	matcher := match.New(match.Config{
		DateWindowDays:           cfg.Matching.DateWindowDays,
		AmountOnlyWindowDays:     cfg.Matching.AmountOnlyWindowDays,
		PayerSimilarityThreshold: cfg.Matching.PayerSimilarityThreshold,
		AmbiguityMargin:          cfg.Matching.AmbiguityMargin,
	})

	var classifier recon.Assist
	if useAI && cfg.Assist.Enabled {
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

	orchestrator := recon.New(txStore, matcher, classifier, recon.Config{
		RuleThreshold:       cfg.Matching.RuleThreshold,
		AutoCommitThreshold: cfg.Matching.AutoCommitThreshold,
		MaxAttempts:         cfg.Batch.MaxAttempts,
		WorkerCount:         cfg.Batch.WorkerCount,
		AIBudgetPerBatch:    cfg.Assist.BudgetPerBatch,
		DefaultLimit:        cfg.Batch.DefaultLimit,
	}, log, nil)

	resolver := scope.NewResolver(scope.StaticDirectory(cfg.Companies), log)
	sc, err := resolver.Resolve(ctx, domain.CallerIdentity{
		UserID:       "cli",
		CompanyID:    companyID,
		Consolidated: consolidated,
	})
	if err != nil {
		closeStore()
		return nil, err
	}

	return &engine{
		cfg:          cfg,
		log:          log,
		orchestrator: orchestrator,
		scope:        sc,
		close:        closeStore,
	}, nil
}

// exitOnError prints the error and exits with a non-zero status.
func exitOnError(err error, msg string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
		os.Exit(1)
	}
}
