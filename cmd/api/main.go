package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fincaops/recon-engine/internal/api/handlers"
	"github.com/fincaops/recon-engine/internal/api/middleware"
	"github.com/fincaops/recon-engine/internal/assist"
	"github.com/fincaops/recon-engine/internal/config"
	"github.com/fincaops/recon-engine/internal/logger"
	"github.com/fincaops/recon-engine/internal/match"
	"github.com/fincaops/recon-engine/internal/metrics"
	"github.com/fincaops/recon-engine/internal/recon"
	"github.com/fincaops/recon-engine/internal/scope"
	"github.com/fincaops/recon-engine/internal/store"
	"github.com/fincaops/recon-engine/internal/store/inmemory"
	"github.com/fincaops/recon-engine/internal/store/postgres"
	"github.com/fincaops/recon-engine/internal/webhook"
)

func main() {
	configPath := flag.String("config", os.Getenv("RECON_CONFIG"), "Path to YAML config file (or set RECON_CONFIG env)")
	flag.Parse()

	log := logger.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx := context.Background()

	// Select the transaction store. Postgres when a DSN is configured,
	// in-memory otherwise.
	var txStore store.TransactionStore
	if cfg.Postgres.DSN != "" {
		pg, err := postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open Postgres store")
		}
		defer pg.Close()
		txStore = pg
		log.Info().Msg("Using Postgres transaction store")
	} else {
		txStore = inmemory.New()
		log.Warn().Msg("No Postgres DSN configured, using in-memory store")
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	matcher := match.New(match.Config{
		DateWindowDays:           cfg.Matching.DateWindowDays,
		AmountOnlyWindowDays:     cfg.Matching.AmountOnlyWindowDays,
		PayerSimilarityThreshold: cfg.Matching.PayerSimilarityThreshold,
		AmbiguityMargin:          cfg.Matching.AmbiguityMargin,
	})

	// AI assist is optional: a missing client degrades to rules-only.
	var classifier recon.Assist
	if cfg.Assist.Enabled {
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
	}, logger.WithComponent(log, "recon"), m)

	resolver := scope.NewResolver(scope.StaticDirectory(cfg.Companies), log)
	processor := webhook.New(cfg.Webhook.Secret, txStore, logger.WithComponent(log, "webhook"), m)

	reconciliationHandler := handlers.NewReconciliationHandler(orchestrator, resolver, log)
	transactionsHandler := handlers.NewTransactionsHandler(txStore, resolver, log)
	webhookHandler := handlers.NewWebhookHandler(processor, log)

	router := mux.NewRouter()
	router.HandleFunc("/api/reconciliation/run", reconciliationHandler.Run).Methods(http.MethodPost)
	router.HandleFunc("/api/transactions/pending", transactionsHandler.ListPending).Methods(http.MethodGet)
	router.HandleFunc("/api/transactions/ingest", transactionsHandler.Ingest).Methods(http.MethodPost)
	router.HandleFunc("/api/transactions/{id}/discard", transactionsHandler.Discard).Methods(http.MethodPost)
	router.HandleFunc("/api/transactions/{id}/restore", transactionsHandler.Restore).Methods(http.MethodPost)
	router.HandleFunc("/api/transactions/{id}/history", transactionsHandler.History).Methods(http.MethodGet)
	router.HandleFunc("/webhooks/bank", webhookHandler.Receive).Methods(http.MethodPost)
	router.HandleFunc("/healthz", handlers.Health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// The webhook authenticates by HMAC signature, not by shared secret.
	handler := middleware.Recovery(log)(
		middleware.Logger(log)(
			middleware.RequestID(
				middleware.SecretGuard(cfg.Server.SharedSecret,
					"/webhooks/bank", "/healthz", "/metrics",
				)(router),
			),
		),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // batch runs can take a while
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Starting reconciliation API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}
