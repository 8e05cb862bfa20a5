package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fincaops/recon-engine/internal/config"
	"github.com/fincaops/recon-engine/internal/domain"
	"github.com/fincaops/recon-engine/internal/logger"
	"github.com/fincaops/recon-engine/internal/store/postgres"
)

// fileTransaction is the JSON shape of one exported provider transaction.
type fileTransaction struct {
	ProviderTxID string `json:"provider_tx_id"`
	Date         string `json:"date"` // YYYY-MM-DD
	Description  string `json:"description"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	PayerName    string `json:"payer_name"`
}

func main() {
	// Initialize structured logger
	log := logger.New()

	// Parse CLI flags
	file := flag.String("file", "", "Path to a JSON array of provider transactions (required)")
	companyID := flag.String("company", "", "Company to ingest for (required)")
	connectionID := flag.String("connection", "", "Bank connection the transactions came from")
	configPath := flag.String("config", os.Getenv("RECON_CONFIG"), "Path to YAML config file")
	flag.Parse()

	if *file == "" || *companyID == "" {
		log.Fatal().Msg("Error: --file and --company are required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Postgres.DSN == "" {
		log.Fatal().Msg("Error: ingestion needs a configured Postgres DSN")
	}

	// Create context with timeout so CLI doesn't hang
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Add logger to context
	ctx = logger.WithContext(ctx, log)

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read input file")
	}

	var rows []fileTransaction
	if err := json.Unmarshal(data, &rows); err != nil {
		log.Fatal().Err(err).Msg("Failed to parse input file")
	}

	txs := make([]domain.ProviderTransaction, 0, len(rows))
	for i, row := range rows {
		amount, err := decimal.NewFromString(row.Amount)
		if err != nil {
			log.Fatal().Err(err).Int("index", i).Msg("Invalid amount")
		}
		date, err := time.Parse("2006-01-02", row.Date)
		if err != nil {
			log.Fatal().Err(err).Int("index", i).Msg("Invalid date")
		}
		txs = append(txs, domain.ProviderTransaction{
			ProviderTxID: row.ProviderTxID,
			Date:         date,
			Description:  row.Description,
			Amount:       amount,
			Currency:     row.Currency,
			PayerName:    row.PayerName,
		})
	}

	st, err := postgres.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open Postgres store")
	}
	defer st.Close()

	log.Info().Str("company_id", *companyID).Int("transactions", len(txs)).Msg("Starting ingestion")

	result, err := st.IngestTransactions(ctx, *companyID, *connectionID, txs)
	if err != nil {
		log.Fatal().Err(err).Msg("Ingestion failed")
	}

	fmt.Printf("Ingestion completed: %d inserted, %d skipped as duplicates.\n", result.Inserted, result.Skipped)
}
