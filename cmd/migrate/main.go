// Command migrate applies the reconciliation schema to Postgres and exits.
// The API server applies the schema on startup as well; this tool exists so
// deployments can run the schema step separately, with different credentials.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fincaops/recon-engine/internal/config"
	"github.com/fincaops/recon-engine/internal/logger"
	"github.com/fincaops/recon-engine/internal/store/postgres"
)

func main() {
	log := logger.New()

	configPath := flag.String("config", os.Getenv("RECON_CONFIG"), "Path to YAML config file")
	dsn := flag.String("dsn", "", "Postgres DSN (overrides config)")
	flag.Parse()

	target := *dsn
	if target == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load configuration")
		}
		target = cfg.Postgres.DSN
	}
	if target == "" {
		log.Fatal().Msg("Error: no Postgres DSN configured, set --dsn or RECON_POSTGRES_DSN")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	st, err := postgres.Open(ctx, target)
	if err != nil {
		log.Fatal().Err(err).Msg("Schema migration failed")
	}
	defer st.Close()

	fmt.Println("Schema is up to date.")
}
