package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fincaops/recon-engine/internal/domain"
)

var batchLimit int

// batchCmd runs one batch reconciliation over the resolved scope.
var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run one batch reconciliation",
	Long: `Process pending transactions for the scoped companies: commit
confident matches, discard hopeless transactions, leave the rest for
manual review. Running it twice in a row is safe; the second run finds
nothing new to do.`,
	Run: runBatch,
}

func init() {
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max transactions to process (0 uses the configured default)")
}

func runBatch(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	eng, err := buildEngine(ctx)
	exitOnError(err, "failed to initialize")
	defer eng.close()

	summary, err := eng.orchestrator.ReconcileBatch(ctx, eng.scope, batchLimit, useAI)
	exitOnError(err, "batch reconciliation failed")

	fmt.Printf("Processed:  %d\n", summary.Processed)
	fmt.Printf("Matched:    %d\n", summary.Matched)
	fmt.Printf("Reconciled: %d\n", summary.Reconciled)
	fmt.Printf("Discarded:  %d\n", summary.Discarded)
	fmt.Printf("Failed:     %d\n", summary.Failed)
	fmt.Printf("AI calls:   %d\n", summary.AICallsUsed)
	fmt.Printf("Duration:   %s\n", summary.Duration)

	for _, res := range summary.Results {
		if res.Outcome == domain.OutcomeReconciled {
			fmt.Printf("  %s -> %s (%.2f, %s)\n", res.TransactionID, res.Match.ReceivableID, res.Match.Confidence, res.Match.Method)
		}
	}
}
