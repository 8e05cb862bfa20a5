package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/fincaops/recon-engine/internal/recon"
)

var (
	identifyDescription string
	identifyAmount      string
	identifyCurrency    string
	identifyDate        string
	identifyPayer       string
)

// identifyCmd probes a single transaction against the open receivables
// without changing any state.
var identifyCmd = &cobra.Command{
	Use:   "identify",
	Short: "Classify one transaction without committing anything",
	Long: `Run the matching rules (and optionally the AI assist) against a
hand-typed transaction. Nothing is written; this is the dry-run probe for
understanding why a transaction does or does not match.

Example:
  reconcile identify --company acme --description "SEPA RENT-2025-03" --amount 950.00`,
	Run: runIdentify,
}

func init() {
	identifyCmd.Flags().StringVar(&identifyDescription, "description", "", "transaction description (required)")
	identifyCmd.Flags().StringVar(&identifyAmount, "amount", "", "transaction amount, e.g. 950.00 (required)")
	identifyCmd.Flags().StringVar(&identifyCurrency, "currency", "EUR", "ISO currency code")
	identifyCmd.Flags().StringVar(&identifyDate, "date", "", "posting date YYYY-MM-DD (default today)")
	identifyCmd.Flags().StringVar(&identifyPayer, "payer", "", "payer name")

	identifyCmd.MarkFlagRequired("description")
	identifyCmd.MarkFlagRequired("amount")
}

func runIdentify(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	amount, err := decimal.NewFromString(identifyAmount)
	exitOnError(err, "invalid --amount")

	var date time.Time
	if identifyDate != "" {
		date, err = time.Parse("2006-01-02", identifyDate)
		exitOnError(err, "invalid --date, want YYYY-MM-DD")
	}

	eng, err := buildEngine(ctx)
	exitOnError(err, "failed to initialize")
	defer eng.close()

	result, err := eng.orchestrator.Identify(ctx, eng.scope, recon.IdentifyRequest{
		Description: identifyDescription,
		Amount:      amount,
		Currency:    identifyCurrency,
		Date:        date,
		PayerName:   identifyPayer,
		UseAI:       useAI,
	})
	exitOnError(err, "identification failed")

	if result.ReceivableID == "" {
		fmt.Printf("No match (%s)", result.Method)
		if result.Reason != "" {
			fmt.Printf(": %s", result.Reason)
		}
		fmt.Println()
		return
	}

	fmt.Printf("Receivable: %s\n", result.ReceivableID)
	fmt.Printf("Confidence: %.2f\n", result.Confidence)
	fmt.Printf("Method:     %s\n", result.Method)
	if result.Reason != "" {
		fmt.Printf("Reason:     %s\n", result.Reason)
	}
}
