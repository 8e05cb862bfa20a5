package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// countCmd reports how many transactions are waiting.
var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Count transactions pending review",
	Run:   runCount,
}

func runCount(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	eng, err := buildEngine(ctx)
	exitOnError(err, "failed to initialize")
	defer eng.close()

	n, err := eng.orchestrator.Count(ctx, eng.scope)
	exitOnError(err, "failed to count pending transactions")

	fmt.Printf("%d transactions pending review across %d companies\n", n, eng.scope.Size())
}
