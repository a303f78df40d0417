package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"looper/internal/kernel"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Force-reset all engines and stale loop state",
	Long: `Stop every registered engine, clear in-flight finalizations, and reset
loops stuck in an active status to stopped. Planning loops are spared so
their sessions can be reattached.`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVarP(&skipConfirm, "yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, _ []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		if !confirm("Force-reset all loops and engines?") {
			fmt.Println("Aborted.")
			return nil
		}
		counts := k.Orchestrator.ForceResetAll(ctx)
		fmt.Printf("Cleared %d engines, reset %d loops.\n", counts.EnginesCleared, counts.LoopsReset)
		return nil
	})
}
