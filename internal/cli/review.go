package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"looper/internal/kernel"
)

var reviewCmd = &cobra.Command{
	Use:   "review <loop> <comment...>",
	Short: "Start a review cycle addressing reviewer comments",
	Long: `Record reviewer feedback on a merged or pushed loop and run the agent
again to address it. Pushed loops continue on their original working branch;
merged loops get a fresh review branch off the original branch.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runReview,
}

func init() {
	rootCmd.AddCommand(reviewCmd)
}

func runReview(cmd *cobra.Command, args []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		id, err := resolveLoopID(ctx, k, args[0])
		if err != nil {
			return err
		}
		comment := strings.Join(args[1:], " ")
		if err := resultErr(k.Orchestrator.AddressReviewComments(ctx, id, comment)); err != nil {
			return err
		}
		fmt.Println("Review cycle started.")
		return waitForSettled(ctx, k, id)
	})
}
