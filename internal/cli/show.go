package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"looper/internal/kernel"
)

var showJSON bool

var showCmd = &cobra.Command{
	Use:   "show <loop>",
	Short: "Show a loop's configuration, state, and review history",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Emit the loop record as JSON")
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		id, err := resolveLoopID(ctx, k, args[0])
		if err != nil {
			return err
		}
		l, err := k.Orchestrator.GetLoop(ctx, id)
		if err != nil {
			return err
		}

		if showJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(l)
		}

		fmt.Printf("Loop %s\n", l.Config.ID)
		fmt.Printf("  Name:       %s\n", l.Config.Name)
		fmt.Printf("  Directory:  %s\n", l.Config.Directory)
		fmt.Printf("  Model:      %s\n", l.Config.Model)
		fmt.Printf("  Status:     %s\n", l.State.Status)
		fmt.Printf("  Iterations: %d/%d\n", l.State.Iterations, l.Config.MaxIterations)
		if l.State.Git != nil {
			fmt.Printf("  Branches:   %s (from %s)\n", l.State.Git.WorkingBranch, l.State.Git.OriginalBranch)
		}
		if l.State.PlanMode != nil && l.State.PlanMode.Active {
			ready := "drafting"
			if l.State.PlanMode.IsPlanReady {
				ready = "ready for acceptance"
			}
			fmt.Printf("  Plan:       %s, %d feedback rounds\n", ready, l.State.PlanMode.FeedbackRounds)
		}
		if l.State.PendingPrompt != "" {
			fmt.Printf("  Pending:    %q\n", l.State.PendingPrompt)
		}
		if l.State.PendingModel != "" {
			fmt.Printf("  Next model: %s\n", l.State.PendingModel)
		}
		if l.State.LastError != "" {
			fmt.Printf("  Last error: %s\n", l.State.LastError)
		}
		if l.State.Review != nil {
			fmt.Printf("  Review:     %s, %d cycles, addressable=%v\n",
				l.State.Review.CompletionAction, l.State.Review.ReviewCycles, l.State.Review.Addressable)
		}

		comments, err := k.Orchestrator.GetReviewHistory(ctx, id)
		if err != nil {
			return err
		}
		if len(comments) > 0 {
			fmt.Println("  Review comments:")
			for _, c := range comments {
				fmt.Printf("    [cycle %d, %s] %s\n", c.ReviewCycle, c.Status, c.Comment)
			}
		}
		return nil
	})
}
