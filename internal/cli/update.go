package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"looper/internal/kernel"
	"looper/pkg/orchestrator"
)

var updateCmd = &cobra.Command{
	Use:   "update <loop>",
	Short: "Edit a loop's configuration",
	Long: `Edit a loop's mutable configuration. The base branch can only change
while no working branch exists yet.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpdate,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <loop>",
	Short: "Soft-delete a loop, keeping its record",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	f := updateCmd.Flags()
	f.String("name", "", "New display name")
	f.String("prompt", "", "New task prompt")
	f.String("model", "", "New model")
	f.Int("max-iterations", 0, "New iteration limit")
	f.Int("max-consecutive-errors", 0, "New consecutive error limit")
	f.Int("activity-timeout", 0, "New per-iteration timeout in seconds")
	f.String("stop-pattern", "", "New completion marker")
	f.String("base-branch", "", "New base branch (only before git setup)")
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(deleteCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		id, err := resolveLoopID(ctx, k, args[0])
		if err != nil {
			return err
		}

		var opts orchestrator.UpdateOptions
		f := cmd.Flags()
		if f.Changed("name") {
			v, _ := f.GetString("name")
			opts.Name = &v
		}
		if f.Changed("prompt") {
			v, _ := f.GetString("prompt")
			opts.Prompt = &v
		}
		if f.Changed("model") {
			v, _ := f.GetString("model")
			opts.Model = &v
		}
		if f.Changed("max-iterations") {
			v, _ := f.GetInt("max-iterations")
			opts.MaxIterations = &v
		}
		if f.Changed("max-consecutive-errors") {
			v, _ := f.GetInt("max-consecutive-errors")
			opts.MaxConsecutiveErrors = &v
		}
		if f.Changed("activity-timeout") {
			v, _ := f.GetInt("activity-timeout")
			opts.ActivityTimeoutSeconds = &v
		}
		if f.Changed("stop-pattern") {
			v, _ := f.GetString("stop-pattern")
			opts.StopPattern = &v
		}
		if f.Changed("base-branch") {
			v, _ := f.GetString("base-branch")
			opts.BaseBranch = &v
		}

		l, err := k.Orchestrator.UpdateLoop(ctx, id, opts)
		if err != nil {
			return err
		}
		fmt.Printf("Updated loop %s (%s)\n", shortID(l.Config.ID), l.Config.Name)
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		id, err := resolveLoopID(ctx, k, args[0])
		if err != nil {
			return err
		}
		return resultErr(k.Orchestrator.DeleteLoop(ctx, id))
	})
}
