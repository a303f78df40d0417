package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"looper/internal/kernel"
)

var pendingModel string

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Manage a running loop's queued prompt and model switch",
}

var pendingSetCmd = &cobra.Command{
	Use:   "set <loop> [prompt...]",
	Short: "Queue a prompt and/or model for the next iteration boundary",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPendingSet,
}

var pendingClearCmd = &cobra.Command{
	Use:   "clear <loop>",
	Short: "Drop the queued prompt and model switch",
	Args:  cobra.ExactArgs(1),
	RunE:  runPendingClear,
}

var pendingInjectCmd = &cobra.Command{
	Use:   "inject <loop> [message...]",
	Short: "Abort the current iteration and apply the override immediately",
	Long: `Interrupt the loop's current iteration and restart it right away with the
given message and/or model. On a settled loop this behaves like jumpstart.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPendingInject,
}

func init() {
	pendingSetCmd.Flags().StringVar(&pendingModel, "model", "", "Model to switch to")
	pendingInjectCmd.Flags().StringVar(&pendingModel, "model", "", "Model to switch to")
	pendingCmd.AddCommand(pendingSetCmd)
	pendingCmd.AddCommand(pendingClearCmd)
	pendingCmd.AddCommand(pendingInjectCmd)
	rootCmd.AddCommand(pendingCmd)
}

func runPendingSet(cmd *cobra.Command, args []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		id, err := resolveLoopID(ctx, k, args[0])
		if err != nil {
			return err
		}
		prompt := strings.Join(args[1:], " ")
		return resultErr(k.Orchestrator.SetPending(ctx, id, prompt, pendingModel))
	})
}

func runPendingClear(cmd *cobra.Command, args []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		id, err := resolveLoopID(ctx, k, args[0])
		if err != nil {
			return err
		}
		return resultErr(k.Orchestrator.ClearPending(ctx, id))
	})
}

func runPendingInject(cmd *cobra.Command, args []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		id, err := resolveLoopID(ctx, k, args[0])
		if err != nil {
			return err
		}
		message := strings.Join(args[1:], " ")
		if err := resultErr(k.Orchestrator.InjectPending(ctx, id, message, pendingModel)); err != nil {
			return err
		}
		if k.Orchestrator.IsRunning(id) {
			return waitForSettled(ctx, k, id)
		}
		return nil
	})
}
