package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"looper/internal/kernel"
)

var stopReason string

var startCmd = &cobra.Command{
	Use:   "start <loop>",
	Short: "Start a loop and follow it until it settles",
	Long: `Start a loop. A working branch is created off the current (or configured
base) branch and the agent iterates until the stop pattern appears, an error
or iteration limit is hit, or the loop is stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

var stopLoopCmd = &cobra.Command{
	Use:   "stop <loop>",
	Short: "Stop a running loop",
	Args:  cobra.ExactArgs(1),
	RunE:  runStopLoop,
}

var jumpstartCmd = &cobra.Command{
	Use:   "jumpstart <loop> [message...]",
	Short: "Resume a settled loop on its existing branch",
	Long: `Resume a loop that has completed, stopped, failed, or hit its iteration
limit. With a message, the agent starts from that instruction; execution
continues on the loop's existing working branch when one exists.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runJumpstart,
}

func init() {
	stopLoopCmd.Flags().StringVar(&stopReason, "reason", "stopped by operator", "Reason recorded on the loop")
	jumpstartCmd.Flags().StringVar(&pendingModel, "model", "", "Model override for the resumed run")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopLoopCmd)
	rootCmd.AddCommand(jumpstartCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		id, err := resolveLoopID(ctx, k, args[0])
		if err != nil {
			return err
		}
		if err := k.Orchestrator.StartLoop(ctx, id); err != nil {
			return err
		}
		fmt.Println("Loop started.")
		return waitForSettled(ctx, k, id)
	})
}

func runStopLoop(cmd *cobra.Command, args []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		id, err := resolveLoopID(ctx, k, args[0])
		if err != nil {
			return err
		}
		return resultErr(k.Orchestrator.StopLoop(ctx, id, stopReason))
	})
}

func runJumpstart(cmd *cobra.Command, args []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		id, err := resolveLoopID(ctx, k, args[0])
		if err != nil {
			return err
		}
		message := strings.Join(args[1:], " ")
		if err := k.Orchestrator.JumpstartLoop(ctx, id, message, pendingModel); err != nil {
			return err
		}
		fmt.Println("Loop jumpstarted.")
		return waitForSettled(ctx, k, id)
	})
}
