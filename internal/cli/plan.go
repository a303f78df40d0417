package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"looper/internal/kernel"
	"looper/pkg/loop"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Drive the planning phase of a plan-mode loop",
}

var planStartCmd = &cobra.Command{
	Use:   "start <loop>",
	Short: "Start drafting a plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanStart,
}

var planFeedbackCmd = &cobra.Command{
	Use:   "feedback <loop> <text...>",
	Short: "Send feedback on the draft plan and run another iteration",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runPlanFeedback,
}

var planAcceptCmd = &cobra.Command{
	Use:   "accept <loop>",
	Short: "Accept the plan and start execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanAccept,
}

var planDiscardCmd = &cobra.Command{
	Use:   "discard <loop>",
	Short: "Discard the plan and delete the loop",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanDiscard,
}

func init() {
	planCmd.AddCommand(planStartCmd)
	planCmd.AddCommand(planFeedbackCmd)
	planCmd.AddCommand(planAcceptCmd)
	planCmd.AddCommand(planDiscardCmd)
	rootCmd.AddCommand(planCmd)
}

func runPlanStart(cmd *cobra.Command, args []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		id, err := resolveLoopID(ctx, k, args[0])
		if err != nil {
			return err
		}
		if err := k.Orchestrator.StartPlanMode(ctx, id); err != nil {
			return err
		}
		fmt.Println("Drafting plan...")
		return reportPlanState(ctx, k, id)
	})
}

func runPlanFeedback(cmd *cobra.Command, args []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		id, err := resolveLoopID(ctx, k, args[0])
		if err != nil {
			return err
		}
		text := strings.Join(args[1:], " ")
		fmt.Println("Revising plan...")
		if err := k.Orchestrator.SendPlanFeedback(ctx, id, text); err != nil {
			return err
		}
		return reportPlanState(ctx, k, id)
	})
}

func runPlanAccept(cmd *cobra.Command, args []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		id, err := resolveLoopID(ctx, k, args[0])
		if err != nil {
			return err
		}
		if err := k.Orchestrator.AcceptPlan(ctx, id); err != nil {
			return err
		}
		fmt.Println("Plan accepted, executing.")
		return waitForSettled(ctx, k, id)
	})
}

func runPlanDiscard(cmd *cobra.Command, args []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		id, err := resolveLoopID(ctx, k, args[0])
		if err != nil {
			return err
		}
		return resultErr(k.Orchestrator.DiscardPlan(ctx, id))
	})
}

// reportPlanState waits for the in-flight plan iteration and prints where the
// plan stands.
func reportPlanState(ctx context.Context, k *kernel.Kernel, id string) error {
	// Give the engine a moment to enter its iteration before waiting on it.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(250 * time.Millisecond):
	}
	if err := k.Orchestrator.WaitForPlanIdle(ctx, id); err != nil {
		return err
	}

	l, err := k.Orchestrator.GetLoop(ctx, id)
	if err != nil {
		return err
	}
	artifact := filepath.Join(l.Config.Directory, loop.PlanningFolder, loop.PlanArtifact)
	if l.State.PlanMode != nil && l.State.PlanMode.IsPlanReady {
		fmt.Printf("Plan is ready: %s\n", artifact)
		fmt.Println("Run 'looper plan accept' to execute it, or 'looper plan feedback' to revise.")
	} else {
		fmt.Printf("Plan draft updated: %s\n", artifact)
		fmt.Println("The agent has not marked the plan ready yet; send feedback to continue.")
	}
	return nil
}
