// Package cli implements the looper command tree. Each command builds a
// kernel for the base directory, runs one operation through the
// orchestrator, and shuts down.
package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"looper/internal/kernel"
	"looper/pkg/loop"
)

// Version is set at build time via ldflags.
var Version = "dev"

var baseDir string

var rootCmd = &cobra.Command{
	Use:   "looper",
	Short: "Lifecycle orchestrator for long-running agent work loops",
	Long: `Looper manages long-running AI agent work loops against git working
directories: each loop gets its own branch, iterates an agent until a stop
pattern appears, and finishes by merging or pushing its work.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("looper version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&baseDir, "dir", ".", "Base directory holding the .looper state")
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// withKernel builds a kernel, runs fn, and tears the kernel down.
func withKernel(cmd *cobra.Command, fn func(ctx context.Context, k *kernel.Kernel) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	k, err := kernel.New(baseDir)
	if err != nil {
		return err
	}
	defer k.Close(ctx)

	if err := k.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, k)
}

// waitForSettled blocks until the loop reaches an engine-terminal status,
// printing status transitions as they happen. Ctrl-C stops the loop cleanly.
func waitForSettled(ctx context.Context, k *kernel.Kernel, id string) error {
	events, unsubscribe := k.Bus.Subscribe()
	defer unsubscribe()

	lastStatus := loop.Status("")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		l, err := k.Orchestrator.GetLoop(ctx, id)
		if err != nil {
			return err
		}
		if l.State.Status != lastStatus {
			fmt.Printf("  status: %s (iteration %d)\n", l.State.Status, l.State.Iterations)
			lastStatus = l.State.Status
		}
		if l.State.Status.IsEngineTerminal() {
			if l.State.LastError != "" {
				fmt.Printf("  last error: %s\n", l.State.LastError)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			fmt.Println("Interrupted, stopping loop...")
			stopCtx := context.Background()
			return resultErr(k.Orchestrator.StopLoop(stopCtx, id, "interrupted by operator"))
		case <-events:
		case <-ticker.C:
		}
	}
}

// resultErr converts a failed lifecycle result into a command error.
func resultErr(res loop.Result) error {
	if res.Success {
		if res.Message != "" {
			fmt.Println(res.Message)
		}
		return nil
	}
	return errors.New(res.Message)
}
