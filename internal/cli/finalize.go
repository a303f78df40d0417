package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"looper/internal/kernel"
)

var skipConfirm bool

var acceptCmd = &cobra.Command{
	Use:   "accept <loop>",
	Short: "Merge a finished loop's work into its original branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccept,
}

var pushCmd = &cobra.Command{
	Use:   "push <loop>",
	Short: "Push a finished loop's working branch to the remote",
	Args:  cobra.ExactArgs(1),
	RunE:  runPush,
}

var discardCmd = &cobra.Command{
	Use:   "discard <loop>",
	Short: "Throw a loop's work away and delete its branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiscard,
}

var purgeCmd = &cobra.Command{
	Use:   "purge <loop>",
	Short: "Physically remove a finished loop's record and branches",
	Args:  cobra.ExactArgs(1),
	RunE:  runPurge,
}

var mergedCmd = &cobra.Command{
	Use:   "merged <loop>",
	Short: "Mark a pushed loop as merged externally and clean up",
	Long: `Tell looper that the loop's branch was merged outside of it, for example
through a remote pull request. Local branches are cleaned up and the loop is
deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: runMerged,
}

func init() {
	discardCmd.Flags().BoolVarP(&skipConfirm, "yes", "y", false, "Skip the confirmation prompt")
	purgeCmd.Flags().BoolVarP(&skipConfirm, "yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(acceptCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(discardCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(mergedCmd)
}

func runAccept(cmd *cobra.Command, args []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		id, err := resolveLoopID(ctx, k, args[0])
		if err != nil {
			return err
		}
		if err := resultErr(k.Orchestrator.AcceptLoop(ctx, id)); err != nil {
			return err
		}
		fmt.Println("Merged. The working branch is kept for review cycles; 'looper purge' removes it.")
		return nil
	})
}

func runPush(cmd *cobra.Command, args []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		id, err := resolveLoopID(ctx, k, args[0])
		if err != nil {
			return err
		}
		if err := resultErr(k.Orchestrator.PushLoop(ctx, id)); err != nil {
			return err
		}
		fmt.Println("Pushed. Use 'looper merged' once the branch lands, or 'looper review' for follow-ups.")
		return nil
	})
}

func runDiscard(cmd *cobra.Command, args []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		id, err := resolveLoopID(ctx, k, args[0])
		if err != nil {
			return err
		}
		if !confirm(fmt.Sprintf("Discard loop %s and delete its branch? This cannot be undone.", shortID(id))) {
			fmt.Println("Aborted.")
			return nil
		}
		return resultErr(k.Orchestrator.DiscardLoop(ctx, id))
	})
}

func runPurge(cmd *cobra.Command, args []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		id, err := resolveLoopID(ctx, k, args[0])
		if err != nil {
			return err
		}
		if !confirm(fmt.Sprintf("Purge loop %s, removing its record and branches?", shortID(id))) {
			fmt.Println("Aborted.")
			return nil
		}
		return resultErr(k.Orchestrator.PurgeLoop(ctx, id))
	})
}

func runMerged(cmd *cobra.Command, args []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		id, err := resolveLoopID(ctx, k, args[0])
		if err != nil {
			return err
		}
		return resultErr(k.Orchestrator.MarkMerged(ctx, id))
	})
}

// confirm asks for an interactive yes/no. Non-interactive runs require --yes.
func confirm(question string) bool {
	if skipConfirm {
		return true
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "Refusing destructive operation without a terminal; pass --yes to proceed.")
		return false
	}

	fmt.Printf("%s [y/N]: ", question)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
