package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"looper/internal/kernel"
	"looper/pkg/orchestrator"
)

var createOpts struct {
	name          string
	directory     string
	prompt        string
	promptFile    string
	model         string
	maxIterations int
	maxErrors     int
	timeout       int
	stopPattern   string
	branchPrefix  string
	commitPrefix  string
	baseBranch    string
	clearPlanning bool
	planMode      bool
	draft         bool
	start         bool
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new loop",
	Long: `Create a new loop for a git working directory. Without --name a short
display name is derived from the prompt. With --start the loop launches
immediately; with --plan it enters the planning phase instead.

Example:
  looper create --directory ~/src/app --prompt "Fix the failing tests" --start`,
	RunE: runCreate,
}

func init() {
	f := createCmd.Flags()
	f.StringVar(&createOpts.name, "name", "", "Display name (derived from the prompt when empty)")
	f.StringVarP(&createOpts.directory, "directory", "C", "", "Git working directory the loop operates on")
	f.StringVarP(&createOpts.prompt, "prompt", "p", "", "Task prompt for the agent")
	f.StringVar(&createOpts.promptFile, "prompt-file", "", "Read the task prompt from a file")
	f.StringVar(&createOpts.model, "model", "", "Model to drive the loop with")
	f.IntVar(&createOpts.maxIterations, "max-iterations", 0, "Iteration limit before the loop settles")
	f.IntVar(&createOpts.maxErrors, "max-consecutive-errors", 0, "Consecutive error limit before the loop fails")
	f.IntVar(&createOpts.timeout, "activity-timeout", 0, "Per-iteration activity timeout in seconds")
	f.StringVar(&createOpts.stopPattern, "stop-pattern", "", "Completion marker the agent replies with")
	f.StringVar(&createOpts.branchPrefix, "branch-prefix", "", "Prefix for the working branch name")
	f.StringVar(&createOpts.commitPrefix, "commit-prefix", "", "Prefix for merge commit messages")
	f.StringVar(&createOpts.baseBranch, "base-branch", "", "Branch to fork the working branch from")
	f.BoolVar(&createOpts.clearPlanning, "clear-planning", false, "Clear the .planning folder before the loop runs")
	f.BoolVar(&createOpts.planMode, "plan", false, "Create in plan mode; execution waits for plan acceptance")
	f.BoolVar(&createOpts.draft, "draft", false, "Create as a draft that never auto-starts")
	f.BoolVar(&createOpts.start, "start", false, "Start the loop immediately after creating it")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, _ []string) error {
	return withKernel(cmd, func(ctx context.Context, k *kernel.Kernel) error {
		prompt := createOpts.prompt
		if createOpts.promptFile != "" {
			data, err := os.ReadFile(createOpts.promptFile)
			if err != nil {
				return fmt.Errorf("failed to read prompt file: %w", err)
			}
			prompt = string(data)
		}

		dir := createOpts.directory
		if dir == "" {
			var err error
			if dir, err = os.Getwd(); err != nil {
				return err
			}
		}
		dir, err := filepath.Abs(dir)
		if err != nil {
			return err
		}

		l, err := k.Orchestrator.Create(ctx, orchestrator.CreateOptions{
			Name:                   createOpts.name,
			Directory:              dir,
			Prompt:                 prompt,
			Model:                  createOpts.model,
			MaxIterations:          createOpts.maxIterations,
			MaxConsecutiveErrors:   createOpts.maxErrors,
			ActivityTimeoutSeconds: createOpts.timeout,
			StopPattern:            createOpts.stopPattern,
			BranchPrefix:           createOpts.branchPrefix,
			CommitPrefix:           createOpts.commitPrefix,
			BaseBranch:             createOpts.baseBranch,
			ClearPlanningFolder:    createOpts.clearPlanning,
			PlanMode:               createOpts.planMode,
			Draft:                  createOpts.draft,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Created loop %s (%s)\n", l.Config.ID, l.Config.Name)

		switch {
		case createOpts.planMode:
			if err := k.Orchestrator.StartPlanMode(ctx, l.Config.ID); err != nil {
				return err
			}
			fmt.Println("Planning started. Use 'looper plan feedback' to iterate and 'looper plan accept' to execute.")
		case createOpts.start:
			if err := k.Orchestrator.StartLoop(ctx, l.Config.ID); err != nil {
				return err
			}
			return waitForSettled(ctx, k, l.Config.ID)
		}
		return nil
	})
}
