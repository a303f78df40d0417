// Package gitx implements the git branch workflow a loop's lifecycle
// depends on: branch creation and checkout, merge, push, hard reset, and
// stale lock-file cleanup, all against the loop's own working directory.
package gitx

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"looper/pkg/logx"
)

// GitRunner runs git commands with dependency injection support.
type GitRunner interface {
	// Run executes a git command in the specified directory and returns
	// combined stdout+stderr output.
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// DefaultGitRunner implements GitRunner using the system git command.
type DefaultGitRunner struct {
	logger zerolog.Logger
}

// NewDefaultGitRunner creates a DefaultGitRunner.
func NewDefaultGitRunner() *DefaultGitRunner {
	return &DefaultGitRunner{logger: logx.Component("git")}
}

// Run executes a git command via os/exec.
func (g *DefaultGitRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		g.logger.Debug().
			Str("dir", dir).
			Str("args", strings.Join(args, " ")).
			Str("output", string(output)).
			Err(err).
			Msg("git command failed")
		return output, fmt.Errorf("git %s failed in %s: %w\noutput: %s",
			strings.Join(args, " "), dir, err, string(output))
	}
	return output, nil
}
