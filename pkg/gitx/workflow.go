package gitx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"looper/pkg/logx"
)

// Stale lock files git leaves behind after a killed process. Paths are
// relative to the .git directory.
var staleLockFiles = []string{
	"index.lock",
	"HEAD.lock",
	"config.lock",
	filepath.Join("refs", "heads"), // directory scanned for *.lock
}

// Workflow implements the branch operations the loop lifecycle needs.
type Workflow struct {
	runner GitRunner
	logger zerolog.Logger
}

// NewWorkflow creates a Workflow on top of the given runner.
func NewWorkflow(runner GitRunner) *Workflow {
	return &Workflow{
		runner: runner,
		logger: logx.Component("git-workflow"),
	}
}

// IsGitRepo reports whether dir is inside a git working tree.
func (w *Workflow) IsGitRepo(ctx context.Context, dir string) bool {
	output, err := w.runner.Run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(string(output)) == "true"
}

// CurrentBranch returns the checked-out branch name.
func (w *Workflow) CurrentBranch(ctx context.Context, dir string) (string, error) {
	output, err := w.runner.Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve current branch: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// HasUncommittedChanges reports whether the working tree is dirty, counting
// untracked files.
func (w *Workflow) HasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	files, err := w.GetChangedFiles(ctx, dir)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

// GetChangedFiles returns the paths of all modified, staged, and untracked
// files relative to the repository root.
func (w *Workflow) GetChangedFiles(ctx context.Context, dir string) ([]string, error) {
	output, err := w.runner.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to get changed files: %w", err)
	}

	var files []string
	for _, line := range strings.Split(string(output), "\n") {
		if len(line) < 4 {
			continue
		}
		// Porcelain format: XY <path> (or XY <old> -> <new> for renames).
		path := strings.TrimSpace(line[3:])
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		files = append(files, strings.Trim(path, `"`))
	}
	return files, nil
}

// CreateBranch creates and checks out a new branch at the current HEAD.
func (w *Workflow) CreateBranch(ctx context.Context, dir, name string) error {
	if _, err := w.runner.Run(ctx, dir, "switch", "-c", name); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", name, err)
	}
	w.logger.Info().Str("branch", name).Str("dir", dir).Msg("created branch")
	return nil
}

// CheckoutBranch checks out an existing branch.
func (w *Workflow) CheckoutBranch(ctx context.Context, dir, name string) error {
	if _, err := w.runner.Run(ctx, dir, "checkout", name); err != nil {
		return fmt.Errorf("failed to checkout branch %s: %w", name, err)
	}
	return nil
}

// CheckoutBranchWithRetry checks out a branch, retrying on lock-file
// contention with a multiplied backoff and clearing stale lock files
// between attempts.
func (w *Workflow) CheckoutBranchWithRetry(ctx context.Context, dir, name string, retries int, delay time.Duration) error {
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		lastErr = w.CheckoutBranch(ctx, dir, name)
		if lastErr == nil {
			return nil
		}
		if !strings.Contains(lastErr.Error(), "index.lock") &&
			!strings.Contains(lastErr.Error(), "Unable to create") {
			return lastErr
		}

		w.logger.Warn().
			Int("attempt", attempt).
			Str("branch", name).
			Msg("checkout blocked by lock file, cleaning up and retrying")
		if err := w.CleanupStaleLockFiles(ctx, dir); err != nil {
			w.logger.Warn().Err(err).Msg("lock file cleanup failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("checkout of %s failed after %d attempts: %w", name, retries, lastErr)
}

// MergeBranch merges source into the currently checked-out branch and
// returns the resulting commit ref.
func (w *Workflow) MergeBranch(ctx context.Context, dir, source, message string) (string, error) {
	args := []string{"merge", "--no-ff", source}
	if message != "" {
		args = append(args, "-m", message)
	}
	if _, err := w.runner.Run(ctx, dir, args...); err != nil {
		return "", fmt.Errorf("failed to merge branch %s: %w", source, err)
	}

	output, err := w.runner.Run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve merge commit: %w", err)
	}
	ref := strings.TrimSpace(string(output))
	w.logger.Info().Str("branch", source).Str("commit", ref).Msg("merged branch")
	return ref, nil
}

// PushBranch pushes a branch to origin and returns the remote ref name.
// No branch switch happens; the push runs from whatever is checked out.
func (w *Workflow) PushBranch(ctx context.Context, dir, branch string) (string, error) {
	if _, err := w.runner.Run(ctx, dir, "push", "-u", "origin", branch); err != nil {
		return "", fmt.Errorf("failed to push branch %s: %w", branch, err)
	}
	remoteRef := "origin/" + branch
	w.logger.Info().Str("branch", branch).Str("remote_ref", remoteRef).Msg("pushed branch")
	return remoteRef, nil
}

// DeleteBranch force-deletes a local branch.
func (w *Workflow) DeleteBranch(ctx context.Context, dir, branch string) error {
	if _, err := w.runner.Run(ctx, dir, "branch", "-D", branch); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", branch, err)
	}
	return nil
}

// ResetHard discards all local changes on the current branch. When
// expectedBranch is non-empty, the reset is refused if a different branch
// is checked out; the caller names what it believes it is resetting.
func (w *Workflow) ResetHard(ctx context.Context, dir, expectedBranch string) error {
	if expectedBranch != "" {
		current, err := w.CurrentBranch(ctx, dir)
		if err != nil {
			return err
		}
		if current != expectedBranch {
			if err := w.CheckoutBranch(ctx, dir, expectedBranch); err != nil {
				return err
			}
		}
	}
	if _, err := w.runner.Run(ctx, dir, "reset", "--hard"); err != nil {
		return fmt.Errorf("failed to hard-reset %s: %w", expectedBranch, err)
	}
	if _, err := w.runner.Run(ctx, dir, "clean", "-fd"); err != nil {
		return fmt.Errorf("failed to clean %s: %w", expectedBranch, err)
	}
	return nil
}

// Pull fast-forwards the current branch from its upstream. Returns true if
// the pull succeeded; callers treat failure as non-fatal.
func (w *Workflow) Pull(ctx context.Context, dir string) (bool, error) {
	if _, err := w.runner.Run(ctx, dir, "pull", "--ff-only"); err != nil {
		return false, fmt.Errorf("pull failed: %w", err)
	}
	return true, nil
}

// CleanupStaleLockFiles removes lock files a killed git process left under
// .git. Missing files are ignored.
func (w *Workflow) CleanupStaleLockFiles(_ context.Context, dir string) error {
	gitDir := filepath.Join(dir, ".git")
	info, err := os.Stat(gitDir)
	if err != nil || !info.IsDir() {
		// Worktrees keep a .git file pointing elsewhere; nothing to clean.
		return nil
	}

	for _, rel := range staleLockFiles {
		path := filepath.Join(gitDir, rel)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.IsDir() {
			entries, err := os.ReadDir(path)
			if err != nil {
				continue
			}
			for _, entry := range entries {
				if strings.HasSuffix(entry.Name(), ".lock") {
					_ = os.Remove(filepath.Join(path, entry.Name()))
				}
			}
			continue
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove lock file %s: %w", path, err)
		}
		w.logger.Info().Str("path", path).Msg("removed stale lock file")
	}
	return nil
}
