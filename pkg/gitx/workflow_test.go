package gitx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetChangedFiles(t *testing.T) {
	runner := NewMockGitRunner()
	runner.SetOutput([]byte(" M main.go\n?? notes.txt\nR  old.go -> new.go\n"), "status", "--porcelain")
	w := NewWorkflow(runner)

	files, err := w.GetChangedFiles(context.Background(), "/repo")
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go", "notes.txt", "new.go"}, files)

	dirty, err := w.HasUncommittedChanges(context.Background(), "/repo")
	require.NoError(t, err)
	assert.True(t, dirty)
}

func TestHasUncommittedChangesClean(t *testing.T) {
	runner := NewMockGitRunner()
	runner.SetOutput([]byte(""), "status", "--porcelain")
	w := NewWorkflow(runner)

	dirty, err := w.HasUncommittedChanges(context.Background(), "/repo")
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestCurrentBranch(t *testing.T) {
	runner := NewMockGitRunner()
	runner.SetOutput([]byte("main\n"), "rev-parse", "--abbrev-ref", "HEAD")
	w := NewWorkflow(runner)

	branch, err := w.CurrentBranch(context.Background(), "/repo")
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
}

func TestIsGitRepo(t *testing.T) {
	runner := NewMockGitRunner()
	runner.SetOutput([]byte("true\n"), "rev-parse", "--is-inside-work-tree")
	w := NewWorkflow(runner)
	assert.True(t, w.IsGitRepo(context.Background(), "/repo"))

	runner.SetError(errors.New("not a git repository"), "rev-parse", "--is-inside-work-tree")
	assert.False(t, w.IsGitRepo(context.Background(), "/repo"))
}

func TestMergeBranchReturnsCommitRef(t *testing.T) {
	runner := NewMockGitRunner()
	runner.SetOutput([]byte("abc123\n"), "rev-parse", "HEAD")
	w := NewWorkflow(runner)

	ref, err := w.MergeBranch(context.Background(), "/repo", "loop/fix", "merge loop/fix")
	require.NoError(t, err)
	assert.Equal(t, "abc123", ref)
	assert.True(t, runner.CalledWith("merge", "--no-ff", "loop/fix", "-m", "merge loop/fix"))
}

func TestPushBranch(t *testing.T) {
	runner := NewMockGitRunner()
	w := NewWorkflow(runner)

	ref, err := w.PushBranch(context.Background(), "/repo", "loop/fix")
	require.NoError(t, err)
	assert.Equal(t, "origin/loop/fix", ref)

	runner.SetError(errors.New("remote rejected"), "push", "-u", "origin", "loop/fix")
	_, err = w.PushBranch(context.Background(), "/repo", "loop/fix")
	assert.Error(t, err)
}

func TestResetHardChecksOutExpectedBranch(t *testing.T) {
	runner := NewMockGitRunner()
	runner.SetOutput([]byte("other\n"), "rev-parse", "--abbrev-ref", "HEAD")
	w := NewWorkflow(runner)

	require.NoError(t, w.ResetHard(context.Background(), "/repo", "loop/fix"))
	assert.True(t, runner.CalledWith("checkout", "loop/fix"))
	assert.True(t, runner.CalledWith("reset", "--hard"))
	assert.True(t, runner.CalledWith("clean", "-fd"))
}

func TestCheckoutBranchWithRetryGivesUpOnOtherErrors(t *testing.T) {
	runner := NewMockGitRunner()
	runner.SetError(errors.New("pathspec did not match"), "checkout", "loop/fix")
	w := NewWorkflow(runner)

	err := w.CheckoutBranchWithRetry(context.Background(), t.TempDir(), "loop/fix", 3, 0)
	require.Error(t, err)
	// Non-lock errors do not retry.
	assert.Len(t, runner.Calls(), 1)
}

func TestCheckoutBranchWithRetryRetriesOnLockContention(t *testing.T) {
	runner := NewMockGitRunner()
	runner.SetError(errors.New("fatal: Unable to create '/repo/.git/index.lock': File exists"), "checkout", "loop/fix")
	w := NewWorkflow(runner)

	err := w.CheckoutBranchWithRetry(context.Background(), t.TempDir(), "loop/fix", 3, 0)
	require.Error(t, err)
	assert.Len(t, runner.Calls(), 3)
	assert.Contains(t, err.Error(), "after 3 attempts")
}
