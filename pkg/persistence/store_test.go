package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"looper/pkg/loop"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := InitializeDatabase(filepath.Join(t.TempDir(), "looper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func testLoop(directory string) *loop.Loop {
	return &loop.Loop{
		Config: loop.Config{
			ID:        loop.GenerateID(),
			Name:      "test loop",
			Directory: directory,
			Prompt:    "do the thing",
			CreatedAt: time.Now().UTC(),
			Git:       loop.GitNaming{BranchPrefix: "loop/", CommitPrefix: "loop: "},
		},
		State: loop.State{Status: loop.StatusIdle},
	}
}

func TestSaveAndLoadLoop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	l := testLoop("/repo")
	l.State.Git = &loop.GitState{OriginalBranch: "main", WorkingBranch: "loop/test-loop"}
	require.NoError(t, store.SaveLoop(ctx, l))

	loaded, err := store.LoadLoop(ctx, l.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, l.Config.Name, loaded.Config.Name)
	assert.Equal(t, loop.StatusIdle, loaded.State.Status)
	require.NotNil(t, loaded.State.Git)
	assert.Equal(t, "main", loaded.State.Git.OriginalBranch)

	_, err = store.LoadLoop(ctx, "missing")
	assert.ErrorIs(t, err, ErrLoopNotFound)
}

func TestUpdateLoopState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	l := testLoop("/repo")
	require.NoError(t, store.SaveLoop(ctx, l))

	l.State.Status = loop.StatusRunning
	l.State.Iterations = 3
	require.NoError(t, store.UpdateLoopState(ctx, l.Config.ID, &l.State))

	loaded, err := store.LoadLoop(ctx, l.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, loop.StatusRunning, loaded.State.Status)
	assert.Equal(t, 3, loaded.State.Iterations)

	err = store.UpdateLoopState(ctx, "missing", &l.State)
	assert.ErrorIs(t, err, ErrLoopNotFound)
}

func TestGetActiveLoopByDirectory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	active := testLoop("/repo")
	active.State.Status = loop.StatusRunning
	require.NoError(t, store.SaveLoop(ctx, active))

	terminal := testLoop("/repo")
	terminal.State.Status = loop.StatusMerged
	require.NoError(t, store.SaveLoop(ctx, terminal))

	other := testLoop("/other")
	require.NoError(t, store.SaveLoop(ctx, other))

	// Found: another active loop in the same directory.
	found, err := store.GetActiveLoopByDirectory(ctx, "/repo", "some-other-id")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, active.Config.ID, found.Config.ID)

	// The loop itself is excluded from the check.
	found, err = store.GetActiveLoopByDirectory(ctx, "/repo", active.Config.ID)
	require.NoError(t, err)
	assert.Nil(t, found)

	// Directories without active loops return nil.
	found, err = store.GetActiveLoopByDirectory(ctx, "/elsewhere", "x")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestResetStaleLoops(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	running := testLoop("/a")
	running.State.Status = loop.StatusRunning
	require.NoError(t, store.SaveLoop(ctx, running))

	planning := testLoop("/b")
	planning.State.Status = loop.StatusPlanning
	require.NoError(t, store.SaveLoop(ctx, planning))

	merged := testLoop("/c")
	merged.State.Status = loop.StatusMerged
	require.NoError(t, store.SaveLoop(ctx, merged))

	count, err := store.ResetStaleLoops(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	loaded, err := store.LoadLoop(ctx, running.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, loop.StatusStopped, loaded.State.Status)

	// Planning loops are reconnectable and stay untouched.
	loaded, err = store.LoadLoop(ctx, planning.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, loop.StatusPlanning, loaded.State.Status)
}

func TestReviewComments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	l := testLoop("/repo")
	require.NoError(t, store.SaveLoop(ctx, l))

	first := &loop.ReviewComment{LoopID: l.Config.ID, ReviewCycle: 1, Comment: "fix X"}
	require.NoError(t, store.InsertReviewComment(ctx, first))
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, loop.CommentStatusPending, first.Status)

	second := &loop.ReviewComment{LoopID: l.Config.ID, ReviewCycle: 2, Comment: "fix Y"}
	require.NoError(t, store.InsertReviewComment(ctx, second))

	comments, err := store.ListReviewComments(ctx, l.Config.ID)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "fix X", comments[0].Comment)
	assert.Equal(t, 1, comments[0].ReviewCycle)
	assert.Equal(t, 2, comments[1].ReviewCycle)
}

func TestDeleteLoop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	l := testLoop("/repo")
	require.NoError(t, store.SaveLoop(ctx, l))
	require.NoError(t, store.DeleteLoop(ctx, l.Config.ID))

	_, err := store.LoadLoop(ctx, l.Config.ID)
	assert.ErrorIs(t, err, ErrLoopNotFound)

	assert.ErrorIs(t, store.DeleteLoop(ctx, l.Config.ID), ErrLoopNotFound)
}
