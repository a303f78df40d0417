package exec

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	e := NewLocalExec()
	ctx := context.Background()

	result, err := e.Run(ctx, []string{"sh", "-c", "echo out; echo err >&2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "out\n", result.Stdout)
	assert.Equal(t, "err\n", result.Stderr)

	result, err = e.Run(ctx, []string{"sh", "-c", "exit 3"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
}

func TestRunRejectsEmptyCommandAndMissingWorkDir(t *testing.T) {
	e := NewLocalExec()
	ctx := context.Background()

	_, err := e.Run(ctx, nil, nil)
	assert.Error(t, err)

	_, err = e.Run(ctx, []string{"true"}, &Opts{WorkDir: "/does/not/exist"})
	assert.Error(t, err)
}

func TestFilesystemQueries(t *testing.T) {
	e := NewLocalExec()
	ctx := context.Background()
	dir := t.TempDir()

	file := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	exists, err := e.DirectoryExists(ctx, dir)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = e.DirectoryExists(ctx, file)
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = e.FileExists(ctx, file)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = e.FileExists(ctx, filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, exists)

	names, err := e.ListDirectory(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, names)

	require.NoError(t, e.RemoveAll(ctx, file))
	exists, err = e.FileExists(ctx, file)
	require.NoError(t, err)
	assert.False(t, exists)
}
