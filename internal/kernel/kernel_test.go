package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKernelLifecycle(t *testing.T) {
	dir := t.TempDir()

	k, err := New(dir)
	require.NoError(t, err)
	defer k.Close(context.Background())

	require.NotNil(t, k.Store)
	require.NotNil(t, k.Orchestrator)
	require.NotNil(t, k.Sessions)
	assert.Nil(t, k.Recorder, "metrics are disabled by default")

	require.NoError(t, k.Start(context.Background()))
	assert.Error(t, k.Start(context.Background()), "double start must fail")

	loops, err := k.Orchestrator.GetAllLoops(context.Background())
	require.NoError(t, err)
	assert.Empty(t, loops)

	k.Close(context.Background())
	// Close is idempotent on an already-closed kernel's orchestrator.
	k.Close(context.Background())
}

func TestKernelCreatesDatabaseDirectory(t *testing.T) {
	dir := t.TempDir()

	k, err := New(dir)
	require.NoError(t, err)
	defer k.Close(context.Background())

	assert.FileExists(t, dir+"/.looper/looper.db")
}
