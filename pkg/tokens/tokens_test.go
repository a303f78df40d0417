package tokens

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCount(t *testing.T) {
	counter, err := NewCounter()
	require.NoError(t, err)

	assert.Equal(t, 0, counter.Count(""))
	assert.Greater(t, counter.Count("implement the retry logic described in the plan"), 0)
}

func TestCountNilCounterFallsBack(t *testing.T) {
	var counter *Counter
	assert.Equal(t, 10, counter.Count(strings.Repeat("x", 40)))
}

func TestWithinLimit(t *testing.T) {
	counter, err := NewCounter()
	require.NoError(t, err)

	assert.True(t, counter.WithinLimit("short prompt", 100))
	assert.False(t, counter.WithinLimit(strings.Repeat("word ", 500), 10))
}

func TestTruncate(t *testing.T) {
	counter, err := NewCounter()
	require.NoError(t, err)

	short := "already fits"
	assert.Equal(t, short, counter.Truncate(short, 100))

	long := strings.Repeat("alpha beta gamma ", 200)
	truncated := counter.Truncate(long, 50)
	assert.Less(t, len(truncated), len(long))
	assert.True(t, strings.HasSuffix(truncated, "..."))
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	counter, err := NewCounter()
	require.NoError(t, err)

	long := strings.Repeat("héllo wörld größe ", 300)
	truncated := counter.Truncate(long, 40)
	assert.Less(t, len(truncated), len(long))
	assert.True(t, utf8.ValidString(truncated))
	assert.True(t, strings.HasSuffix(truncated, "..."))
}
