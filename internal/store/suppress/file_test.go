package suppress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowThenSuppressWithinWindow(t *testing.T) {
	t.Parallel()
	s, err := OpenFile(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := s.Allow(ctx, "acct-1/conn-issue", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "first alert always passes")

	ok, err = s.Allow(ctx, "acct-1/conn-issue", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "repeat within window is suppressed")

	// A different key has its own throttle.
	ok, err = s.Allow(ctx, "acct-2/conn-issue", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowPassesAfterWindowExpires(t *testing.T) {
	t.Parallel()
	s, err := OpenFile(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := s.Allow(ctx, "k", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	ok, err = s.Allow(ctx, "k", 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResetClearsThrottle(t *testing.T) {
	t.Parallel()
	s, err := OpenFile(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Allow(ctx, "k", time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx, "k"))
	require.NoError(t, s.Reset(ctx, "k"), "reset of absent key is a no-op")

	ok, err := s.Allow(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTableSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenFile(dir)
	require.NoError(t, err)
	_, err = s.Allow(ctx, "k", time.Hour)
	require.NoError(t, err)

	s2, err := OpenFile(dir)
	require.NoError(t, err)

	ok, err := s2.Allow(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "suppression must survive restarts")
}
