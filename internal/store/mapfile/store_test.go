package mapfile

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyrig/copyrig/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, 0, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testMapping(srcPos, dstPos string) domain.Mapping {
	return domain.Mapping{
		SourceAccount:  "src-1",
		SourcePosition: srcPos,
		DestAccount:    "dst-1",
		DestPosition:   dstPos,
		RouteID:        "route-1",
		Symbol:         "EURUSD",
		Side:           domain.SideLong,
		Volume:         decimal.RequireFromString("0.20"),
		OpenedAt:       time.Now().UTC().Truncate(time.Second),
		Status:         domain.MappingActive,
		LastSeen:       time.Now().UTC(),
	}
}

func TestPutAndGetBySource(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()

	m := testMapping("p1", "d1")
	require.NoError(t, s.Put(ctx, m))

	got, err := s.GetBySource(ctx, "src-1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "d1", got.DestPosition)
	assert.True(t, got.Volume.Equal(m.Volume))
}

func TestPutRejectsDuplicateActiveMapping(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testMapping("p1", "d1")))

	err := s.Put(ctx, testMapping("p1", "d2"))
	require.ErrorIs(t, err, domain.ErrDuplicateMapping)

	// The original mapping is untouched.
	got, err := s.GetBySource(ctx, "src-1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "d1", got.DestPosition)
}

func TestPutAllowsReuseAfterClose(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testMapping("p1", "d1")))
	require.NoError(t, s.MarkClosed(ctx, "src-1", "p1"))

	// Same source key may map again once the previous link is closed.
	require.NoError(t, s.Put(ctx, testMapping("p1", "d2")))

	got, err := s.GetBySource(ctx, "src-1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "d2", got.DestPosition)
}

func TestMarkClosedIsIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testMapping("p1", "d1")))
	require.NoError(t, s.MarkClosed(ctx, "src-1", "p1"))
	require.NoError(t, s.MarkClosed(ctx, "src-1", "p1"))

	_, err := s.GetBySource(ctx, "src-1", "p1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = s.MarkClosed(ctx, "src-1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetByDestTracksActiveMappingsOnly(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testMapping("p1", "d1")))

	got, err := s.GetByDest(ctx, "dst-1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.SourcePosition)

	require.NoError(t, s.MarkClosed(ctx, "src-1", "p1"))
	_, err = s.GetByDest(ctx, "dst-1", "d1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListActiveForRouteOrdersByOpenTime(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()

	older := testMapping("p1", "d1")
	older.OpenedAt = time.Now().UTC().Add(-time.Hour)
	newer := testMapping("p2", "d2")

	require.NoError(t, s.Put(ctx, newer))
	require.NoError(t, s.Put(ctx, older))

	other := testMapping("p3", "d3")
	other.RouteID = "route-2"
	require.NoError(t, s.Put(ctx, other))

	list, err := s.ListActiveForRoute(ctx, "route-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "p1", list[0].SourcePosition)
	assert.Equal(t, "p2", list[1].SourcePosition)
}

func TestDeleteRemovesMapping(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testMapping("p1", "d1")))
	require.NoError(t, s.Delete(ctx, "src-1", "p1"))

	_, err := s.GetBySource(ctx, "src-1", "p1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetByDest(ctx, "dst-1", "d1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = s.Delete(ctx, "src-1", "p1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReopenRebuildsIndex(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, 0, testLogger())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, testMapping("p1", "d1")))
	require.NoError(t, s.Put(ctx, testMapping("p2", "d2")))
	require.NoError(t, s.MarkClosed(ctx, "src-1", "p1"))
	require.NoError(t, s.Close())

	s2 := openTestStore(t, dir)

	_, err = s2.GetBySource(ctx, "src-1", "p1")
	assert.ErrorIs(t, err, domain.ErrNotFound, "closed mapping must stay closed across restart")

	got, err := s2.GetBySource(ctx, "src-1", "p2")
	require.NoError(t, err)
	assert.Equal(t, "d2", got.DestPosition)

	// Uniqueness survives the restart too.
	err = s2.Put(ctx, testMapping("p2", "d9"))
	assert.ErrorIs(t, err, domain.ErrDuplicateMapping)
}

func TestSegmentRotationKeepsHistoryReadable(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	// A tiny segment budget forces rotation after nearly every record.
	s, err := Open(dir, 256, testLogger())
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		m := testMapping("p"+string(rune('0'+i)), "d"+string(rune('0'+i)))
		require.NoError(t, s.Put(ctx, m))
	}
	require.NoError(t, s.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Greater(t, len(entries), 1, "rotation should leave multiple segments")

	s2 := openTestStore(t, dir)
	list, err := s2.ListActiveForRoute(ctx, "route-1")
	require.NoError(t, err)
	assert.Len(t, list, 8)
}

func TestReplaySkipsTornTailLine(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, 0, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, testMapping("p1", "d1")))
	require.NoError(t, s.Close())

	// Simulate a crash mid-append: a truncated JSON line at the tail.
	f, err := os.OpenFile(filepath.Join(dir, activeSegment), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"op":"put","mapping":{"sourceAccount":"src-1","sour`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2 := openTestStore(t, dir)
	got, err := s2.GetBySource(ctx, "src-1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "d1", got.DestPosition)
}
