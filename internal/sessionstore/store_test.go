package sessionstore

import (
	"context"
	"path/filepath"
	"testing"

	"replaydesk/internal/replay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func sampleSnapshot(id string, updated int64) replay.Snapshot {
	return replay.Snapshot{
		ID:          id,
		Name:        "EURUSD drill",
		Symbol:      "EURUSD",
		Timeframe:   "1h",
		StartDate:   1_700_000_000_000,
		EndDate:     1_700_360_000_000,
		Created:     1_700_000_000_000,
		LastUpdated: updated,
		Positions: []replay.Position{
			{ID: "p1", Type: replay.SideBuy, OrderType: replay.OrderMarket, EntryPrice: 1.1, Size: 0.5, InitialSize: 0.5,
				SL: ptr(1.09), Asset: "EURUSD", Status: replay.StatusOpen, EntryTime: 1_700_003_600_000},
			{ID: "p2", Type: replay.SideSell, OrderType: replay.OrderLimit, EntryPrice: 1.12, Size: 0.2, InitialSize: 0.2,
				Asset: "EURUSD", Status: replay.StatusClosed, EntryTime: 1_700_007_200_000, ExitPrice: ptr(1.11),
				ExitTime: ptr(int64(1_700_010_800_000)), ExitReason: replay.ExitTP, ClosedPnl: 200},
		},
		Balance:        10_200,
		InitialBalance: 10_000,
		Cursor:         1_700_012_000_000,
	}
}

func TestStoreSaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	snap := sampleSnapshot("s1", 1_700_100_000_000)

	require.NoError(t, s.Save(ctx, snap))
	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestStoreSaveUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	snap := sampleSnapshot("s1", 1_700_100_000_000)
	require.NoError(t, s.Save(ctx, snap))

	snap.Positions = snap.Positions[:1]
	snap.Balance = 9_900
	snap.LastUpdated++
	require.NoError(t, s.Save(ctx, snap))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.Positions, 1)
	assert.Equal(t, 9_900.0, got.Balance)

	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStoreLoadAllNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleSnapshot("old", 100)))
	require.NoError(t, s.Save(ctx, sampleSnapshot("new", 300)))
	require.NoError(t, s.Save(ctx, sampleSnapshot("mid", 200)))

	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, snap := range all {
		ids = append(ids, snap.ID)
	}
	assert.Equal(t, []string{"new", "mid", "old"}, ids)
}

func TestStoreEmptyPositionsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	snap := sampleSnapshot("s1", 1)
	snap.Positions = nil
	require.NoError(t, s.Save(ctx, snap))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.NotNil(t, got.Positions)
	assert.Empty(t, got.Positions)
}

func TestStoreDeleteAndNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleSnapshot("s1", 1)))

	require.NoError(t, s.Delete(ctx, "s1"))
	_, err := s.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "s1"), ErrNotFound)
}

func TestStoreRejectsEmptyID(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.Save(context.Background(), replay.Snapshot{}))
	_, err := NewStore(" ")
	assert.Error(t, err)
}
