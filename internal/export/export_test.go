package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/placemerge/placemerge/internal/directory"
	"github.com/placemerge/placemerge/internal/store/memory"
)

type stubClock struct {
	now time.Time
}

func (c *stubClock) Now() time.Time { return c.now }

func TestWriteFileSortsAndCounts(t *testing.T) {
	t.Parallel()

	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, directory.CanonicalBusiness{ID: 3, NormalizedName: "tesco"}))
	require.NoError(t, store.Upsert(ctx, directory.CanonicalBusiness{ID: 1, NormalizedName: "greggs"}))
	require.NoError(t, store.Upsert(ctx, directory.CanonicalBusiness{ID: 2, NormalizedName: "boots", NeedsReview: true}))
	require.NoError(t, store.Upsert(ctx, directory.CanonicalBusiness{ID: 4, NormalizedName: "dup", SupersededBy: 3}))

	clock := &stubClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	path := filepath.Join(t.TempDir(), "snapshot.json")

	snap, err := New(store, clock, zap.NewNop()).WriteFile(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 3, snap.Count)
	require.Equal(t, 1, snap.ReviewCount)
	require.Equal(t, clock.now, snap.GeneratedAt)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var onDisk Snapshot
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Len(t, onDisk.Businesses, 3)
	require.Equal(t, directory.EntityID(1), onDisk.Businesses[0].ID)
	require.Equal(t, directory.EntityID(3), onDisk.Businesses[2].ID)

	// Temp file is cleaned up by the rename.
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}
