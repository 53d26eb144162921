package merge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/placemerge/placemerge/internal/directory"
	"github.com/placemerge/placemerge/internal/store/memory"
)

type stubClock struct {
	now time.Time
}

func (c *stubClock) Now() time.Time { return c.now }

func testSources() map[string]directory.SourceInfo {
	return map[string]directory.SourceInfo{
		"companies-house": {ID: "companies-house", Domain: "find-and-update.company-information.service.gov.uk", Kind: directory.SourceRegistry},
		"osm":             {ID: "osm", Domain: "openstreetmap.org", Kind: directory.SourceListing},
		"yell":            {ID: "yell", Domain: "yell.com", Kind: directory.SourceAggregator},
	}
}

func newTestEngine(t *testing.T) (*Engine, *memory.Store, *stubClock) {
	t.Helper()
	store := memory.New()
	clock := &stubClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(store, testSources(), clock, zap.NewNop()), store, clock
}

func obsFrom(source, ref, name string) directory.RawObservation {
	return directory.RawObservation{
		SourceID:       source,
		SourceRef:      ref,
		ObservedName:   name,
		NormalizedName: name,
		ContentHash:    "hash-" + source + "-" + ref,
		FetchedAt:      time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestCreateAssignsIDAndSighting(t *testing.T) {
	t.Parallel()

	e, store, clock := newTestEngine(t)
	ctx := context.Background()

	obs := obsFrom("osm", "node/1", "greggs")
	obs.Rating = &directory.Rating{Value: 4.2, ReviewCount: 10}

	b, err := e.Create(ctx, obs, false)
	require.NoError(t, err)
	require.Equal(t, directory.EntityID(1), b.ID)
	require.Equal(t, "greggs", b.DisplayName)
	require.Equal(t, clock.now, b.CreatedAt)
	require.Equal(t, "hash-osm-node/1", b.Sightings["osm/node/1"])
	require.InDelta(t, 4.2, b.Rating.Value, 0.001)
	require.False(t, b.NeedsReview)

	id, ok, err := store.BySighting(ctx, "osm/node/1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b.ID, id)
}

func TestMergeIdempotentOnUnchangedContent(t *testing.T) {
	t.Parallel()

	e, _, clock := newTestEngine(t)
	ctx := context.Background()

	obs := obsFrom("osm", "node/1", "greggs")
	b, err := e.Create(ctx, obs, false)
	require.NoError(t, err)

	clock.now = clock.now.Add(time.Hour)
	obs.ObservedName = "greggs bakery" // same hash, so content is taken as unchanged
	merged, err := e.Merge(ctx, b.ID, obs)
	require.NoError(t, err)

	require.Equal(t, "greggs", merged.DisplayName)
	require.Equal(t, clock.now, merged.LastUpdated)
	require.Equal(t, b.CreatedAt, merged.CreatedAt)
}

func TestMergePrefersSpecificName(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	b, err := e.Create(ctx, obsFrom("osm", "node/1", "tesco"), false)
	require.NoError(t, err)

	longer := obsFrom("yell", "biz/9", "tesco express")
	merged, err := e.Merge(ctx, b.ID, longer)
	require.NoError(t, err)
	require.Equal(t, "tesco express", merged.DisplayName)
	require.Contains(t, merged.AlternateNames, "tesco")

	// A registry legal name never displaces a street-level name.
	legal := obsFrom("companies-house", "co/1", "tesco holdings")
	merged, err = e.Merge(ctx, b.ID, legal)
	require.NoError(t, err)
	require.Equal(t, "tesco express", merged.DisplayName)
	require.Contains(t, merged.AlternateNames, "tesco holdings")
}

func TestMergeRejectsAddressRegression(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	precise := obsFrom("osm", "node/1", "greggs")
	precise.AddressText = "12 high street london sw1a 1aa"
	precise.Postcode = "SW1A 1AA"
	b, err := e.Create(ctx, precise, false)
	require.NoError(t, err)

	vague := obsFrom("yell", "biz/2", "greggs")
	vague.AddressText = "london"
	merged, err := e.Merge(ctx, b.ID, vague)
	require.NoError(t, err)

	require.Equal(t, "SW1A 1AA", merged.Address.Postcode)
	require.Equal(t, "12 high street london sw1a 1aa", merged.Address.Text)
}

func TestMergeCoordsPrecisionMonotonic(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	geocoded := obsFrom("yell", "biz/1", "greggs")
	geocoded.Coords = &directory.Coordinates{Latitude: 51.5, Longitude: -0.12, Origin: directory.CoordsGeocoded}
	b, err := e.Create(ctx, geocoded, false)
	require.NoError(t, err)

	direct := obsFrom("osm", "node/1", "greggs")
	direct.Coords = &directory.Coordinates{Latitude: 51.5074, Longitude: -0.1278, Origin: directory.CoordsDirect}
	merged, err := e.Merge(ctx, b.ID, direct)
	require.NoError(t, err)
	require.Equal(t, directory.CoordsDirect, merged.Coords.Origin)
	require.InDelta(t, 51.5074, merged.Coords.Latitude, 1e-9)

	// A later geocoded point must not displace the direct one.
	again := obsFrom("yell", "biz/1", "greggs")
	again.ContentHash = "hash-changed"
	again.Coords = &directory.Coordinates{Latitude: 51.49, Longitude: -0.13, Origin: directory.CoordsGeocoded}
	merged, err = e.Merge(ctx, b.ID, again)
	require.NoError(t, err)
	require.Equal(t, directory.CoordsDirect, merged.Coords.Origin)
	require.InDelta(t, 51.5074, merged.Coords.Latitude, 1e-9)
}

func TestMergeHoursPerDayRecency(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	older := obsFrom("osm", "node/1", "greggs")
	older.FetchedAt = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	older.OpeningHours = map[string]string{"mon": "08:00-17:00", "tue": "08:00-17:00"}
	b, err := e.Create(ctx, older, false)
	require.NoError(t, err)

	newer := obsFrom("yell", "biz/2", "greggs")
	newer.FetchedAt = time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	newer.OpeningHours = map[string]string{"mon": "09:00-18:00", "sat": "10:00-16:00"}
	merged, err := e.Merge(ctx, b.ID, newer)
	require.NoError(t, err)

	require.Equal(t, "09:00-18:00", merged.OpeningHours["mon"])
	require.Equal(t, "08:00-17:00", merged.OpeningHours["tue"])
	require.Equal(t, "10:00-16:00", merged.OpeningHours["sat"])

	stale := obsFrom("osm", "node/1", "greggs")
	stale.ContentHash = "hash-osm-later"
	stale.FetchedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stale.OpeningHours = map[string]string{"mon": "07:00-12:00"}
	merged, err = e.Merge(ctx, b.ID, stale)
	require.NoError(t, err)
	require.Equal(t, "09:00-18:00", merged.OpeningHours["mon"])
}

func TestMergeRatingIsWeightedMean(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	first := obsFrom("osm", "node/1", "greggs")
	first.Rating = &directory.Rating{Value: 4.0, ReviewCount: 100}
	b, err := e.Create(ctx, first, false)
	require.NoError(t, err)

	second := obsFrom("yell", "biz/2", "greggs")
	second.Rating = &directory.Rating{Value: 3.0, ReviewCount: 300}
	merged, err := e.Merge(ctx, b.ID, second)
	require.NoError(t, err)

	// (4*100 + 3*300) / 400
	require.InDelta(t, 3.25, merged.Rating.Value, 0.001)
	require.InDelta(t, 400, merged.Rating.Weight, 0.001)
}

func TestConfidenceGrowsWithCorroboration(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	b, err := e.Create(ctx, obsFrom("osm", "node/1", "greggs"), false)
	require.NoError(t, err)
	single := b.Confidence

	merged, err := e.Merge(ctx, b.ID, obsFrom("yell", "biz/2", "greggs"))
	require.NoError(t, err)
	require.Greater(t, merged.Confidence, single)
	require.LessOrEqual(t, merged.Confidence, 1.0)
}

func TestUnifyTombstonesAndForwards(t *testing.T) {
	t.Parallel()

	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	first := obsFrom("osm", "node/1", "tesco express")
	first.Rating = &directory.Rating{Value: 4.0, ReviewCount: 10}
	a, err := e.Create(ctx, first, false)
	require.NoError(t, err)

	second := obsFrom("companies-house", "co/9", "tesco")
	second.Rating = &directory.Rating{Value: 5.0, ReviewCount: 10}
	b, err := e.Create(ctx, second, false)
	require.NoError(t, err)

	merged, err := e.Unify(ctx, b.ID, a.ID)
	require.NoError(t, err)
	require.Equal(t, b.ID, merged.ID)
	require.Len(t, merged.Sightings, 2)
	require.InDelta(t, 4.5, merged.Rating.Value, 0.001)

	tombstone, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, tombstone.Superseded())
	require.Equal(t, b.ID, tombstone.SupersededBy)

	// Absorbed sightings resolve to the survivor, not the tombstone.
	id, known, err := store.BySighting(ctx, "osm/node/1")
	require.NoError(t, err)
	require.True(t, known)
	require.Equal(t, b.ID, id)

	// Merges addressed to the tombstone land on the survivor.
	late := obsFrom("yell", "biz/3", "tesco express")
	out, err := e.Merge(ctx, a.ID, late)
	require.NoError(t, err)
	require.Equal(t, b.ID, out.ID)
	require.Len(t, out.Sightings, 3)
}

func TestUnifySelfIsError(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t)
	_, err := e.Unify(context.Background(), 3, 3)
	require.Error(t, err)
}

func TestSetDescriptionFollowsForwardingAndKeepsExisting(t *testing.T) {
	t.Parallel()

	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := e.Create(ctx, obsFrom("osm", "node/1", "greggs"), false)
	require.NoError(t, err)
	b, err := e.Create(ctx, obsFrom("yell", "biz/2", "greggs"), false)
	require.NoError(t, err)
	_, err = e.Unify(ctx, a.ID, b.ID)
	require.NoError(t, err)

	require.NoError(t, e.SetDescription(ctx, a.ID, "a bakery chain"))

	survivor, err := store.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, "a bakery chain", survivor.Description)

	require.NoError(t, e.SetDescription(ctx, b.ID, "something else"))
	survivor, err = store.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, "a bakery chain", survivor.Description)
}

func TestMergeMissingEntity(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t)
	_, err := e.Merge(context.Background(), 42, obsFrom("osm", "node/1", "greggs"))
	require.Error(t, err)
}

func TestMergeCoordsRegressionIsRejectedConflict(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	store := memory.New()
	clock := &stubClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	e := New(store, testSources(), clock, zap.New(core))
	ctx := context.Background()

	direct := obsFrom("osm", "node/1", "greggs")
	direct.Coords = &directory.Coordinates{Latitude: 51.5074, Longitude: -0.1278, Origin: directory.CoordsDirect}
	b, err := e.Create(ctx, direct, false)
	require.NoError(t, err)

	geocoded := obsFrom("yell", "biz/1", "greggs")
	geocoded.Coords = &directory.Coordinates{Latitude: 51.49, Longitude: -0.13, Origin: directory.CoordsGeocoded}
	merged, err := e.Merge(ctx, b.ID, geocoded)
	require.NoError(t, err)
	require.Equal(t, directory.CoordsDirect, merged.Coords.Origin)
	require.InDelta(t, 51.5074, merged.Coords.Latitude, 1e-9)

	// The dropped write surfaces as a conflict, not silently.
	entries := logs.FilterMessage("merge conflict rejected").All()
	require.Len(t, entries, 1)
}
