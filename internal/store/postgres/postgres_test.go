package postgres

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/placemerge/placemerge/internal/directory"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestGetDecodesDocument(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	want := directory.CanonicalBusiness{ID: 7, DisplayName: "Greggs", NormalizedName: "greggs"}
	doc, err := json.Marshal(want)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT doc FROM businesses WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(doc))

	got, err := store.Get(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, want.DisplayName, got.DisplayName)
	require.Equal(t, want.ID, got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingIsNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT doc FROM businesses WHERE id").
		WithArgs(int64(9)).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), 9)
	require.ErrorIs(t, err, directory.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertWritesDocumentAndSightings(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	b := directory.CanonicalBusiness{
		ID:             3,
		DisplayName:    "Greggs",
		NormalizedName: "greggs",
		Address:        directory.Address{Postcode: "SW1A 1AA"},
		Sightings:      map[string]string{"osm/node/1": "h1"},
	}

	mock.ExpectExec("INSERT INTO businesses").
		WithArgs(int64(3), pgxmock.AnyArg(), false, int64(0), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO sightings").
		WithArgs("osm/node/1", int64(3)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Upsert(context.Background(), b))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSupersededClearsBucket(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	b := directory.CanonicalBusiness{
		ID:             3,
		NormalizedName: "greggs",
		Address:        directory.Address{Postcode: "SW1A 1AA"},
		SupersededBy:   8,
		Sightings:      map[string]string{"osm/node/1": "hash-osm-1"},
	}

	// Only the document row is written; the tombstone's sighting keys
	// must not be remapped away from the surviving entity.
	mock.ExpectExec("INSERT INTO businesses").
		WithArgs(int64(3), pgxmock.AnyArg(), false, int64(8), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Upsert(context.Background(), b))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryBucketScansIDs(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id FROM businesses WHERE bucket_key").
		WithArgs("p:SW1A").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(2)).AddRow(int64(5)))

	ids, err := store.QueryBucket(context.Background(), "p:SW1A")
	require.NoError(t, err)
	require.Equal(t, []directory.EntityID{2, 5}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextIDReadsSequence(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT nextval").
		WillReturnRows(pgxmock.NewRows([]string{"nextval"}).AddRow(int64(42)))

	id, err := store.NextID(context.Background())
	require.NoError(t, err)
	require.Equal(t, directory.EntityID(42), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBySighting(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT entity_id FROM sightings").
		WithArgs("osm/node/1").
		WillReturnRows(pgxmock.NewRows([]string{"entity_id"}).AddRow(int64(6)))
	mock.ExpectQuery("SELECT entity_id FROM sightings").
		WithArgs("osm/node/2").
		WillReturnError(pgx.ErrNoRows)

	id, ok, err := store.BySighting(context.Background(), "osm/node/1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, directory.EntityID(6), id)

	_, ok, err = store.BySighting(context.Background(), "osm/node/2")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListReviewDecodesRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	doc, err := json.Marshal(directory.CanonicalBusiness{ID: 4, NormalizedName: "boots", NeedsReview: true})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT doc FROM businesses WHERE superseded_by = 0 AND needs_review").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(doc))

	out, err := store.ListReview(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, directory.EntityID(4), out[0].ID)
	require.True(t, out[0].NeedsReview)
	require.NoError(t, mock.ExpectationsWereMet())
}
