package geocode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/placemerge/placemerge/internal/directory"
)

func TestStaticResolvesPostcode(t *testing.T) {
	t.Parallel()

	g := NewStatic(map[string]directory.Coordinates{
		"sw1a 1aa": {Latitude: 51.5010, Longitude: -0.1416},
	})

	coords, err := g.Geocode(context.Background(), "Buckingham Palace, London SW1A 1AA")
	require.NoError(t, err)
	require.NotNil(t, coords)
	require.InDelta(t, 51.5010, coords.Latitude, 1e-9)
	require.Equal(t, directory.CoordsGeocoded, coords.Origin)
}

func TestStaticMissIsNilNil(t *testing.T) {
	t.Parallel()

	g := NewStatic(nil)

	coords, err := g.Geocode(context.Background(), "no postcode here")
	require.NoError(t, err)
	require.Nil(t, coords)

	coords, err = g.Geocode(context.Background(), "somewhere EC2A 4DP")
	require.NoError(t, err)
	require.Nil(t, coords)
}

func TestStaticAdd(t *testing.T) {
	t.Parallel()

	g := NewStatic(nil)
	g.Add("EC2A 4DP", directory.Coordinates{Latitude: 51.5233, Longitude: -0.0825})

	coords, err := g.Geocode(context.Background(), "Shoreditch EC2A 4DP")
	require.NoError(t, err)
	require.NotNil(t, coords)
	require.Equal(t, directory.CoordsGeocoded, coords.Origin)
}

type slowGeocoder struct{}

func (slowGeocoder) Geocode(ctx context.Context, _ string) (*directory.Coordinates, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTimeoutSurfacesGeocodeTimeout(t *testing.T) {
	t.Parallel()

	g := NewTimeout(slowGeocoder{}, 10*time.Millisecond, zap.NewNop())
	_, err := g.Geocode(context.Background(), "12 High Street SW1A 1AA")
	require.ErrorIs(t, err, directory.ErrGeocodeTimeout)
}

func TestTimeoutPassesThroughResults(t *testing.T) {
	t.Parallel()

	inner := NewStatic(map[string]directory.Coordinates{
		"SW1A 1AA": {Latitude: 51.5010, Longitude: -0.1416},
	})
	g := NewTimeout(inner, time.Second, zap.NewNop())

	coords, err := g.Geocode(context.Background(), "London SW1A 1AA")
	require.NoError(t, err)
	require.NotNil(t, coords)
	require.InDelta(t, 51.5010, coords.Latitude, 1e-9)
}
