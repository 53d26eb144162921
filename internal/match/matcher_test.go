package match

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/placemerge/placemerge/internal/directory"
	"github.com/placemerge/placemerge/internal/taxonomy"
)

func newTestMatcher(t *testing.T) *Matcher {
	t.Helper()
	return New(taxonomy.Default(), DefaultConfig(), zap.NewNop())
}

func TestNameSimilarity(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1.0, NameSimilarity("tesco express", "tesco express"))
	require.Equal(t, 0.0, NameSimilarity("", "tesco"))
	require.Equal(t, 0.0, NameSimilarity("boots", "fabric"))

	// Typos within the fuzzy threshold still count as the same token.
	require.InDelta(t, 1.0, NameSimilarity("tesco expres", "tesco express"), 0.001)

	// Containment earns the bonus: one token shared of two, plus 0.35.
	require.InDelta(t, 0.85, NameSimilarity("tesco express", "tesco holdings plc sw1a branch"), 0.001)
}

func TestProximity(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1.0, Proximity(51.5074, -0.1278, 51.5074, -0.1278))
	require.Equal(t, 0.0, Proximity(51.5074, -0.1278, 51.5200, -0.1278))

	// ~111m north: inside the linear decay band.
	mid := Proximity(51.5074, -0.1278, 51.5084, -0.1278)
	require.Greater(t, mid, 0.0)
	require.Less(t, mid, 1.0)
}

// A convenience-store sighting must merge into the registry entity for
// the same brand at the same spot even though the registry name carries
// legal and branch noise.
func TestMatchMergesBranchNoisyNames(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	obs := directory.RawObservation{
		SourceID:       "osm",
		SourceRef:      "node/1",
		NormalizedName: "tesco express",
		Coords:         &directory.Coordinates{Latitude: 51.50740, Longitude: -0.12780},
	}
	cand := directory.CanonicalBusiness{
		ID:             7,
		NormalizedName: "tesco holdings plc sw1a branch",
		Coords:         &directory.Coordinates{Latitude: 51.50742, Longitude: -0.12781},
	}

	decision := m.Match(obs, []directory.CanonicalBusiness{cand})
	require.Equal(t, directory.ActionMerge, decision.Action)
	require.Equal(t, directory.EntityID(7), decision.Candidate)
	require.GreaterOrEqual(t, decision.Score, 0.80)
}

// Different businesses sharing an address (a pharmacy below a
// nightclub) must not merge on proximity alone.
func TestMatchRejectsCoLocatedDifferentBusinesses(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	obs := directory.RawObservation{
		SourceID:       "osm",
		SourceRef:      "node/2",
		NormalizedName: "boots pharmacy",
		CategoryCode:   "pharmacy",
		Coords:         &directory.Coordinates{Latitude: 51.5074, Longitude: -0.1278},
	}
	cand := directory.CanonicalBusiness{
		ID:             3,
		NormalizedName: "fabric",
		CategoryCode:   "nightclub",
		Coords:         &directory.Coordinates{Latitude: 51.5074, Longitude: -0.1278},
	}

	decision := m.Match(obs, []directory.CanonicalBusiness{cand})
	require.Equal(t, directory.ActionCreate, decision.Action)
}

// Equal scores resolve to the lowest entity ID so repeated runs are
// deterministic.
func TestMatchTieBreaksOnLowestID(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	obs := directory.RawObservation{
		NormalizedName: "greggs",
		Coords:         &directory.Coordinates{Latitude: 51.5074, Longitude: -0.1278},
	}
	twin := func(id directory.EntityID) directory.CanonicalBusiness {
		return directory.CanonicalBusiness{
			ID:             id,
			NormalizedName: "greggs",
			Coords:         &directory.Coordinates{Latitude: 51.5074, Longitude: -0.1278},
		}
	}

	decision := m.Match(obs, []directory.CanonicalBusiness{twin(9), twin(4), twin(12)})
	require.Equal(t, directory.ActionMerge, decision.Action)
	require.Equal(t, directory.EntityID(4), decision.Candidate)
}

// Review-flagged entities never auto-absorb new observations.
func TestMatchNeverMergesIntoReviewEntity(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	obs := directory.RawObservation{
		NormalizedName: "greggs",
		Coords:         &directory.Coordinates{Latitude: 51.5074, Longitude: -0.1278},
	}
	cand := directory.CanonicalBusiness{
		ID:             5,
		NormalizedName: "greggs",
		NeedsReview:    true,
		Coords:         &directory.Coordinates{Latitude: 51.5074, Longitude: -0.1278},
	}

	decision := m.Match(obs, []directory.CanonicalBusiness{cand})
	require.Equal(t, directory.ActionReview, decision.Action)
	require.Equal(t, directory.EntityID(5), decision.Candidate)
}

func TestMatchIgnoresSupersededCandidates(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	obs := directory.RawObservation{NormalizedName: "greggs"}
	cand := directory.CanonicalBusiness{
		ID:             2,
		NormalizedName: "greggs",
		SupersededBy:   6,
	}

	decision := m.Match(obs, []directory.CanonicalBusiness{cand})
	require.Equal(t, directory.ActionCreate, decision.Action)
}

func TestMatchNoCandidatesCreates(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	decision := m.Match(directory.RawObservation{NormalizedName: "greggs"}, nil)
	require.Equal(t, directory.ActionCreate, decision.Action)
	require.Zero(t, decision.Candidate)
}
