// Package block computes blocking keys that partition observations and
// entities into small candidate buckets, avoiding pairwise comparison
// across the whole corpus. Keys degrade gracefully: geocell when
// coordinates exist, postcode district when the address parsed, name
// first-token as a last resort.
package block

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/placemerge/placemerge/internal/directory"
	"github.com/placemerge/placemerge/internal/normalize"
)

// cellDegrees is the geocell edge in degrees of latitude, roughly 110m.
// Longitude cells are narrower at UK latitudes, which only makes
// buckets smaller, never misses neighbors thanks to the ring expansion
// in CandidateKeys.
const cellDegrees = 0.001

// Key returns the primary bucket for an observation, first available of
// geocell, postcode district, name first-token.
func Key(obs directory.RawObservation) directory.BucketKey {
	if obs.Coords != nil {
		return geocellKey(obs.Coords.Latitude, obs.Coords.Longitude)
	}
	if obs.Postcode != "" {
		return postcodeKey(obs.Postcode)
	}
	return nameKey(obs.NormalizedName)
}

// EntityKey returns the bucket an entity is indexed under, from its
// representative coordinates or address. Stores re-index an entity
// whenever this value changes.
func EntityKey(b directory.CanonicalBusiness) directory.BucketKey {
	if b.Coords != nil {
		return geocellKey(b.Coords.Latitude, b.Coords.Longitude)
	}
	if b.Address.Postcode != "" {
		return postcodeKey(b.Address.Postcode)
	}
	return nameKey(b.NormalizedName)
}

// CandidateKeys returns every bucket worth searching for duplicates of
// obs. For geocell keys this is the 3x3 cell neighborhood, so two
// sightings of one business straddling a cell boundary still meet; the
// postcode and name fallbacks are included whenever available since an
// existing entity may have been indexed before it had coordinates.
func CandidateKeys(obs directory.RawObservation) []directory.BucketKey {
	var keys []directory.BucketKey
	if obs.Coords != nil {
		latCell, lonCell := cellOf(obs.Coords.Latitude, obs.Coords.Longitude)
		for dLat := -1; dLat <= 1; dLat++ {
			for dLon := -1; dLon <= 1; dLon++ {
				keys = append(keys, cellKey(latCell+int64(dLat), lonCell+int64(dLon)))
			}
		}
	}
	if obs.Postcode != "" {
		keys = append(keys, postcodeKey(obs.Postcode))
	}
	if obs.NormalizedName != "" {
		keys = append(keys, nameKey(obs.NormalizedName))
	}
	return keys
}

func cellOf(lat, lon float64) (int64, int64) {
	return int64(math.Floor(lat / cellDegrees)), int64(math.Floor(lon / cellDegrees))
}

func cellKey(latCell, lonCell int64) directory.BucketKey {
	return directory.BucketKey("g:" + strconv.FormatInt(latCell, 10) + ":" + strconv.FormatInt(lonCell, 10))
}

func geocellKey(lat, lon float64) directory.BucketKey {
	latCell, lonCell := cellOf(lat, lon)
	return cellKey(latCell, lonCell)
}

func postcodeKey(postcode string) directory.BucketKey {
	return directory.BucketKey("p:" + normalize.OutwardCode(postcode))
}

func nameKey(normalizedName string) directory.BucketKey {
	tokens := normalize.MatchTokens(normalizedName)
	if len(tokens) == 0 {
		fields := strings.Fields(normalizedName)
		if len(fields) == 0 {
			return directory.BucketKey("n:")
		}
		tokens = fields[:1]
	}
	return directory.BucketKey(fmt.Sprintf("n:%s", tokens[0]))
}
