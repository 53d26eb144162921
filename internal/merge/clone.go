package merge

import (
	"time"

	"github.com/placemerge/placemerge/internal/directory"
)

// cloneEntity deep-copies a canonical business so merges can be built
// up without mutating the stored value. Nil maps become empty maps so
// apply paths never need nil checks on write.
func cloneEntity(b directory.CanonicalBusiness) directory.CanonicalBusiness {
	out := b
	out.AlternateNames = append([]string(nil), b.AlternateNames...)
	out.Coords = copyCoords(b.Coords)
	out.OpeningHours = copyStringMap(b.OpeningHours)
	out.HoursSeenAt = copyTimeMap(b.HoursSeenAt)
	out.SourceURLs = copyStringMap(b.SourceURLs)
	out.Sightings = copyStringMap(b.Sightings)
	out.SourceCategories = copyStringMap(b.SourceCategories)

	out.SourceKinds = make(map[string]directory.SourceKind, len(b.SourceKinds))
	for k, v := range b.SourceKinds {
		out.SourceKinds[k] = v
	}
	out.SourceRatings = make(map[string]directory.Rating, len(b.SourceRatings))
	for k, v := range b.SourceRatings {
		out.SourceRatings[k] = v
	}
	return out
}

func copyCoords(c *directory.Coordinates) *directory.Coordinates {
	if c == nil {
		return nil
	}
	dup := *c
	return &dup
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTimeMap(m map[string]time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
