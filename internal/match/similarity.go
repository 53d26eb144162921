package match

import (
	"math"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/placemerge/placemerge/internal/normalize"
)

// Token pairs at or above this Levenshtein similarity count as the same
// token, absorbing source typos ("expres" vs "express").
const fuzzyTokenThreshold = 0.85

// substringBonus is added when one match-form name contains the other,
// covering "Tesco Express, 12 High St" against "Tesco".
const substringBonus = 0.35

// NameSimilarity scores two suffix-stripped normalized names in [0, 1].
// It is an order-insensitive token-set similarity with fuzzy token
// equality, plus a fixed bonus for whole-name containment.
func NameSimilarity(a, b string) float64 {
	tokensA := normalize.MatchTokens(a)
	tokensB := normalize.MatchTokens(b)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	sim := tokenSetSimilarity(tokensA, tokensB)

	nameA := strings.Join(tokensA, " ")
	nameB := strings.Join(tokensB, " ")
	if nameA == nameB {
		return 1
	}
	if strings.Contains(nameA, nameB) || strings.Contains(nameB, nameA) {
		sim += substringBonus
	}
	if sim > 1 {
		sim = 1
	}
	return sim
}

// tokenSetSimilarity is |fuzzy intersection| / |union|. Each token of
// the smaller set greedily claims its best fuzzy counterpart.
func tokenSetSimilarity(a, b []string) float64 {
	if len(b) < len(a) {
		a, b = b, a
	}
	claimed := make([]bool, len(b))
	matched := 0
	for _, ta := range a {
		best := -1
		bestScore := 0.0
		for i, tb := range b {
			if claimed[i] {
				continue
			}
			score := tokenSimilarity(ta, tb)
			if score >= fuzzyTokenThreshold && score > bestScore {
				best, bestScore = i, score
			}
		}
		if best >= 0 {
			claimed[best] = true
			matched++
		}
	}
	union := len(a) + len(b) - matched
	if union == 0 {
		return 0
	}
	return float64(matched) / float64(union)
}

func tokenSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	return levenshtein.Similarity(a, b, nil)
}

// Proximity scores the distance between two points: 1 within 25m,
// decaying linearly to 0 at 150m. Missing coordinates on either side
// score the neutral 0.5.
func Proximity(aLat, aLon, bLat, bLon float64) float64 {
	d := HaversineMeters(aLat, aLon, bLat, bLon)
	switch {
	case d <= 25:
		return 1
	case d >= 150:
		return 0
	default:
		return 1 - (d-25)/125
	}
}

// ProximityNeutral is the score used when either side lacks coordinates.
const ProximityNeutral = 0.5

// HaversineMeters returns the great-circle distance between two WGS84
// points in meters.
func HaversineMeters(aLat, aLon, bLat, bLon float64) float64 {
	const earthRadius = 6371000.0
	phi1 := aLat * math.Pi / 180
	phi2 := bLat * math.Pi / 180
	dPhi := (bLat - aLat) * math.Pi / 180
	dLambda := (bLon - aLon) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(h))
}
