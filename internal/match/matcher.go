// Package match scores raw observations against candidate canonical
// entities and decides merge, create, or flag-for-review.
package match

import (
	"sort"

	"go.uber.org/zap"

	"github.com/placemerge/placemerge/internal/directory"
	"github.com/placemerge/placemerge/internal/metrics"
	"github.com/placemerge/placemerge/internal/taxonomy"
)

// Config holds the scoring weights and decision thresholds. Defaults
// follow the tuned production values.
type Config struct {
	NameWeight      float64
	ProximityWeight float64
	CategoryWeight  float64
	MergeThreshold  float64
	ReviewThreshold float64
}

// DefaultConfig returns the tuned weights: name 0.5, proximity 0.35,
// category 0.15; merge at 0.80, review at 0.55.
func DefaultConfig() Config {
	return Config{
		NameWeight:      0.5,
		ProximityWeight: 0.35,
		CategoryWeight:  0.15,
		MergeThreshold:  0.80,
		ReviewThreshold: 0.55,
	}
}

// Matcher scores observations against candidates.
type Matcher struct {
	tax    *taxonomy.Taxonomy
	cfg    Config
	logger *zap.Logger
}

// New builds a Matcher. Zero weights in cfg fall back to defaults.
func New(tax *taxonomy.Taxonomy, cfg Config, logger *zap.Logger) *Matcher {
	def := DefaultConfig()
	if cfg.NameWeight <= 0 {
		cfg.NameWeight = def.NameWeight
	}
	if cfg.ProximityWeight <= 0 {
		cfg.ProximityWeight = def.ProximityWeight
	}
	if cfg.CategoryWeight <= 0 {
		cfg.CategoryWeight = def.CategoryWeight
	}
	if cfg.MergeThreshold <= 0 {
		cfg.MergeThreshold = def.MergeThreshold
	}
	if cfg.ReviewThreshold <= 0 {
		cfg.ReviewThreshold = def.ReviewThreshold
	}
	return &Matcher{tax: tax, cfg: cfg, logger: logger}
}

// Score computes the weighted similarity between an observation and one
// candidate entity.
func (m *Matcher) Score(obs directory.RawObservation, cand directory.CanonicalBusiness) float64 {
	name := m.bestNameSimilarity(obs, cand)

	proximity := ProximityNeutral
	if obs.Coords != nil && cand.Coords != nil {
		proximity = Proximity(
			obs.Coords.Latitude, obs.Coords.Longitude,
			cand.Coords.Latitude, cand.Coords.Longitude,
		)
	}

	category := m.tax.Compatibility(obs.CategoryCode, cand.CategoryCode)

	return m.cfg.NameWeight*name +
		m.cfg.ProximityWeight*proximity +
		m.cfg.CategoryWeight*category
}

// bestNameSimilarity scores against the candidate's primary name and
// every alternate, keeping the best. Alternates are the observed names
// of previously merged sources.
func (m *Matcher) bestNameSimilarity(obs directory.RawObservation, cand directory.CanonicalBusiness) float64 {
	best := NameSimilarity(obs.NormalizedName, cand.NormalizedName)
	for _, alt := range cand.AlternateNames {
		if s := NameSimilarity(obs.NormalizedName, alt); s > best {
			best = s
		}
	}
	return best
}

// Match scores obs against every candidate and returns the decision.
// Candidates are ranked by score descending, ties by lowest ID so
// repeated runs pick the same winner. Superseded entities never win;
// review-flagged entities are never auto-merged, the observation is
// instead flagged itself.
func (m *Matcher) Match(obs directory.RawObservation, candidates []directory.CanonicalBusiness) directory.MatchDecision {
	type scored struct {
		id     directory.EntityID
		score  float64
		review bool
	}
	ranked := make([]scored, 0, len(candidates))
	for _, cand := range candidates {
		if cand.Superseded() {
			continue
		}
		ranked = append(ranked, scored{
			id:     cand.ID,
			score:  m.Score(obs, cand),
			review: cand.NeedsReview,
		})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score == ranked[j].score {
			return ranked[i].id < ranked[j].id
		}
		return ranked[i].score > ranked[j].score
	})

	decision := directory.MatchDecision{Action: directory.ActionCreate}
	if len(ranked) > 0 {
		best := ranked[0]
		decision.Score = best.score
		switch {
		case best.score >= m.cfg.MergeThreshold && !best.review:
			decision.Action = directory.ActionMerge
			decision.Candidate = best.id
		case best.score >= m.cfg.ReviewThreshold:
			decision.Action = directory.ActionReview
			decision.Candidate = best.id
		}
	}

	metrics.MatchDecision(string(decision.Action))
	m.logger.Debug("match decision",
		zap.String("observation", obs.SightingKey()),
		zap.String("action", string(decision.Action)),
		zap.Float64("score", decision.Score),
		zap.Uint64("candidate", uint64(decision.Candidate)),
	)
	return decision
}
