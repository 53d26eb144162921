// Package merge folds raw observations into canonical business
// entities under single-writer discipline per entity ID. Field rules
// favor specific street-level naming, recent opening hours, and
// monotonic precision of addresses and coordinates; regressions are
// rejected and logged, never silently applied.
package merge

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/placemerge/placemerge/internal/directory"
	"github.com/placemerge/placemerge/internal/match"
	"github.com/placemerge/placemerge/internal/metrics"
	"github.com/placemerge/placemerge/internal/normalize"
)

// Engine applies merge and create operations against the directory
// store. All entity mutation in the system goes through here.
type Engine struct {
	store   directory.Store
	locks   *idLocks
	sources map[string]directory.SourceInfo
	clock   directory.Clock
	logger  *zap.Logger
}

// New builds an Engine. sources maps source IDs to their metadata;
// unknown sources rank as scrapes.
func New(store directory.Store, sources map[string]directory.SourceInfo, clock directory.Clock, logger *zap.Logger) *Engine {
	return &Engine{
		store:   store,
		locks:   newIDLocks(),
		sources: sources,
		clock:   clock,
		logger:  logger,
	}
}

// Create makes a new canonical entity from a single observation.
// flagReview marks the entity provisional pending human resolution.
func (e *Engine) Create(ctx context.Context, obs directory.RawObservation, flagReview bool) (directory.CanonicalBusiness, error) {
	id, err := e.store.NextID(ctx)
	if err != nil {
		return directory.CanonicalBusiness{}, fmt.Errorf("allocate entity id: %w", err)
	}
	now := e.clock.Now()
	b := directory.CanonicalBusiness{
		ID:             id,
		DisplayName:    obs.ObservedName,
		DisplaySource:  obs.SourceID,
		NormalizedName: obs.NormalizedName,
		LegalSuffix:    obs.LegalSuffix,
		Address:        directory.Address{Text: obs.AddressText, Postcode: obs.Postcode},
		Coords:         copyCoords(obs.Coords),
		CategoryCode:   obs.CategoryCode,
		PriceTier:      obs.PriceTier,
		NeedsReview:    flagReview,
		CreatedAt:      now,
		LastUpdated:    now,
		SourceURLs:     map[string]string{obs.SourceID: obs.SourceURL},
		SourceKinds:    map[string]directory.SourceKind{obs.SourceID: e.kindOf(obs.SourceID)},
		Sightings:      map[string]string{obs.SightingKey(): obs.ContentHash},
	}
	if obs.CategoryCode != "" {
		b.SourceCategories = map[string]string{obs.SourceID: obs.CategoryCode}
	}
	if len(obs.OpeningHours) > 0 {
		b.OpeningHours = make(map[string]string, len(obs.OpeningHours))
		b.HoursSeenAt = make(map[string]time.Time, len(obs.OpeningHours))
		for day, interval := range obs.OpeningHours {
			b.OpeningHours[day] = interval
			b.HoursSeenAt[day] = obs.FetchedAt
		}
	}
	if obs.Rating != nil {
		b.SourceRatings = map[string]directory.Rating{obs.SourceID: *obs.Rating}
	}
	b.Rating = aggregateRating(b.SourceRatings)
	b.Confidence = confidence(b)

	if err := e.store.Upsert(ctx, b); err != nil {
		return directory.CanonicalBusiness{}, fmt.Errorf("upsert new entity: %w", err)
	}
	e.logger.Info("entity created",
		zap.Uint64("entity", uint64(id)),
		zap.String("name", b.DisplayName),
		zap.Bool("review", flagReview),
	)
	return b, nil
}

// Merge folds obs into entity id. Forwarding pointers from earlier
// unifications are followed first. Re-merging an observation whose
// content is unchanged touches only last_updated.
func (e *Engine) Merge(ctx context.Context, id directory.EntityID, obs directory.RawObservation) (directory.CanonicalBusiness, error) {
	for {
		unlock := e.locks.lock(id)
		b, err := e.store.Get(ctx, id)
		if err != nil {
			unlock()
			return directory.CanonicalBusiness{}, fmt.Errorf("load entity %d: %w", id, err)
		}
		if b.Superseded() {
			next := b.SupersededBy
			unlock()
			id = next
			continue
		}

		merged := e.apply(b, obs)
		if err := e.store.Upsert(ctx, merged); err != nil {
			unlock()
			return directory.CanonicalBusiness{}, fmt.Errorf("upsert entity %d: %w", id, err)
		}
		unlock()
		return merged, nil
	}
}

// Unify folds the lower-ID entity into the higher-ID entity, leaving a
// tombstone with a forwarding pointer. Both locks are taken in ID order
// so concurrent unifications cannot deadlock.
func (e *Engine) Unify(ctx context.Context, a, b directory.EntityID) (directory.CanonicalBusiness, error) {
	if a == b {
		return directory.CanonicalBusiness{}, fmt.Errorf("cannot unify entity %d with itself", a)
	}
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	unlockLo := e.locks.lock(lo)
	defer unlockLo()
	unlockHi := e.locks.lock(hi)
	defer unlockHi()

	lower, err := e.store.Get(ctx, lo)
	if err != nil {
		return directory.CanonicalBusiness{}, fmt.Errorf("load entity %d: %w", lo, err)
	}
	higher, err := e.store.Get(ctx, hi)
	if err != nil {
		return directory.CanonicalBusiness{}, fmt.Errorf("load entity %d: %w", hi, err)
	}
	if lower.Superseded() || higher.Superseded() {
		return directory.CanonicalBusiness{}, fmt.Errorf("cannot unify superseded entities %d, %d", lo, hi)
	}

	now := e.clock.Now()
	merged := e.fold(higher, lower)
	merged.LastUpdated = now

	lower.SupersededBy = hi
	lower.LastUpdated = now

	if err := e.store.Upsert(ctx, merged); err != nil {
		return directory.CanonicalBusiness{}, fmt.Errorf("upsert unified entity %d: %w", hi, err)
	}
	if err := e.store.Upsert(ctx, lower); err != nil {
		return directory.CanonicalBusiness{}, fmt.Errorf("tombstone entity %d: %w", lo, err)
	}
	metrics.Unification()
	e.logger.Info("entities unified",
		zap.Uint64("into", uint64(hi)),
		zap.Uint64("tombstoned", uint64(lo)),
	)
	return merged, nil
}

// SetDescription stores generated prose on an entity, following
// forwarding pointers so a description that arrived for a since-unified
// entity lands on the survivor. An existing description is kept.
func (e *Engine) SetDescription(ctx context.Context, id directory.EntityID, text string) error {
	if text == "" {
		return nil
	}
	for {
		unlock := e.locks.lock(id)
		b, err := e.store.Get(ctx, id)
		if err != nil {
			unlock()
			return fmt.Errorf("load entity %d: %w", id, err)
		}
		if b.Superseded() {
			next := b.SupersededBy
			unlock()
			id = next
			continue
		}
		if b.Description != "" {
			unlock()
			return nil
		}
		b.Description = text
		b.LastUpdated = e.clock.Now()
		err = e.store.Upsert(ctx, b)
		unlock()
		if err != nil {
			return fmt.Errorf("save description for entity %d: %w", id, err)
		}
		return nil
	}
}

// apply folds one observation into a copy of b, enforcing all field
// rules. Never mutates its input.
func (e *Engine) apply(b directory.CanonicalBusiness, obs directory.RawObservation) directory.CanonicalBusiness {
	now := e.clock.Now()
	out := cloneEntity(b)
	out.LastUpdated = now

	// Idempotence: unchanged content from the same sighting updates
	// nothing else.
	if prev, seen := out.Sightings[obs.SightingKey()]; seen && prev == obs.ContentHash && obs.ContentHash != "" {
		return out
	}
	out.Sightings[obs.SightingKey()] = obs.ContentHash

	out.SourceURLs[obs.SourceID] = obs.SourceURL
	out.SourceKinds[obs.SourceID] = e.kindOf(obs.SourceID)
	if obs.CategoryCode != "" {
		out.SourceCategories[obs.SourceID] = obs.CategoryCode
	}

	e.applyName(&out, obs)
	e.applyAddress(&out, obs)
	e.applyCoords(&out, obs.Coords)
	applyHours(&out, obs.OpeningHours, obs.FetchedAt)

	if obs.Rating != nil {
		out.SourceRatings[obs.SourceID] = *obs.Rating
	}
	out.Rating = aggregateRating(out.SourceRatings)

	if out.CategoryCode == "" {
		out.CategoryCode = obs.CategoryCode
	}
	if out.PriceTier == "" {
		out.PriceTier = obs.PriceTier
	}

	out.Confidence = confidence(out)
	return out
}

// applyName prefers the more specific street-level name: when one
// match-form name contains the other, the longer wins; otherwise the
// display rank of the source kinds decides. The losing name is kept as
// an alternate.
func (e *Engine) applyName(b *directory.CanonicalBusiness, obs directory.RawObservation) {
	if obs.NormalizedName == "" || obs.NormalizedName == b.NormalizedName {
		return
	}

	curMatch := normalize.MatchName(b.NormalizedName)
	newMatch := normalize.MatchName(obs.NormalizedName)

	var newWins bool
	switch {
	case wordContains(newMatch, curMatch) && len(newMatch) > len(curMatch):
		newWins = true
	case wordContains(curMatch, newMatch) && len(curMatch) > len(newMatch):
		newWins = false
	default:
		newWins = displayRank(e.kindOf(obs.SourceID)) < displayRank(e.kindOf(b.DisplaySource))
	}

	if newWins {
		b.AlternateNames = addAlternate(b.AlternateNames, b.NormalizedName)
		b.DisplayName = obs.ObservedName
		b.DisplaySource = obs.SourceID
		b.NormalizedName = obs.NormalizedName
		b.LegalSuffix = obs.LegalSuffix
	} else {
		b.AlternateNames = addAlternate(b.AlternateNames, obs.NormalizedName)
	}
}

// applyAddress never replaces a precise address with a less precise
// one. An attempted regression counts as a merge conflict and is
// dropped.
func (e *Engine) applyAddress(b *directory.CanonicalBusiness, obs directory.RawObservation) {
	incoming := directory.Address{Text: obs.AddressText, Postcode: obs.Postcode}
	switch {
	case incoming.Precision() > b.Address.Precision():
		b.Address = incoming
	case incoming.Precision() < b.Address.Precision() && incoming.Text != "" && incoming.Text != b.Address.Text:
		e.rejectConflict(b.ID, "address", "less precise address offered")
	}
}

// applyCoords prefers directly observed coordinates over geocoded ones
// and never clears coordinates once set. Offering lower-precision
// coordinates than the entity already holds counts as a merge conflict
// and is dropped.
func (e *Engine) applyCoords(b *directory.CanonicalBusiness, incoming *directory.Coordinates) {
	if incoming == nil {
		return
	}
	if b.Coords == nil || incoming.Origin > b.Coords.Origin {
		b.Coords = copyCoords(incoming)
		return
	}
	if incoming.Origin < b.Coords.Origin {
		e.rejectConflict(b.ID, "coords", "lower precision coordinates offered")
	}
}

// applyHours reconciles opening hours per weekday: the most recently
// fetched observation wins a day, and days only one source knows are
// filled in rather than overwritten.
func applyHours(b *directory.CanonicalBusiness, hours map[string]string, fetchedAt time.Time) {
	if len(hours) == 0 {
		return
	}
	if b.OpeningHours == nil {
		b.OpeningHours = make(map[string]string, len(hours))
	}
	if b.HoursSeenAt == nil {
		b.HoursSeenAt = make(map[string]time.Time, len(hours))
	}
	for day, interval := range hours {
		if seen, known := b.HoursSeenAt[day]; !known || fetchedAt.After(seen) {
			b.OpeningHours[day] = interval
			b.HoursSeenAt[day] = fetchedAt
		}
	}
}

func (e *Engine) rejectConflict(id directory.EntityID, field, reason string) {
	conflict := &directory.MergeConflictError{EntityID: id, Field: field, Reason: reason}
	metrics.MergeConflict()
	e.logger.Warn("merge conflict rejected", zap.Error(conflict))
}

func (e *Engine) kindOf(sourceID string) directory.SourceKind {
	if info, ok := e.sources[sourceID]; ok {
		return info.Kind
	}
	return directory.SourceScrape
}

// displayRank orders source kinds by display-name preference. Listings
// and scrapes carry trading names, registries carry legal filings, so
// registry names rank last despite being the most authoritative for
// existence.
func displayRank(k directory.SourceKind) int {
	switch k {
	case directory.SourceListing:
		return 0
	case directory.SourceAggregator:
		return 1
	case directory.SourceScrape:
		return 2
	default:
		return 3
	}
}

// aggregateRating computes the weighted mean over per-source samples,
// weight being the review count when known.
func aggregateRating(samples map[string]directory.Rating) directory.AggregatedRating {
	var sum, weight float64
	for _, r := range samples {
		w := r.Weight()
		sum += r.Value * w
		weight += w
	}
	if weight == 0 {
		return directory.AggregatedRating{}
	}
	return directory.AggregatedRating{Value: sum / weight, Weight: weight}
}

// confidence grows with the number of independent corroborating sources
// and with name and category agreement across them.
func confidence(b directory.CanonicalBusiness) float64 {
	n := len(b.SourceURLs)
	if n == 0 {
		return 0
	}
	base := 1 - math.Pow(0.55, float64(n))

	nameAgreement := 1.0
	if len(b.AlternateNames) > 0 {
		var total float64
		for _, alt := range b.AlternateNames {
			total += match.NameSimilarity(b.NormalizedName, alt)
		}
		nameAgreement = total / float64(len(b.AlternateNames))
	}

	catAgreement := 1.0
	if len(b.SourceCategories) > 0 {
		agree := 0
		for _, code := range b.SourceCategories {
			if code == b.CategoryCode {
				agree++
			}
		}
		catAgreement = float64(agree) / float64(len(b.SourceCategories))
	}

	conf := base * (0.6 + 0.25*nameAgreement + 0.15*catAgreement)
	if conf > 1 {
		conf = 1
	}
	return conf
}

// fold merges the absorbed entity's data into the survivor using the
// same field rules as observation merges, source by source.
func (e *Engine) fold(survivor, absorbed directory.CanonicalBusiness) directory.CanonicalBusiness {
	out := cloneEntity(survivor)

	for src, url := range absorbed.SourceURLs {
		if _, exists := out.SourceURLs[src]; !exists {
			out.SourceURLs[src] = url
		}
	}
	for src, kind := range absorbed.SourceKinds {
		if _, exists := out.SourceKinds[src]; !exists {
			out.SourceKinds[src] = kind
		}
	}
	for src, code := range absorbed.SourceCategories {
		if _, exists := out.SourceCategories[src]; !exists {
			out.SourceCategories[src] = code
		}
	}
	for sighting, hash := range absorbed.Sightings {
		if _, exists := out.Sightings[sighting]; !exists {
			out.Sightings[sighting] = hash
		}
	}
	for src, rating := range absorbed.SourceRatings {
		if _, exists := out.SourceRatings[src]; !exists {
			out.SourceRatings[src] = rating
		}
	}
	out.Rating = aggregateRating(out.SourceRatings)

	curMatch := normalize.MatchName(out.NormalizedName)
	absMatch := normalize.MatchName(absorbed.NormalizedName)
	if wordContains(absMatch, curMatch) && len(absMatch) > len(curMatch) {
		out.AlternateNames = addAlternate(out.AlternateNames, out.NormalizedName)
		out.DisplayName = absorbed.DisplayName
		out.DisplaySource = absorbed.DisplaySource
		out.NormalizedName = absorbed.NormalizedName
		out.LegalSuffix = absorbed.LegalSuffix
	} else if absorbed.NormalizedName != out.NormalizedName {
		out.AlternateNames = addAlternate(out.AlternateNames, absorbed.NormalizedName)
	}
	for _, alt := range absorbed.AlternateNames {
		out.AlternateNames = addAlternate(out.AlternateNames, alt)
	}

	if absorbed.Address.Precision() > out.Address.Precision() {
		out.Address = absorbed.Address
	}
	if absorbed.Coords != nil && (out.Coords == nil || absorbed.Coords.Origin > out.Coords.Origin) {
		out.Coords = copyCoords(absorbed.Coords)
	}
	for day, interval := range absorbed.OpeningHours {
		applyHours(&out, map[string]string{day: interval}, absorbed.HoursSeenAt[day])
	}
	if out.CategoryCode == "" {
		out.CategoryCode = absorbed.CategoryCode
	}
	if out.PriceTier == "" {
		out.PriceTier = absorbed.PriceTier
	}
	if out.CreatedAt.After(absorbed.CreatedAt) {
		out.CreatedAt = absorbed.CreatedAt
	}
	out.NeedsReview = out.NeedsReview || absorbed.NeedsReview

	out.Confidence = confidence(out)
	return out
}

// wordContains reports whether needle appears in haystack on word
// boundaries.
func wordContains(haystack, needle string) bool {
	if needle == "" || haystack == "" {
		return false
	}
	return strings.Contains(" "+haystack+" ", " "+needle+" ")
}

func addAlternate(alts []string, name string) []string {
	if name == "" {
		return alts
	}
	for _, a := range alts {
		if a == name {
			return alts
		}
	}
	return append(alts, name)
}
