// Package worker implements the ingest pipeline execution loop. Each
// worker polls the scheduler for an eligible source, fetches its
// observations, and runs every observation through normalize, geocode,
// block, match, and merge.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/placemerge/placemerge/internal/block"
	"github.com/placemerge/placemerge/internal/directory"
	"github.com/placemerge/placemerge/internal/match"
	"github.com/placemerge/placemerge/internal/merge"
	"github.com/placemerge/placemerge/internal/metrics"
	"github.com/placemerge/placemerge/internal/normalize"
	"github.com/placemerge/placemerge/internal/ratelimit"
	"github.com/placemerge/placemerge/internal/schedule"
)

// Config controls Worker behavior.
type Config struct {
	PollInterval    time.Duration
	DescribeTimeout time.Duration
}

// Worker consumes scheduled crawl tasks and executes the ingest
// pipeline.
type Worker struct {
	sched     *schedule.Scheduler
	adapters  map[string]directory.SourceAdapter
	limiter   *ratelimit.Limiter
	norm      *normalize.Normalizer
	geocoder  directory.Geocoder
	matcher   *match.Matcher
	engine    *merge.Engine
	store     directory.Store
	hasher    directory.Hasher
	describer directory.Describer
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	sched *schedule.Scheduler,
	adapters map[string]directory.SourceAdapter,
	limiter *ratelimit.Limiter,
	norm *normalize.Normalizer,
	geocoder directory.Geocoder,
	matcher *match.Matcher,
	engine *merge.Engine,
	store directory.Store,
	hasher directory.Hasher,
	describer directory.Describer,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DescribeTimeout <= 0 {
		cfg.DescribeTimeout = 30 * time.Second
	}
	return &Worker{
		sched:     sched,
		adapters:  adapters,
		limiter:   limiter,
		norm:      norm,
		geocoder:  geocoder,
		matcher:   matcher,
		engine:    engine,
		store:     store,
		hasher:    hasher,
		describer: describer,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming scheduled tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, ok := w.sched.Poll(ctx)
		if !ok {
			if !w.sleep(ctx) {
				return
			}
			continue
		}
		w.processTask(ctx, task)
	}
}

// sleep waits until the scheduler's next wakeup or the poll interval,
// whichever is sooner. Returns false when the context finished.
func (w *Worker) sleep(ctx context.Context) bool {
	wait := w.cfg.PollInterval
	if wakeup, ok := w.sched.NextWakeup(); ok {
		if until := time.Until(wakeup); until > 0 && until < wait {
			wait = until
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) processTask(ctx context.Context, task directory.CrawlTask) {
	adapter, ok := w.adapters[task.Source.ID]
	if !ok {
		w.logger.Error("no adapter for source", zap.String("source", task.Source.ID))
		w.sched.Fail(task.Source.ID, directory.Permanent(fmt.Errorf("no adapter for source %s", task.Source.ID)))
		return
	}

	if task.MinDelay > 0 {
		w.limiter.ApplyMinDelay(task.Source.Domain, task.MinDelay)
		w.logger.Debug("crawl delay applied",
			zap.String("domain", task.Source.Domain),
			zap.Duration("min_delay", task.MinDelay),
			zap.Float64("rps", float64(w.limiter.Rate(task.Source.Domain))),
		)
	}

	if err := w.limiter.Wait(ctx, task.Source.Domain); err != nil {
		w.sched.Fail(task.Source.ID, directory.Transient(err))
		return
	}

	observations, err := adapter.Fetch(ctx, task)
	if err != nil {
		w.logger.Warn("fetch failed",
			zap.String("source", task.Source.ID),
			zap.Error(err),
		)
		w.sched.Fail(task.Source.ID, err)
		return
	}

	for _, obs := range observations {
		if ctx.Err() != nil {
			w.sched.Fail(task.Source.ID, directory.Transient(ctx.Err()))
			return
		}
		if err := w.Ingest(ctx, obs); err != nil {
			w.logger.Error("ingest failed",
				zap.String("source", task.Source.ID),
				zap.String("ref", obs.SourceRef),
				zap.Error(err),
			)
			w.sched.Fail(task.Source.ID, directory.Transient(err))
			return
		}
	}
	w.sched.Complete(task.Source.ID)
}

// Ingest runs one observation through the full pipeline. Soft failures
// (unparseable address, geocode timeout, description errors) degrade
// the observation; store failures abort it.
func (w *Worker) Ingest(ctx context.Context, obs directory.RawObservation) error {
	obs, nerr := w.norm.Normalize(obs)
	if nerr != nil {
		var parseErr *directory.AddressParseError
		if !errors.As(nerr, &parseErr) {
			return fmt.Errorf("normalize observation %s: %w", obs.SightingKey(), nerr)
		}
		w.logger.Warn("address not parseable",
			zap.String("sighting", obs.SightingKey()),
			zap.String("address", parseErr.Text),
		)
	}

	if obs.ContentHash == "" {
		hash, herr := w.hasher.Hash(contentPayload(obs))
		if herr != nil {
			return fmt.Errorf("hash observation %s: %w", obs.SightingKey(), herr)
		}
		obs.ContentHash = hash
	}

	metrics.ObservationConsumed(obs.SourceID)

	// A sighting already bound to an entity goes straight to that
	// entity; matching again could only disagree with history.
	id, known, serr := w.store.BySighting(ctx, obs.SightingKey())
	if serr != nil {
		return fmt.Errorf("sighting lookup %s: %w", obs.SightingKey(), serr)
	}
	if known {
		w.geocodeIfNeeded(ctx, &obs)
		merged, merr := w.engine.Merge(ctx, id, obs)
		if merr != nil {
			return merr
		}
		w.describeAsync(merged)
		return nil
	}

	w.geocodeIfNeeded(ctx, &obs)

	candidates, cerr := w.candidates(ctx, obs)
	if cerr != nil {
		return cerr
	}
	decision := w.matcher.Match(obs, candidates)

	var entity directory.CanonicalBusiness
	var merr error
	switch decision.Action {
	case directory.ActionMerge:
		entity, merr = w.engine.Merge(ctx, decision.Candidate, obs)
	case directory.ActionReview:
		entity, merr = w.engine.Create(ctx, obs, true)
	default:
		entity, merr = w.engine.Create(ctx, obs, false)
	}
	if merr != nil {
		return merr
	}
	w.describeAsync(entity)
	return nil
}

func (w *Worker) geocodeIfNeeded(ctx context.Context, obs *directory.RawObservation) {
	if !obs.NeedsGeocode || obs.Coords != nil || w.geocoder == nil {
		return
	}
	coords, err := w.geocoder.Geocode(ctx, obs.AddressText)
	if errors.Is(err, directory.ErrGeocodeTimeout) {
		return
	}
	if err != nil {
		w.logger.Warn("geocode failed",
			zap.String("sighting", obs.SightingKey()),
			zap.Error(err),
		)
		return
	}
	if coords != nil {
		if coords.Origin == directory.CoordsNone {
			coords.Origin = directory.CoordsGeocoded
		}
		obs.Coords = coords
	}
}

// candidates gathers live entities from every blocking bucket the
// observation could fall into.
func (w *Worker) candidates(ctx context.Context, obs directory.RawObservation) ([]directory.CanonicalBusiness, error) {
	seen := make(map[directory.EntityID]struct{})
	var out []directory.CanonicalBusiness
	for _, key := range block.CandidateKeys(obs) {
		ids, err := w.store.QueryBucket(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("query bucket %q: %w", key, err)
		}
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			cand, err := w.store.Get(ctx, id)
			if err != nil {
				if errors.Is(err, directory.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("load candidate %d: %w", id, err)
			}
			if cand.Superseded() {
				continue
			}
			out = append(out, cand)
		}
	}
	return out, nil
}

// describeAsync fills in a missing description off the ingest path.
// Failures only log; the entity stays valid without prose.
func (w *Worker) describeAsync(b directory.CanonicalBusiness) {
	if w.describer == nil || b.Description != "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DescribeTimeout)
		defer cancel()

		text, err := w.describer.Describe(ctx, b)
		if err != nil {
			w.logger.Warn("describe failed",
				zap.Uint64("entity", uint64(b.ID)),
				zap.Error(err),
			)
			return
		}
		if text == "" {
			return
		}
		if err := w.engine.SetDescription(ctx, b.ID, text); err != nil {
			w.logger.Warn("description save failed",
				zap.Uint64("entity", uint64(b.ID)),
				zap.Error(err),
			)
		}
	}()
}

// contentPayload serializes the observation fields that constitute its
// content for idempotence hashing. Fetch time is excluded so refetching
// unchanged data hashes identically.
func contentPayload(obs directory.RawObservation) []byte {
	payload := struct {
		Name     string                 `json:"name"`
		Address  string                 `json:"address"`
		Coords   *directory.Coordinates `json:"coords,omitempty"`
		Category string                 `json:"category"`
		Hours    map[string]string      `json:"hours,omitempty"`
		Rating   *directory.Rating      `json:"rating,omitempty"`
		Price    string                 `json:"price,omitempty"`
		URL      string                 `json:"url,omitempty"`
	}{
		Name:     obs.ObservedName,
		Address:  obs.AddressText,
		Coords:   obs.Coords,
		Category: obs.Category,
		Hours:    obs.OpeningHours,
		Rating:   obs.Rating,
		Price:    obs.PriceTier,
		URL:      obs.SourceURL,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return []byte(obs.ObservedName + "|" + obs.AddressText)
	}
	return data
}
