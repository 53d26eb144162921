// Package export writes directory snapshots to disk as JSON.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/placemerge/placemerge/internal/directory"
)

// Snapshot is the on-disk export format.
type Snapshot struct {
	GeneratedAt time.Time                     `json:"generated_at"`
	Count       int                           `json:"count"`
	ReviewCount int                           `json:"review_count"`
	Businesses  []directory.CanonicalBusiness `json:"businesses"`
}

// Exporter renders the live directory to a file.
type Exporter struct {
	store  directory.Store
	clock  directory.Clock
	logger *zap.Logger
}

// New creates an Exporter.
func New(store directory.Store, clock directory.Clock, logger *zap.Logger) *Exporter {
	return &Exporter{store: store, clock: clock, logger: logger}
}

// WriteFile exports all live entities, sorted by ID, to path. The file
// is written atomically via a temp file rename.
func (e *Exporter) WriteFile(ctx context.Context, path string) (Snapshot, error) {
	snap, err := e.Build(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Snapshot{}, fmt.Errorf("write snapshot file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Snapshot{}, fmt.Errorf("finalize snapshot file: %w", err)
	}

	e.logger.Info("snapshot exported",
		zap.String("path", path),
		zap.Int("entities", snap.Count),
		zap.Int("review", snap.ReviewCount),
	)
	return snap, nil
}

// Build assembles a snapshot without touching disk.
func (e *Exporter) Build(ctx context.Context) (Snapshot, error) {
	businesses, err := e.store.List(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list entities: %w", err)
	}
	sort.Slice(businesses, func(i, j int) bool {
		return businesses[i].ID < businesses[j].ID
	})

	review := 0
	for _, b := range businesses {
		if b.NeedsReview {
			review++
		}
	}
	return Snapshot{
		GeneratedAt: e.clock.Now(),
		Count:       len(businesses),
		ReviewCount: review,
		Businesses:  businesses,
	}, nil
}
