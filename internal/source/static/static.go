// Package static provides source adapters that serve observations from
// memory or from JSON files on disk. They back offline imports, demos,
// and tests; live HTTP adapters satisfy the same interface.
package static

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/placemerge/placemerge/internal/directory"
)

// Adapter serves a fixed set of observations.
type Adapter struct {
	info directory.SourceInfo

	mu  sync.RWMutex
	obs []directory.RawObservation
}

// New builds an Adapter for the given source.
func New(info directory.SourceInfo, obs []directory.RawObservation) *Adapter {
	return &Adapter{info: info, obs: obs}
}

// FromFile loads observations from a JSON array on disk. Each element
// is a raw observation; source ID and URL default from info when blank.
func FromFile(info directory.SourceInfo, path string) (*Adapter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source file %s: %w", path, err)
	}
	var obs []directory.RawObservation
	if err := json.Unmarshal(data, &obs); err != nil {
		return nil, fmt.Errorf("decode source file %s: %w", path, err)
	}
	for i := range obs {
		if obs[i].SourceID == "" {
			obs[i].SourceID = info.ID
		}
	}
	return New(info, obs), nil
}

// Info returns the source metadata.
func (a *Adapter) Info() directory.SourceInfo {
	return a.info
}

// Fetch returns the current observation set.
func (a *Adapter) Fetch(ctx context.Context, _ directory.CrawlTask) ([]directory.RawObservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, directory.Transient(err)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]directory.RawObservation, len(a.obs))
	copy(out, a.obs)
	return out, nil
}

// Replace swaps the observation set, simulating a source whose listings
// changed between crawls.
func (a *Adapter) Replace(obs []directory.RawObservation) {
	a.mu.Lock()
	a.obs = obs
	a.mu.Unlock()
}
