// Package geocode resolves address text to coordinates. Resolution is
// best effort: a miss or a timeout leaves the observation without
// coordinates and the pipeline carries on.
package geocode

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/placemerge/placemerge/internal/directory"
	"github.com/placemerge/placemerge/internal/normalize"
)

// Timeout wraps a Geocoder with a per-call deadline. Deadline
// expirations surface as directory.ErrGeocodeTimeout so callers can
// treat them as a soft miss.
type Timeout struct {
	inner   directory.Geocoder
	timeout time.Duration
	logger  *zap.Logger
}

// NewTimeout wraps inner with a per-call deadline.
func NewTimeout(inner directory.Geocoder, timeout time.Duration, logger *zap.Logger) *Timeout {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Timeout{inner: inner, timeout: timeout, logger: logger}
}

// Geocode resolves addressText with the configured deadline.
func (t *Timeout) Geocode(ctx context.Context, addressText string) (*directory.Coordinates, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	coords, err := t.inner.Geocode(ctx, addressText)
	if errors.Is(err, context.DeadlineExceeded) {
		t.logger.Warn("geocode timed out", zap.String("address", addressText))
		return nil, directory.ErrGeocodeTimeout
	}
	if err != nil {
		return nil, err
	}
	return coords, nil
}

// Static geocodes by postcode lookup against a fixed table. It backs
// tests and offline imports where no external geocoding service is
// reachable.
type Static struct {
	mu    sync.RWMutex
	table map[string]directory.Coordinates
}

// NewStatic builds a Static geocoder from a postcode table. Keys are
// full postcodes in canonical "OUTWARD INWARD" form.
func NewStatic(table map[string]directory.Coordinates) *Static {
	normalized := make(map[string]directory.Coordinates, len(table))
	for k, v := range table {
		v.Origin = directory.CoordsGeocoded
		normalized[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return &Static{table: normalized}
}

// Add registers or replaces one postcode entry.
func (s *Static) Add(postcode string, coords directory.Coordinates) {
	coords.Origin = directory.CoordsGeocoded
	s.mu.Lock()
	s.table[strings.ToUpper(strings.TrimSpace(postcode))] = coords
	s.mu.Unlock()
}

// Geocode returns coordinates for the postcode found in addressText, or
// (nil, nil) when the text has no known postcode.
func (s *Static) Geocode(_ context.Context, addressText string) (*directory.Coordinates, error) {
	postcode, ok := normalize.ExtractPostcode(addressText)
	if !ok {
		return nil, nil
	}
	s.mu.RLock()
	coords, found := s.table[postcode]
	s.mu.RUnlock()
	if !found {
		return nil, nil
	}
	dup := coords
	return &dup, nil
}

// Noop never resolves anything.
type Noop struct{}

// Geocode always reports a miss.
func (Noop) Geocode(context.Context, string) (*directory.Coordinates, error) {
	return nil, nil
}
