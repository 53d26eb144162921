// Package memory implements the directory store as in-process maps.
// It backs tests and single-run imports; the postgres store is the
// durable alternative for long-lived deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/placemerge/placemerge/internal/block"
	"github.com/placemerge/placemerge/internal/directory"
	"github.com/placemerge/placemerge/internal/metrics"
)

// Store keeps canonical entities, the blocking-bucket index, and the
// sighting index under one RWMutex. IDs are monotonic and never reused.
type Store struct {
	mu        sync.RWMutex
	entities  map[directory.EntityID]directory.CanonicalBusiness
	buckets   map[directory.BucketKey]map[directory.EntityID]struct{}
	bucketOf  map[directory.EntityID]directory.BucketKey
	sightings map[string]directory.EntityID
	lastID    uint64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		entities:  make(map[directory.EntityID]directory.CanonicalBusiness),
		buckets:   make(map[directory.BucketKey]map[directory.EntityID]struct{}),
		bucketOf:  make(map[directory.EntityID]directory.BucketKey),
		sightings: make(map[string]directory.EntityID),
	}
}

// Get returns the entity for id or directory.ErrNotFound.
func (s *Store) Get(_ context.Context, id directory.EntityID) (directory.CanonicalBusiness, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.entities[id]
	if !ok {
		return directory.CanonicalBusiness{}, fmt.Errorf("entity %d: %w", id, directory.ErrNotFound)
	}
	return b, nil
}

// Upsert stores the entity and refreshes the bucket and sighting
// indexes. Superseded entities are kept for forwarding-pointer lookups
// but dropped from the bucket index so they never surface as candidates.
func (s *Store) Upsert(_ context.Context, b directory.CanonicalBusiness) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.bucketOf[b.ID]; ok {
		delete(s.buckets[prev], b.ID)
		if len(s.buckets[prev]) == 0 {
			delete(s.buckets, prev)
		}
		delete(s.bucketOf, b.ID)
	}

	s.entities[b.ID] = b

	if !b.Superseded() {
		key := block.EntityKey(b)
		if key != "" {
			if s.buckets[key] == nil {
				s.buckets[key] = make(map[directory.EntityID]struct{})
			}
			s.buckets[key][b.ID] = struct{}{}
			s.bucketOf[b.ID] = key
		}
	}

	// Tombstones keep their sighting history in the document, but the
	// lookup index must keep pointing at the surviving entity.
	if !b.Superseded() {
		for sighting := range b.Sightings {
			s.sightings[sighting] = b.ID
		}
	}

	live := 0
	for _, e := range s.entities {
		if !e.Superseded() {
			live++
		}
	}
	metrics.SetEntityCount(live)
	return nil
}

// QueryBucket returns the live entity IDs indexed under key.
func (s *Store) QueryBucket(_ context.Context, key directory.BucketKey) ([]directory.EntityID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]directory.EntityID, 0, len(s.buckets[key]))
	for id := range s.buckets[key] {
		ids = append(ids, id)
	}
	return ids, nil
}

// NextID allocates the next entity ID.
func (s *Store) NextID(_ context.Context) (directory.EntityID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	return directory.EntityID(s.lastID), nil
}

// BySighting returns the entity that last recorded sightingKey.
func (s *Store) BySighting(_ context.Context, sightingKey string) (directory.EntityID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sightings[sightingKey]
	return id, ok, nil
}

// List returns all live entities.
func (s *Store) List(_ context.Context) ([]directory.CanonicalBusiness, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]directory.CanonicalBusiness, 0, len(s.entities))
	for _, b := range s.entities {
		if !b.Superseded() {
			out = append(out, b)
		}
	}
	return out, nil
}

// ListReview returns live entities flagged for human review.
func (s *Store) ListReview(_ context.Context) ([]directory.CanonicalBusiness, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []directory.CanonicalBusiness
	for _, b := range s.entities {
		if !b.Superseded() && b.NeedsReview {
			out = append(out, b)
		}
	}
	return out, nil
}
