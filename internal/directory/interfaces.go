package directory

import (
	"context"
	"time"
)

// SourceAdapter produces raw observations for a scheduled task. Wire
// formats live behind this interface; the core never sees them.
// Failures carry a FetchError so the scheduler can distinguish
// transient from permanent.
type SourceAdapter interface {
	Info() SourceInfo
	Fetch(ctx context.Context, task CrawlTask) ([]RawObservation, error)
}

// Geocoder resolves an address to coordinates. A miss is (nil, nil);
// timeouts surface as ErrGeocodeTimeout.
type Geocoder interface {
	Geocode(ctx context.Context, addressText string) (*Coordinates, error)
}

// Describer generates short prose for a canonical business. Failure is
// non-fatal; the entity persists without a description.
type Describer interface {
	Describe(ctx context.Context, business CanonicalBusiness) (string, error)
}

// Store is the durable keyed storage for canonical entities. Reads may
// run concurrently; writes are serialized per entity by the merge
// engine, not by the store.
type Store interface {
	Get(ctx context.Context, id EntityID) (CanonicalBusiness, error)
	Upsert(ctx context.Context, business CanonicalBusiness) error
	QueryBucket(ctx context.Context, key BucketKey) ([]EntityID, error)
	NextID(ctx context.Context) (EntityID, error)
	BySighting(ctx context.Context, sightingKey string) (EntityID, bool, error)
	List(ctx context.Context) ([]CanonicalBusiness, error)
	ListReview(ctx context.Context) ([]CanonicalBusiness, error)
}

// Hasher computes digests used for observation idempotence.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run/task correlation IDs.
type IDGenerator interface {
	NewID() (string, error)
}
