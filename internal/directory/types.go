// Package directory defines core types shared across subsystems.
package directory

import "time"

// EntityID identifies a canonical business. IDs are assigned by the
// directory store at creation, increase monotonically, and are never
// reused. The numeric ordering doubles as creation order, which the
// matcher relies on for deterministic tie-breaks.
type EntityID uint64

// SourceKind ranks how trustworthy a source's customer-facing fields are.
// Official registries carry formal names (parent companies, legal
// entities); listing platforms and aggregators carry street-level
// branding.
type SourceKind int

// Source kinds in descending display-name priority.
const (
	SourceRegistry SourceKind = iota
	SourceListing
	SourceAggregator
	SourceScrape
)

// SourceInfo describes one configured data source.
type SourceInfo struct {
	ID          string        `json:"id"`
	Domain      string        `json:"domain"`
	Kind        SourceKind    `json:"kind"`
	MinInterval time.Duration `json:"min_interval"`
}

// Rating is a single source's rating sample.
type Rating struct {
	Value       float64 `json:"value"`
	ReviewCount int     `json:"review_count,omitempty"`
}

// Weight returns the sample weight used when aggregating ratings across
// sources: the review count when known, otherwise 1.
func (r Rating) Weight() float64 {
	if r.ReviewCount > 0 {
		return float64(r.ReviewCount)
	}
	return 1
}

// Coordinates is a WGS84 point plus how it was obtained. Directly
// observed coordinates outrank geocoded ones; geocoded outrank none.
type Coordinates struct {
	Latitude  float64      `json:"latitude"`
	Longitude float64      `json:"longitude"`
	Origin    CoordsOrigin `json:"origin"`
}

// CoordsOrigin records coordinate provenance for the precision ordering.
type CoordsOrigin int

// Coordinate origins in ascending precision.
const (
	CoordsNone CoordsOrigin = iota
	CoordsGeocoded
	CoordsDirect
)

// Address is a postal address with the extracted postcode, if any.
type Address struct {
	Text     string `json:"text"`
	Postcode string `json:"postcode,omitempty"`
}

// Precision returns a comparable precision rank for the monotonic
// completeness invariant. A parsed postcode beats raw text, raw text
// beats nothing.
func (a Address) Precision() int {
	switch {
	case a.Postcode != "":
		return 2
	case a.Text != "":
		return 1
	default:
		return 0
	}
}

// RawObservation is one sighting of a business by one source. It is
// immutable once produced by an adapter; the normalizer returns an
// annotated copy.
type RawObservation struct {
	SourceID     string            `json:"source_id"`
	SourceRef    string            `json:"source_ref"`
	ObservedName string            `json:"observed_name"`
	AddressText  string            `json:"address_text"`
	Coords       *Coordinates      `json:"coords,omitempty"`
	Category     string            `json:"category,omitempty"`
	OpeningHours map[string]string `json:"opening_hours,omitempty"`
	Rating       *Rating           `json:"rating,omitempty"`
	PriceTier    string            `json:"price_tier,omitempty"`
	SourceURL    string            `json:"source_url"`
	FetchedAt    time.Time         `json:"fetched_at"`

	// Derived by the normalizer.
	NormalizedName string   `json:"normalized_name,omitempty"`
	LegalSuffix    string   `json:"legal_suffix,omitempty"`
	NameTokens     []string `json:"name_tokens,omitempty"`
	Postcode       string   `json:"postcode,omitempty"`
	CategoryCode   string   `json:"category_code,omitempty"`
	NeedsGeocode   bool     `json:"needs_geocode,omitempty"`
	ContentHash    string   `json:"content_hash,omitempty"`
}

// SightingKey identifies the physical sighting this observation reports.
// Two canonical entities may never both claim the same sighting key.
func (o RawObservation) SightingKey() string {
	return o.SourceID + "/" + o.SourceRef
}

// AggregatedRating is the weighted mean across contributing sources.
type AggregatedRating struct {
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

// CanonicalBusiness is the merged representation of one real-world
// business. Only the merge engine mutates it, under single-writer
// discipline per ID. Entities are never deleted; unification tombstones
// the absorbed entity with a forwarding pointer.
type CanonicalBusiness struct {
	ID               EntityID              `json:"id"`
	DisplayName      string                `json:"display_name"`
	DisplaySource    string                `json:"display_source,omitempty"`
	NormalizedName   string                `json:"normalized_name"`
	LegalSuffix      string                `json:"legal_suffix,omitempty"`
	AlternateNames   []string              `json:"alternate_names,omitempty"`
	Address          Address               `json:"address"`
	Coords           *Coordinates          `json:"coords,omitempty"`
	CategoryCode     string                `json:"category_code,omitempty"`
	OpeningHours     map[string]string     `json:"opening_hours,omitempty"`
	HoursSeenAt      map[string]time.Time  `json:"hours_seen_at,omitempty"`
	Rating           AggregatedRating      `json:"aggregated_rating"`
	SourceRatings    map[string]Rating     `json:"source_ratings,omitempty"`
	PriceTier        string                `json:"price_tier,omitempty"`
	SourceURLs       map[string]string     `json:"source_urls,omitempty"`
	SourceKinds      map[string]SourceKind `json:"source_kinds,omitempty"`
	SourceCategories map[string]string     `json:"source_categories,omitempty"`
	Sightings        map[string]string     `json:"sightings,omitempty"`
	Confidence       float64               `json:"confidence"`
	NeedsReview      bool                  `json:"needs_review,omitempty"`
	Description      string                `json:"description,omitempty"`
	SupersededBy     EntityID              `json:"superseded_by,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	LastUpdated      time.Time             `json:"last_updated"`
}

// Superseded reports whether this entity has been folded into another.
func (b CanonicalBusiness) Superseded() bool {
	return b.SupersededBy != 0
}

// MatchAction is the matcher's verdict for one observation.
type MatchAction string

// Match actions.
const (
	ActionMerge  MatchAction = "merge"
	ActionCreate MatchAction = "create"
	ActionReview MatchAction = "review"
)

// MatchDecision is the ephemeral output of the matcher.
type MatchDecision struct {
	Candidate EntityID    `json:"candidate,omitempty"`
	Action    MatchAction `json:"action"`
	Score     float64     `json:"score"`
}

// TaskStatus is the lifecycle state of a crawl task.
type TaskStatus string

// Task status values.
const (
	TaskIdle    TaskStatus = "idle"
	TaskRunning TaskStatus = "running"
	TaskBlocked TaskStatus = "blocked"
)

// CrawlTask is the per-(source, domain) scheduling unit.
type CrawlTask struct {
	Source         SourceInfo    `json:"source"`
	NextEligibleAt time.Time     `json:"next_eligible_at"`
	Attempts       int           `json:"attempts"`
	Delay          time.Duration `json:"delay"`
	Status         TaskStatus    `json:"status"`

	// MinDelay is the domain's declared crawl delay, refreshed each
	// time the task passes the robots gate.
	MinDelay time.Duration `json:"min_delay,omitempty"`
}

// BucketKey partitions observations and entities into candidate groups.
// Keys are opaque strings produced by the blocking index.
type BucketKey string
