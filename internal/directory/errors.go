package directory

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline.
var (
	// ErrNotFound is returned by stores for unknown entity IDs.
	ErrNotFound = errors.New("entity not found")

	// ErrGeocodeTimeout marks a geocoding call that did not answer in
	// time. Non-fatal: the observation proceeds without coordinates.
	ErrGeocodeTimeout = errors.New("geocode timed out")

	// ErrRobotsDisallowed marks a domain whose robots policy forbids
	// crawling. Expected operating condition, not a loud failure.
	ErrRobotsDisallowed = errors.New("robots policy disallows domain")
)

// AddressParseError reports an address with no recognizable postcode
// token. Non-fatal: the observation proceeds with coordinates/name-only
// matching.
type AddressParseError struct {
	Text string
}

func (e *AddressParseError) Error() string {
	return fmt.Sprintf("no postcode token in address %q", e.Text)
}

// FailureKind classifies adapter failures for the scheduler.
type FailureKind int

// Failure kinds.
const (
	FailureTransient FailureKind = iota
	FailurePermanent
)

// FetchError wraps an adapter failure with its scheduling semantics.
type FetchError struct {
	Kind FailureKind
	Err  error
}

func (e *FetchError) Error() string {
	if e.Kind == FailurePermanent {
		return fmt.Sprintf("permanent adapter failure: %v", e.Err)
	}
	return fmt.Sprintf("transient adapter failure: %v", e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable adapter failure.
func Transient(err error) error {
	return &FetchError{Kind: FailureTransient, Err: err}
}

// Permanent wraps err as a non-retryable adapter failure.
func Permanent(err error) error {
	return &FetchError{Kind: FailurePermanent, Err: err}
}

// IsPermanent reports whether err is a permanent adapter failure.
// Anything not explicitly permanent is treated as transient.
func IsPermanent(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == FailurePermanent
}

// MergeConflictError reports an attempted merge that would violate the
// monotonic completeness invariant. The offending field write is
// rejected and logged, never silently applied.
type MergeConflictError struct {
	EntityID EntityID
	Field    string
	Reason   string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict on entity %d field %s: %s", e.EntityID, e.Field, e.Reason)
}
