package api

import "errors"

// Error taxonomy. Per-event and per-mapping failures are isolated and
// reported in the batch summary; only structural failures abort a run.
var (
	// ErrMappingNotFound means the resolver cannot place a raw identifier in
	// time. Recoverable upstream: register the mapping and re-run.
	ErrMappingNotFound = errors.New("mapping not found")

	// ErrCollision means two active mappings claim the same canonical key on
	// overlapping dates. Rejected at registration, never silently overwritten.
	ErrCollision = errors.New("canonical key collision")

	// ErrUnattributable means a fact row has no matching assignment.
	// Counted and skipped, not fatal to the batch.
	ErrUnattributable = errors.New("event not attributable to an assignment")

	// ErrInsufficientSample means too few users or a zero denominator.
	// Surfaced as "not yet evaluable", not a crash.
	ErrInsufficientSample = errors.New("insufficient sample")

	// ErrNotFound means no result exists for the requested key.
	ErrNotFound = errors.New("result not found")
)
