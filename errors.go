package openmdict

import "errors"

// Error kinds shared by every package in this module. Wrap them with
// fmt.Errorf("...: %w", Err...) so callers can dispatch with errors.Is.
var (
	// ErrInvalidFormat marks short buffers, bad magic or version bytes,
	// checksum mismatches, non-monotone prefix sums and truncated fields.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrInvalidArgument marks out-of-range indices, empty page sizes,
	// cursors past the end and similar caller mistakes.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrKeyNotFound is returned by exact lookups that found no entry.
	ErrKeyNotFound = errors.New("key not found")

	// ErrUnsupportedFeature marks declared-but-unsupported container
	// variants: engine version 3.0, encrypted containers, and codecs for
	// which only one direction is implemented.
	ErrUnsupportedFeature = errors.New("unsupported feature")
)
