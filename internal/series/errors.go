package series

import "errors"

// Error classes surfaced by the extraction pipeline. Callers classify with errors.Is;
// the concrete cause is always wrapped alongside.
var (
	// ErrInvalidArgument marks bad input: non-positive radius, start after end,
	// malformed bbox, unknown data source or index.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoDataFound means the catalog search returned zero items.
	ErrNoDataFound = errors.New("no data found")

	// ErrUpstreamUnavailable wraps catalog or cube-loader failures.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrPersistence wraps store read and write failures.
	ErrPersistence = errors.New("persistence failure")
)
