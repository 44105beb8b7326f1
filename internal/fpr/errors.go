package fpr

import "errors"

// -------------------------------------------------------------------------
// Error Kinds
// -------------------------------------------------------------------------

// Sentinel errors surfaced by the public API. Receive-path failures are
// never returned to the radio driver; they are counted and swallowed.
// Send-path and API failures wrap one of these so callers can classify
// with errors.Is.
var (
	// ErrInvalidArgument indicates a nil input, an over-long name, or an
	// out-of-range parameter.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState indicates an operation not permitted in the current
	// network state, peer state, or mode.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound indicates a peer lookup by address or name missed.
	ErrNotFound = errors.New("peer not found")

	// ErrNoMemory indicates a peer record, queue, or buffer could not be
	// allocated.
	ErrNoMemory = errors.New("out of memory")

	// ErrNoSpace indicates the host's max-peers limit is reached.
	ErrNoSpace = errors.New("peer limit reached")

	// ErrTimeout indicates a bounded wait expired without a result.
	ErrTimeout = errors.New("timed out")

	// ErrRadio indicates the underlying radio driver reported a failure.
	// The driver's error is preserved in the wrap chain.
	ErrRadio = errors.New("radio error")
)
