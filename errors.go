package portmap

import "errors"

// ErrNoIGD is returned by operations that require a valid IGD when the
// valid-IGD set is empty.
var ErrNoIGD = errors.New("portmap: no valid IGD available")

// ErrUnknownMapping is logged (never returned to a consumer, per spec.md
// section 7's propagation policy) when a driver reports a result keyed to
// a mapping the coordinator no longer tracks.
var ErrUnknownMapping = errors.New("portmap: response for unknown mapping key")

// ErrPortAllocationExhausted is returned internally when random port
// allocation fails MaxPortAllocationRetries times in a row (spec.md
// section 5, "Reconciliation storm avoidance").
var ErrPortAllocationExhausted = errors.New("portmap: could not allocate a free external port")
