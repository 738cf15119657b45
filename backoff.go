package portmap

import "time"

// Backoff computes retry delays of the form k*base, where k is the attempt
// index starting at 1 — the "backoff k . 10s" scheme spec.md section 4.3
// and 4.4 both specify for IGD search and probing retries.
//
// hlandau-degoutils/net/backoff.go, the teacher's own retry helper, only
// ships a RetryConfig type with an exponential GetStepDelay method; it has
// no linear-backoff equivalent and no Backoff type with a NextDelay method
// (the one hlandau-portmap/maploop.go imports as denet.Backoff is not
// present in the retrieved copy of the package). Rather than force-fit the
// exponential helper to the linear schedule spec.md requires verbatim,
// this is a small first-party type; see DESIGN.md.
type Backoff struct {
	// Base is the per-attempt multiplier (10s for both drivers).
	Base time.Duration
	// MaxTries caps the number of attempts; 0 means unlimited.
	MaxTries int

	attempt int
}

// NextDelay returns the delay before the next attempt and increments the
// internal counter. It returns (0, false) once MaxTries has been reached.
func (b *Backoff) NextDelay() (time.Duration, bool) {
	if b.MaxTries != 0 && b.attempt >= b.MaxTries {
		return 0, false
	}
	b.attempt++
	return time.Duration(b.attempt) * b.Base, true
}

// Reset zeroes the attempt counter.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the 1-based index of the next attempt NextDelay would
// produce.
func (b *Backoff) Attempt() int {
	return b.attempt + 1
}
