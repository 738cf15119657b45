package portmap

import (
	"sync"

	"github.com/google/uuid"
)

// ConsumerHandle is an opaque identifier for one independent requester of
// the coordinator's services (spec.md section 3, "ConsumerRegistry").
// Handles are generated with github.com/google/uuid rather than left to the
// caller, so two callers can never collide even if they register
// concurrently without coordinating amongst themselves.
type ConsumerHandle string

// ConsumerRegistry reference-counts the whole port-mapping subsystem: the
// first registration starts the protocol drivers, and the subsystem tears
// itself down once the last consumer unregisters.
type ConsumerRegistry struct {
	mu      sync.Mutex
	members map[ConsumerHandle]struct{}
}

func newConsumerRegistry() *ConsumerRegistry {
	return &ConsumerRegistry{members: make(map[ConsumerHandle]struct{})}
}

// NewHandle mints a fresh, globally-unique consumer handle.
func NewHandle() ConsumerHandle {
	return ConsumerHandle(uuid.NewString())
}

// add registers handle and reports whether the registry was empty
// beforehand (i.e. whether the caller is responsible for starting the
// subsystem).
func (r *ConsumerRegistry) add(h ConsumerHandle) (wasEmpty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wasEmpty = len(r.members) == 0
	r.members[h] = struct{}{}
	return wasEmpty
}

// remove unregisters handle and reports whether the registry is now empty
// (i.e. whether the caller is responsible for stopping the subsystem).
// Removing an unknown handle is a no-op and reports the current emptiness.
func (r *ConsumerRegistry) remove(h ConsumerHandle) (nowEmpty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, h)
	return len(r.members) == 0
}

func (r *ConsumerRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
