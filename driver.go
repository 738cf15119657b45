package portmap

import (
	"net"
	"time"
)

// IGDEvent is the set of notifications a Driver's Observer.OnIGDUpdated can
// carry, per spec.md section 6.
type IGDEvent int

const (
	IGDAdded IGDEvent = iota
	IGDRemoved
	IGDInvalidState
)

func (e IGDEvent) String() string {
	switch e {
	case IGDAdded:
		return "Added"
	case IGDRemoved:
		return "Removed"
	case IGDInvalidState:
		return "InvalidState"
	default:
		return "Unknown"
	}
}

// MappingResult carries what a driver learned from a wire transaction back
// to the coordinator: which local mapping it concerns (by key), and (on
// success) the authoritative values the router granted.
type MappingResult struct {
	Key          uint64
	Family       Protocol
	ExternalPort uint16
	InternalAddr net.IP
	RenewalTime  time.Time
	Err          error
}

// Observer is the callback contract a protocol driver uses to report back
// to the MappingCoordinator (spec.md section 6). Implementations MUST post
// to the coordinator's own TaskQueue before touching any coordinator
// state; they must never be invoked synchronously from within a driver's
// consumer-facing entry point. The Coordinator's own implementation does
// exactly this (see coordinator.go's observerShim).
type Observer interface {
	OnIGDUpdated(igd IGD, event IGDEvent)
	OnMappingAdded(ref IGDRef, result MappingResult)
	OnMappingRenewed(ref IGDRef, result MappingResult)
	OnMappingRequestFailed(result MappingResult)
	OnMappingRemoved(ref IGDRef, result MappingResult)
}

// Driver is the protocol-polymorphic interface both NatPmpProtocol and
// PUPnPProtocol implement (spec.md section 9, "Two libraries, one state
// machine"). The MappingCoordinator is the only code that knows there are
// two concrete implementations.
type Driver interface {
	Kind() DriverKind

	// SetObserver installs the callback sink. Called once at construction
	// time by the coordinator.
	SetObserver(Observer)

	// SearchForIGD (re)starts IGD discovery.
	SearchForIGD()

	// IsReady reports whether the driver has at least one valid IGD.
	IsReady() bool

	// IGDList returns a snapshot of the driver's currently valid IGDs.
	IGDList() []IGD

	// ClearIGDs drops every IGD the driver currently knows about, without
	// touching any in-flight mapping requests. Used by the coordinator's
	// stop_upnp path (spec.md section 8 scenario 6) when the last consumer
	// unregisters.
	ClearIGDs()

	// RequestMappingAdd asks the driver to allocate mapping m against igd.
	// Asynchronous: the driver calls back via Observer.OnMappingAdded or
	// OnMappingRequestFailed.
	RequestMappingAdd(igd IGD, m *Mapping)

	// RequestMappingRenew asks the driver to extend an already-open
	// mapping. Only meaningful for NAT-PMP; UPnP mappings are permanent
	// leases and the UPnP driver's implementation is a no-op.
	RequestMappingRenew(igd IGD, m *Mapping)

	// RequestMappingRemove asks the driver to delete a mapping from the
	// router.
	RequestMappingRemove(igd IGD, m *Mapping)

	// GetHostAddress returns the local (LAN-side) address the driver
	// believes this host has relative to its gateway, or nil if unknown.
	GetHostAddress() net.IP

	// Terminate shuts the driver's queue down, waiting up to the driver's
	// own grace period (spec.md section 5: 10s) before returning
	// regardless of whether in-flight work finished.
	Terminate()
}
