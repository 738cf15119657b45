package portmap

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Protocol identifies a transport-layer protocol for a mapping.
type Protocol int

const (
	TCP Protocol = 6
	UDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	default:
		return "UNKNOWN"
	}
}

// MappingState is the consumer-visible lifecycle state of a Mapping.
// Per spec.md section 7, every underlying driver error collapses into
// Failed; consumers never see more than these four states.
type MappingState int

const (
	StatePending MappingState = iota
	StateInProgress
	StateFailed
	StateOpen
)

func (s MappingState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInProgress:
		return "InProgress"
	case StateFailed:
		return "Failed"
	case StateOpen:
		return "Open"
	default:
		return "Unknown"
	}
}

// DriverKind distinguishes the two protocol families a Mapping's IGD may
// belong to.
type DriverKind int

const (
	DriverNATPMP DriverKind = iota
	DriverUPnP
)

func (k DriverKind) String() string {
	if k == DriverNATPMP {
		return "NAT-PMP"
	}
	return "UPnP"
}

// IGDRef is a non-owning back-reference from a Mapping to the IGD that
// granted it. Per the "Back-references vs ownership" design note in
// spec.md section 9, a Mapping must never hold an owning reference to an
// IGD (the Coordinator owns IGD lifetime); this is implemented as the
// note's suggested "protocol-and-uid pair re-resolved each use" rather than
// a pointer, so a Mapping can outlive the IGD it once referenced (e.g.
// across an InvalidState event) without requiring weak-pointer machinery.
type IGDRef struct {
	Driver DriverKind
	UID    string
}

// Empty reports whether the reference names no IGD.
func (r IGDRef) Empty() bool {
	return r.UID == ""
}

// MappingDescriptionPrefix is the fixed description string every
// locally-created UPnP mapping carries, per spec.md section 6. The prune
// logic in the coordinator relies on this prefix to tell local mappings
// apart from third-party router entries.
const MappingDescriptionPrefix = "JAMI"

// MappingDescription formats the NewPortMappingDescription value for a
// locally-owned UPnP mapping: "JAMI-<UDP|TCP>:<internal_port>".
func MappingDescription(proto Protocol, internalPort uint16) string {
	return fmt.Sprintf("%s-%s:%d", MappingDescriptionPrefix, proto, internalPort)
}

// ParseMappingDescription recovers (protocol, internal port) from a
// description string produced by MappingDescription. It is used by the
// UPnP prune step (spec.md section 4.5) to recognize mappings the
// coordinator itself created in a previous process lifetime.
func ParseMappingDescription(descr string) (proto Protocol, internalPort uint16, ok bool) {
	var protoStr string
	var port int
	n, err := fmt.Sscanf(descr, MappingDescriptionPrefix+"-%3s:%d", &protoStr, &port)
	if err != nil || n != 2 {
		return 0, 0, false
	}
	switch protoStr {
	case "UDP":
		proto = UDP
	case "TCP":
		proto = TCP
	default:
		return 0, 0, false
	}
	if port <= 0 || port > 65535 {
		return 0, 0, false
	}
	return proto, uint16(port), true
}

// Mapping is a single external<->internal port reservation. All access is
// serialized through an internal mutex because, per spec.md section 5,
// mapping tables are one of the only two pieces of state read from outside
// their owning (coordinator) queue.
type Mapping struct {
	mu sync.Mutex

	internalPort uint16
	externalPort uint16
	family       Protocol
	internalAddr net.IP
	igd          IGDRef
	state        MappingState
	available    bool
	autoUpdate   bool
	notify       NotifyCallback
	renewalTime  time.Time // NAT-PMP only
}

// NotifyCallback is invoked by the coordinator whenever a Mapping it owns
// changes externally-observable state. It must not block.
type NotifyCallback func(*Mapping)

// NewMapping constructs a Mapping in state Pending with no IGD assigned.
func NewMapping(family Protocol, internalPort, externalPort uint16, internalAddr net.IP, available bool) *Mapping {
	return &Mapping{
		internalPort: internalPort,
		externalPort: externalPort,
		family:       family,
		internalAddr: internalAddr,
		state:        StatePending,
		available:    available,
	}
}

// UpdateFrom copies IGD, ports, state and address from other into m. This
// is how a driver's asynchronous response is folded into the
// coordinator-owned Mapping once the coordinator validates it came from a
// known request.
func (m *Mapping) UpdateFrom(other *Mapping) {
	other.mu.Lock()
	igd, ext, internalAddr, state := other.igd, other.externalPort, other.internalAddr, other.state
	other.mu.Unlock()

	m.mu.Lock()
	m.igd = igd
	m.externalPort = ext
	if internalAddr != nil {
		m.internalAddr = internalAddr
	}
	m.state = state
	m.mu.Unlock()
}

// IsValid reports whether the mapping currently has a sane, usable state:
// an IGD assigned, both ports non-zero, and a non-loopback internal
// address. This mirrors the Open-state invariant of spec.md section 8, but
// is exposed generally since it's also useful to check readiness before a
// mapping reaches Open.
func (m *Mapping) IsValid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.igd.Empty() && m.internalPort != 0 && m.externalPort != 0 &&
		m.internalAddr != nil && !m.internalAddr.IsLoopback()
}

// HasPublicAddress reports whether the mapping's internal address, once
// resolved, is routable on the public Internet without further NAT — i.e.
// not a loopback, link-local, or RFC1918 address.
func (m *Mapping) HasPublicAddress() bool {
	m.mu.Lock()
	addr := m.internalAddr
	m.mu.Unlock()
	return addr != nil && addr.IsGlobalUnicast() && !isRFC1918(addr)
}

func isRFC1918(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	return ip4[0] == 10 ||
		(ip4[0] == 172 && ip4[1]&0xf0 == 16) ||
		(ip4[0] == 192 && ip4[1] == 168)
}

// MapKey encodes (internalPort, family) into the 64-bit identity used by
// MappingTable: the low 16 bits are internal_port, bit 16 is set iff the
// family is UDP.
func MapKey(internalPort uint16, family Protocol) uint64 {
	k := uint64(internalPort)
	if family == UDP {
		k |= 1 << 16
	}
	return k
}

// FamilyFromKey is the inverse projection of MapKey: it recovers the
// family a key was encoded with.
func FamilyFromKey(key uint64) Protocol {
	if key&(1<<16) != 0 {
		return UDP
	}
	return TCP
}

// MapKey returns this mapping's table identity.
func (m *Mapping) MapKey() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MapKey(m.internalPort, m.family)
}

func (m *Mapping) InternalPort() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.internalPort
}

func (m *Mapping) SetInternalPort(p uint16) {
	m.mu.Lock()
	m.internalPort = p
	m.mu.Unlock()
}

func (m *Mapping) ExternalPort() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.externalPort
}

func (m *Mapping) SetExternalPort(p uint16) {
	m.mu.Lock()
	m.externalPort = p
	m.mu.Unlock()
}

func (m *Mapping) Family() Protocol {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.family
}

func (m *Mapping) InternalAddr() net.IP {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.internalAddr
}

func (m *Mapping) SetInternalAddr(ip net.IP) {
	m.mu.Lock()
	m.internalAddr = ip
	m.mu.Unlock()
}

func (m *Mapping) IGD() IGDRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.igd
}

func (m *Mapping) SetIGD(ref IGDRef) {
	m.mu.Lock()
	m.igd = ref
	m.mu.Unlock()
}

func (m *Mapping) State() MappingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mapping) SetState(s MappingState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Mapping) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

func (m *Mapping) SetAvailable(v bool) {
	m.mu.Lock()
	m.available = v
	m.mu.Unlock()
}

func (m *Mapping) AutoUpdate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoUpdate
}

func (m *Mapping) SetAutoUpdate(v bool) {
	m.mu.Lock()
	m.autoUpdate = v
	m.mu.Unlock()
}

func (m *Mapping) NotifyCallback() NotifyCallback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notify
}

func (m *Mapping) SetNotifyCallback(cb NotifyCallback) {
	m.mu.Lock()
	m.notify = cb
	m.mu.Unlock()
}

// RenewalTime is meaningful only for NAT-PMP mappings: the instant at
// which the coordinator should issue a renew request (4/5 of the granted
// lifetime after the last successful grant).
func (m *Mapping) RenewalTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewalTime
}

func (m *Mapping) SetRenewalTime(t time.Time) {
	m.mu.Lock()
	m.renewalTime = t
	m.mu.Unlock()
}

// String renders a short diagnostic form of the mapping, used only by
// logging (never by protocol logic), mirroring the original C++
// implementation's Mapping::toString().
func (m *Mapping) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := "?"
	if m.internalAddr != nil {
		addr = m.internalAddr.String()
	}
	igd := "no-igd"
	if !m.igd.Empty() {
		igd = m.igd.Driver.String() + ":" + m.igd.UID
	}
	return fmt.Sprintf("%s %s:%d<->%d via %s [%s]",
		m.family, addr, m.internalPort, m.externalPort, igd, m.state)
}
