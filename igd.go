package portmap

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// MaxErrorsCount is the number of fatal driver errors an IGD tolerates
// before it is latched invalid, per spec.md section 3.
const MaxErrorsCount = 10

// IGD is the abstract gateway record shared by both protocol drivers
// (spec.md section 4.2). NatPmpProtocol and PUPnPProtocol each produce
// concrete values satisfying this interface (pupnp.UPnPIGD embeds *Base
// and adds WANIPConnection-specific fields; the NAT-PMP driver uses *Base
// directly, since it has no specialization of its own).
type IGD interface {
	Driver() DriverKind
	UID() string
	LocalIP() net.IP
	PublicIP() net.IP
	SetPublicIP(net.IP)
	IsValid() bool
	SetValid(bool)
	// IncrementErrors records a fatal driver error. It returns false once
	// the error count reaches MaxErrorsCount, at which point the IGD has
	// just been latched invalid.
	IncrementErrors() bool
	String() string
}

// Base implements the common IGD bookkeeping (spec.md section 4.2):
// validity, the latching error counter, and the local/public addresses.
// Protocol-specific IGD types embed Base and add their own fields (see
// pupnp.UPnPIGD).
type Base struct {
	driver   DriverKind
	uid      string
	localIP  net.IP
	valid    atomic.Bool
	errors   atomic.Int32
	mu       sync.Mutex
	publicIP net.IP
}

// NewBase constructs an IGD base record, initially valid with a zero error
// count, per the "created by a driver on discovery" lifecycle note in
// spec.md section 3.
func NewBase(driver DriverKind, uid string, localIP net.IP) *Base {
	b := &Base{driver: driver, uid: uid, localIP: localIP}
	b.valid.Store(true)
	return b
}

func (b *Base) Driver() DriverKind { return b.driver }
func (b *Base) UID() string        { return b.uid }
func (b *Base) LocalIP() net.IP    { return b.localIP }

func (b *Base) PublicIP() net.IP {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publicIP
}

func (b *Base) SetPublicIP(ip net.IP) {
	b.mu.Lock()
	b.publicIP = ip
	b.mu.Unlock()
}

func (b *Base) IsValid() bool { return b.valid.Load() }

// SetValid sets the validity flag. Per spec.md section 4.2, setting it
// true resets the error counter to zero — a fresh grant from a
// previously-erroring IGD is evidence it has recovered.
func (b *Base) SetValid(v bool) {
	b.valid.Store(v)
	if v {
		b.errors.Store(0)
	}
}

// IncrementErrors bumps the fatal-error counter. Once it reaches
// MaxErrorsCount, the IGD is marked invalid and the counter latches (it is
// never incremented further, and SetValid(true) is the only way to clear
// it) — spec.md section 3's "errors_counter <= MAX_ERRORS_COUNT" invariant.
func (b *Base) IncrementErrors() bool {
	if !b.valid.Load() {
		return false
	}
	n := b.errors.Add(1)
	if n >= MaxErrorsCount {
		b.valid.Store(false)
		return false
	}
	return true
}

func (b *Base) String() string {
	return fmt.Sprintf("%s[%s local=%s public=%s valid=%v]",
		b.driver, b.uid, ipOrDash(b.localIP), ipOrDash(b.PublicIP()), b.IsValid())
}

func ipOrDash(ip net.IP) string {
	if ip == nil {
		return "-"
	}
	return ip.String()
}

// igdEqualer lets a specialization (pupnp.UPnPIGD) extend the base equality
// rule with extra fields (control_url), per spec.md section 3. Types that
// don't implement it fall back to BaseEqual.
type igdEqualer interface {
	EqualIGD(other IGD) bool
}

// IGDEqual is the equality test the coordinator uses for the valid-IGD set
// and for dedicated IGD comparisons: BaseEqual, unless a overrides it via
// igdEqualer.
func IGDEqual(a, b IGD) bool {
	if a == nil || b == nil {
		return a == b
	}
	if eq, ok := a.(igdEqualer); ok {
		return eq.EqualIGD(b)
	}
	return BaseEqual(a, b)
}

// BaseEqual implements the base equality rule of spec.md section 3:
// (local_ip, public_ip, uid) must match.
func BaseEqual(a, b IGD) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Driver() != b.Driver() || a.UID() != b.UID() {
		return false
	}
	return ipEqual(a.LocalIP(), b.LocalIP()) && ipEqual(a.PublicIP(), b.PublicIP())
}

func ipEqual(a, b net.IP) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}

// Ref returns the non-owning (IGDRef) handle by which a Mapping should
// reference this IGD.
func Ref(igd IGD) IGDRef {
	if igd == nil {
		return IGDRef{}
	}
	return IGDRef{Driver: igd.Driver(), UID: igd.UID()}
}
