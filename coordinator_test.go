package portmap

import (
	"net"
	"sync"
	"testing"
	"time"
)

// fakeDriver is a minimal, synchronous-enough Driver fake for exercising
// the coordinator without any real network I/O.
type fakeDriver struct {
	kind DriverKind

	mu       sync.Mutex
	observer Observer
	igds     []IGD
	added    []*Mapping
	removed  []*Mapping
	hostAddr net.IP
}

func newFakeDriver(kind DriverKind) *fakeDriver {
	return &fakeDriver{kind: kind}
}

func (d *fakeDriver) Kind() DriverKind        { return d.kind }
func (d *fakeDriver) SetObserver(o Observer)  { d.mu.Lock(); d.observer = o; d.mu.Unlock() }
func (d *fakeDriver) SearchForIGD()           {}
func (d *fakeDriver) Terminate()              {}
func (d *fakeDriver) GetHostAddress() net.IP  { return d.hostAddr }

func (d *fakeDriver) IsReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.igds) > 0
}

func (d *fakeDriver) IGDList() []IGD {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]IGD, len(d.igds))
	copy(out, d.igds)
	return out
}

func (d *fakeDriver) ClearIGDs() {
	d.mu.Lock()
	d.igds = nil
	d.mu.Unlock()
}

func (d *fakeDriver) addIGD(igd IGD) {
	d.mu.Lock()
	d.igds = append(d.igds, igd)
	obs := d.observer
	d.mu.Unlock()
	if obs != nil {
		obs.OnIGDUpdated(igd, IGDAdded)
	}
}

func (d *fakeDriver) removeIGD(igd IGD) {
	d.mu.Lock()
	for i, existing := range d.igds {
		if existing == igd {
			d.igds = append(d.igds[:i], d.igds[i+1:]...)
			break
		}
	}
	obs := d.observer
	d.mu.Unlock()
	if obs != nil {
		obs.OnIGDUpdated(igd, IGDRemoved)
	}
}

func (d *fakeDriver) RequestMappingAdd(igd IGD, m *Mapping) {
	d.mu.Lock()
	d.added = append(d.added, m)
	obs := d.observer
	d.mu.Unlock()
	if obs != nil {
		obs.OnMappingAdded(Ref(igd), MappingResult{
			Key:          m.MapKey(),
			Family:       m.Family(),
			ExternalPort: m.ExternalPort(),
			InternalAddr: net.ParseIP("192.168.1.50"),
		})
	}
}

func (d *fakeDriver) RequestMappingRenew(igd IGD, m *Mapping) {}

func (d *fakeDriver) RequestMappingRemove(igd IGD, m *Mapping) {
	d.mu.Lock()
	d.removed = append(d.removed, m)
	obs := d.observer
	d.mu.Unlock()
	if obs != nil {
		obs.OnMappingRemoved(Ref(igd), MappingResult{Key: m.MapKey(), Family: m.Family()})
	}
}

func newTestCoordinator() (*Coordinator, *fakeDriver, *fakeDriver) {
	natpmp := newFakeDriver(DriverNATPMP)
	pupnp := newFakeDriver(DriverUPnP)
	cfg := DefaultConfig()
	cfg.ReconciliationInterval = time.Hour // tests drive reconcile manually
	c := NewCoordinator(natpmp, pupnp, cfg)
	return c, natpmp, pupnp
}

// settle waits for every task already posted to c.q to have run, by
// exploiting the queue's strict FIFO ordering.
func (c *Coordinator) settle() {
	done := make(chan struct{})
	c.q.Post(func() { close(done) })
	<-done
}

func TestReserveAllocatesPendingMapping(t *testing.T) {
	c, _, _ := newTestCoordinator()

	m, ok := c.Reserve(MappingRequest{Family: TCP})
	if !ok {
		t.Fatalf("Reserve failed")
	}
	if m.State() != StatePending {
		t.Fatalf("fresh reservation should start Pending, got %s", m.State())
	}
	if m.Available() {
		t.Fatalf("a mapping just handed to a consumer must not be Available")
	}
	if p := m.ExternalPort(); p < 10000 || p >= 15000 {
		t.Fatalf("TCP external port %d out of configured range", p)
	}
}

func TestReserveAvoidsKeyCollisions(t *testing.T) {
	c, _, _ := newTestCoordinator()

	seen := make(map[uint64]bool)
	for i := 0; i < 20; i++ {
		m, ok := c.Reserve(MappingRequest{Family: UDP})
		if !ok {
			t.Fatalf("Reserve failed on iteration %d", i)
		}
		key := m.MapKey()
		if seen[key] {
			t.Fatalf("Reserve produced a duplicate key %d on iteration %d", key, i)
		}
		seen[key] = true
	}
}

func TestDispatchPendingUsesPreferredIGD(t *testing.T) {
	c, natpmp, pupnp := newTestCoordinator()

	pupnpIGD := NewBase(DriverUPnP, "router-1", net.ParseIP("192.168.1.1"))
	pupnp.addIGD(pupnpIGD)
	c.settle()

	natpmpIGD := NewBase(DriverNATPMP, "gw-1", net.ParseIP("192.168.1.1"))
	natpmp.addIGD(natpmpIGD)
	c.settle()

	m, _ := c.Reserve(MappingRequest{Family: TCP})
	c.dispatchPending(TCP)
	c.settle()

	if got := m.State(); got != StateOpen {
		t.Fatalf("mapping should have reached Open via the fake driver, got %s", got)
	}
	if m.IGD().Driver != DriverNATPMP {
		t.Fatalf("reconciliation should prefer the NAT-PMP IGD, got %s", m.IGD().Driver)
	}
}

func TestReleaseRemovesOpenMapping(t *testing.T) {
	c, natpmp, _ := newTestCoordinator()

	igd := NewBase(DriverNATPMP, "gw-1", net.ParseIP("192.168.1.1"))
	natpmp.addIGD(igd)
	c.settle()

	m, _ := c.Reserve(MappingRequest{Family: UDP})
	c.dispatchPending(UDP)
	c.settle()

	if m.State() != StateOpen {
		t.Fatalf("setup: mapping did not reach Open")
	}

	c.Release(m)
	c.settle()

	c.mu.RLock()
	_, tracked := c.tables[UDP][m.MapKey()]
	c.mu.RUnlock()
	if tracked {
		t.Fatalf("released mapping should be removed from the table once the driver confirms")
	}
}

func TestReleaseUnknownMappingIsNoop(t *testing.T) {
	c, _, _ := newTestCoordinator()
	m := NewMapping(TCP, 9999, 9999, nil, true)
	c.Release(m) // must not panic
}

func TestIsReadyAndExternalIP(t *testing.T) {
	c, natpmp, _ := newTestCoordinator()
	if c.IsReady() {
		t.Fatalf("coordinator with no IGDs should not be ready")
	}

	igd := NewBase(DriverNATPMP, "gw-1", net.ParseIP("192.168.1.1"))
	igd.SetPublicIP(net.ParseIP("203.0.113.9"))
	natpmp.addIGD(igd)
	c.settle()

	if !c.IsReady() {
		t.Fatalf("coordinator with a valid IGD should be ready")
	}
	if c.ExternalIP() != "203.0.113.9" {
		t.Fatalf("ExternalIP() = %q, want 203.0.113.9", c.ExternalIP())
	}
}

func TestRegisterUnregisterConsumerLifecycle(t *testing.T) {
	c, _, _ := newTestCoordinator()

	h1 := NewHandle()
	h2 := NewHandle()
	c.RegisterConsumer(h1)
	c.RegisterConsumer(h2)
	if c.consumers.count() != 2 {
		t.Fatalf("expected 2 consumers, got %d", c.consumers.count())
	}

	c.UnregisterConsumer(h1)
	if c.consumers.count() != 1 {
		t.Fatalf("expected 1 consumer after first unregister, got %d", c.consumers.count())
	}

	c.UnregisterConsumer(h2)
	if c.consumers.count() != 0 {
		t.Fatalf("expected 0 consumers after last unregister, got %d", c.consumers.count())
	}
}

func TestIGDRemovalDemotesItsMappingsToFailed(t *testing.T) {
	c, natpmp, _ := newTestCoordinator()

	igd := NewBase(DriverNATPMP, "gw-1", net.ParseIP("192.168.1.1"))
	natpmp.addIGD(igd)
	c.settle()

	m1, _ := c.Reserve(MappingRequest{Family: UDP})
	m2, _ := c.Reserve(MappingRequest{Family: UDP})
	c.dispatchPending(UDP)
	c.settle()

	if m1.State() != StateOpen || m2.State() != StateOpen {
		t.Fatalf("setup: both mappings should have reached Open")
	}

	natpmp.removeIGD(igd)
	c.settle()

	if m1.State() != StateFailed || m2.State() != StateFailed {
		t.Fatalf("mappings bound to a removed IGD must transition to Failed, got %s, %s", m1.State(), m2.State())
	}
	if c.IsReady() {
		t.Fatalf("valid set should be empty once the only IGD is removed")
	}
}

func TestOnMappingAddedClearsIGDErrorCounter(t *testing.T) {
	c, natpmp, _ := newTestCoordinator()

	igd := NewBase(DriverNATPMP, "gw-1", net.ParseIP("192.168.1.1"))
	for i := 0; i < MaxErrorsCount-1; i++ {
		igd.IncrementErrors()
	}
	natpmp.addIGD(igd)
	c.settle()

	c.Reserve(MappingRequest{Family: TCP})
	c.dispatchPending(TCP)
	c.settle()

	if !igd.IncrementErrors() {
		t.Fatalf("a successful grant should have reset the IGD's error counter via SetValid(true)")
	}
}

func TestOnMappingRenewedIgnoresNonOpenMapping(t *testing.T) {
	c, _, _ := newTestCoordinator()

	m := NewMapping(UDP, 4000, 4000, net.ParseIP("192.168.1.50"), false)
	m.SetIGD(IGDRef{Driver: DriverNATPMP, UID: "gw-1"})
	m.SetState(StatePending)
	c.mu.Lock()
	c.tables[UDP][m.MapKey()] = m
	c.mu.Unlock()

	c.onMappingRenewed(m.IGD(), MappingResult{Key: m.MapKey(), Family: UDP, RenewalTime: time.Now().Add(time.Hour)})

	if !m.RenewalTime().IsZero() {
		t.Fatalf("a renew result for a non-Open mapping must be ignored")
	}
}
