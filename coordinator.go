package portmap

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

var allFamilies = []Protocol{TCP, UDP}

// RemoteMappingInfo is one entry from a router's port-mapping table, as
// reported by Driver implementations that can enumerate it (spec.md
// section 4.4's GetGenericPortMappingEntry iteration). Only the UPnP
// driver currently implements RemoteLister; NAT-PMP has no equivalent
// listing operation.
type RemoteMappingInfo struct {
	Family       Protocol
	ExternalPort uint16
	InternalPort uint16
	Description  string
}

// RemoteLister is implemented by drivers that can enumerate what the
// router currently has provisioned, independent of local state. The
// coordinator uses it for the UPnP-only "prune_mapping_list" step of
// spec.md section 4.5.
type RemoteLister interface {
	ListRemoteMappings(igd IGD) (map[uint64]RemoteMappingInfo, error)
}

// Coordinator is the MappingCoordinator of spec.md section 4.5: the single
// source of truth for the mapping table and the valid-IGD set, and the
// Observer both protocol drivers call back into.
//
// The original design treats this as a process-wide singleton; this port
// deliberately does not expose a package-level global (see DESIGN.md) —
// the hosting application constructs exactly one Coordinator and shares it,
// which gives the same "one authoritative instance" property idiomatically
// in Go, via explicit wiring rather than hidden global state.
type Coordinator struct {
	cfg Config
	q   *TaskQueue

	natpmp Driver
	pupnp  Driver

	consumers *ConsumerRegistry

	// mu guards everything below. Per spec.md section 5, the mapping
	// tables and the valid-IGD set are the only state read from outside
	// their owning queue, so they get their own narrowly-scoped lock
	// rather than being confined to the coordinator's TaskQueue.
	mu             sync.RWMutex
	tables         map[Protocol]map[uint64]*Mapping
	validIGDs      []IGD
	publicAddrHint net.IP
	lastHostAddr   net.IP
	sawEmptyIGDs   bool

	reconcileStopMu sync.Mutex
	reconcileStop   func()
}

// NewCoordinator wires a Coordinator to its two protocol drivers. Both
// drivers have SetObserver called on them with a shim that posts every
// callback onto the coordinator's own queue (spec.md section 9's "Observer
// hand-off" design note).
func NewCoordinator(natpmpDriver, pupnpDriver Driver, cfg Config) *Coordinator {
	cfg.setDefaults()
	c := &Coordinator{
		cfg:       cfg,
		q:         NewTaskQueue(256),
		natpmp:    natpmpDriver,
		pupnp:     pupnpDriver,
		consumers: newConsumerRegistry(),
		tables: map[Protocol]map[uint64]*Mapping{
			TCP: make(map[uint64]*Mapping),
			UDP: make(map[uint64]*Mapping),
		},
	}
	// No IGD has been seen yet, so an initially empty set is not a transition.
	c.sawEmptyIGDs = true
	natpmpDriver.SetObserver(observerShim{c})
	pupnpDriver.SetObserver(observerShim{c})
	return c
}

// MappingRequest describes a consumer's desired reservation, passed to
// Reserve.
type MappingRequest struct {
	Family       Protocol
	InternalPort uint16
	ExternalPort uint16 // 0 == any
	InternalAddr net.IP
	AutoUpdate   bool
	Notify       NotifyCallback
}

// --- Consumer-facing contract (spec.md section 4.5) ---

// RegisterConsumer reference-counts the subsystem up. The first
// registration starts both protocol drivers searching for IGDs and starts
// the periodic reconciliation loop.
func (c *Coordinator) RegisterConsumer(h ConsumerHandle) {
	if c.consumers.add(h) {
		c.startUPnP()
		c.startReconcileLoop()
	}
}

// UnregisterConsumer reference-counts the subsystem down. The last
// unregistration stops reconciliation and tears the subsystem down.
func (c *Coordinator) UnregisterConsumer(h ConsumerHandle) {
	if c.consumers.remove(h) {
		c.stopReconcileLoop()
		c.stopUPnP(false)
	}
}

// SetPublicAddress records an advisory public-IP hint. IGD-reported
// addresses that don't match it are logged, never rejected (spec.md
// section 4.5).
func (c *Coordinator) SetPublicAddress(addr net.IP) {
	c.mu.Lock()
	c.publicAddrHint = addr
	c.mu.Unlock()
}

// IsReady reports whether the valid-IGD set is non-empty.
func (c *Coordinator) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.validIGDs) > 0
}

// ExternalIP returns the public IP of any valid IGD, or "" if none is
// known.
func (c *Coordinator) ExternalIP() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, igd := range c.validIGDs {
		if ip := igd.PublicIP(); ip != nil {
			return ip.String()
		}
	}
	return ""
}

// Reserve finds or creates a Mapping satisfying req. It never blocks on
// network I/O: a freshly-allocated Mapping starts in state Pending and is
// dispatched to a driver by the next reconciliation tick.
func (c *Coordinator) Reserve(req MappingRequest) (*Mapping, bool) {
	c.mu.Lock()
	table := c.tables[req.Family]

	var best *Mapping
	for _, m := range table {
		if !m.Available() {
			continue
		}
		if req.ExternalPort != 0 && m.ExternalPort() != req.ExternalPort {
			continue
		}
		if best == nil {
			best = m
		}
		if m.State() == StateOpen {
			best = m
			break
		}
	}

	if best != nil {
		best.SetAvailable(false)
		best.SetNotifyCallback(req.Notify)
		best.SetAutoUpdate(req.AutoUpdate)
		if req.InternalPort != 0 {
			best.SetInternalPort(req.InternalPort)
		}
		c.mu.Unlock()
		return best, true
	}

	port := req.ExternalPort
	if port != 0 {
		if _, occupied := table[MapKey(port, req.Family)]; occupied {
			port = 0
		}
	}
	if port == 0 {
		p, err := c.allocatePortLocked(req.Family)
		if err != nil {
			c.mu.Unlock()
			log.Warnf("portmap: reserve(%s): %v", req.Family, err)
			return nil, false
		}
		port = p
	}

	internalPort := req.InternalPort
	if internalPort == 0 {
		internalPort = port
	}

	m := NewMapping(req.Family, internalPort, port, req.InternalAddr, false)
	m.SetAutoUpdate(req.AutoUpdate)
	m.SetNotifyCallback(req.Notify)
	table[m.MapKey()] = m
	c.mu.Unlock()

	c.scheduleReconcile()
	return m, true
}

// Release marks m available again and asks its IGD (if any) to tear the
// mapping down. The entry is only removed from the table once the driver
// confirms removal (onMappingRemoved) or, if no IGD is assigned, removed
// immediately since there is no pending wire request to wait for.
// Releasing an unknown or already-available mapping is a logged no-op.
func (c *Coordinator) Release(m *Mapping) {
	if m == nil {
		return
	}
	key := m.MapKey()
	family := m.Family()

	c.mu.Lock()
	tracked := c.tables[family][key] == m
	already := m.Available()
	if !tracked || already {
		c.mu.Unlock()
		log.Debugf("portmap: release: no-op (tracked=%v available=%v) for %s", tracked, already, m)
		return
	}
	m.SetAvailable(true)
	ref := m.IGD()
	c.mu.Unlock()

	igd := c.resolveIGD(ref)
	if igd == nil {
		c.mu.Lock()
		delete(c.tables[family], key)
		c.mu.Unlock()
		return
	}
	c.driverFor(ref.Driver).RequestMappingRemove(igd, m)
}

// Terminate shuts the coordinator and both drivers down. It does not wait
// indefinitely: each driver enforces its own grace period internally.
func (c *Coordinator) Terminate() {
	c.stopReconcileLoop()
	c.natpmp.Terminate()
	c.pupnp.Terminate()
	c.q.Stop(10 * time.Second)
}

// --- internal plumbing ---

func (c *Coordinator) driverFor(kind DriverKind) Driver {
	if kind == DriverNATPMP {
		return c.natpmp
	}
	return c.pupnp
}

func (c *Coordinator) resolveIGD(ref IGDRef) IGD {
	if ref.Empty() {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, igd := range c.validIGDs {
		if igd.Driver() == ref.Driver && igd.UID() == ref.UID {
			return igd
		}
	}
	return nil
}

// preferredIGD implements spec.md section 4.5's selection rule: the first
// valid NAT-PMP IGD, else any valid IGD.
func (c *Coordinator) preferredIGD() IGD {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var fallback IGD
	for _, igd := range c.validIGDs {
		if igd.Driver() == DriverNATPMP {
			return igd
		}
		if fallback == nil {
			fallback = igd
		}
	}
	return fallback
}

// allocatePortLocked must be called with c.mu held for writing. It
// implements spec.md section 5's random-port allocation with up to
// MaxPortAllocationRetries collision retries.
func (c *Coordinator) allocatePortLocked(family Protocol) (uint16, error) {
	r := c.cfg.rangeFor(family)
	table := c.tables[family]
	span := int(r.High - r.Low)
	if span <= 0 {
		span = 1
	}
	for i := 0; i < c.cfg.MaxPortAllocationRetries; i++ {
		p := r.Low + uint16(rand.Intn(span))
		if _, exists := table[MapKey(p, family)]; !exists {
			return p, nil
		}
	}
	return 0, ErrPortAllocationExhausted
}

func (c *Coordinator) scheduleReconcile() {
	c.q.Post(c.reconcile)
}

func (c *Coordinator) notifyMapping(m *Mapping) {
	if cb := m.NotifyCallback(); cb != nil {
		cb(m)
	}
}

func (c *Coordinator) startUPnP() {
	c.natpmp.SearchForIGD()
	c.pupnp.SearchForIGD()
}

// stopUPnP implements spec.md section 8 scenario 6: every mapping is
// released unless it has auto_update set and forceRelease is false, after
// which both drivers are told to clear their IGD state.
func (c *Coordinator) stopUPnP(forceRelease bool) {
	for _, family := range allFamilies {
		var toRelease []*Mapping
		c.mu.RLock()
		for _, m := range c.tables[family] {
			if forceRelease || !m.AutoUpdate() {
				toRelease = append(toRelease, m)
			}
		}
		c.mu.RUnlock()
		for _, m := range toRelease {
			c.Release(m)
		}
	}
	c.natpmp.ClearIGDs()
	c.pupnp.ClearIGDs()
	c.mu.Lock()
	c.validIGDs = nil
	c.mu.Unlock()
}

func (c *Coordinator) startReconcileLoop() {
	c.reconcileStopMu.Lock()
	defer c.reconcileStopMu.Unlock()
	if c.reconcileStop != nil {
		return
	}
	c.reconcileStop = c.q.Tick(c.cfg.ReconciliationInterval, c.reconcile)
}

func (c *Coordinator) stopReconcileLoop() {
	c.reconcileStopMu.Lock()
	stop := c.reconcileStop
	c.reconcileStop = nil
	c.reconcileStopMu.Unlock()
	if stop != nil {
		stop()
	}
}

// checkPublicAddressHint logs (never rejects) a mismatch between an IGD's
// reported public address and the advisory hint set via SetPublicAddress.
func (c *Coordinator) checkPublicAddressHint(igd IGD) {
	c.mu.RLock()
	hint := c.publicAddrHint
	c.mu.RUnlock()
	pub := igd.PublicIP()
	if hint == nil || pub == nil || pub.Equal(hint) {
		return
	}
	log.Noticef("portmap: IGD %s reports public address %s, which differs from the advisory hint %s",
		igd.UID(), pub, hint)
}

// --- reconciliation (spec.md section 4.5) ---
//
// reconcile always runs on c.q, either from the periodic Tick started by
// RegisterConsumer or from a one-off Post (scheduleReconcile) triggered by
// Reserve or by an IGD event in onIGDUpdated. Each step is
// independent and safe to run out of order; they are sequenced here only
// because later steps benefit from earlier ones having just run (e.g.
// dispatching Pending mappings before counting a family's band).
func (c *Coordinator) reconcile() {
	for _, family := range allFamilies {
		c.dispatchPending(family)
		c.reconcileFailedAutoUpdate(family)
		c.reconcileBand(family)
	}
	c.pruneUPnP()
	c.renewNATPMP()
	c.checkConnectivity()
}

// dispatchPending hands every Pending mapping of family to its preferred
// IGD, or leaves it Pending if none is available yet.
func (c *Coordinator) dispatchPending(family Protocol) {
	igd := c.preferredIGD()
	if igd == nil {
		return
	}

	c.mu.Lock()
	var pending []*Mapping
	for _, m := range c.tables[family] {
		if m.State() == StatePending {
			m.SetState(StateInProgress)
			m.SetIGD(Ref(igd))
			pending = append(pending, m)
		}
	}
	c.mu.Unlock()

	for _, m := range pending {
		c.driverFor(igd.Driver()).RequestMappingAdd(igd, m)
	}
}

// reconcileFailedAutoUpdate re-provisions auto_update mappings that ended
// up Failed with a fresh random port, per spec.md section 4.5 step 3. The
// stale entry is deleted directly (bypassing the public Release path, which
// would just mark it available for reuse) so the replacement is guaranteed
// a clean port rather than risking the just-freed one being handed right
// back out by a concurrent Reserve.
func (c *Coordinator) reconcileFailedAutoUpdate(family Protocol) {
	c.mu.Lock()
	var stale []*Mapping
	for key, m := range c.tables[family] {
		if m.State() == StateFailed && m.AutoUpdate() {
			stale = append(stale, m)
			delete(c.tables[family], key)
		}
	}
	c.mu.Unlock()

	for _, m := range stale {
		c.Reserve(MappingRequest{
			Family:       family,
			InternalAddr: m.InternalAddr(),
			AutoUpdate:   true,
			Notify:       m.NotifyCallback(),
		})
		c.notifyMapping(m)
	}
}

// reconcileBand keeps the number of ready+in_progress+pending mappings of
// family within its configured band: short, allocate more; long, release
// the surplus (spec.md section 4.5 step 4).
func (c *Coordinator) reconcileBand(family Protocol) {
	band := c.cfg.bandFor(family)

	c.mu.RLock()
	var active, surplusCandidates []*Mapping
	for _, m := range c.tables[family] {
		if !m.Available() {
			continue
		}
		switch m.State() {
		case StatePending, StateInProgress, StateOpen:
			active = append(active, m)
		}
		surplusCandidates = append(surplusCandidates, m)
	}
	c.mu.RUnlock()

	for len(active) < band.Min {
		c.mu.Lock()
		port, err := c.allocatePortLocked(family)
		if err != nil {
			c.mu.Unlock()
			log.Warnf("portmap: provision(%s): %v", family, err)
			break
		}
		m := NewMapping(family, port, port, nil, true)
		m.SetAutoUpdate(true)
		c.tables[family][m.MapKey()] = m
		c.mu.Unlock()
		active = append(active, m)
	}

	for len(active) > band.Max && len(surplusCandidates) > 0 {
		victim := surplusCandidates[len(surplusCandidates)-1]
		surplusCandidates = surplusCandidates[:len(surplusCandidates)-1]
		c.Release(victim)
		for i, m := range active {
			if m == victim {
				active = append(active[:i], active[i+1:]...)
				break
			}
		}
	}
}

// pruneUPnP implements spec.md section 4.5 step 5. It is a no-op unless the
// UPnP driver implements RemoteLister: demote any locally-Open mapping the
// router no longer reports, and delete up to MaxUntrackedDeletesPerTick
// router-side entries carrying the JAMI description prefix that the
// coordinator has no local record of.
func (c *Coordinator) pruneUPnP() {
	lister, ok := c.pupnp.(RemoteLister)
	if !ok {
		return
	}

	for _, igd := range c.pupnp.IGDList() {
		remote, err := lister.ListRemoteMappings(igd)
		if err != nil {
			log.Debugf("portmap: prune: list remote mappings on %s: %v", igd.UID(), err)
			continue
		}

		deletes := 0
		for key, info := range remote {
			if deletes >= c.cfg.MaxUntrackedDeletesPerTick {
				break
			}
			proto, _, ok := ParseMappingDescription(info.Description)
			if !ok || proto != info.Family {
				continue
			}
			c.mu.RLock()
			_, tracked := c.tables[info.Family][key]
			c.mu.RUnlock()
			if tracked {
				continue
			}
			m := NewMapping(info.Family, info.InternalPort, info.ExternalPort, nil, false)
			m.SetIGD(Ref(igd))
			c.pupnp.RequestMappingRemove(igd, m)
			deletes++
		}

		c.mu.Lock()
		for key, m := range c.tables[TCP] {
			if m.IGD().Driver == DriverUPnP && m.State() == StateOpen {
				if _, stillThere := remote[key]; !stillThere {
					m.SetState(StateFailed)
				}
			}
		}
		for key, m := range c.tables[UDP] {
			if m.IGD().Driver == DriverUPnP && m.State() == StateOpen {
				if _, stillThere := remote[key]; !stillThere {
					m.SetState(StateFailed)
				}
			}
		}
		c.mu.Unlock()
	}
}

// renewNATPMP implements spec.md section 4.5 step 6: scan Open NAT-PMP
// mappings whose RenewalTime has passed and ask the driver to renew them.
func (c *Coordinator) renewNATPMP() {
	now := time.Now()
	c.mu.RLock()
	var due []*Mapping
	for _, family := range allFamilies {
		for _, m := range c.tables[family] {
			if m.IGD().Driver != DriverNATPMP || m.State() != StateOpen {
				continue
			}
			if rt := m.RenewalTime(); !rt.IsZero() && !rt.After(now) {
				due = append(due, m)
			}
		}
	}
	c.mu.RUnlock()

	for _, m := range due {
		igd := c.resolveIGD(m.IGD())
		if igd == nil {
			continue
		}
		c.natpmp.RequestMappingRenew(igd, m)
	}
}

// checkConnectivity implements spec.md section 4.5's connectivity change: detect the
// host-facing address changing, or the valid-IGD set transitioning to
// empty, and restart discovery so stale IGDs don't linger.
func (c *Coordinator) checkConnectivity() {
	host := c.natpmp.GetHostAddress()
	if host == nil {
		host = c.pupnp.GetHostAddress()
	}

	c.mu.Lock()
	changed := host != nil && c.lastHostAddr != nil && !ipEqual(host, c.lastHostAddr)
	if host != nil {
		c.lastHostAddr = host
	}
	empty := len(c.validIGDs) == 0
	wasEmpty := c.sawEmptyIGDs
	c.sawEmptyIGDs = empty
	c.mu.Unlock()

	if changed {
		log.Infof("portmap: local address changed to %s, restarting discovery", host)
		c.stopUPnP(false)
		c.startUPnP()
		return
	}
	if empty && !wasEmpty {
		c.stopUPnP(false)
		c.startUPnP()
	}
}

// observerShim adapts Coordinator to the Observer interface both drivers
// call back into. Every method posts onto the coordinator's own queue
// before touching shared state, per driver.go's Observer contract.
type observerShim struct{ c *Coordinator }

func (s observerShim) OnIGDUpdated(igd IGD, event IGDEvent) {
	s.c.q.Post(func() { s.c.onIGDUpdated(igd, event) })
}

func (s observerShim) OnMappingAdded(ref IGDRef, result MappingResult) {
	s.c.q.Post(func() { s.c.onMappingAdded(ref, result) })
}

func (s observerShim) OnMappingRenewed(ref IGDRef, result MappingResult) {
	s.c.q.Post(func() { s.c.onMappingRenewed(ref, result) })
}

func (s observerShim) OnMappingRequestFailed(result MappingResult) {
	s.c.q.Post(func() { s.c.onMappingRequestFailed(result) })
}

func (s observerShim) OnMappingRemoved(ref IGDRef, result MappingResult) {
	s.c.q.Post(func() { s.c.onMappingRemoved(ref, result) })
}

// onIGDUpdated runs on c.q. It maintains the valid-IGD set and, on Added,
// checks the public-address hint.
func (c *Coordinator) onIGDUpdated(igd IGD, event IGDEvent) {
	switch event {
	case IGDAdded:
		c.mu.Lock()
		present := false
		for _, existing := range c.validIGDs {
			if IGDEqual(existing, igd) {
				present = true
				break
			}
		}
		if !present {
			c.validIGDs = append(c.validIGDs, igd)
		}
		c.mu.Unlock()
		c.checkPublicAddressHint(igd)
		log.Infof("portmap: %s", igd)
	case IGDRemoved, IGDInvalidState:
		ref := Ref(igd)
		c.mu.Lock()
		for i, existing := range c.validIGDs {
			if IGDEqual(existing, igd) {
				c.validIGDs = append(c.validIGDs[:i], c.validIGDs[i+1:]...)
				break
			}
		}
		var demoted []*Mapping
		for _, family := range allFamilies {
			for _, m := range c.tables[family] {
				if m.IGD() == ref {
					m.SetState(StateFailed)
					demoted = append(demoted, m)
				}
			}
		}
		c.mu.Unlock()
		for _, m := range demoted {
			c.notifyMapping(m)
		}
		log.Infof("portmap: IGD %s %s", igd.UID(), event)
	}
	c.scheduleReconcile()
}

func (c *Coordinator) findByKey(family Protocol, key uint64) *Mapping {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tables[family][key]
}

func (c *Coordinator) onMappingAdded(ref IGDRef, result MappingResult) {
	m := c.findByKey(result.Family, result.Key)
	if m == nil {
		log.Debugf("portmap: %v for %s", ErrUnknownMapping, result.Family)
		return
	}
	if result.Err != nil {
		m.SetState(StateFailed)
		log.Debugf("portmap: mapping add failed for %s: %v", m, result.Err)
		c.notifyMapping(m)
		return
	}
	m.SetIGD(ref)
	m.SetExternalPort(result.ExternalPort)
	if result.InternalAddr != nil {
		m.SetInternalAddr(result.InternalAddr)
	}
	if !result.RenewalTime.IsZero() {
		m.SetRenewalTime(result.RenewalTime)
	}
	m.SetState(StateOpen)
	if igd := c.resolveIGD(ref); igd != nil {
		igd.SetValid(true)
	}
	c.notifyMapping(m)
}

func (c *Coordinator) onMappingRenewed(ref IGDRef, result MappingResult) {
	m := c.findByKey(result.Family, result.Key)
	if m == nil {
		log.Debugf("portmap: %v for %s", ErrUnknownMapping, result.Family)
		return
	}
	if m.IGD().Driver != DriverNATPMP || m.State() != StateOpen {
		log.Debugf("portmap: ignoring renew result for %s: not an open NAT-PMP mapping", m)
		return
	}
	if result.Err != nil {
		m.SetState(StateFailed)
		log.Debugf("portmap: mapping renew failed for %s: %v", m, result.Err)
		c.notifyMapping(m)
		return
	}
	if !result.RenewalTime.IsZero() {
		m.SetRenewalTime(result.RenewalTime)
	}
}

func (c *Coordinator) onMappingRequestFailed(result MappingResult) {
	m := c.findByKey(result.Family, result.Key)
	if m == nil {
		log.Debugf("portmap: %v for %s", ErrUnknownMapping, result.Family)
		return
	}
	m.SetState(StateFailed)
	log.Debugf("portmap: mapping request failed for %s: %v", m, result.Err)
	c.notifyMapping(m)
}

func (c *Coordinator) onMappingRemoved(ref IGDRef, result MappingResult) {
	c.mu.Lock()
	delete(c.tables[result.Family], result.Key)
	c.mu.Unlock()
}
