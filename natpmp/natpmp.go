// Package natpmp implements the NatPmpProtocol driver: NAT-PMP discovery,
// mapping, and renewal against the default gateway (RFC 6886).
package natpmp

import (
	"fmt"
	"net"
	"strings"
	"time"

	gonatpmp "github.com/jackpal/go-nat-pmp"
	"github.com/hlandau/xlog"

	"github.com/savoirfairelinux/jami-daemon-sub002"
	"github.com/savoirfairelinux/jami-daemon-sub002/gateway"
)

var log, Log = xlog.NewQuiet("portmap.natpmp")

// probeState is the per-IGD state machine of the NAT-PMP driver:
// Uninitialized -> Probing -> Active -> Invalid.
type probeState int

const (
	stateUninitialized probeState = iota
	stateProbing
	stateActive
	stateInvalid
)

const (
	requestTimeout  = 250 * time.Millisecond
	maxProbeRetries = 3
	maxReadRetries  = 3
)

// Driver is the NatPmpProtocol driver. It tracks at most one IGD, since
// NAT-PMP has no discovery beyond "ask the default gateway".
type Driver struct {
	q        *portmap.TaskQueue
	observer portmap.Observer
	lifetime time.Duration

	state    probeState
	igd      *portmap.Base
	client   *gonatpmp.Client
	gwAddr   net.IP
	hostAddr net.IP
	backoff  portmap.Backoff

	cancelProbe func()
}

// New constructs a NAT-PMP driver requesting lifetime-second mapping
// grants. SetObserver must be called (by the coordinator) before
// SearchForIGD.
func New(lifetime time.Duration) *Driver {
	return &Driver{
		q:        portmap.NewTaskQueue(64),
		lifetime: lifetime,
		backoff:  portmap.Backoff{Base: 10 * time.Second, MaxTries: maxProbeRetries},
	}
}

func (d *Driver) Kind() portmap.DriverKind { return portmap.DriverNATPMP }

func (d *Driver) SetObserver(o portmap.Observer) {
	d.q.Post(func() { d.observer = o })
}

// SearchForIGD starts (or restarts) the probe state machine.
func (d *Driver) SearchForIGD() {
	d.q.Post(d.startProbe)
}

func (d *Driver) IsReady() bool {
	done := make(chan bool, 1)
	d.q.Post(func() { done <- d.state == stateActive && d.igd != nil && d.igd.IsValid() })
	return <-done
}

func (d *Driver) IGDList() []portmap.IGD {
	done := make(chan []portmap.IGD, 1)
	d.q.Post(func() {
		if d.igd != nil && d.igd.IsValid() {
			done <- []portmap.IGD{d.igd}
			return
		}
		done <- nil
	})
	return <-done
}

func (d *Driver) ClearIGDs() {
	d.q.Post(func() {
		d.igd = nil
		d.client = nil
		d.state = stateUninitialized
	})
}

func (d *Driver) GetHostAddress() net.IP {
	done := make(chan net.IP, 1)
	d.q.Post(func() { done <- d.hostAddr })
	return <-done
}

func (d *Driver) Terminate() {
	if d.cancelProbe != nil {
		d.cancelProbe()
	}
	d.q.Stop(10 * time.Second)
}

// startProbe resets the state machine and begins the first attempt. It
// runs on d.q.
func (d *Driver) startProbe() {
	if d.cancelProbe != nil {
		d.cancelProbe()
		d.cancelProbe = nil
	}
	d.state = stateProbing
	d.backoff.Reset()
	d.attemptProbe()
}

// attemptProbe resolves the default gateway and issues a public-address
// request. On success the IGD transitions to Active and an Added event
// fires; on failure it retries with linear backoff up to maxProbeRetries,
// then gives up silently (spec: IGD search never reports an error back to
// the consumer, only via its absence from IGDList).
func (d *Driver) attemptProbe() {
	gw, err := gateway.Discover()
	if err != nil {
		d.scheduleRetry(fmt.Errorf("discover default gateway: %w", err))
		return
	}
	host, err := gateway.LocalAddress(gw)
	if err != nil {
		d.scheduleRetry(fmt.Errorf("resolve local address: %w", err))
		return
	}

	client := gonatpmp.NewClientWithTimeout(gw, requestTimeout)
	res, err := client.GetExternalAddress()
	if err != nil {
		d.scheduleRetry(err)
		return
	}

	d.gwAddr = gw
	d.hostAddr = host
	d.client = client
	d.igd = portmap.NewBase(portmap.DriverNATPMP, gw.String(), host)
	d.igd.SetPublicIP(net.IP(res.ExternalIPAddress[:]))
	d.state = stateActive

	if d.observer != nil {
		d.observer.OnIGDUpdated(d.igd, portmap.IGDAdded)
	}
}

func (d *Driver) scheduleRetry(err error) {
	delay, ok := d.backoff.NextDelay()
	if !ok {
		log.Debugf("portmap/natpmp: probe giving up after %d attempts: %v", d.backoff.Attempt(), err)
		d.state = stateUninitialized
		return
	}
	log.Debugf("portmap/natpmp: probe attempt failed, retrying in %s: %v", delay, err)
	d.cancelProbe = d.q.PostAfter(delay, d.attemptProbe)
}

// RequestMappingAdd issues an AddPortMapping transaction and reports the
// result via Observer.OnMappingAdded / OnMappingRequestFailed.
func (d *Driver) RequestMappingAdd(igd portmap.IGD, m *portmap.Mapping) {
	d.q.Post(func() { d.doMap(m, d.lifetime) })
}

// RequestMappingRenew re-issues the same AddPortMapping transaction; NAT-PMP
// has no distinct renew opcode, renewal is just another grant request.
func (d *Driver) RequestMappingRenew(igd portmap.IGD, m *portmap.Mapping) {
	d.q.Post(func() { d.doRenew(m, d.lifetime) })
}

// RequestMappingRemove issues a lifetime-0 grant request, which RFC 6886
// defines as a delete.
func (d *Driver) RequestMappingRemove(igd portmap.IGD, m *portmap.Mapping) {
	d.q.Post(func() { d.doRemove(m) })
}

func (d *Driver) doMap(m *portmap.Mapping, lifetime time.Duration) {
	result, err := d.mapWithRetry(m, lifetime)
	key := m.MapKey()
	if err != nil {
		d.reportFatal(err)
		if d.observer != nil {
			d.observer.OnMappingRequestFailed(portmap.MappingResult{Key: key, Family: m.Family(), Err: err})
		}
		return
	}
	if d.observer != nil {
		d.observer.OnMappingAdded(portmap.Ref(d.igd), *result)
	}
}

func (d *Driver) doRenew(m *portmap.Mapping, lifetime time.Duration) {
	result, err := d.mapWithRetry(m, lifetime)
	key := m.MapKey()
	if err != nil {
		d.reportFatal(err)
		if d.observer != nil {
			d.observer.OnMappingRenewed(portmap.Ref(d.igd), portmap.MappingResult{Key: key, Family: m.Family(), Err: err})
		}
		return
	}
	if d.observer != nil {
		d.observer.OnMappingRenewed(portmap.Ref(d.igd), *result)
	}
}

func (d *Driver) doRemove(m *portmap.Mapping) {
	key := m.MapKey()
	if d.client == nil {
		if d.observer != nil {
			d.observer.OnMappingRemoved(portmap.Ref(d.igd), portmap.MappingResult{Key: key, Family: m.Family()})
		}
		return
	}
	_, err := d.client.AddPortMapping(protoString(m.Family()), int(m.InternalPort()), 0, 0)
	if err != nil {
		// Per spec: a remove-all/remove at shutdown that fails because the
		// socket is already gone is silently tolerated.
		log.Debugf("portmap/natpmp: remove mapping %s: %v", m, err)
	}
	if d.observer != nil {
		d.observer.OnMappingRemoved(portmap.Ref(d.igd), portmap.MappingResult{Key: key, Family: m.Family()})
	}
}

// mapWithRetry performs a single AddPortMapping call, retrying transient
// (TRYAGAIN-equivalent) failures up to maxReadRetries times spaced 300ms
// apart, per spec.md section 7's transient/fatal taxonomy.
func (d *Driver) mapWithRetry(m *portmap.Mapping, lifetime time.Duration) (*portmap.MappingResult, error) {
	if d.client == nil || d.igd == nil || !d.igd.IsValid() {
		return nil, portmap.ErrNoIGD
	}

	var lastErr error
	for attempt := 0; attempt <= maxReadRetries; attempt++ {
		res, err := d.client.AddPortMapping(protoString(m.Family()), int(m.InternalPort()), int(m.ExternalPort()), int(lifetime.Seconds()))
		if err == nil {
			granted := time.Duration(res.PortMappingLifetimeInSeconds) * time.Second
			return &portmap.MappingResult{
				Key:          m.MapKey(),
				Family:       m.Family(),
				ExternalPort: res.MappedExternalPort,
				InternalAddr: d.hostAddr,
				RenewalTime:  time.Now().Add(granted * 4 / 5),
			}, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
		time.Sleep(300 * time.Millisecond)
	}
	return nil, lastErr
}

// reportFatal increments the IGD's error counter and, once it latches
// invalid, emits InvalidState so the coordinator drops it from the valid
// set.
func (d *Driver) reportFatal(err error) {
	if d.igd == nil || isTransient(err) {
		return
	}
	if !d.igd.IncrementErrors() {
		d.state = stateInvalid
		if d.observer != nil {
			d.observer.OnIGDUpdated(d.igd, portmap.IGDInvalidState)
		}
	}
}

// isTransient reports whether err looks like a TRYAGAIN-equivalent
// condition worth a bounded retry rather than an immediate fatal count.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "timeout") || strings.Contains(s, "try again") || strings.Contains(s, "temporarily")
}

func protoString(family portmap.Protocol) string {
	if family == portmap.UDP {
		return "udp"
	}
	return "tcp"
}
