// Package pupnp implements the PUPnPProtocol driver: SSDP discovery,
// device-description validation, and SOAP/WANIPConnection actions against
// UPnP IGD:1 routers.
package pupnp

import (
	"encoding/xml"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JekaMas/workerpool"
	"github.com/hlandau/xlog"

	"github.com/savoirfairelinux/jami-daemon-sub002"
	"github.com/savoirfairelinux/jami-daemon-sub002/gateway"
	"github.com/savoirfairelinux/jami-daemon-sub002/ssdp"
	"github.com/savoirfairelinux/jami-daemon-sub002/ssdp/ssdpbase"
)

var log, Log = xlog.NewQuiet("portmap.pupnp")

const (
	deviceTypeIGD             = "urn:schemas-upnp-org:device:InternetGatewayDevice:1"
	serviceTypeWANIPConn      = "urn:schemas-upnp-org:service:WANIPConnection:1"
	serviceTypeWANPPPConn     = "urn:schemas-upnp-org:service:WANPPPConnection:1"
	searchTimeout             = 60 * time.Second
	maxSearchRetries          = 3
	arrayIdxInvalidErrorCode  = "713"
	conflictInMappingErrCode  = "718"
	downloadWorkerPoolSize    = 4
)

// UPnPIGD specializes portmap.Base with the WANIPConnection endpoint
// details a control point needs to issue SOAP actions.
type UPnPIGD struct {
	*portmap.Base

	mu          sync.Mutex
	friendlyID  string
	locationURL *url.URL
	controlURL  *url.URL
	eventSubURL *url.URL
	serviceType string
}

// EqualIGD implements the igdEqualer optional interface: in addition to
// the base (local_ip, public_ip, uid) comparison, two UPnPIGDs must also
// agree on control_url, per spec.md section 4.4 step 8.
func (u *UPnPIGD) EqualIGD(other portmap.IGD) bool {
	if !portmap.BaseEqual(u, other) {
		return false
	}
	o, ok := other.(*UPnPIGD)
	if !ok {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	o.mu.Lock()
	defer o.mu.Unlock()
	return u.controlURL != nil && o.controlURL != nil && u.controlURL.String() == o.controlURL.String()
}

func (u *UPnPIGD) String() string {
	u.mu.Lock()
	ctrl := "?"
	if u.controlURL != nil {
		ctrl = u.controlURL.String()
	}
	u.mu.Unlock()
	return fmt.Sprintf("%s control=%s", u.Base.String(), ctrl)
}

// Driver is the PUPnPProtocol driver.
type Driver struct {
	q        *portmap.TaskQueue
	observer portmap.Observer
	pool     *workerpool.WorkerPool

	registry *ssdp.Registry
	backoff  portmap.Backoff

	mu    sync.Mutex
	igds  map[string]*UPnPIGD // keyed by uid (location URL string)
	dedup map[string]struct{} // cp_device_id || location, seen candidates

	cancelSearch func()
}

// New constructs a PUPnP driver. SetObserver must be called (by the
// coordinator) before SearchForIGD.
func New() *Driver {
	return &Driver{
		q:     portmap.NewTaskQueue(64),
		pool:  workerpool.New(downloadWorkerPoolSize),
		igds:  make(map[string]*UPnPIGD),
		dedup: make(map[string]struct{}),

		backoff: portmap.Backoff{Base: 10 * time.Second, MaxTries: maxSearchRetries},
	}
}

func (d *Driver) Kind() portmap.DriverKind { return portmap.DriverUPnP }

func (d *Driver) SetObserver(o portmap.Observer) {
	d.q.Post(func() { d.observer = o })
}

// SearchForIGD (re)starts SSDP discovery. Per spec.md section 4.4, if no
// IGD validates within searchTimeout the search retries up to
// maxSearchRetries times with linear backoff.
func (d *Driver) SearchForIGD() {
	d.q.Post(d.startSearch)
}

func (d *Driver) IsReady() bool {
	done := make(chan bool, 1)
	d.q.Post(func() {
		for _, igd := range d.igds {
			if igd.IsValid() {
				done <- true
				return
			}
		}
		done <- false
	})
	return <-done
}

func (d *Driver) IGDList() []portmap.IGD {
	done := make(chan []portmap.IGD, 1)
	d.q.Post(func() {
		var out []portmap.IGD
		for _, igd := range d.igds {
			if igd.IsValid() {
				out = append(out, igd)
			}
		}
		done <- out
	})
	return <-done
}

func (d *Driver) ClearIGDs() {
	d.q.Post(func() {
		d.igds = make(map[string]*UPnPIGD)
		d.dedup = make(map[string]struct{})
	})
}

func (d *Driver) GetHostAddress() net.IP {
	gw, err := gateway.Discover()
	if err != nil {
		return nil
	}
	addr, err := gateway.LocalAddress(gw)
	if err != nil {
		return nil
	}
	return addr
}

func (d *Driver) Terminate() {
	if d.cancelSearch != nil {
		d.cancelSearch()
	}
	if d.registry != nil {
		d.registry.Stop()
	}
	d.pool.StopWait()
	d.q.Stop(10 * time.Second)
}

func (d *Driver) startSearch() {
	if d.cancelSearch != nil {
		d.cancelSearch()
		d.cancelSearch = nil
	}
	if d.registry != nil {
		d.registry.Stop()
	}
	registry, err := ssdp.NewRegistry()
	if err != nil {
		log.Errorf("portmap/pupnp: failed to start SSDP discovery: %v", err)
		return
	}
	d.registry = registry
	d.backoff.Reset()
	d.scheduleSearchRound()
}

func (d *Driver) scheduleSearchRound() {
	d.cancelSearch = d.q.PostAfter(searchTimeout, d.evaluateSearchRound)
	d.pollSources()
}

// pollSources fans out over the four search targets and dedupes candidates
// for asynchronous validation.
func (d *Driver) pollSources() {
	for _, st := range ssdpbase.SearchTargets {
		for _, svc := range d.registryServices(st) {
			d.considerCandidate(svc)
		}
	}
}

func (d *Driver) registryServices(st string) []ssdp.Service {
	if d.registry == nil {
		return nil
	}
	return d.registry.ServicesByType(st)
}

// considerCandidate runs the first steps of spec.md section 4.4's
// validation pipeline: source-address sanity, dedup, then an async XML
// download on the worker pool. The remainder of validation happens in
// finishValidation once the download completes, back on d.q.
func (d *Driver) considerCandidate(svc ssdp.Service) {
	if svc.Location == nil {
		return
	}
	if svc.RemoteAddr != nil && !hostMatchesAddr(svc.Location.Host, svc.RemoteAddr) {
		log.Debugf("portmap/pupnp: discarding %s, location host does not match source %s", svc.Location, svc.RemoteAddr)
		return
	}

	key := svc.USN + "||" + svc.Location.String()
	d.mu.Lock()
	if _, seen := d.dedup[key]; seen {
		d.mu.Unlock()
		return
	}
	d.dedup[key] = struct{}{}
	d.mu.Unlock()

	locURL := svc.Location
	d.pool.Submit(func() {
		root, err := downloadDeviceDescription(locURL)
		d.q.Post(func() {
			if err != nil {
				log.Debugf("portmap/pupnp: device description download failed for %s: %v", locURL, err)
				return
			}
			d.finishValidation(locURL, root)
		})
	})
}

// finishValidation runs on d.q: steps 3-10 of the validation pipeline.
func (d *Driver) finishValidation(locURL *url.URL, root *xRootDevice) {
	if root.Device.DeviceType != deviceTypeIGD {
		return
	}

	svc := findWANService(&root.Device)
	if svc == nil {
		return
	}

	base := locURL
	if root.URLBase != "" {
		if u, err := url.Parse(root.URLBase); err == nil {
			base = u
		}
	}
	controlURL := resolveURL(base, svc.ControlURL)
	eventSubURL := resolveURL(base, svc.EventSubURL)
	if controlURL == nil || svc.ServiceID == "" {
		return
	}

	status, err := getStatusInfo(controlURL)
	if err != nil || status != "Connected" {
		return
	}

	pubIP, err := getExternalIPAddress(controlURL)
	if err != nil || pubIP == nil {
		return
	}

	localIP := d.GetHostAddress()

	igd := &UPnPIGD{
		Base:        portmap.NewBase(portmap.DriverUPnP, locURL.String(), localIP),
		locationURL: locURL,
		controlURL:  controlURL,
		eventSubURL: eventSubURL,
		serviceType: svc.ServiceType,
	}
	igd.SetPublicIP(pubIP)

	d.mu.Lock()
	for _, existing := range d.igds {
		if portmap.IGDEqual(existing, igd) {
			d.mu.Unlock()
			return
		}
	}
	d.igds[igd.UID()] = igd
	d.mu.Unlock()

	// Event subscription (step 9) is a registered collaborator outside
	// this driver's scope; UPnP leases are treated as permanent regardless
	// of whether the subscription renews, so losing it degrades to relying
	// on prune_mapping_list rather than blocking validation.
	if d.observer != nil {
		d.observer.OnIGDUpdated(igd, portmap.IGDAdded)
	}
}

func (d *Driver) evaluateSearchRound() {
	d.mu.Lock()
	haveValid := false
	for _, igd := range d.igds {
		if igd.IsValid() {
			haveValid = true
			break
		}
	}
	d.mu.Unlock()

	if haveValid {
		d.backoff.Reset()
		return
	}

	delay, ok := d.backoff.NextDelay()
	if !ok {
		log.Debugf("portmap/pupnp: discovery exhausted retries with no valid IGD")
		return
	}
	d.cancelSearch = d.q.PostAfter(delay, d.scheduleSearchRound)
}

func hostMatchesAddr(hostport string, addr net.IP) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return false
		}
		ip = ips[0]
	}
	return ip.Equal(addr)
}

// --- mapping actions ---

func (d *Driver) RequestMappingAdd(igd portmap.IGD, m *portmap.Mapping) {
	d.q.Post(func() { d.doAdd(igd, m) })
}

func (d *Driver) RequestMappingRenew(igd portmap.IGD, m *portmap.Mapping) {
	// UPnP leases are permanent (NewLeaseDuration=0); renewal is a no-op.
}

func (d *Driver) RequestMappingRemove(igd portmap.IGD, m *portmap.Mapping) {
	d.q.Post(func() { d.doRemove(igd, m) })
}

func (d *Driver) doAdd(igdIface portmap.IGD, m *portmap.Mapping) {
	key := m.MapKey()
	igd, ok := igdIface.(*UPnPIGD)
	if !ok {
		d.failMapping(key, m.Family(), portmap.ErrNoIGD)
		return
	}

	descr := portmap.MappingDescription(m.Family(), m.InternalPort())
	localIP := igd.LocalIP()
	err := addPortMapping(igd.controlURLLocked(), m.Family(), m.InternalPort(), m.ExternalPort(), localIP, descr)
	if err != nil {
		if !igd.IncrementErrors() && d.observer != nil {
			d.observer.OnIGDUpdated(igd, portmap.IGDInvalidState)
		}
		d.failMapping(key, m.Family(), err)
		return
	}

	if d.observer != nil {
		d.observer.OnMappingAdded(portmap.Ref(igd), portmap.MappingResult{
			Key:          key,
			Family:       m.Family(),
			ExternalPort: m.ExternalPort(),
			InternalAddr: localIP,
		})
	}
}

func (d *Driver) doRemove(igdIface portmap.IGD, m *portmap.Mapping) {
	key := m.MapKey()
	igd, ok := igdIface.(*UPnPIGD)
	if ok {
		if err := deletePortMapping(igd.controlURLLocked(), m.Family(), m.ExternalPort()); err != nil {
			log.Debugf("portmap/pupnp: delete mapping %s: %v", m, err)
		}
	}
	if d.observer != nil {
		d.observer.OnMappingRemoved(portmap.Ref(igdIface), portmap.MappingResult{Key: key, Family: m.Family()})
	}
}

func (d *Driver) failMapping(key uint64, family portmap.Protocol, err error) {
	if d.observer != nil {
		d.observer.OnMappingRequestFailed(portmap.MappingResult{Key: key, Family: family, Err: err})
	}
}

func (u *UPnPIGD) controlURLLocked() *url.URL {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.controlURL
}

// ListRemoteMappings implements portmap.RemoteLister for the coordinator's
// UPnP-only prune step: it iterates GetGenericPortMappingEntry until the
// router reports ArrayIdxInvalid (713) or, on routers that misuse it,
// ConflictInMapping (718).
func (d *Driver) ListRemoteMappings(igdIface portmap.IGD) (map[uint64]portmap.RemoteMappingInfo, error) {
	igd, ok := igdIface.(*UPnPIGD)
	if !ok {
		return nil, fmt.Errorf("pupnp: ListRemoteMappings called with a non-UPnP IGD")
	}

	type result struct {
		out map[uint64]portmap.RemoteMappingInfo
		err error
	}
	done := make(chan result, 1)

	// The SOAP round-trips below hit the router over HTTP; they must never
	// run on the caller's goroutine (the coordinator's own queue), so this
	// is dispatched onto d.q like every other driver entry point and the
	// caller blocks only on the channel, not on the queue itself.
	d.q.Post(func() {
		controlURL := igd.controlURLLocked()
		out := make(map[uint64]portmap.RemoteMappingInfo)
		for idx := 0; ; idx++ {
			entry, errCode, err := getGenericPortMappingEntry(controlURL, idx)
			if err != nil {
				done <- result{nil, err}
				return
			}
			if errCode == arrayIdxInvalidErrorCode || errCode == conflictInMappingErrCode {
				break
			}
			if entry == nil {
				break
			}
			family := portmap.TCP
			if strings.EqualFold(entry.Protocol, "UDP") {
				family = portmap.UDP
			}
			out[portmap.MapKey(entry.InternalPort, family)] = portmap.RemoteMappingInfo{
				Family:       family,
				ExternalPort: entry.ExternalPort,
				InternalPort: entry.InternalPort,
				Description:  entry.Description,
			}
		}
		done <- result{out, nil}
	})

	r := <-done
	return r.out, r.err
}

// --- SOAP/XML plumbing, grounded on the teacher's upnp.go ---

type xRootDevice struct {
	XMLName xml.Name `xml:"root"`
	URLBase string   `xml:"URLBase"`
	Device  xDevice  `xml:"device"`
}

type xDevice struct {
	DeviceType string     `xml:"deviceType"`
	Services   []xService `xml:"serviceList>service,omitempty"`
	Devices    []xDevice  `xml:"deviceList>device,omitempty"`
}

type xService struct {
	ServiceType string `xml:"serviceType"`
	ServiceID   string `xml:"serviceId"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
}

func findWANService(d *xDevice) *xService {
	for i := range d.Services {
		s := &d.Services[i]
		if (s.ServiceType == serviceTypeWANIPConn || s.ServiceType == serviceTypeWANPPPConn) &&
			s.ServiceID != "" && s.ControlURL != "" && s.EventSubURL != "" {
			return s
		}
	}
	for i := range d.Devices {
		if s := findWANService(&d.Devices[i]); s != nil {
			return s
		}
	}
	return nil
}

func resolveURL(base *url.URL, ref string) *url.URL {
	if ref == "" {
		return nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil
	}
	return base.ResolveReference(u)
}

func downloadDeviceDescription(locURL *url.URL) (*xRootDevice, error) {
	res, err := http.Get(locURL.String())
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return nil, fmt.Errorf("pupnp: non-200 status %d retrieving device description", res.StatusCode)
	}

	var root xRootDevice
	if err := xml.NewDecoder(res.Body).Decode(&root); err != nil {
		return nil, err
	}
	return &root, nil
}

type xSoapEnvelope struct {
	XMLName xml.Name  `xml:"Envelope"`
	Body    xSoapBody `xml:"Body"`
}

type xSoapBody struct {
	XMLName xml.Name `xml:"Body"`
	Data    []byte   `xml:",innerxml"`
}

type xSoapFault struct {
	XMLName   xml.Name `xml:"Fault"`
	ErrorCode string   `xml:"detail>UPnPError>errorCode"`
}

func soapRequest(controlURL *url.URL, method, msg string) ([]byte, string, error) {
	envelope := `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body>` + msg + `</s:Body></s:Envelope>`

	req, err := http.NewRequest("POST", controlURL.String(), strings.NewReader(envelope))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", `"`+serviceTypeWANIPConn+`#`+method+`"`)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer res.Body.Close()

	var envResp xSoapEnvelope
	if err := xml.NewDecoder(res.Body).Decode(&envResp); err != nil {
		return nil, "", err
	}

	if res.StatusCode != 200 {
		var fault xSoapFault
		xml.Unmarshal(envResp.Body.Data, &fault)
		return nil, fault.ErrorCode, fmt.Errorf("pupnp: %s returned HTTP %d (error %s)", method, res.StatusCode, fault.ErrorCode)
	}

	return envResp.Body.Data, "", nil
}

func addPortMapping(controlURL *url.URL, family portmap.Protocol, internalPort, externalPort uint16, internalClient net.IP, descr string) error {
	if controlURL == nil {
		return portmap.ErrNoIGD
	}
	client := "0.0.0.0"
	if internalClient != nil {
		client = internalClient.String()
	}
	msg := fmt.Sprintf(`<u:AddPortMapping xmlns:u="%s"><NewRemoteHost></NewRemoteHost><NewExternalPort>%d</NewExternalPort><NewProtocol>%s</NewProtocol><NewInternalPort>%d</NewInternalPort><NewInternalClient>%s</NewInternalClient><NewEnabled>1</NewEnabled><NewPortMappingDescription>%s</NewPortMappingDescription><NewLeaseDuration>0</NewLeaseDuration></u:AddPortMapping>`,
		serviceTypeWANIPConn, externalPort, family, internalPort, client, xmlEscape(descr))
	_, _, err := soapRequest(controlURL, "AddPortMapping", msg)
	return err
}

func deletePortMapping(controlURL *url.URL, family portmap.Protocol, externalPort uint16) error {
	if controlURL == nil {
		return portmap.ErrNoIGD
	}
	msg := fmt.Sprintf(`<u:DeletePortMapping xmlns:u="%s"><NewRemoteHost></NewRemoteHost><NewExternalPort>%d</NewExternalPort><NewProtocol>%s</NewProtocol></u:DeletePortMapping>`,
		serviceTypeWANIPConn, externalPort, family)
	_, _, err := soapRequest(controlURL, "DeletePortMapping", msg)
	return err
}

type xStatusInfoResponse struct {
	XMLName xml.Name `xml:"GetStatusInfoResponse"`
	Status  string   `xml:"NewConnectionStatus"`
}

func getStatusInfo(controlURL *url.URL) (string, error) {
	data, _, err := soapRequest(controlURL, "GetStatusInfo", `<u:GetStatusInfo xmlns:u="`+serviceTypeWANIPConn+`"/>`)
	if err != nil {
		return "", err
	}
	var resp xStatusInfoResponse
	if err := xml.Unmarshal(data, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

type xExternalIPResponse struct {
	XMLName xml.Name `xml:"GetExternalIPAddressResponse"`
	Address string   `xml:"NewExternalIPAddress"`
}

func getExternalIPAddress(controlURL *url.URL) (net.IP, error) {
	data, _, err := soapRequest(controlURL, "GetExternalIPAddress", `<u:GetExternalIPAddress xmlns:u="`+serviceTypeWANIPConn+`"/>`)
	if err != nil {
		return nil, err
	}
	var resp xExternalIPResponse
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	ip := net.ParseIP(resp.Address)
	if ip == nil {
		return nil, fmt.Errorf("pupnp: unparseable external address %q", resp.Address)
	}
	return ip, nil
}

type genericMappingEntry struct {
	Protocol     string
	ExternalPort uint16
	InternalPort uint16
	Description  string
}

type xGenericMappingResponse struct {
	XMLName      xml.Name `xml:"GetGenericPortMappingEntryResponse"`
	Protocol     string   `xml:"NewProtocol"`
	ExternalPort string   `xml:"NewExternalPort"`
	InternalPort string   `xml:"NewInternalPort"`
	Description  string   `xml:"NewPortMappingDescription"`
}

func getGenericPortMappingEntry(controlURL *url.URL, index int) (*genericMappingEntry, string, error) {
	msg := fmt.Sprintf(`<u:GetGenericPortMappingEntry xmlns:u="%s"><NewPortMappingIndex>%d</NewPortMappingIndex></u:GetGenericPortMappingEntry>`, serviceTypeWANIPConn, index)
	data, errCode, err := soapRequest(controlURL, "GetGenericPortMappingEntry", msg)
	if err != nil {
		if errCode == arrayIdxInvalidErrorCode || errCode == conflictInMappingErrCode {
			return nil, errCode, nil
		}
		return nil, errCode, err
	}
	var resp xGenericMappingResponse
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, "", err
	}
	extPort, _ := strconv.ParseUint(resp.ExternalPort, 10, 16)
	intPort, _ := strconv.ParseUint(resp.InternalPort, 10, 16)
	return &genericMappingEntry{
		Protocol:     resp.Protocol,
		ExternalPort: uint16(extPort),
		InternalPort: uint16(intPort),
		Description:  resp.Description,
	}, "", nil
}

func xmlEscape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}
