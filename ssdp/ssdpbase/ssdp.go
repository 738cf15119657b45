// Package ssdpbase is a low-level SSDP client: it sends periodic M-SEARCH
// beacons for a fixed set of search targets and streams parsed responses.
//
// Use package ssdp instead of this package.
package ssdpbase

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// BroadcastInterval is how often M-SEARCH beacons are resent.
const BroadcastInterval = 60 * time.Second

// SearchTargets are the four ST headers searched for on each beacon round,
// per the UPnP IGD:1 control-point discovery step.
var SearchTargets = []string{
	"urn:schemas-upnp-org:device:InternetGatewayDevice:1",
	"urn:schemas-upnp-org:service:WANIPConnection:1",
	"urn:schemas-upnp-org:service:WANPPPConnection:1",
	"ssdp:all",
}

// Event represents a received SSDP beacon response.
type Event struct {
	Location *url.URL
	ST       string
	USN      string
	// RemoteAddr is the address the response was received from, used by
	// the higher-level validation pipeline to sanity-check it against the
	// advertised Location host.
	RemoteAddr net.IP
}

// Client streams SSDP events until Stop is called.
type Client interface {
	Chan() <-chan Event
	Stop()
}

type client struct {
	conn      *net.UDPConn
	eventChan chan Event
	stopChan  chan struct{}
}

func (c *client) Stop() {
	close(c.stopChan)
	c.conn.Close()
}

func (c *client) Chan() <-chan Event {
	return c.eventChan
}

func (c *client) broadcastLoop() {
	ssdpAddr, err := net.ResolveUDPAddr("udp4", "239.255.255.250:1900")
	if err != nil {
		return
	}

	ticker := time.NewTicker(BroadcastInterval)
	defer ticker.Stop()

	for {
		for _, st := range SearchTargets {
			msg := []byte(fmt.Sprintf(
				"M-SEARCH * HTTP/1.1\r\n"+
					"HOST: 239.255.255.250:1900\r\n"+
					"ST: %s\r\n"+
					"MAN: \"ssdp:discover\"\r\n"+
					"MX: 2\r\n\r\n", st))
			c.conn.WriteToUDP(msg, ssdpAddr) // best-effort
		}
		select {
		case <-ticker.C:
		case <-c.stopChan:
			return
		}
	}
}

func (c *client) handleResponse(res *http.Response, from net.IP) {
	if res.StatusCode != 200 {
		return
	}

	st := res.Header.Get("ST")
	if st == "" {
		return
	}

	loc, err := res.Location()
	if err != nil {
		return
	}

	usn := res.Header.Get("USN")
	if usn == "" {
		usn = loc.String()
	}

	ev := Event{
		Location:   loc,
		ST:         st,
		USN:        usn,
		RemoteAddr: from,
	}

	select {
	case c.eventChan <- ev:
	default:
		// events not being waited for are simply dropped
	}
}

func (c *client) recvLoop() {
	buf := make([]byte, 4096)
	for {
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		rbio := bufio.NewReader(bytes.NewReader(buf[:n]))
		res, err := http.ReadResponse(rbio, nil)
		if err == nil {
			c.handleResponse(res, addr.IP)
		}
	}
}

// NewClient opens an ephemeral UDP socket and starts beaconing + receiving
// in the background.
func NewClient() (Client, error) {
	conng, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, err
	}

	conn := conng.(*net.UDPConn)

	c := &client{
		stopChan:  make(chan struct{}),
		eventChan: make(chan Event, 16),
		conn:      conn,
	}

	go c.broadcastLoop()
	go c.recvLoop()

	return c, nil
}
