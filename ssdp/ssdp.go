// Package ssdp is an SSDP registry: it drives package ssdpbase's beacon
// client and keeps a deduplicated, aged view of discovered services.
package ssdp

import (
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/savoirfairelinux/jami-daemon-sub002/ssdp/ssdpbase"
)

// Service describes a device or service announced over SSDP.
type Service struct {
	Location   *url.URL
	ST         string
	USN        string
	LastSeen   time.Time
	RemoteAddr net.IP
}

// Registry owns one ssdpbase.Client and the services it has observed. The
// teacher's version of this package used package-level state shared by
// every caller; this one is a per-instance registry instead, so the pupnp
// driver can own exactly one registry per driver instance without a
// process-wide singleton (and so the registry's map has an actual lock
// around it — the original read the map from two goroutines unguarded).
type Registry struct {
	mu     sync.Mutex
	client ssdpbase.Client
	byUSN  map[string]*Service
}

// NewRegistry starts SSDP discovery and returns once the receiver
// goroutine is running. Call Stop to release the underlying socket.
func NewRegistry() (*Registry, error) {
	client, err := ssdpbase.NewClient()
	if err != nil {
		return nil, err
	}
	r := &Registry{
		client: client,
		byUSN:  make(map[string]*Service),
	}
	go r.loop()
	return r, nil
}

func (r *Registry) loop() {
	for ev := range r.client.Chan() {
		r.mu.Lock()
		svc, already := r.byUSN[ev.USN]
		if !already {
			svc = &Service{USN: ev.USN}
			r.byUSN[ev.USN] = svc
		}
		svc.ST = ev.ST
		svc.Location = ev.Location
		svc.RemoteAddr = ev.RemoteAddr
		svc.LastSeen = time.Now()
		r.mu.Unlock()
	}
}

// Stop closes the underlying socket, ending the receiver goroutine.
func (r *Registry) Stop() {
	r.client.Stop()
}

// ServicesByType returns every currently-known service matching st whose
// last notice arrived within the last three broadcast intervals.
func (r *Registry) ServicesByType(st string) []Service {
	limit := time.Now().Add(ssdpbase.BroadcastInterval * -3)

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Service
	for _, svc := range r.byUSN {
		if svc.ST == st && svc.LastSeen.After(limit) {
			out = append(out, *svc)
		}
	}
	return out
}
