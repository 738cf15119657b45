package pupnp

import (
	"net"
	"net/url"
	"testing"
)

func TestHostMatchesAddr(t *testing.T) {
	cases := []struct {
		hostport string
		addr     string
		want     bool
	}{
		{"192.168.1.1:1900", "192.168.1.1", true},
		{"192.168.1.1", "192.168.1.1", true},
		{"192.168.1.2:1900", "192.168.1.1", false},
	}
	for _, c := range cases {
		got := hostMatchesAddr(c.hostport, net.ParseIP(c.addr))
		if got != c.want {
			t.Fatalf("hostMatchesAddr(%q, %q) = %v, want %v", c.hostport, c.addr, got, c.want)
		}
	}
}

func TestFindWANService(t *testing.T) {
	d := &xDevice{
		DeviceType: deviceTypeIGD,
		Devices: []xDevice{
			{
				Services: []xService{
					{ServiceType: "urn:schemas-upnp-org:service:Layer3Forwarding:1", ServiceID: "l3f", ControlURL: "/l3f", EventSubURL: "/l3f/event"},
					{ServiceType: serviceTypeWANIPConn, ServiceID: "wanip", ControlURL: "/ctl/ip", EventSubURL: "/evt/ip"},
				},
			},
		},
	}

	svc := findWANService(d)
	if svc == nil {
		t.Fatalf("expected to find the WANIPConnection service nested under a child device")
	}
	if svc.ServiceID != "wanip" {
		t.Fatalf("found wrong service: %+v", svc)
	}
}

func TestFindWANServiceRejectsIncomplete(t *testing.T) {
	d := &xDevice{
		Services: []xService{
			{ServiceType: serviceTypeWANIPConn, ServiceID: "", ControlURL: "/ctl/ip", EventSubURL: "/evt/ip"},
		},
	}
	if svc := findWANService(d); svc != nil {
		t.Fatalf("a service with an empty serviceId must be rejected, got %+v", svc)
	}
}

func TestResolveURL(t *testing.T) {
	base, _ := url.Parse("http://192.168.1.1:5000/desc.xml")
	got := resolveURL(base, "/ctl/ip")
	if got == nil || got.String() != "http://192.168.1.1:5000/ctl/ip" {
		t.Fatalf("resolveURL returned %v, want http://192.168.1.1:5000/ctl/ip", got)
	}

	if resolveURL(base, "") != nil {
		t.Fatalf("resolveURL with an empty ref should return nil")
	}
}

func TestXMLEscape(t *testing.T) {
	if got := xmlEscape("JAMI-TCP:80"); got != "JAMI-TCP:80" {
		t.Fatalf("xmlEscape altered a string with no special characters: %q", got)
	}
	if got := xmlEscape("a<b"); got == "a<b" {
		t.Fatalf("xmlEscape should have escaped '<'")
	}
}
