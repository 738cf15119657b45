package portmap

import (
	"net"
	"testing"
)

func TestMapKeyRoundTrip(t *testing.T) {
	for _, family := range []Protocol{TCP, UDP} {
		for _, port := range []uint16{1, 1024, 65535} {
			key := MapKey(port, family)
			if got := FamilyFromKey(key); got != family {
				t.Fatalf("FamilyFromKey(MapKey(%d, %s)) = %s, want %s", port, family, got, family)
			}
		}
	}
}

func TestMapKeyDistinguishesFamily(t *testing.T) {
	if MapKey(4242, TCP) == MapKey(4242, UDP) {
		t.Fatalf("TCP and UDP mappings of the same port must not collide")
	}
}

func TestMappingDescriptionRoundTrip(t *testing.T) {
	descr := MappingDescription(UDP, 20123)
	if descr != "JAMI-UDP:20123" {
		t.Fatalf("unexpected description: %s", descr)
	}

	proto, port, ok := ParseMappingDescription(descr)
	if !ok {
		t.Fatalf("failed to parse our own description: %s", descr)
	}
	if proto != UDP || port != 20123 {
		t.Fatalf("parsed (%s, %d), want (UDP, 20123)", proto, port)
	}
}

func TestParseMappingDescriptionRejectsForeign(t *testing.T) {
	cases := []string{
		"",
		"JAMI-XYZ:80",
		"OTHER-TCP:80",
		"JAMI-TCP:notaport",
		"JAMI-TCP:0",
		"JAMI-TCP:99999",
	}
	for _, c := range cases {
		if _, _, ok := ParseMappingDescription(c); ok {
			t.Fatalf("ParseMappingDescription(%q) unexpectedly succeeded", c)
		}
	}
}

func TestMappingIsValid(t *testing.T) {
	m := NewMapping(TCP, 8080, 8080, net.ParseIP("203.0.113.5"), false)
	if m.IsValid() {
		t.Fatalf("a fresh mapping with no IGD should not be valid")
	}

	m.SetIGD(IGDRef{Driver: DriverNATPMP, UID: "gw"})
	if !m.IsValid() {
		t.Fatalf("mapping with an IGD, ports and a non-loopback address should be valid")
	}

	m.SetInternalAddr(net.ParseIP("127.0.0.1"))
	if m.IsValid() {
		t.Fatalf("a loopback internal address must never be valid")
	}
}

func TestMappingHasPublicAddress(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"203.0.113.5", true},
		{"10.0.0.5", false},
		{"172.16.0.5", false},
		{"192.168.1.5", false},
		{"127.0.0.1", false},
	}
	for _, c := range cases {
		m := NewMapping(TCP, 80, 80, net.ParseIP(c.addr), false)
		if got := m.HasPublicAddress(); got != c.want {
			t.Fatalf("HasPublicAddress(%s) = %v, want %v", c.addr, got, c.want)
		}
	}
}

func TestMappingUpdateFrom(t *testing.T) {
	src := NewMapping(UDP, 100, 200, net.ParseIP("203.0.113.1"), false)
	src.SetIGD(IGDRef{Driver: DriverUPnP, UID: "router"})
	src.SetState(StateOpen)

	dst := NewMapping(UDP, 100, 0, nil, true)
	dst.UpdateFrom(src)

	if dst.ExternalPort() != 200 || dst.State() != StateOpen || dst.IGD().UID != "router" {
		t.Fatalf("UpdateFrom did not copy expected fields: %+v", dst)
	}
}
