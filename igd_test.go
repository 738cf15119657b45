package portmap

import (
	"net"
	"testing"
)

func TestIGDErrorLatch(t *testing.T) {
	b := NewBase(DriverNATPMP, "gw1", net.ParseIP("192.168.1.2"))
	if !b.IsValid() {
		t.Fatalf("a freshly created IGD must start valid")
	}

	for i := 0; i < MaxErrorsCount-1; i++ {
		if !b.IncrementErrors() {
			t.Fatalf("IGD invalidated after only %d errors, want %d", i+1, MaxErrorsCount)
		}
	}
	if b.IncrementErrors() {
		t.Fatalf("IGD should have latched invalid at the %dth error", MaxErrorsCount)
	}
	if b.IsValid() {
		t.Fatalf("IsValid() should report false once latched")
	}

	// Further errors must not un-latch or panic.
	if b.IncrementErrors() {
		t.Fatalf("IncrementErrors on an already-invalid IGD must return false")
	}

	b.SetValid(true)
	if !b.IsValid() {
		t.Fatalf("SetValid(true) must clear the latch")
	}
	if b.IncrementErrors() == false {
		t.Fatalf("after SetValid(true) resets the counter, the IGD should tolerate another error")
	}
}

func TestBaseEqual(t *testing.T) {
	a := NewBase(DriverNATPMP, "gw1", net.ParseIP("192.168.1.1"))
	a.SetPublicIP(net.ParseIP("203.0.113.1"))
	b := NewBase(DriverNATPMP, "gw1", net.ParseIP("192.168.1.1"))
	b.SetPublicIP(net.ParseIP("203.0.113.1"))

	if !IGDEqual(a, b) {
		t.Fatalf("IGDs with matching (driver, uid, local_ip, public_ip) should be equal")
	}

	b.SetPublicIP(net.ParseIP("203.0.113.2"))
	if IGDEqual(a, b) {
		t.Fatalf("IGDs with differing public_ip must not be equal")
	}
}

type equalerIGD struct {
	*Base
	extra string
}

func (e *equalerIGD) EqualIGD(other IGD) bool {
	o, ok := other.(*equalerIGD)
	return ok && BaseEqual(e, o) && e.extra == o.extra
}

func TestIGDEqualDispatchesToOverride(t *testing.T) {
	mk := func(extra string) *equalerIGD {
		return &equalerIGD{Base: NewBase(DriverUPnP, "router", net.ParseIP("192.168.1.1")), extra: extra}
	}
	a := mk("control-a")
	b := mk("control-a")
	c := mk("control-b")

	if !IGDEqual(a, b) {
		t.Fatalf("equalerIGD instances with matching extra fields should be equal")
	}
	if IGDEqual(a, c) {
		t.Fatalf("equalerIGD instances with differing extra fields must not be equal via the base rule alone")
	}
}
