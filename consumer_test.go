package portmap

import "testing"

func TestConsumerRegistryRefCounting(t *testing.T) {
	r := newConsumerRegistry()
	h1, h2 := NewHandle(), NewHandle()

	if !r.add(h1) {
		t.Fatalf("first add should report wasEmpty=true")
	}
	if r.add(h2) {
		t.Fatalf("second add should report wasEmpty=false")
	}
	if r.count() != 2 {
		t.Fatalf("count() = %d, want 2", r.count())
	}

	if r.remove(h1) {
		t.Fatalf("removing one of two members should report nowEmpty=false")
	}
	if !r.remove(h2) {
		t.Fatalf("removing the last member should report nowEmpty=true")
	}

	// Removing an already-absent handle is a no-op that still reports empty.
	if !r.remove(h1) {
		t.Fatalf("remove on an empty registry should report nowEmpty=true")
	}
}

func TestNewHandleIsUnique(t *testing.T) {
	if NewHandle() == NewHandle() {
		t.Fatalf("NewHandle() must mint a fresh value each call")
	}
}
