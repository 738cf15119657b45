package portmap

import (
	"testing"
	"time"
)

func TestBackoffLinear(t *testing.T) {
	b := Backoff{Base: 10 * time.Second, MaxTries: 3}

	want := []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second}
	for i, w := range want {
		d, ok := b.NextDelay()
		if !ok {
			t.Fatalf("attempt %d: expected ok=true", i+1)
		}
		if d != w {
			t.Fatalf("attempt %d: delay = %s, want %s", i+1, d, w)
		}
	}

	if _, ok := b.NextDelay(); ok {
		t.Fatalf("NextDelay should fail once MaxTries is exhausted")
	}

	b.Reset()
	d, ok := b.NextDelay()
	if !ok || d != 10*time.Second {
		t.Fatalf("after Reset, NextDelay should restart at Base (got %s, ok=%v)", d, ok)
	}
}

func TestBackoffUnlimited(t *testing.T) {
	b := Backoff{Base: time.Second}
	for i := 0; i < 100; i++ {
		if _, ok := b.NextDelay(); !ok {
			t.Fatalf("MaxTries=0 should mean unlimited attempts, failed at attempt %d", i+1)
		}
	}
}
