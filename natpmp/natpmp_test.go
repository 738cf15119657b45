package natpmp

import (
	"errors"
	"testing"
	"time"

	"github.com/savoirfairelinux/jami-daemon-sub002"
)

func TestProtoString(t *testing.T) {
	if protoString(portmap.TCP) != "tcp" {
		t.Fatalf("protoString(TCP) = %q, want tcp", protoString(portmap.TCP))
	}
	if protoString(portmap.UDP) != "udp" {
		t.Fatalf("protoString(UDP) = %q, want udp", protoString(portmap.UDP))
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("i/o timeout"), true},
		{errors.New("please try again"), true},
		{errors.New("connection refused"), false},
		{errors.New("SOCKETERROR"), false},
	}
	for _, c := range cases {
		if got := isTransient(c.err); got != c.want {
			t.Fatalf("isTransient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestBackoffGivesUpAfterMaxProbeRetries(t *testing.T) {
	d := New(time.Hour)
	for i := 0; i < maxProbeRetries; i++ {
		if _, ok := d.backoff.NextDelay(); !ok {
			t.Fatalf("attempt %d should still be within maxProbeRetries", i+1)
		}
	}
	if _, ok := d.backoff.NextDelay(); ok {
		t.Fatalf("backoff should be exhausted after maxProbeRetries attempts")
	}
}
