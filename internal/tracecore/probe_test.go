package tracecore

import (
	"net"
	"testing"
	"time"
)

func TestProbeStatusLifecycle(t *testing.T) {
	status := NotSentStatus()
	if !status.IsNotSent() {
		t.Fatalf("zero-value-ish NotSentStatus should report IsNotSent")
	}
	if status.IsAwaited() || status.IsComplete() || status.IsSkipped() {
		t.Fatalf("NotSentStatus should not report any other state")
	}

	sent := time.Now()
	p := New(1, 0x1234, 33434, 33500, 1, 0, sent, FlagIcmpClassic)
	status = Await(p)
	if !status.IsAwaited() {
		t.Fatalf("Await(p) should report IsAwaited")
	}
	awaited, ok := status.AsAwaited()
	if !ok || awaited != p {
		t.Fatalf("AsAwaited() = %+v, %v; want %+v, true", awaited, ok, p)
	}

	received := sent.Add(10 * time.Millisecond)
	host := net.ParseIP("192.0.2.1")
	done, err := status.Complete(host, received, IcmpPacketType{Kind: IcmpTimeExceeded}, nil)
	if err != nil {
		t.Fatalf("Complete on an Awaited status returned an error: %v", err)
	}
	if !done.IsComplete() {
		t.Fatalf("transitioned status should report IsComplete")
	}
	complete, ok := done.AsComplete()
	if !ok {
		t.Fatalf("AsComplete() ok = false on a Complete status")
	}
	if !complete.Received.Equal(received) || complete.Received.Before(complete.Sent) {
		t.Fatalf("ProbeComplete.Received = %v, Sent = %v; want received >= sent", complete.Received, complete.Sent)
	}
	if !complete.Host.Equal(host) {
		t.Fatalf("ProbeComplete.Host = %v, want %v", complete.Host, host)
	}
}

func TestProbeStatusIllegalTransitions(t *testing.T) {
	status := NotSentStatus()
	if _, err := status.Complete(nil, time.Now(), IcmpPacketType{}, nil); err != ErrNotAwaited {
		t.Fatalf("Complete on NotSent should return ErrNotAwaited, got %v", err)
	}

	skipped := SkippedStatus()
	if !skipped.IsSkipped() {
		t.Fatalf("SkippedStatus should report IsSkipped")
	}
	if _, err := skipped.Complete(nil, time.Now(), IcmpPacketType{}, nil); err != ErrNotAwaited {
		t.Fatalf("Complete on Skipped should return ErrNotAwaited, got %v", err)
	}

	p := New(1, 1, 0, 0, 1, 0, time.Now(), FlagIcmpClassic)
	awaited, err := Await(p).Complete(nil, time.Now(), IcmpPacketType{}, nil)
	if err != nil {
		t.Fatalf("unexpected error completing an Awaited probe: %v", err)
	}
	if _, err := awaited.Complete(nil, time.Now(), IcmpPacketType{}, nil); err != ErrNotAwaited {
		t.Fatalf("Complete on an already-Complete status should return ErrNotAwaited, got %v", err)
	}
}

func TestProbeTTLInvariant(t *testing.T) {
	for _, ttl := range []TimeToLive{1, 64, 255} {
		if !ValidTTL(ttl) {
			t.Errorf("ValidTTL(%d) = false, want true", ttl)
		}
	}
	if ValidTTL(0) {
		t.Errorf("ValidTTL(0) = true, want false")
	}
}

func TestFlagsString(t *testing.T) {
	tests := []struct {
		flags Flags
		want  string
	}{
		{FlagIcmpClassic, "icmp-classic"},
		{FlagClassicIPv4, "classic-ipv4"},
		{FlagParisIPv4, "paris-ipv4"},
		{FlagParisIPv6, "paris-ipv6"},
		{FlagDublinIPv4, "dublin-ipv4"},
		{FlagDublinIPv6, "dublin-ipv6"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		if got := tt.flags.String(); got != tt.want {
			t.Errorf("Flags(%d).String() = %q, want %q", tt.flags, got, tt.want)
		}
	}
}
