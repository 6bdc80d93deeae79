package tracecore

import (
	"net"
	"time"
)

// Probe is the immutable record of a single outbound packet: everything
// needed to format its wire bytes and later recognize a response to it.
type Probe struct {
	Sequence   Sequence
	Identifier TraceId
	SrcPort    Port
	DestPort   Port
	TTL        TimeToLive
	Round      RoundId
	Sent       time.Time
	Flags      Flags
}

// New constructs a Probe. It performs no validation beyond what the type
// system already enforces. The ttl range is checked at send time, where
// Channel.Send rejects a TTL of 0 with ErrInvalidTTL before setting the
// socket option; the IPv4 UDP path writes the TTL into the header the
// codec built and does not check it.
func New(sequence Sequence, identifier TraceId, srcPort, destPort Port, ttl TimeToLive, round RoundId, sent time.Time, flags Flags) Probe {
	return Probe{
		Sequence:   sequence,
		Identifier: identifier,
		SrcPort:    srcPort,
		DestPort:   destPort,
		TTL:        ttl,
		Round:      round,
		Sent:       sent,
		Flags:      flags,
	}
}

// Complete consumes p and produces its completed form. Because Probe is a
// plain value, calling Complete again on the same local variable is legal
// Go but produces an independent ProbeComplete from the same data — the
// guard against double completion is ProbeStatus.Complete below, which
// replaces the Awaited slot and returns ErrNotAwaited on any later call.
func (p Probe) Complete(host net.IP, received time.Time, icmpType IcmpPacketType, extensions *Extensions) ProbeComplete {
	return ProbeComplete{
		Probe:      p,
		Host:       host,
		Received:   received,
		IcmpType:   icmpType,
		Extensions: extensions,
	}
}

// ProbeComplete carries every Probe field plus the correlation outcome.
type ProbeComplete struct {
	Probe
	Host       net.IP
	Received   time.Time
	IcmpType   IcmpPacketType
	Extensions *Extensions
}

// probeStatusKind tags the ProbeStatus sum type.
type probeStatusKind uint8

const (
	statusNotSent probeStatusKind = iota
	statusSkipped
	statusAwaited
	statusComplete
)

// ProbeStatus is the four-state probe lifecycle: NotSent (default) then
// either Skipped (terminal) or Awaited (transmitted), and from Awaited,
// Complete (correlated). The zero value is NotSent. There is no exported
// field and no in-place mutator; every transition goes through a
// constructor or Complete and returns a new value.
type ProbeStatus struct {
	kind     probeStatusKind
	awaited  Probe
	complete ProbeComplete
}

// NotSentStatus is the default slot value: reserved but nothing transmitted.
func NotSentStatus() ProbeStatus {
	return ProbeStatus{kind: statusNotSent}
}

// SkippedStatus marks transmission abandoned before the wire (terminal).
func SkippedStatus() ProbeStatus {
	return ProbeStatus{kind: statusSkipped}
}

// Await transitions a reserved slot to Awaited(p) once p has gone out on
// the wire.
func Await(p Probe) ProbeStatus {
	return ProbeStatus{kind: statusAwaited, awaited: p}
}

// Complete transitions an Awaited status to Complete, consuming the
// awaited Probe. It returns ErrNotAwaited if called on anything but an
// Awaited status — the structural guard against double completion of a
// status value. Probe.Complete itself is exported and does not carry this
// guard.
func (s ProbeStatus) Complete(host net.IP, received time.Time, icmpType IcmpPacketType, extensions *Extensions) (ProbeStatus, error) {
	if s.kind != statusAwaited {
		return s, ErrNotAwaited
	}
	return ProbeStatus{
		kind:     statusComplete,
		complete: s.awaited.Complete(host, received, icmpType, extensions),
	}, nil
}

// IsNotSent reports whether s is still in its reserved, untransmitted state.
func (s ProbeStatus) IsNotSent() bool { return s.kind == statusNotSent }

// IsSkipped reports whether s reached the terminal Skipped state.
func (s ProbeStatus) IsSkipped() bool { return s.kind == statusSkipped }

// IsAwaited reports whether s is transmitted but not yet correlated.
func (s ProbeStatus) IsAwaited() bool { return s.kind == statusAwaited }

// IsComplete reports whether s has been correlated with a response.
func (s ProbeStatus) IsComplete() bool { return s.kind == statusComplete }

// AsAwaited destructures s, returning the awaited Probe and true when s is
// Awaited.
func (s ProbeStatus) AsAwaited() (Probe, bool) {
	if s.kind != statusAwaited {
		return Probe{}, false
	}
	return s.awaited, true
}

// AsComplete destructures s, returning the ProbeComplete and true when s is
// Complete.
func (s ProbeStatus) AsComplete() (ProbeComplete, bool) {
	if s.kind != statusComplete {
		return ProbeComplete{}, false
	}
	return s.complete, true
}
