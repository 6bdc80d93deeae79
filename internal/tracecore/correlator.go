package tracecore

import (
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricCorrelationMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tracecore_correlation_misses_total",
	Help: "Count of inbound responses that could not be matched to any outstanding probe.",
})

// probeKey is the (round, sequence) pair, unique among probes in the
// same round.
type probeKey struct {
	round RoundId
	seq   Sequence
}

// Outstanding is the per-session table of Awaited probes, keyed by
// (round, sequence). It is owned by a single task; the Correlator only
// borrows it to read fingerprints and removes entries on a match.
type Outstanding struct {
	probes map[probeKey]Probe
}

// NewOutstanding returns an empty outstanding-probe table.
func NewOutstanding() *Outstanding {
	return &Outstanding{probes: make(map[probeKey]Probe)}
}

// Add records p as awaited. The caller is responsible for having already
// transitioned the scheduler's own slot to Awaited(p).
func (o *Outstanding) Add(p Probe) {
	o.probes[probeKey{p.Round, p.Sequence}] = p
}

// Remove drops the probe at (round, sequence), e.g. when a scheduler reaps
// a stale Awaited probe past its deadline.
func (o *Outstanding) Remove(round RoundId, seq Sequence) {
	delete(o.probes, probeKey{round, seq})
}

// Len reports the number of probes currently awaited.
func (o *Outstanding) Len() int {
	return len(o.probes)
}

// Correlator matches an inbound Response against an Outstanding table.
// It holds no mutable state of its own beyond metrics and a
// logger. Correlate's outcome depends only on its two arguments and the
// BasePayloadLen and Target settings below; its side effects are removing
// matched entries from the table and counting misses.
type Correlator struct {
	log *slog.Logger

	// BasePayloadLen is the fixed UDP payload length encoders negotiated
	// for Dublin-IPv6 probes (see EncodeUDP's basePayloadLen parameter).
	// The correlator needs it to invert the payload-length-as-fingerprint
	// encoding; it is a session-wide codec parameter, not a per-probe one.
	BasePayloadLen int

	// Target, when set, is validated against the nested/tuple dest_addr
	// of UDP and TCP responses as a defense against cross-tracer
	// confusion. Left nil, the dest_addr check is skipped.
	Target net.IP
}

// NewCorrelator returns a Correlator that logs through log. A nil logger
// falls back to slog.Default().
func NewCorrelator(log *slog.Logger) *Correlator {
	if log == nil {
		log = slog.Default()
	}
	return &Correlator{log: log}
}

// Correlate locates the Awaited probe in outstanding that resp fingerprints
// to, removes it, and returns the resulting ProbeComplete. It returns false
// with no mutation when nothing matches; the caller should treat that as a
// logged-and-dropped observation, not an error.
func (c *Correlator) Correlate(resp Response, outstanding *Outstanding) (ProbeComplete, bool) {
	var candidates []probeKey

	switch resp.Data.RespSeq.Kind {
	case SeqIcmp:
		candidates = c.matchICMP(resp.Data.RespSeq.Icmp, outstanding)
	case SeqUdp:
		candidates = c.matchUDP(resp.Data.RespSeq.Udp, outstanding)
	case SeqTcp:
		candidates = c.matchTCP(resp.Data.RespSeq.Tcp, outstanding)
	}

	key, ok := c.pickRecent(candidates, outstanding)
	if !ok {
		c.miss(resp)
		return ProbeComplete{}, false
	}

	// Tie-break: the winner is complete, every other candidate sharing the
	// fingerprint is a stale duplicate and is dropped rather than left to
	// match a later, unrelated response.
	probe := outstanding.probes[key]
	for _, k := range candidates {
		delete(outstanding.probes, k)
	}

	complete := probe.Complete(resp.Data.Addr, resp.Data.Recv, icmpTypeFromResponse(resp), resp.Extensions)
	return complete, true
}

// matchICMP requires the identifier (the TraceId) and the sequence to
// both match, for either a nested EchoRequest inside a
// TimeExceeded/Unreachable or a direct EchoReply.
func (c *Correlator) matchICMP(seq ResponseSeqIcmp, outstanding *Outstanding) []probeKey {
	var keys []probeKey
	for k, p := range outstanding.probes {
		if uint16(p.Identifier) == seq.Identifier && uint16(p.Sequence) == seq.Sequence {
			keys = append(keys, k)
		}
	}
	return keys
}

// udpFingerprintRule is one row of the flags-keyed dispatch table: new
// tracing strategies add a row here rather than edit scattered
// conditionals.
type udpFingerprintRule struct {
	flags Flags
	match func(c *Correlator, seq ResponseSeqUdp, p Probe) bool
}

var udpDispatch = []udpFingerprintRule{
	{FlagClassicIPv4, func(_ *Correlator, seq ResponseSeqUdp, p Probe) bool {
		return seq.Identifier == uint16(p.Sequence)
	}},
	{FlagDublinIPv4, func(_ *Correlator, seq ResponseSeqUdp, p Probe) bool {
		return seq.Identifier == uint16(p.Sequence)
	}},
	{FlagParisIPv4, func(_ *Correlator, seq ResponseSeqUdp, p Probe) bool {
		return seq.Checksum == uint16(p.Sequence)
	}},
	{FlagParisIPv6, func(_ *Correlator, seq ResponseSeqUdp, p Probe) bool {
		return seq.Checksum == uint16(p.Sequence)
	}},
	{FlagDublinIPv6, func(c *Correlator, seq ResponseSeqUdp, p Probe) bool {
		if !seq.HasMagic {
			return false
		}
		offset := int(seq.PayloadLen) - len(DublinMagicPrefix) - c.BasePayloadLen
		return offset == int(p.Sequence)
	}},
}

// matchUDP chooses the authoritative
// fingerprint field by probe.Flags, then validates the full (dest_addr,
// src_port, dest_port) tuple before accepting the match.
func (c *Correlator) matchUDP(seq ResponseSeqUdp, outstanding *Outstanding) []probeKey {
	var keys []probeKey
	for k, p := range outstanding.probes {
		matched := false
		for _, rule := range udpDispatch {
			if p.Flags.Has(rule.flags) && rule.match(c, seq, p) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if uint16(p.SrcPort) != seq.SrcPort || uint16(p.DestPort) != seq.DestPort {
			continue
		}
		if c.Target != nil && seq.DestAddr != nil && !c.Target.Equal(seq.DestAddr) {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// matchTCP matches the tuple (dest_addr, src_port, dest_port) after the send/receive port swap DecodeTCPSegment
// already performed.
func (c *Correlator) matchTCP(seq ResponseSeqTcp, outstanding *Outstanding) []probeKey {
	var keys []probeKey
	for k, p := range outstanding.probes {
		if uint16(p.SrcPort) != seq.SrcPort || uint16(p.DestPort) != seq.DestPort {
			continue
		}
		if c.Target != nil && seq.DestAddr != nil && !c.Target.Equal(seq.DestAddr) {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// pickRecent resolves multiple fingerprint-sharing candidates (possible
// across rounds with sequence wrap) to the most recently sent one.
func (c *Correlator) pickRecent(keys []probeKey, outstanding *Outstanding) (probeKey, bool) {
	if len(keys) == 0 {
		return probeKey{}, false
	}
	best := keys[0]
	bestSent := outstanding.probes[best].Sent
	for _, k := range keys[1:] {
		if s := outstanding.probes[k].Sent; s.After(bestSent) {
			best, bestSent = k, s
		}
	}
	return best, true
}

// miss records a correlation failure: not an error, a counted
// observation.
func (c *Correlator) miss(resp Response) {
	metricCorrelationMisses.Inc()
	c.log.Debug("tracecore: correlation miss",
		"kind", resp.Kind.String(),
		"addr", resp.Data.Addr,
		"seq_kind", respSeqKindString(resp.Data.RespSeq.Kind),
	)
}

func respSeqKindString(k responseSeqKind) string {
	switch k {
	case SeqIcmp:
		return "icmp"
	case SeqUdp:
		return "udp"
	case SeqTcp:
		return "tcp"
	default:
		return "unknown"
	}
}

func icmpTypeFromResponse(resp Response) IcmpPacketType {
	switch resp.Kind {
	case RespTimeExceeded:
		return IcmpPacketType{Kind: IcmpTimeExceeded, Code: resp.Code}
	case RespEchoReply:
		return IcmpPacketType{Kind: IcmpEchoReply, Code: resp.Code}
	case RespDestinationUnreachable:
		return IcmpPacketType{Kind: IcmpUnreachable, Code: resp.Code}
	default:
		return IcmpPacketType{Kind: IcmpNotApplicable}
	}
}

// reapDeadline reports whether a probe has aged past the point where a
// scheduler should abandon it rather than retry.
func reapDeadline(p Probe, now time.Time, deadline time.Duration) bool {
	return now.Sub(p.Sent) > deadline
}

// Reap removes and returns every probe in outstanding older than deadline,
// for a scheduler to report as lost hops.
func (o *Outstanding) Reap(now time.Time, deadline time.Duration) []Probe {
	var reaped []Probe
	for k, p := range o.probes {
		if reapDeadline(p, now, deadline) {
			reaped = append(reaped, p)
			delete(o.probes, k)
		}
	}
	return reaped
}
