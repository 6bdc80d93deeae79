// Package trace implements a demonstration scheduler over tracecore: a
// minimal round-based TTL sweep that constructs probes, drives the core's
// send/receive/correlate interface, and reaps probes the core leaves
// Awaited past a deadline. It owns orchestration policy only; probe
// lifecycle and correlation semantics stay in tracecore.
package trace

import (
	"net"
	"time"

	"github.com/KilimcininKorOglu/poros/internal/tracecore"
)

// Hop represents a single hop in the trace path: the aggregate of every
// probe sent at one TTL.
type Hop struct {
	// Number is the hop number (TTL value that triggered the response).
	Number int `json:"hop"`

	// IP is the IP address of the responding router/host.
	IP net.IP `json:"ip,omitempty"`

	// Hostname is the reverse DNS name, if the caller chose to resolve
	// one. The core has no notion of hostnames; this is populated by the
	// caller, not by Tracer itself.
	Hostname string `json:"hostname,omitempty"`

	// IcmpType is the ICMP message type/code of the most recent response,
	// or NotApplicable for a TCP reply/refusal.
	IcmpType tracecore.IcmpPacketType `json:"icmp_type"`

	// Extensions carries any RFC 4884 objects (e.g. MPLS label stacks)
	// attached to the most recent response, if any.
	Extensions *tracecore.Extensions `json:"extensions,omitempty"`

	// RTTs contains individual round-trip times in milliseconds.
	// A value of -1 indicates a timeout.
	RTTs []float64 `json:"rtts"`

	AvgRTT      float64 `json:"avg_rtt"`
	MinRTT      float64 `json:"min_rtt"`
	MaxRTT      float64 `json:"max_rtt"`
	Jitter      float64 `json:"jitter"`
	LossPercent float64 `json:"loss_percent"`

	// Responded indicates at least one probe at this hop was correlated.
	Responded bool `json:"responded"`
}

// IsDestination reports whether this hop's responder is dest.
func (h *Hop) IsDestination(dest net.IP) bool {
	if h.IP == nil {
		return false
	}
	return h.IP.Equal(dest)
}

// TraceResult is the complete result of one Tracer.Trace call.
type TraceResult struct {
	Target      string    `json:"target"`
	ResolvedIP  net.IP    `json:"resolved_ip"`
	Timestamp   time.Time `json:"timestamp"`
	ProbeMethod string    `json:"probe_method"`
	Hops        []Hop     `json:"hops"`
	Completed   bool      `json:"completed"`
	Summary     Summary   `json:"summary"`
}

// Summary holds aggregate statistics for a trace.
type Summary struct {
	TotalHops         int     `json:"total_hops"`
	TotalTimeMs       float64 `json:"total_time_ms"`
	PacketLossPercent float64 `json:"packet_loss_percent"`
}
