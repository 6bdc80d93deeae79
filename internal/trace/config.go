package trace

import (
	"net"
	"time"

	"github.com/KilimcininKorOglu/poros/internal/tracecore"
)

// ProbeMethod represents the type of probe to use.
type ProbeMethod int

const (
	// ProbeICMP uses ICMP Echo Request/Reply probes.
	ProbeICMP ProbeMethod = iota
	// ProbeUDP uses UDP probes to incrementing/fixed high ports.
	ProbeUDP
	// ProbeTCP uses TCP SYN probes.
	ProbeTCP
)

// String returns the string representation of the probe method.
func (p ProbeMethod) String() string {
	switch p {
	case ProbeICMP:
		return "icmp"
	case ProbeUDP:
		return "udp"
	case ProbeTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// Config holds the configuration for a trace operation.
type Config struct {
	// Probe settings
	ProbeMethod ProbeMethod   // Probe method to use (default: ICMP)
	ProbeCount  int           // Number of probes per hop (default: 3)
	MaxHops     int           // Maximum TTL/hops (default: 30)
	FirstHop    int           // Starting TTL (default: 1)
	Timeout     time.Duration // Per-probe timeout (default: 3s)

	// Network settings
	SourceIP net.IP // Source IP address to use; resolved automatically if nil
	DestPort int    // Destination port (for UDP/TCP probes)
	IPv4     bool   // Force IPv4
	IPv6     bool   // Force IPv6

	// Fingerprint strategy: Classic is the default; Paris pins the
	// fingerprint to a fixed checksum/payload field so load-balanced
	// flows hash consistently; Dublin additionally lets IPv6 UDP probes
	// encode the fingerprint in the payload length with a MAGIC prefix.
	Paris  bool
	Dublin bool

	// Mode settings
	Sequential     bool // Use sequential mode instead of concurrent
	MaxConcurrency int  // Maximum concurrent in-flight hops (default: 30)

	// ReapMultiple sets how many multiples of Timeout an Awaited probe
	// may age before the scheduler gives up on it.
	ReapMultiple float64

	// DublinBasePayloadLen is the fixed UDP payload length negotiated for
	// Dublin-IPv6 probes, after the MAGIC prefix and before the
	// sequence-derived extra bytes.
	DublinBasePayloadLen int

	// OnHop, if set, is called after each hop is probed (streaming output).
	OnHop func(hop *Hop)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeMethod:          ProbeICMP,
		ProbeCount:           3,
		MaxHops:              30,
		FirstHop:             1,
		Timeout:              3 * time.Second,
		DestPort:             33434, // Standard traceroute UDP port
		MaxConcurrency:       30,
		ReapMultiple:         2,
		DublinBasePayloadLen: 16,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.MaxHops < 1 || c.MaxHops > 255 {
		return ErrInvalidMaxHops
	}
	if c.ProbeCount < 1 || c.ProbeCount > 10 {
		return ErrInvalidProbeCount
	}
	if c.Timeout < 100*time.Millisecond {
		return ErrInvalidTimeout
	}
	if c.FirstHop < 1 || c.FirstHop > c.MaxHops {
		return ErrInvalidFirstHop
	}
	if c.IPv4 && c.IPv6 {
		return ErrInvalidFamily
	}
	return nil
}

// flags computes the tracecore.Flags a probe built under this Config
// should carry, dispatching on method/family/strategy exactly the way the
// wire codec and correlator expect to see it on the other end.
func (c *Config) flags() tracecore.Flags {
	switch c.ProbeMethod {
	case ProbeICMP:
		return tracecore.FlagIcmpClassic
	case ProbeUDP:
		if c.Dublin && c.IPv6 {
			return tracecore.FlagDublinIPv6
		}
		if c.Dublin {
			return tracecore.FlagDublinIPv4
		}
		if c.Paris && c.IPv6 {
			return tracecore.FlagParisIPv6
		}
		if c.Paris {
			return tracecore.FlagParisIPv4
		}
		return tracecore.FlagClassicIPv4
	default:
		return 0 // TCP's fingerprint is the port tuple; no flag carries it
	}
}
