// Package tracecore implements the probe lifecycle and response-correlation
// core of a network path-tracing engine: the state machine representing a
// single probe, the wire codecs for ICMP/UDP/TCP, the transport channel that
// moves bytes over raw sockets, and the correlator that reunites a decoded
// response with the probe that elicited it.
package tracecore

import "fmt"

// Sequence is the 16-bit probe sequence number, unique within a round
// modulo wrap.
type Sequence uint16

// TraceId identifies a tracing session; it is placed in the ICMP Echo
// Identifier field and checked when correlating ICMP responses. UDP and TCP
// correlation does not consult it.
type TraceId uint16

// Port is a UDP/TCP port number.
type Port uint16

// TimeToLive is the IPv4 TTL / IPv6 hop limit, valid in [1,255].
type TimeToLive uint8

// RoundId groups every probe emitted during the same TTL sweep.
type RoundId uint16

// Flags selects the fingerprint-carrying strategy used by the wire codec
// and, symmetrically, which ResponseSeq field the correlator trusts.
type Flags uint8

const (
	FlagIcmpClassic Flags = 1 << iota
	FlagClassicIPv4
	FlagParisIPv4
	FlagParisIPv6
	FlagDublinIPv4
	FlagDublinIPv6
)

// Has reports whether all bits of mask are set in f.
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

func (f Flags) String() string {
	switch {
	case f.Has(FlagIcmpClassic):
		return "icmp-classic"
	case f.Has(FlagClassicIPv4):
		return "classic-ipv4"
	case f.Has(FlagParisIPv4):
		return "paris-ipv4"
	case f.Has(FlagParisIPv6):
		return "paris-ipv6"
	case f.Has(FlagDublinIPv4):
		return "dublin-ipv4"
	case f.Has(FlagDublinIPv6):
		return "dublin-ipv6"
	default:
		return "unknown"
	}
}

// ValidTTL reports whether ttl falls within the legal probe range.
func ValidTTL(ttl TimeToLive) bool {
	return ttl >= 1
}

// Family distinguishes the address family a channel or codec operates on.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// Protocol distinguishes which probe family a channel or codec carries.
type Protocol int

const (
	ProtocolICMP Protocol = iota
	ProtocolUDP
	ProtocolTCP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "icmp"
	case ProtocolUDP:
		return "udp"
	case ProtocolTCP:
		return "tcp"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}
