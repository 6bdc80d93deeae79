package tracecore

import (
	"net"
	"time"
)

// icmpPacketKind tags IcmpPacketType.
type icmpPacketKind uint8

const (
	IcmpNotApplicable icmpPacketKind = iota
	IcmpTimeExceeded
	IcmpEchoReply
	IcmpUnreachable
)

// IcmpPacketType records which ICMP message type (if any) produced a
// completed probe, with its code. NotApplicable covers TCP replies/
// refusals, which carry no ICMP type at all.
type IcmpPacketType struct {
	Kind icmpPacketKind
	Code uint8
}

func (t IcmpPacketType) String() string {
	switch t.Kind {
	case IcmpTimeExceeded:
		return "time-exceeded"
	case IcmpEchoReply:
		return "echo-reply"
	case IcmpUnreachable:
		return "unreachable"
	default:
		return "not-applicable"
	}
}

// extensionKind tags the Extension sum type.
type extensionKind uint8

const (
	ExtUnknown extensionKind = iota
	ExtMpls
)

// MplsLabelStackMember is one 4-byte entry of an RFC 4950 MPLS label stack.
type MplsLabelStackMember struct {
	Label uint32
	Exp   uint8
	Bos   uint8
	TTL   uint8
}

// MplsLabelStack is an ordered sequence of label stack entries.
type MplsLabelStack struct {
	Members []MplsLabelStackMember
}

// UnknownExtension preserves an RFC 4884 object this package does not
// interpret, verbatim.
type UnknownExtension struct {
	ClassNum     uint8
	ClassSubtype uint8
	Bytes        []byte
}

// Extension is one RFC 4884 multi-part message object attached to an ICMP
// error: either a recognized MPLS label stack (class 1, RFC 4950) or an
// unrecognized class, captured verbatim.
type Extension struct {
	Kind    extensionKind
	Mpls    MplsLabelStack
	Unknown UnknownExtension
}

// Extensions is the ordered list of extension objects trailing an ICMP
// error message.
type Extensions struct {
	Extensions []Extension
}

// responseSeqKind tags the ResponseSeq sum type.
type responseSeqKind uint8

const (
	SeqIcmp responseSeqKind = iota
	SeqUdp
	SeqTcp
)

// ResponseSeqIcmp is the fingerprint recovered from a nested ICMP
// EchoRequest.
type ResponseSeqIcmp struct {
	Identifier uint16
	Sequence   uint16
}

// ResponseSeqUdp is the fingerprint recovered from a nested UDP header (and,
// for Dublin-IPv6, the reflected payload).
type ResponseSeqUdp struct {
	// Identifier carries the sequence number for Classic/Dublin IPv4,
	// read from the nested IP header's Identification field.
	Identifier uint16
	DestAddr   net.IP
	SrcPort    uint16
	DestPort   uint16
	// Checksum carries the sequence number for Paris IPv4/IPv6, read from
	// the nested UDP header's checksum field.
	Checksum uint16
	// PayloadLen is the nested UDP header's declared length minus the
	// 8-byte UDP header; it carries the sequence offset for Dublin IPv6.
	PayloadLen uint16
	HasMagic   bool
}

// ResponseSeqTcp is the fingerprint recovered from a nested TCP header, or
// from a direct TCP reply/refusal.
type ResponseSeqTcp struct {
	DestAddr net.IP
	SrcPort  uint16
	DestPort uint16
}

// ResponseSeq is the fingerprint extracted from a response, variant over
// the three probe families.
type ResponseSeq struct {
	Kind responseSeqKind
	Icmp ResponseSeqIcmp
	Udp  ResponseSeqUdp
	Tcp  ResponseSeqTcp
}

// ResponseData is common to every Response variant.
type ResponseData struct {
	Recv    time.Time
	Addr    net.IP
	RespSeq ResponseSeq
}

// responseKind tags the Response sum type.
type responseKind uint8

const (
	RespTimeExceeded responseKind = iota
	RespDestinationUnreachable
	RespEchoReply
	RespTcpReply
	RespTcpRefused
)

// Response is a typed decode of one inbound packet.
type Response struct {
	Kind       responseKind
	Data       ResponseData
	Code       uint8
	Extensions *Extensions
}

func (k responseKind) String() string {
	switch k {
	case RespTimeExceeded:
		return "time-exceeded"
	case RespDestinationUnreachable:
		return "destination-unreachable"
	case RespEchoReply:
		return "echo-reply"
	case RespTcpReply:
		return "tcp-reply"
	case RespTcpRefused:
		return "tcp-refused"
	default:
		return "unknown"
	}
}
