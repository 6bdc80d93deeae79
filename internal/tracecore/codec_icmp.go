package tracecore

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// MaxPacketSize is the largest outbound packet any codec in this package
// will build, including the IP header.
const MaxPacketSize = 1024

const (
	ipv4MinHeaderLen  = 20
	ipv6HeaderLen     = 40
	icmpEchoHeaderLen = 8

	// MaxICMPBuf is the largest ICMP message (header+payload) reachable
	// within MaxPacketSize once the IPv4 minimum header is reserved.
	MaxICMPBuf = MaxPacketSize - ipv4MinHeaderLen
	// MaxPayloadBuf is the largest Echo payload reachable within
	// MaxICMPBuf once the 8-byte Echo header is reserved.
	MaxPayloadBuf = MaxICMPBuf - icmpEchoHeaderLen
)

// EncodeICMPEcho builds an outbound ICMP Echo Request for probe. srcIP and
// dstIP are only consulted for IPv6, where RFC 4443 folds a pseudo-header
// into the checksum; IPv4 has no such requirement.
func EncodeICMPEcho(ipv6Family bool, probe Probe, id uint16, packetSize int, payloadValue byte, srcIP, dstIP net.IP) ([]byte, error) {
	if packetSize > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPacketSize, packetSize)
	}

	ipHeaderLen := ipv4MinHeaderLen
	if ipv6Family {
		ipHeaderLen = ipv6HeaderLen
	}
	if packetSize < ipHeaderLen+icmpEchoHeaderLen {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPacketSize, packetSize)
	}

	payloadSize := packetSize - ipHeaderLen - icmpEchoHeaderLen
	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = payloadValue
	}

	paris := probe.Flags.Has(FlagParisIPv4) || probe.Flags.Has(FlagParisIPv6)
	if paris {
		if payloadSize < 2 {
			return nil, fmt.Errorf("%w: packet too small to carry a paris fingerprint", ErrInvalidPacketSize)
		}
		if err := solveICMPEchoParisPayload(ipv6Family, id, probe, payload, srcIP, dstIP); err != nil {
			return nil, err
		}
	}

	msgType := icmp.Type(ipv4.ICMPTypeEcho)
	var psh []byte
	if ipv6Family {
		msgType = ipv6.ICMPTypeEchoRequest
		psh = icmpv6PseudoHeader(srcIP, dstIP, icmpEchoHeaderLen+payloadSize)
	}

	msg := &icmp.Message{
		Type: msgType,
		Code: 0,
		Body: &icmp.Echo{ID: int(id), Seq: int(probe.Sequence), Data: payload},
	}
	return msg.Marshal(psh)
}

// solveICMPEchoParisPayload solves the trailing two payload bytes so the
// message's final checksum equals probe.Sequence, using the same pseudo
// header (empty for v4) that the real Marshal call will use.
func solveICMPEchoParisPayload(ipv6Family bool, id uint16, probe Probe, payload []byte, srcIP, dstIP net.IP) error {
	idBuf := make([]byte, 4)
	binary.BigEndian.PutUint16(idBuf[0:2], id)
	binary.BigEndian.PutUint16(idBuf[2:4], uint16(probe.Sequence))

	header := []byte{8, 0, 0, 0} // type=EchoRequest, code=0, checksum placeholder
	if ipv6Family {
		header[0] = byte(ipv6.ICMPTypeEchoRequest)
	}

	var psh []byte
	if ipv6Family {
		psh = icmpv6PseudoHeader(srcIP, dstIP, icmpEchoHeaderLen+len(payload))
	}

	full := make([]byte, 0, len(psh)+len(header)+len(idBuf)+len(payload))
	full = append(full, psh...)
	full = append(full, header...)
	full = append(full, idBuf...)
	full = append(full, payload...)

	fieldOffset := len(psh) + len(header) + len(idBuf) + len(payload) - 2
	if err := solveChecksumPayload(full, fieldOffset, uint16(probe.Sequence)); err != nil {
		return err
	}
	copy(payload[len(payload)-2:], full[fieldOffset:fieldOffset+2])
	return nil
}

// icmpv6PseudoHeader builds the RFC 2460 §8.1 pseudo-header ICMPv6
// checksums are computed over: source(16) + dest(16) + upper-layer
// length(4, big-endian) + zero(3) + next header(1, ICMPv6 = 58).
func icmpv6PseudoHeader(src, dst net.IP, upperLayerLen int) []byte {
	psh := make([]byte, 40)
	copy(psh[0:16], src.To16())
	copy(psh[16:32], dst.To16())
	binary.BigEndian.PutUint32(psh[32:36], uint32(upperLayerLen))
	psh[39] = 58
	return psh
}

// DecodeICMP parses an inbound ICMP packet captured from peer, dispatching
// on message type. probeFamily says which wire family the original outbound
// probe used, which determines how a TimeExceeded/Unreachable nested
// payload is interpreted. ok is false (with a nil error) for ICMP types
// this package does not correlate against.
func DecodeICMP(raw []byte, ipv6Family bool, peer net.IP, probeFamily Protocol, recv time.Time) (Response, bool, error) {
	proto := 1
	if ipv6Family {
		proto = 58
	}
	msg, err := icmp.ParseMessage(proto, raw)
	if err != nil {
		return Response{}, false, fmt.Errorf("%w: %v", ErrPacketParse, err)
	}

	switch {
	case isEchoReply(msg.Type, ipv6Family):
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok {
			return Response{}, false, fmt.Errorf("%w: echo reply missing body", ErrPacketParse)
		}
		return Response{
			Kind: RespEchoReply,
			Code: uint8(msg.Code),
			Data: ResponseData{
				Recv: recv,
				Addr: peer,
				RespSeq: ResponseSeq{
					Kind: SeqIcmp,
					Icmp: ResponseSeqIcmp{Identifier: uint16(echo.ID), Sequence: uint16(echo.Seq)},
				},
			},
		}, true, nil

	case isTimeExceeded(msg.Type, ipv6Family):
		return decodeNestedICMPError(raw, RespTimeExceeded, uint8(msg.Code), peer, probeFamily, ipv6Family, recv)

	case isUnreachable(msg.Type, ipv6Family):
		return decodeNestedICMPError(raw, RespDestinationUnreachable, uint8(msg.Code), peer, probeFamily, ipv6Family, recv)

	default:
		return Response{}, false, nil
	}
}

func isEchoReply(t icmp.Type, ipv6Family bool) bool {
	if ipv6Family {
		return t == ipv6.ICMPTypeEchoReply
	}
	return t == ipv4.ICMPTypeEchoReply
}

func isTimeExceeded(t icmp.Type, ipv6Family bool) bool {
	if ipv6Family {
		return t == ipv6.ICMPTypeTimeExceeded
	}
	return t == ipv4.ICMPTypeTimeExceeded
}

func isUnreachable(t icmp.Type, ipv6Family bool) bool {
	if ipv6Family {
		return t == ipv6.ICMPTypeDestinationUnreachable
	}
	return t == ipv4.ICMPTypeDestinationUnreachable
}

// decodeNestedICMPError strips the outer ICMP header, recovers the
// original IP+transport datagram embedded by the responding router (and any
// RFC 4884 extensions trailing it), and builds the matching Response kind.
func decodeNestedICMPError(raw []byte, kind responseKind, code uint8, peer net.IP, probeFamily Protocol, ipv6Family bool, recv time.Time) (Response, bool, error) {
	if len(raw) < 8 {
		return Response{}, false, fmt.Errorf("%w: icmp error too short", ErrPacketParse)
	}

	body := raw[8:]
	// RFC 4884 places the original-datagram length differently per family:
	// octet 5 in 32-bit words for ICMPv4, octet 4 in 64-bit words for ICMPv6.
	origLen := int(raw[5]) * 4
	if ipv6Family {
		origLen = int(raw[4]) * 8
	}

	var extBytes []byte
	if origLen > 0 && origLen <= len(body) {
		extBytes = body[origLen:]
		body = body[:origLen]
	}

	respSeq, err := parseNestedTransport(body, probeFamily, ipv6Family)
	if err != nil {
		return Response{}, false, err
	}

	var extensions *Extensions
	if ext := parseICMPExtensions(extBytes); ext != nil {
		extensions = ext
	}

	return Response{
		Kind: kind,
		Code: code,
		Data: ResponseData{
			Recv:    recv,
			Addr:    peer,
			RespSeq: respSeq,
		},
		Extensions: extensions,
	}, true, nil
}

// parseNestedTransport strips the embedded IP header by IHL (v4) or the
// fixed 40-byte base header (v6), then reads the transport-specific
// fingerprint per the outer probe's family.
func parseNestedTransport(body []byte, probeFamily Protocol, ipv6Family bool) (ResponseSeq, error) {
	if len(body) < 1 {
		return ResponseSeq{}, fmt.Errorf("%w: nested packet empty", ErrPacketParse)
	}

	var ihl int
	var identification uint16
	var destAddr net.IP
	if ipv6Family {
		if len(body) < ipv6HeaderLen {
			return ResponseSeq{}, fmt.Errorf("%w: truncated nested ipv6 header", ErrPacketParse)
		}
		ihl = ipv6HeaderLen
		destAddr = net.IP(append([]byte{}, body[24:40]...))
	} else {
		ihl = int(body[0]&0x0f) * 4
		if ihl < ipv4MinHeaderLen || len(body) < ihl {
			return ResponseSeq{}, fmt.Errorf("%w: truncated nested ipv4 header", ErrPacketParse)
		}
		identification = binary.BigEndian.Uint16(body[4:6])
		destAddr = net.IP(append([]byte{}, body[16:20]...))
	}

	nested := body[ihl:]

	switch probeFamily {
	case ProtocolICMP:
		if len(nested) < 8 {
			return ResponseSeq{}, fmt.Errorf("%w: truncated nested icmp echo", ErrPacketParse)
		}
		return ResponseSeq{
			Kind: SeqIcmp,
			Icmp: ResponseSeqIcmp{
				Identifier: binary.BigEndian.Uint16(nested[4:6]),
				Sequence:   binary.BigEndian.Uint16(nested[6:8]),
			},
		}, nil

	case ProtocolUDP:
		if len(nested) < 8 {
			return ResponseSeq{}, fmt.Errorf("%w: truncated nested udp header", ErrPacketParse)
		}
		srcPort := binary.BigEndian.Uint16(nested[0:2])
		destPort := binary.BigEndian.Uint16(nested[2:4])
		udpLen := binary.BigEndian.Uint16(nested[4:6])
		checksum := binary.BigEndian.Uint16(nested[6:8])
		payloadLen := uint16(0)
		if udpLen >= 8 {
			payloadLen = udpLen - 8
		}
		hasMagic := false
		if len(nested) > 8+len(DublinMagicPrefix) {
			hasMagic = bytesEqual(nested[8:8+len(DublinMagicPrefix)], DublinMagicPrefix)
		}
		return ResponseSeq{
			Kind: SeqUdp,
			Udp: ResponseSeqUdp{
				Identifier: identification,
				DestAddr:   destAddr,
				SrcPort:    srcPort,
				DestPort:   destPort,
				Checksum:   checksum,
				PayloadLen: payloadLen,
				HasMagic:   hasMagic,
			},
		}, nil

	case ProtocolTCP:
		if len(nested) < 4 {
			return ResponseSeq{}, fmt.Errorf("%w: truncated nested tcp header", ErrPacketParse)
		}
		return ResponseSeq{
			Kind: SeqTcp,
			Tcp: ResponseSeqTcp{
				DestAddr: destAddr,
				SrcPort:  binary.BigEndian.Uint16(nested[0:2]),
				DestPort: binary.BigEndian.Uint16(nested[2:4]),
			},
		}, nil
	}

	return ResponseSeq{}, fmt.Errorf("%w: unknown probe family", ErrPacketParse)
}

// parseICMPExtensions walks an RFC 4884 extension structure: a 4-byte
// version header followed by a sequence of length-prefixed objects, each
// tagged with a class number and subtype. Returns nil if extBytes does not
// look like a version-2 extension structure at all (legacy senders omit it
// entirely, which is not an error).
func parseICMPExtensions(extBytes []byte) *Extensions {
	if len(extBytes) < 4 {
		return nil
	}
	if extBytes[0]>>4 != 2 {
		return nil
	}

	var extensions []Extension
	pos := 4
	for pos+4 <= len(extBytes) {
		objLen := int(binary.BigEndian.Uint16(extBytes[pos : pos+2]))
		classNum := extBytes[pos+2]
		classType := extBytes[pos+3]
		if objLen < 4 || pos+objLen > len(extBytes) {
			break
		}
		payload := extBytes[pos+4 : pos+objLen]

		if classNum == 1 {
			extensions = append(extensions, Extension{Kind: ExtMpls, Mpls: parseMplsLabelStack(payload)})
		} else {
			extensions = append(extensions, Extension{
				Kind: ExtUnknown,
				Unknown: UnknownExtension{
					ClassNum:     classNum,
					ClassSubtype: classType,
					Bytes:        append([]byte{}, payload...),
				},
			})
		}
		pos += objLen
	}

	if len(extensions) == 0 {
		return nil
	}
	return &Extensions{Extensions: extensions}
}

// parseMplsLabelStack decodes RFC 4950 groups of 4 bytes into
// {label: top 20 bits, exp: next 3, bos: next 1, ttl: last 8}.
func parseMplsLabelStack(payload []byte) MplsLabelStack {
	var members []MplsLabelStackMember
	for i := 0; i+4 <= len(payload); i += 4 {
		entry := binary.BigEndian.Uint32(payload[i : i+4])
		members = append(members, MplsLabelStackMember{
			Label: entry >> 12,
			Exp:   uint8((entry >> 9) & 0x7),
			Bos:   uint8((entry >> 8) & 0x1),
			TTL:   uint8(entry & 0xff),
		})
	}
	return MplsLabelStack{Members: members}
}

// EncodeMplsLabelStack is the inverse of parseMplsLabelStack, used by tests
// to assert the RFC 4950 round trip.
func EncodeMplsLabelStack(stack MplsLabelStack) []byte {
	out := make([]byte, 0, len(stack.Members)*4)
	for _, m := range stack.Members {
		entry := (m.Label << 12) | (uint32(m.Exp&0x7) << 9) | (uint32(m.Bos&0x1) << 8) | uint32(m.TTL)
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, entry)
		out = append(out, buf...)
	}
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
