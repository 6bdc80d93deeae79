package tracecore

import (
	"encoding/binary"
	"fmt"
	"net"
)

// DublinMagicPrefix is the fixed byte sequence prepended to Dublin-IPv6 UDP
// payloads so a reflected response can be told apart from an unrelated UDP
// datagram. Trippy documents only that such a prefix exists, not its exact
// bytes, so this implementation fixes a concrete value.
var DublinMagicPrefix = []byte("tracer")

const udpHeaderLen = 8

// EncodeUDP builds the outbound UDP probe for probe. For IPv4 it returns a
// complete IP+UDP datagram (the IPv4 Identification field is the Classic/
// Dublin fingerprint carrier, which only a raw, header-included socket can
// set); for IPv6 it returns just the UDP header and payload, since none of
// the IPv6 fingerprint strategies need control of the base IPv6 header.
func EncodeUDP(ipv6Family bool, probe Probe, srcIP, dstIP net.IP, basePayloadLen int) ([]byte, error) {
	payload, err := buildUDPPayload(probe, basePayloadLen)
	if err != nil {
		return nil, err
	}

	udpLen := udpHeaderLen + len(payload)
	udpHeader := make([]byte, udpHeaderLen)
	binary.BigEndian.PutUint16(udpHeader[0:2], uint16(probe.SrcPort))
	binary.BigEndian.PutUint16(udpHeader[2:4], uint16(probe.DestPort))
	binary.BigEndian.PutUint16(udpHeader[4:6], uint16(udpLen))
	// checksum at [6:8] filled below.

	if probe.Flags.Has(FlagParisIPv4) || probe.Flags.Has(FlagParisIPv6) {
		if len(payload) < 2 {
			return nil, fmt.Errorf("%w: payload too small to carry a paris fingerprint", ErrInvalidPacketSize)
		}
		psh := udpPseudoHeader(ipv6Family, srcIP, dstIP, udpLen)
		full := append(append([]byte{}, psh...), udpHeader...)
		full = append(full, payload...)
		fieldOffset := len(psh) + len(udpHeader) + len(payload) - 2
		if err := solveChecksumPayload(full, fieldOffset, uint16(probe.Sequence)); err != nil {
			return nil, err
		}
		copy(payload[len(payload)-2:], full[fieldOffset:fieldOffset+2])
		binary.BigEndian.PutUint16(udpHeader[6:8], uint16(probe.Sequence))
	} else {
		psh := udpPseudoHeader(ipv6Family, srcIP, dstIP, udpLen)
		full := append(append([]byte{}, psh...), udpHeader...)
		full = append(full, payload...)
		binary.BigEndian.PutUint16(udpHeader[6:8], Checksum(full))
	}

	if !ipv6Family {
		datagram := buildIPv4Header(srcIP, dstIP, probe.TTL, 17, udpHeaderLen+len(payload), append(udpHeader, payload...))
		if probe.Flags.Has(FlagClassicIPv4) || probe.Flags.Has(FlagDublinIPv4) {
			setIPv4Identification(datagram, uint16(probe.Sequence))
		}
		return datagram, nil
	}
	return append(udpHeader, payload...), nil
}

// buildUDPPayload returns the payload bytes for probe, sized and content
// chosen per its Flags.
func buildUDPPayload(probe Probe, basePayloadLen int) ([]byte, error) {
	if basePayloadLen < 0 {
		return nil, fmt.Errorf("%w: negative base payload length", ErrInvalidPacketSize)
	}

	if probe.Flags.Has(FlagDublinIPv6) {
		extra := int(probe.Sequence)
		total := len(DublinMagicPrefix) + basePayloadLen + extra
		if ipv6HeaderLen+udpHeaderLen+total > MaxPacketSize {
			return nil, fmt.Errorf("%w: %d", ErrInvalidPacketSize, ipv6HeaderLen+udpHeaderLen+total)
		}
		payload := make([]byte, 0, total)
		payload = append(payload, DublinMagicPrefix...)
		payload = append(payload, make([]byte, basePayloadLen+extra)...)
		return payload, nil
	}

	return make([]byte, basePayloadLen), nil
}

// udpPseudoHeader builds the IPv4 (RFC 768) or IPv6 (RFC 2460 §8.1)
// pseudo-header UDP checksums are computed over.
func udpPseudoHeader(ipv6Family bool, src, dst net.IP, udpLen int) []byte {
	if ipv6Family {
		psh := make([]byte, 40)
		copy(psh[0:16], src.To16())
		copy(psh[16:32], dst.To16())
		binary.BigEndian.PutUint32(psh[32:36], uint32(udpLen))
		psh[39] = 17
		return psh
	}
	psh := make([]byte, 12)
	copy(psh[0:4], src.To4())
	copy(psh[4:8], dst.To4())
	psh[9] = 17
	binary.BigEndian.PutUint16(psh[10:12], uint16(udpLen))
	return psh
}

// buildIPv4Header prepends a minimal 20-byte IPv4 header (no options) to
// payload. ttl is baked in directly since this header is sent over an
// IP_HDRINCL socket.
func buildIPv4Header(src, dst net.IP, ttl TimeToLive, protocol uint8, payloadLen int, payload []byte) []byte {
	total := ipv4MinHeaderLen + payloadLen
	header := make([]byte, ipv4MinHeaderLen)
	header[0] = 0x45 // version 4, IHL 5 (20 bytes)
	header[1] = 0x00 // DSCP/ECN
	binary.BigEndian.PutUint16(header[2:4], uint16(total))
	// Identification [4:6] is set by the caller via setIPv4Identification.
	header[6] = 0x00 // flags/fragment offset high
	header[7] = 0x00
	header[8] = byte(ttl)
	header[9] = protocol
	// checksum [10:12] computed below.
	copy(header[12:16], src.To4())
	copy(header[16:20], dst.To4())

	binary.BigEndian.PutUint16(header[10:12], 0)
	binary.BigEndian.PutUint16(header[10:12], Checksum(header))

	out := make([]byte, 0, total)
	out = append(out, header...)
	out = append(out, payload...)
	return out
}

// setIPv4Identification writes the IPv4 Identification field of a datagram
// built by buildIPv4Header and recomputes the header checksum. Split out
// from buildIPv4Header because the Classic/Dublin-IPv4 fingerprint and the
// TTL are independent concerns.
func setIPv4Identification(datagram []byte, id uint16) {
	binary.BigEndian.PutUint16(datagram[4:6], id)
	binary.BigEndian.PutUint16(datagram[10:12], 0)
	binary.BigEndian.PutUint16(datagram[10:12], Checksum(datagram[:ipv4MinHeaderLen]))
}
