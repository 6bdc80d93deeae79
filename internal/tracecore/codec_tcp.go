package tracecore

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

const tcpHeaderLen = 20

// reserveLocalPort holds probe's source port for the duration of a send so
// no other process on the host claims it while the SYN is in flight. The
// segment itself goes out on the raw socket; the listener only reserves the
// port in the kernel's table. Failure to bind returns ErrPortBind, the
// dedicated variant a scheduler turns into a Skipped probe.
func reserveLocalPort(ipv6Family bool, port Port) (net.Listener, error) {
	network := "tcp4"
	if ipv6Family {
		network = "tcp6"
	}
	l, err := net.Listen(network, fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("%w: port %d: %v", ErrPortBind, port, err)
	}
	return l, nil
}

// EncodeTCPSyn builds a TCP SYN segment from probe.SrcPort to probe.DestPort.
// The fingerprint for a TCP probe is the (dest_addr, src_port, dest_port)
// tuple rather than anything carried in the segment bytes themselves, so
// the encoder has no flag-dependent behavior.
func EncodeTCPSyn(ipv6Family bool, probe Probe, srcIP, dstIP net.IP) []byte {
	tcp := make([]byte, tcpHeaderLen)
	binary.BigEndian.PutUint16(tcp[0:2], uint16(probe.SrcPort))
	binary.BigEndian.PutUint16(tcp[2:4], uint16(probe.DestPort))
	binary.BigEndian.PutUint32(tcp[4:8], uint32(probe.Sequence)<<16|uint32(probe.Round))
	binary.BigEndian.PutUint32(tcp[8:12], 0) // ack number, unused for SYN
	tcp[12] = 0x50                           // data offset = 5 (20 bytes)
	tcp[13] = 0x02                           // SYN
	binary.BigEndian.PutUint16(tcp[14:16], 65535)
	binary.BigEndian.PutUint16(tcp[16:18], 0) // checksum placeholder
	binary.BigEndian.PutUint16(tcp[18:20], 0)

	checksum := tcpChecksum(ipv6Family, srcIP, dstIP, tcp)
	binary.BigEndian.PutUint16(tcp[16:18], checksum)
	return tcp
}

// tcpChecksum computes the TCP checksum over the IPv4/IPv6 pseudo-header
// plus segment.
func tcpChecksum(ipv6Family bool, src, dst net.IP, tcpSegment []byte) uint16 {
	var psh []byte
	if ipv6Family {
		psh = make([]byte, 40)
		copy(psh[0:16], src.To16())
		copy(psh[16:32], dst.To16())
		binary.BigEndian.PutUint32(psh[32:36], uint32(len(tcpSegment)))
		psh[39] = 6
	} else {
		psh = make([]byte, 12)
		copy(psh[0:4], src.To4())
		copy(psh[4:8], dst.To4())
		psh[9] = 6
		binary.BigEndian.PutUint16(psh[10:12], uint16(len(tcpSegment)))
	}
	return Checksum(append(psh, tcpSegment...))
}

// DecodeTCPSegment inspects a raw TCP segment received directly on a TCP
// channel (not via ICMP) and classifies it as a SYN/ACK reply or an RST
// refusal. Unlike the ICMP path there is no embedded original datagram to
// recover a probe-specific fingerprint from: the segment's own header
// ports, swapped to the probe's perspective, are the fingerprint, and the
// Correlator (not this decoder) matches them against the outstanding
// table. ok is false for any segment carrying neither a SYN/ACK nor an RST.
func DecodeTCPSegment(data []byte, peer net.IP, recv time.Time) (Response, bool, error) {
	if len(data) < tcpHeaderLen {
		return Response{}, false, fmt.Errorf("%w: tcp segment too short", ErrPacketParse)
	}

	srcPort := binary.BigEndian.Uint16(data[0:2])
	destPort := binary.BigEndian.Uint16(data[2:4])

	flags := data[13]
	synAck := flags&0x12 == 0x12
	rst := flags&0x04 == 0x04
	if !synAck && !rst {
		return Response{}, false, nil
	}

	kind := RespTcpReply
	if rst {
		kind = RespTcpRefused
	}

	return Response{
		Kind: kind,
		Data: ResponseData{
			Recv: recv,
			Addr: peer,
			RespSeq: ResponseSeq{
				Kind: SeqTcp,
				Tcp: ResponseSeqTcp{
					DestAddr: peer,
					SrcPort:  destPort,
					DestPort: srcPort,
				},
			},
		},
	}, true, nil
}
