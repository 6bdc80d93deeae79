package tracecore

import (
	"context"
	"fmt"
	"net"
	"time"
)

// CodecParams bundles everything SendProbe needs beyond the Probe itself
// to pick and drive the right wire codec: the address family/protocol
// pair a Channel was opened for, the local/remote addresses the checksum
// and pseudo-header computations need, and the handful of per-protocol
// knobs (ICMP packet size/payload fill, UDP base payload length).
type CodecParams struct {
	Family   Family
	Protocol Protocol

	SrcIP net.IP
	DstIP net.IP

	// ICMP
	PacketSize   int
	PayloadValue byte

	// UDP
	BasePayloadLen int
}

// MakeChannel acquires a Channel for family/protocol. It is a named alias
// for NewChannel kept for callers that read the send/receive surface as a
// make/send/next verb set.
func MakeChannel(family Family, protocol Protocol) (*Channel, error) {
	return NewChannel(family, protocol)
}

// SendProbe encodes probe per params and writes it to channel, applying
// probe.TTL immediately before the write. It does not retain probe; the
// caller is responsible for the NotSent->Awaited transition on success and
// NotSent->Skipped on an error the scheduler decides not to retry (e.g.
// ErrPortBind from the TCP encoder).
func SendProbe(channel *Channel, probe Probe, params CodecParams) error {
	ipv6Family := params.Family == FamilyIPv6

	var out []byte
	var err error

	switch params.Protocol {
	case ProtocolICMP:
		out, err = EncodeICMPEcho(ipv6Family, probe, uint16(probe.Identifier), params.PacketSize, params.PayloadValue, params.SrcIP, params.DstIP)
	case ProtocolUDP:
		out, err = EncodeUDP(ipv6Family, probe, params.SrcIP, params.DstIP, params.BasePayloadLen)
	case ProtocolTCP:
		l, bindErr := reserveLocalPort(ipv6Family, probe.SrcPort)
		if bindErr != nil {
			return bindErr
		}
		defer l.Close()
		out = EncodeTCPSyn(ipv6Family, probe, params.SrcIP, params.DstIP)
	default:
		return fmt.Errorf("%w: unknown protocol %v", ErrTransport, params.Protocol)
	}
	if err != nil {
		return err
	}

	return channel.Send(out, params.DstIP, probe.TTL)
}

// NextResponse blocks on channel.Receive up to timeout, decoding whatever
// arrives into a Response. ok is false with a nil error on a receive
// timeout or a packet the decoder discards (e.g. an ICMP type this
// package does not correlate against); ctx cancellation aborts an
// in-progress wait early with ctx.Err().
func NextResponse(ctx context.Context, channel *Channel, probeFamily Protocol, ipv6Family bool, timeout time.Duration) (Response, bool, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, false, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var d Datagram
	select {
	case d = <-channel.recvQueue:
	case <-timer.C:
		return Response{}, false, nil
	case <-channel.closed:
		return Response{}, false, ErrSocketClosed
	case <-ctx.Done():
		return Response{}, false, ctx.Err()
	}

	recv := time.Now()
	if !d.ICMP {
		return DecodeTCPSegment(d.Bytes, d.Source, recv)
	}
	return DecodeICMP(d.Bytes, ipv6Family, d.Source, probeFamily, recv)
}
