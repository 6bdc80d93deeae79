package tracecore

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"
)

func TestEncodeTCPSynChecksumValidates(t *testing.T) {
	probe := testProbe(1, 0)
	probe.SrcPort = 50000
	probe.DestPort = 80

	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("198.51.100.1")
	seg := EncodeTCPSyn(false, probe, src, dst)

	if len(seg) != tcpHeaderLen {
		t.Fatalf("len(seg) = %d, want %d", len(seg), tcpHeaderLen)
	}
	if seg[13] != 0x02 {
		t.Errorf("flags byte = 0x%02x, want SYN (0x02)", seg[13])
	}

	psh := make([]byte, 12)
	copy(psh[0:4], src.To4())
	copy(psh[4:8], dst.To4())
	psh[9] = 6
	binary.BigEndian.PutUint16(psh[10:12], uint16(len(seg)))
	if !ValidateChecksum(append(psh, seg...)) {
		t.Errorf("TCP checksum does not validate against its pseudo-header")
	}
}

func TestDecodeTCPSegmentSynAckAndRst(t *testing.T) {
	build := func(flags byte) []byte {
		seg := make([]byte, tcpHeaderLen)
		binary.BigEndian.PutUint16(seg[0:2], 80)    // wire src port = target's port
		binary.BigEndian.PutUint16(seg[2:4], 50000) // wire dest port = our local port
		seg[13] = flags
		return seg
	}
	peer := net.ParseIP("198.51.100.1")

	synAck, ok, err := DecodeTCPSegment(build(0x12), peer, time.Now())
	if err != nil || !ok {
		t.Fatalf("DecodeTCPSegment(SYN/ACK) = %+v, %v, %v", synAck, ok, err)
	}
	if synAck.Kind != RespTcpReply {
		t.Errorf("Kind = %v, want RespTcpReply", synAck.Kind)
	}
	// Fingerprint is swapped back to the probe's perspective.
	if synAck.Data.RespSeq.Tcp.SrcPort != 50000 || synAck.Data.RespSeq.Tcp.DestPort != 80 {
		t.Errorf("RespSeq.Tcp = %+v, want SrcPort=50000 DestPort=80", synAck.Data.RespSeq.Tcp)
	}

	rst, ok, err := DecodeTCPSegment(build(0x04), peer, time.Now())
	if err != nil || !ok {
		t.Fatalf("DecodeTCPSegment(RST) = %+v, %v, %v", rst, ok, err)
	}
	if rst.Kind != RespTcpRefused {
		t.Errorf("Kind = %v, want RespTcpRefused", rst.Kind)
	}

	_, ok, err = DecodeTCPSegment(build(0x10), peer, time.Now()) // bare ACK, neither SYN/ACK nor RST
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Errorf("expected ok=false for a bare ACK segment")
	}
}

func TestReserveLocalPortConflict(t *testing.T) {
	l, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Skipf("cannot listen on tcp4: %v", err)
	}
	defer l.Close()
	port := Port(l.Addr().(*net.TCPAddr).Port)

	if _, err := reserveLocalPort(false, port); !errors.Is(err, ErrPortBind) {
		t.Fatalf("reserveLocalPort on an occupied port = %v, want ErrPortBind", err)
	}

	held, err := reserveLocalPort(false, 0)
	if err != nil {
		t.Fatalf("reserveLocalPort on an ephemeral port error = %v", err)
	}
	held.Close()
}

func TestDecodeTCPSegmentTruncated(t *testing.T) {
	_, ok, err := DecodeTCPSegment([]byte{0, 1, 2}, net.ParseIP("198.51.100.1"), time.Now())
	if ok {
		t.Fatalf("expected ok=false for a truncated segment")
	}
	if err == nil {
		t.Fatalf("expected a PacketParseError, got nil")
	}
}
