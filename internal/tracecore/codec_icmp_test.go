package tracecore

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

func testProbe(seq Sequence, flags Flags) Probe {
	return New(seq, 0x1234, 0, 0, 1, 0, time.Now(), flags)
}

func TestEncodeICMPEchoBoundarySizes(t *testing.T) {
	probe := testProbe(1, FlagIcmpClassic)

	if _, err := EncodeICMPEcho(false, probe, 0x1234, MaxPacketSize, 0, nil, nil); err != nil {
		t.Errorf("packet_size == MaxPacketSize should succeed, got %v", err)
	}
	if _, err := EncodeICMPEcho(false, probe, 0x1234, MaxPacketSize+1, 0, nil, nil); err == nil {
		t.Errorf("packet_size == MaxPacketSize+1 should fail with ErrInvalidPacketSize")
	}
	empty := ipv4MinHeaderLen + icmpEchoHeaderLen
	if _, err := EncodeICMPEcho(false, probe, 0x1234, empty, 0, nil, nil); err != nil {
		t.Errorf("empty-payload packet_size should succeed, got %v", err)
	}
}

func TestEncodeDecodeICMPEchoRoundTrip(t *testing.T) {
	probe := testProbe(42, FlagIcmpClassic)
	out, err := EncodeICMPEcho(false, probe, 0x1234, 64, 0xAA, nil, nil)
	if err != nil {
		t.Fatalf("EncodeICMPEcho() error = %v", err)
	}

	// EchoReply decode expects the same wire layout an EchoRequest used
	// (type differs, but the ID/Seq fields are laid out identically); flip
	// the type byte to simulate the reflected reply.
	reply := append([]byte{}, out...)
	reply[0] = 0 // ICMPv4 EchoReply

	resp, ok, err := DecodeICMP(reply, false, net.ParseIP("192.0.2.1"), ProtocolICMP, time.Now())
	if err != nil {
		t.Fatalf("DecodeICMP() error = %v", err)
	}
	if !ok {
		t.Fatalf("DecodeICMP() ok = false, want true")
	}
	if resp.Kind != RespEchoReply {
		t.Fatalf("Kind = %v, want RespEchoReply", resp.Kind)
	}
	if resp.Data.RespSeq.Icmp.Identifier != 0x1234 || resp.Data.RespSeq.Icmp.Sequence != uint16(probe.Sequence) {
		t.Errorf("RespSeq = %+v, want identifier=0x1234 sequence=%d", resp.Data.RespSeq.Icmp, probe.Sequence)
	}
}

func TestDecodeICMPUnknownTypeDiscarded(t *testing.T) {
	// ICMP Redirect (type 5) is not among the types this package correlates.
	raw := []byte{5, 0, 0xfa, 0xff, 0, 0, 0, 0}
	resp, ok, err := DecodeICMP(raw, false, net.ParseIP("192.0.2.1"), ProtocolICMP, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for a discarded ICMP type, got %+v", resp)
	}
}

func TestDecodeICMPTruncatedNestedHeaderFails(t *testing.T) {
	// TimeExceeded (type 11) with a nested IP header claiming more bytes
	// than are actually present.
	raw := []byte{11, 0, 0, 0, 0, 0, 0, 0, 0x45, 0x00, 0x00, 0x14}
	_, ok, err := DecodeICMP(raw, false, net.ParseIP("192.0.2.1"), ProtocolICMP, time.Now())
	if ok {
		t.Fatalf("expected ok=false on truncated nested header")
	}
	if err == nil {
		t.Fatalf("expected a PacketParseError, got nil (and no panic)")
	}
}

func TestDecodeICMPv6NestedErrorWithExtensions(t *testing.T) {
	// ICMPv6 TimeExceeded (type 3) whose original-datagram length octet
	// lives at offset 4 and counts 64-bit words: a 40-byte nested IPv6
	// header plus an 8-byte UDP header is 6 words.
	header := []byte{3, 0, 0, 0, 6, 0, 0, 0}

	nestedIP := make([]byte, ipv6HeaderLen)
	nestedIP[0] = 0x60
	copy(nestedIP[24:40], net.ParseIP("2001:db8::5").To16())

	nestedUDP := make([]byte, udpHeaderLen)
	binary.BigEndian.PutUint16(nestedUDP[0:2], 33434)
	binary.BigEndian.PutUint16(nestedUDP[2:4], 33500)
	binary.BigEndian.PutUint16(nestedUDP[4:6], udpHeaderLen)
	binary.BigEndian.PutUint16(nestedUDP[6:8], 42)

	// version-2 extension structure carrying one MPLS label stack object:
	// {label=100, exp=0, bos=1, ttl=64}.
	ext := []byte{0x20, 0x00, 0x00, 0x00}
	ext = append(ext, 0x00, 0x08, 1, 1)
	ext = append(ext, EncodeMplsLabelStack(MplsLabelStack{Members: []MplsLabelStackMember{
		{Label: 100, Exp: 0, Bos: 1, TTL: 64},
	}})...)

	raw := append(append(append(header, nestedIP...), nestedUDP...), ext...)

	resp, ok, err := DecodeICMP(raw, true, net.ParseIP("2001:db8::1"), ProtocolUDP, time.Now())
	if err != nil {
		t.Fatalf("DecodeICMP() error = %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if resp.Kind != RespTimeExceeded {
		t.Fatalf("Kind = %v, want RespTimeExceeded", resp.Kind)
	}

	seq := resp.Data.RespSeq.Udp
	if seq.SrcPort != 33434 || seq.DestPort != 33500 || seq.Checksum != 42 {
		t.Errorf("RespSeq.Udp = %+v, unexpected field values", seq)
	}
	if !seq.DestAddr.Equal(net.ParseIP("2001:db8::5")) {
		t.Errorf("DestAddr = %v, want 2001:db8::5", seq.DestAddr)
	}

	if resp.Extensions == nil || len(resp.Extensions.Extensions) != 1 {
		t.Fatalf("Extensions = %+v, want one entry", resp.Extensions)
	}
	got := resp.Extensions.Extensions[0]
	if got.Kind != ExtMpls || len(got.Mpls.Members) != 1 {
		t.Fatalf("extension = %+v, want one MPLS member", got)
	}
	want := MplsLabelStackMember{Label: 100, Exp: 0, Bos: 1, TTL: 64}
	if got.Mpls.Members[0] != want {
		t.Errorf("MPLS member = %+v, want %+v", got.Mpls.Members[0], want)
	}
}

func TestMplsLabelStackRoundTrip(t *testing.T) {
	stack := MplsLabelStack{Members: []MplsLabelStackMember{
		{Label: 100, Exp: 5, Bos: 1, TTL: 64},
		{Label: 0xFFFFF, Exp: 7, Bos: 0, TTL: 255},
		{Label: 1, Exp: 0, Bos: 0, TTL: 1},
	}}

	encoded := EncodeMplsLabelStack(stack)
	decoded := parseMplsLabelStack(encoded)

	if len(decoded.Members) != len(stack.Members) {
		t.Fatalf("round-tripped %d members, want %d", len(decoded.Members), len(stack.Members))
	}
	for i, want := range stack.Members {
		if decoded.Members[i] != want {
			t.Errorf("member %d = %+v, want %+v", i, decoded.Members[i], want)
		}
	}
}

func TestParseICMPExtensionsUnknownClassVerbatim(t *testing.T) {
	// version=2, reserved/checksum placeholder, then one object of class 9
	// subtype 1 carrying 4 bytes of opaque payload.
	ext := []byte{0x20, 0x00, 0x00, 0x00}
	ext = append(ext, 0x00, 0x08, 9, 1)
	ext = append(ext, 0xDE, 0xAD, 0xBE, 0xEF)

	extensions := parseICMPExtensions(ext)
	if extensions == nil || len(extensions.Extensions) != 1 {
		t.Fatalf("parseICMPExtensions() = %+v, want one entry", extensions)
	}
	got := extensions.Extensions[0]
	if got.Kind != ExtUnknown || got.Unknown.ClassNum != 9 || got.Unknown.ClassSubtype != 1 {
		t.Errorf("unknown extension = %+v, want class_num=9 class_subtype=1", got)
	}
	if string(got.Unknown.Bytes) != "\xDE\xAD\xBE\xEF" {
		t.Errorf("Bytes = %x, want deadbeef", got.Unknown.Bytes)
	}
}
