package tracecore

import "testing"

func TestSolveChecksumPayloadHitsTarget(t *testing.T) {
	for _, target := range []uint16{0, 1, 42, 0x1234, 0xffff} {
		data := []byte{0x45, 0x00, 0x00, 0x00, 0xAB, 0xCD, 0x00, 0x00}
		if err := solveChecksumPayload(data, 6, target); err != nil {
			t.Fatalf("solveChecksumPayload(target=0x%04x) error = %v", target, err)
		}
		if got := Checksum(data); got != target {
			t.Errorf("Checksum(data) = 0x%04x after solving for 0x%04x", got, target)
		}
	}
}

func TestSolveChecksumPayloadLeavesOtherBytesUntouched(t *testing.T) {
	data := []byte{0x11, 0x22, 0x33, 0x44, 0x00, 0x00}
	before := append([]byte{}, data[:4]...)

	if err := solveChecksumPayload(data, 4, 0xABCD); err != nil {
		t.Fatalf("solveChecksumPayload() error = %v", err)
	}
	for i, b := range before {
		if data[i] != b {
			t.Errorf("byte %d changed: got 0x%02x, want 0x%02x", i, data[i], b)
		}
	}
}

func TestSolveChecksumPayloadOffsetOutOfRange(t *testing.T) {
	data := []byte{0x01, 0x02}
	if err := solveChecksumPayload(data, 5, 0); err == nil {
		t.Fatalf("expected an error for an out-of-range field offset")
	}
	if err := solveChecksumPayload(data, -1, 0); err == nil {
		t.Fatalf("expected an error for a negative field offset")
	}
}
