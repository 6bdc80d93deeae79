package tracecore

import "testing"

func TestChecksum(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{
			name: "ICMP Echo Request example",
			// Type=8, Code=0, Checksum=0, ID=1, Seq=1
			data:     []byte{0x08, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01},
			expected: 0xf7fd,
		},
		{
			name:     "simple even length",
			data:     []byte{0x00, 0x01, 0x00, 0x02},
			expected: 0xfffc,
		},
		{
			name:     "odd length data",
			data:     []byte{0x00, 0x01, 0xf2},
			expected: 0x0dfe,
		},
		{
			name:     "all zeros",
			data:     []byte{0x00, 0x00, 0x00, 0x00},
			expected: 0xffff,
		},
		{
			name:     "all ones",
			data:     []byte{0xff, 0xff, 0xff, 0xff},
			expected: 0x0000,
		},
		{
			name:     "empty data",
			data:     []byte{},
			expected: 0xffff,
		},
		{
			name:     "single byte",
			data:     []byte{0x45},
			expected: 0xbaff,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Checksum(tt.data); got != tt.expected {
				t.Errorf("Checksum(%v) = 0x%04x, want 0x%04x", tt.data, got, tt.expected)
			}
		})
	}
}

func TestValidateChecksum(t *testing.T) {
	data := []byte{0x08, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01}
	sum := Checksum(data)
	data[2] = byte(sum >> 8)
	data[3] = byte(sum & 0xff)

	if !ValidateChecksum(data) {
		t.Fatalf("ValidateChecksum should be true once the computed checksum is installed")
	}

	data[3] ^= 0xff
	if ValidateChecksum(data) {
		t.Fatalf("ValidateChecksum should be false after corrupting the checksum field")
	}
}

func TestOnesComplementAdd16(t *testing.T) {
	tests := []struct {
		a, b, want uint16
	}{
		{0x0000, 0x0000, 0x0000},
		{0xffff, 0x0001, 0x0001}, // end-around carry
		{0x1234, 0x5678, 0x68ac},
	}
	for _, tt := range tests {
		if got := onesComplementAdd16(tt.a, tt.b); got != tt.want {
			t.Errorf("onesComplementAdd16(0x%04x, 0x%04x) = 0x%04x, want 0x%04x", tt.a, tt.b, got, tt.want)
		}
	}
}
