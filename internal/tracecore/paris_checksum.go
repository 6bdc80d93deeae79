package tracecore

// solveChecksumPayload chooses the two bytes at data[fieldOffset:fieldOffset+2]
// so that Checksum(data) equals target exactly, leaving every other byte of
// data untouched. The one exception is target 0xffff: Checksum of data with
// any nonzero word never returns 0xffff (its folded sum is never 0), so the
// result there is 0x0000, the other one's-complement zero.
//
// This is the checksum-as-payload technique: Paris-style encoding needs the eventual transport checksum to equal the
// probe sequence, so instead of writing the checksum field directly (which
// the real checksum computation would overwrite), a dedicated payload word
// is solved so that the real computation lands on the chosen value.
//
// Derivation: let C0 be the checksum computed with the target field zeroed.
// Checksum is one's-complement NOT of the folded sum S, so S0 = ^C0.
// Setting the field to A changes the folded sum to S0 boxplus A (one's
// complement addition). We want ^( S0 boxplus A ) == target, i.e.
// S0 boxplus A == ^target, i.e. A == (^target) boxplus (^S0) == (^target)
// boxplus C0. That gives the closed form below with no search or iteration.
func solveChecksumPayload(data []byte, fieldOffset int, target uint16) error {
	if fieldOffset < 0 || fieldOffset+2 > len(data) {
		return ErrPacketParse
	}
	data[fieldOffset] = 0
	data[fieldOffset+1] = 0

	c0 := Checksum(data)
	adjustment := onesComplementAdd16(^target, c0)

	data[fieldOffset] = byte(adjustment >> 8)
	data[fieldOffset+1] = byte(adjustment & 0xff)
	return nil
}
