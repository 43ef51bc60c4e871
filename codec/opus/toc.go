package opus

import (
	"github.com/eluv-io/errors-go"
)

// SampleRate is the rate Opus timestamps and granule positions count in
const SampleRate = 48000

// frameSamples is the frame duration at 48 kHz for each TOC configuration (RFC 6716 3.1)
var frameSamples = [32]int{
	480, 960, 1920, 2880, // SILK NB
	480, 960, 1920, 2880, // SILK MB
	480, 960, 1920, 2880, // SILK WB
	480, 960, // hybrid SWB
	480, 960, // hybrid FB
	120, 240, 480, 960, // CELT NB
	120, 240, 480, 960, // CELT WB
	120, 240, 480, 960, // CELT SWB
	120, 240, 480, 960, // CELT FB
}

// PacketSamples returns the number of samples per channel at 48 kHz encoded
// in an Opus packet, from its TOC byte and frame count.
func PacketSamples(pkt []byte) (int, error) {
	e := errors.Template("opus.PacketSamples", errors.K.Invalid)

	if len(pkt) == 0 {
		return 0, e("reason", "empty packet")
	}
	toc := pkt[0]
	per := frameSamples[toc>>3]

	var frames int
	switch toc & 0x03 {
	case 0:
		frames = 1
	case 1, 2:
		frames = 2
	default:
		if len(pkt) < 2 {
			return 0, e("reason", "missing frame count")
		}
		frames = int(pkt[1] & 0x3F)
		if frames == 0 {
			return 0, e("reason", "zero frame count")
		}
	}
	n := frames * per
	// 120 ms at most
	if n > 5760 {
		return 0, e("reason", "packet too long", "samples", n)
	}
	return n, nil
}

// isSilk reports whether the packet is coded in SILK only mode
func isSilk(toc byte) bool {
	return toc>>3 < 12
}
