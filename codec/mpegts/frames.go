package mpegts

import (
	"bytes"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/eluv-io/errors-go"
)

var errNoSync = errors.Str("no frame sync")

// frameHeader describes one compressed audio frame
type frameHeader struct {
	codec      string
	sampleRate int
	channels   int
	samples    int // per channel
	size       int // header and payload
	objectType byte
}

// headerParser parses the header of the frame starting at b[0]. It returns
// errNoSync if b does not start with a frame.
type headerParser func(b []byte) (frameHeader, error)

// parseADTS parses an ADTS header with a single raw data block
func parseADTS(b []byte) (frameHeader, error) {
	if len(b) < 7 || b[0] != 0xFF || b[1]&0xF6 != 0xF0 {
		return frameHeader{}, errNoSync
	}
	if b[1]&0x01 == 0 && len(b) < 9 {
		// header with CRC
		return frameHeader{}, errNoSync
	}
	e := errors.Template("parseADTS", errors.K.Invalid)

	hdr, off, err := aac.DecodeADTSHeader(bytes.NewReader(b))
	if err != nil {
		return frameHeader{}, e(err)
	}
	if off != 0 {
		return frameHeader{}, errNoSync
	}
	rate, ok := aac.FrequencyTable[hdr.SamplingFrequencyIndex]
	if !ok {
		return frameHeader{}, e("reason", "invalid sample rate index", "index", hdr.SamplingFrequencyIndex)
	}
	// PayloadLength wraps when the frame length is shorter than the header
	size := int(hdr.PayloadLength + uint16(hdr.HeaderLength))
	if size < int(hdr.HeaderLength) {
		return frameHeader{}, e("reason", "invalid frame length", "length", size)
	}

	return frameHeader{
		codec:      "aac",
		sampleRate: rate,
		channels:   int(hdr.ChannelConfig),
		samples:    1024,
		size:       size,
		objectType: hdr.ObjectType,
	}, nil
}

// audioSpecificConfig builds the decoder config of an ADTS stream
func audioSpecificConfig(h frameHeader) ([]byte, error) {
	asc := &aac.AudioSpecificConfig{
		ObjectType:           h.objectType,
		ChannelConfiguration: byte(h.channels),
		SamplingFrequency:    h.sampleRate,
	}
	var buf bytes.Buffer
	if err := asc.Encode(&buf); err != nil {
		return nil, errors.E("audioSpecificConfig", errors.K.Invalid, err, "object_type", h.objectType)
	}
	return buf.Bytes(), nil
}

// MPEG audio bitrates in kbps, by version 1 or 2 and layer
var mpaBitrates = [2][3][15]int{
	{
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448},
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384},
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320},
	},
	{
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
	},
}

var mpaSampleRates = [3][3]int{
	{44100, 48000, 32000}, // MPEG 1
	{22050, 24000, 16000}, // MPEG 2
	{11025, 12000, 8000},  // MPEG 2.5
}

// parseMPA parses an MPEG-1/2 audio frame header
func parseMPA(b []byte) (frameHeader, error) {
	if len(b) < 4 || b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return frameHeader{}, errNoSync
	}
	e := errors.Template("parseMPA", errors.K.Invalid)

	var version int
	switch (b[1] >> 3) & 0x03 {
	case 3:
		version = 0
	case 2:
		version = 1
	case 0:
		version = 2
	default:
		return frameHeader{}, e("reason", "reserved version")
	}
	layer := 4 - int((b[1]>>1)&0x03)
	if layer == 4 {
		return frameHeader{}, e("reason", "reserved layer")
	}
	brIdx := int(b[2] >> 4)
	rateIdx := int(b[2]>>2) & 0x03
	if brIdx == 0 || brIdx == 15 || rateIdx == 3 {
		return frameHeader{}, e("reason", "unsupported bitrate or sample rate", "bitrate_index", brIdx,
			"rate_index", rateIdx)
	}
	pad := int(b[2]>>1) & 0x01
	channels := 2
	if b[3]>>6 == 3 {
		channels = 1
	}

	table := version
	if table > 1 {
		table = 1
	}
	bitrate := mpaBitrates[table][layer-1][brIdx] * 1000
	rate := mpaSampleRates[version][rateIdx]

	h := frameHeader{sampleRate: rate, channels: channels}
	switch layer {
	case 1:
		h.codec = "mp1"
		h.samples = 384
		h.size = (12*bitrate/rate + pad) * 4
	case 2:
		h.codec = "mp2"
		h.samples = 1152
		h.size = 144*bitrate/rate + pad
	default:
		h.codec = "mp3"
		h.samples = 1152
		h.size = 144*bitrate/rate + pad
		if version > 0 {
			h.samples = 576
			h.size = 72*bitrate/rate + pad
		}
	}
	return h, nil
}

// splitFrames cuts data into whole frames. It skips bytes up to the next sync
// word and returns the unconsumed tail, which holds a partial frame.
func splitFrames(data []byte, parse headerParser) (frames [][]byte, headers []frameHeader, rest []byte) {
	off := 0
	for off < len(data) {
		h, err := parse(data[off:])
		if err != nil {
			if err == errNoSync && len(data)-off < 7 {
				break
			}
			off++
			continue
		}
		if off+h.size > len(data) {
			break
		}
		frames = append(frames, data[off:off+h.size])
		headers = append(headers, h)
		off += h.size
	}
	return frames, headers, data[off:]
}
