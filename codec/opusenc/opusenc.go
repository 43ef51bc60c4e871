//go:build cgo

// Package opusenc encodes 16 bit PCM to Opus with libopus. It needs cgo and
// the libopus development files.
package opusenc

import (
	"bytes"
	"encoding/binary"

	"github.com/eluv-io/errors-go"
	"layeh.com/gopus"

	"github.com/eluv-io/audiopipe"
	"github.com/eluv-io/audiopipe/goaudio"
)

var log = goaudio.Log

// Name is the resolved codec name the encoder registers under
const Name = "libopus"

// PreSkip is the number of 48 kHz samples a decoder discards at the start
const PreSkip = 312

func init() {
	audiopipe.RegisterEncoder(Name, func(opts goaudio.EncoderOptions) (audiopipe.Backend, error) {
		return NewEncoder(), nil
	})
}

// Encoder is an Opus encoder stage
type Encoder struct {
	enc          *gopus.Encoder
	channels     int
	frameSamples int
	pcm          []int16
	frames       int64
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// ValidFrameSamples reports whether n samples at rate make an Opus frame
// (2.5, 5, 10, 20, 40 or 60 ms).
func ValidFrameSamples(n, rate int) bool {
	for _, tenthMs := range []int{25, 50, 100, 200, 400, 600} {
		if n*10000 == rate*tenthMs {
			return true
		}
	}
	return false
}

func (o *Encoder) OpenEncoder(enc *audiopipe.Filter, upstream *audiopipe.Filter, opts goaudio.EncoderOptions) error {
	e := errors.Template("opusenc.OpenEncoder", errors.K.Invalid)

	in := upstream.Info
	switch in.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return e("reason", "unsupported sample rate", "sample_rate", in.SampleRate)
	}
	if in.Channels < 1 || in.Channels > 2 {
		return e("reason", "unsupported channel count", "channels", in.Channels)
	}
	if in.SampleSize != 2 {
		return e("reason", "opus input must be 16 bit pcm", "codec", in.CodecName, "sample_size", in.SampleSize)
	}

	frameSamples := opts.FrameSamples
	if !ValidFrameSamples(frameSamples, in.SampleRate) {
		frameSamples = in.SampleRate / 50
	}

	g, err := gopus.NewEncoder(in.SampleRate, in.Channels, gopus.Audio)
	if err != nil {
		return e(err, "reason", "create encoder failed")
	}
	if opts.QualityMode {
		g.SetVbr(true)
	} else {
		g.SetVbr(false)
		g.SetBitrate(opts.Bitrate)
	}

	o.enc = g
	o.channels = in.Channels
	o.frameSamples = frameSamples
	o.pcm = make([]int16, frameSamples*in.Channels)

	enc.Info = audiopipe.AudioInfo{
		CodecName:  "opus",
		SampleRate: in.SampleRate,
		Channels:   in.Channels,
		Extradata:  opusHead(in.Channels, in.SampleRate),
		Bitrate:    g.Bitrate(),
	}
	enc.FrameSize = in.FrameBytes(frameSamples)
	enc.FrameLen = audiopipe.FrameDuration(frameSamples, in.SampleRate, enc.TimeBase)
	log.Debug("opus encoder opened", "sample_rate", in.SampleRate, "channels", in.Channels,
		"frame_samples", frameSamples, "bitrate", enc.Info.Bitrate, "vbr", opts.QualityMode)
	return nil
}

func opusHead(channels, rate int) []byte {
	var b bytes.Buffer
	b.WriteString("OpusHead")
	b.WriteByte(1)
	b.WriteByte(byte(channels))
	_ = binary.Write(&b, binary.LittleEndian, uint16(PreSkip))
	_ = binary.Write(&b, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&b, binary.LittleEndian, uint16(0))
	b.WriteByte(0)
	return b.Bytes()
}

func (o *Encoder) Encode(f *audiopipe.Filter, out, in []byte) (int, error) {
	if o.enc == nil {
		return 0, errors.E("opusenc.Encode", errors.K.Invalid, "reason", "encoder not open")
	}
	n := len(in) / 2
	if n != len(o.pcm) {
		return 0, errors.E("opusenc.Encode", errors.K.Invalid, "reason", "partial frame", "bytes", len(in))
	}
	for i := 0; i < n; i++ {
		o.pcm[i] = int16(binary.LittleEndian.Uint16(in[2*i:]))
	}
	data, err := o.enc.Encode(o.pcm, o.frameSamples, len(out))
	if err != nil {
		return 0, errors.E("opusenc.Encode", errors.K.Invalid, err, "frame", o.frames)
	}
	if len(data) > len(out) {
		return 0, audiopipe.EAF_BUFFER_TOO_SMALL
	}
	o.frames++
	return copy(out, data), nil
}

func (o *Encoder) Close(f *audiopipe.Filter) error {
	log.Debug("opus encoder closed", "frames", o.frames)
	o.enc = nil
	o.pcm = nil
	return nil
}
