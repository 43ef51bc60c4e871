// Package pcm provides the encoders that do not compress: "raw" cuts decoded
// PCM into frames and "copy" forwards source packets unchanged.
package pcm

import (
	"fmt"

	"github.com/eluv-io/errors-go"

	"github.com/eluv-io/audiopipe"
	"github.com/eluv-io/audiopipe/goaudio"
)

var log = goaudio.Log

func init() {
	audiopipe.RegisterEncoder(goaudio.EncoderRaw, func(opts goaudio.EncoderOptions) (audiopipe.Backend, error) {
		return NewRawEncoder(opts.FrameSamples), nil
	})
	audiopipe.RegisterEncoder(goaudio.EncoderCopy, func(opts goaudio.EncoderOptions) (audiopipe.Backend, error) {
		return NewCopyEncoder(), nil
	})
}

// CodecName is the name of little endian PCM with samples of sampleSize bytes
func CodecName(sampleSize int) string {
	if sampleSize == 1 {
		return "pcm_u8"
	}
	return fmt.Sprintf("pcm_%sle", goaudio.SampleFormatForSize(sampleSize))
}

// RawEncoder emits frames of frameSamples samples of the upstream PCM
type RawEncoder struct {
	frameSamples int
	frames       int64
}

func NewRawEncoder(frameSamples int) *RawEncoder {
	return &RawEncoder{frameSamples: frameSamples}
}

func (r *RawEncoder) OpenEncoder(enc *audiopipe.Filter, upstream *audiopipe.Filter, opts goaudio.EncoderOptions) error {
	e := errors.Template("RawEncoder.OpenEncoder", errors.K.Invalid)

	in := upstream.Info
	if in.SampleRate <= 0 || in.Channels <= 0 || in.SampleSize <= 0 {
		return e("reason", "upstream is not raw audio", "codec", in.CodecName,
			"sample_rate", in.SampleRate, "channels", in.Channels, "sample_size", in.SampleSize)
	}
	if r.frameSamples <= 0 || r.frameSamples > goaudio.MaxFrameSamples {
		return e("reason", "invalid frame samples", "frame_samples", r.frameSamples)
	}

	enc.Info = in
	enc.Info.CodecName = CodecName(in.SampleSize)
	enc.Info.Bitrate = in.SampleRate * in.Channels * in.SampleSize * 8
	enc.Info.Extradata = nil
	enc.SetFrameSamples(r.frameSamples)
	return nil
}

func (r *RawEncoder) Encode(f *audiopipe.Filter, out, in []byte) (int, error) {
	if len(out) < len(in) {
		return 0, audiopipe.EAF_BUFFER_TOO_SMALL
	}
	r.frames++
	return copy(out, in), nil
}

func (r *RawEncoder) Close(f *audiopipe.Filter) error {
	log.Debug("raw encoder closed", "frames", r.frames)
	return nil
}

// CopyEncoder forwards every packet as its own frame, keeping its timestamp
type CopyEncoder struct {
	packets int64
}

func NewCopyEncoder() *CopyEncoder {
	return &CopyEncoder{}
}

func (c *CopyEncoder) OpenEncoder(enc *audiopipe.Filter, upstream *audiopipe.Filter, opts goaudio.EncoderOptions) error {
	if !upstream.Copy {
		return errors.E("CopyEncoder.OpenEncoder", errors.K.Invalid, "reason", "source not opened in copy mode",
			"codec", upstream.Info.CodecName)
	}
	enc.Info = upstream.Info
	enc.FrameSize = 0
	enc.FrameLen = 0
	return nil
}

func (c *CopyEncoder) Encode(f *audiopipe.Filter, out, in []byte) (int, error) {
	if len(out) < len(in) {
		return 0, audiopipe.EAF_BUFFER_TOO_SMALL
	}
	c.packets++
	return copy(out, in), nil
}

func (c *CopyEncoder) Close(f *audiopipe.Filter) error {
	log.Debug("copy encoder closed", "packets", c.packets)
	return nil
}
