// Package wav reads and writes PCM WAV files.
package wav

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/eluv-io/errors-go"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/eluv-io/audiopipe"
	"github.com/eluv-io/audiopipe/codec/pcm"
	"github.com/eluv-io/audiopipe/goaudio"
)

var log = goaudio.Log

// PacketSamples is the number of samples per channel in one demuxed packet
const PacketSamples = 1024

const wavFormatPCM = 1

func init() {
	audiopipe.RegisterSource(goaudio.FormatWav, func(in io.Reader, p *goaudio.Params) (audiopipe.Backend, error) {
		return NewSource(in, PacketSamples)
	})
	audiopipe.RegisterMuxer(goaudio.FormatWav, func(p *goaudio.Params) (audiopipe.Backend, error) {
		return NewSink(p.OutUrl), nil
	})
}

// Source demuxes a WAV file into packets of little endian PCM. 24 bit samples
// are widened to 32 bits.
type Source struct {
	rs            io.ReadSeeker
	dec           *wav.Decoder
	packetSamples int
	channels      int
	bitDepth      int
	sampleSize    int
	buf           *audio.IntBuffer
	pos           int64 // samples per channel demuxed so far
}

// NewSource creates a source on in. Inputs that cannot seek are read into memory.
func NewSource(in io.Reader, packetSamples int) (*Source, error) {
	if in == nil {
		return nil, errors.E("wav.NewSource", errors.K.Invalid, "reason", "no input")
	}
	rs, ok := in.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(in)
		if err != nil {
			return nil, errors.E("wav.NewSource", errors.K.IO, err)
		}
		rs = bytes.NewReader(data)
	}
	if packetSamples <= 0 {
		packetSamples = PacketSamples
	}
	return &Source{rs: rs, packetSamples: packetSamples}, nil
}

func (s *Source) OpenTrack(f *audiopipe.Filter, track int, copy bool) (int, error) {
	e := errors.Template("wav.OpenTrack", errors.K.Invalid, "track", track)

	if track != goaudio.TrackAny && track != 0 {
		return 0, e(errors.K.NotExist, "reason", "wav files have a single track")
	}
	dec := wav.NewDecoder(s.rs)
	if !dec.IsValidFile() {
		return 0, e("reason", "not a valid wav file")
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return 0, e("reason", "unsupported wav encoding", "format", dec.WavAudioFormat)
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, e(err, "reason", "no pcm data")
	}

	s.dec = dec
	s.channels = int(dec.NumChans)
	s.bitDepth = int(dec.BitDepth)
	switch s.bitDepth {
	case 8:
		s.sampleSize = 1
	case 16:
		s.sampleSize = 2
	case 24, 32:
		s.sampleSize = 4
	default:
		return 0, e("reason", "unsupported bit depth", "bit_depth", s.bitDepth)
	}
	if s.channels <= 0 || dec.SampleRate == 0 {
		return 0, e("reason", "invalid wav header", "channels", s.channels, "sample_rate", dec.SampleRate)
	}
	s.buf = &audio.IntBuffer{
		Format: &audio.Format{NumChannels: s.channels, SampleRate: int(dec.SampleRate)},
		Data:   make([]int, s.packetSamples*s.channels),
	}

	f.Info = audiopipe.AudioInfo{
		CodecName:  pcm.CodecName(s.sampleSize),
		SampleRate: int(dec.SampleRate),
		Channels:   s.channels,
		SampleSize: s.sampleSize,
		Bitrate:    int(dec.SampleRate) * s.channels * s.bitDepth,
	}
	f.TimeBase = audiopipe.Rational{Num: 1, Den: int64(dec.SampleRate)}
	return 0, nil
}

func (s *Source) Demux(f *audiopipe.Filter) (*audiopipe.Packet, int, error) {
	if s.dec == nil {
		return nil, 0, errors.E("wav.Demux", errors.K.Invalid, "reason", "track not opened")
	}
	s.buf.Data = s.buf.Data[:cap(s.buf.Data)]
	n, err := s.dec.PCMBuffer(s.buf)
	if n == 0 {
		if err == nil || err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, errors.E("wav.Demux", errors.K.IO, err)
	}
	n -= n % s.channels
	if n == 0 {
		return nil, 0, io.EOF
	}

	data := make([]byte, n*s.sampleSize)
	PutSamples(data, s.buf.Data[:n], s.bitDepth)
	pkt := audiopipe.NewPacket(data, s.pos)
	s.pos += int64(n / s.channels)
	return pkt, 0, nil
}

func (s *Source) Decode(f *audiopipe.Filter, out []byte) (int, error) {
	return audiopipe.CopyDecode(f, out)
}

func (s *Source) Close(f *audiopipe.Filter) error {
	log.Debug("wav source closed", "samples", s.pos)
	s.dec = nil
	return nil
}

// PutSamples writes samples of the given WAV bit depth as little endian PCM.
// 24 bit samples take 4 bytes.
func PutSamples(dst []byte, samples []int, bitDepth int) {
	switch bitDepth {
	case 8:
		for i, v := range samples {
			dst[i] = byte(v)
		}
	case 16:
		for i, v := range samples {
			binary.LittleEndian.PutUint16(dst[2*i:], uint16(int16(v)))
		}
	case 24:
		for i, v := range samples {
			binary.LittleEndian.PutUint32(dst[4*i:], uint32(int32(v)<<8))
		}
	default:
		for i, v := range samples {
			binary.LittleEndian.PutUint32(dst[4*i:], uint32(int32(v)))
		}
	}
}

// Samples decodes little endian PCM with samples of sampleSize bytes
func Samples(dst []int, src []byte, sampleSize int) []int {
	n := len(src) / sampleSize
	dst = dst[:0]
	for i := 0; i < n; i++ {
		switch sampleSize {
		case 1:
			dst = append(dst, int(src[i]))
		case 2:
			dst = append(dst, int(int16(binary.LittleEndian.Uint16(src[2*i:]))))
		default:
			dst = append(dst, int(int32(binary.LittleEndian.Uint32(src[4*i:]))))
		}
	}
	return dst
}

// Sink writes raw PCM packets to a WAV file
type Sink struct {
	path       string
	file       *os.File
	enc        *wav.Encoder
	sampleSize int
	buf        *audio.IntBuffer
	packets    int64
}

func NewSink(path string) *Sink {
	return &Sink{path: path}
}

func (s *Sink) OpenMuxer(muxer *audiopipe.Filter, enc *audiopipe.Filter) error {
	e := errors.Template("wav.OpenMuxer", errors.K.Invalid, "path", s.path)

	info := enc.Info
	if !strings.HasPrefix(info.CodecName, "pcm_") {
		return e("reason", "wav output needs pcm", "codec", info.CodecName)
	}
	switch info.SampleSize {
	case 1, 2, 4:
	default:
		return e("reason", "unsupported sample size", "sample_size", info.SampleSize)
	}
	if info.SampleRate <= 0 {
		return e("reason", "invalid sample rate", "sample_rate", info.SampleRate)
	}
	if info.Channels < 1 || info.Channels > 2 {
		return e("reason", "unsupported channel count", "channels", info.Channels)
	}

	file, err := os.Create(s.path)
	if err != nil {
		return e(err, errors.K.IO)
	}
	s.file = file
	s.sampleSize = info.SampleSize
	s.enc = wav.NewEncoder(file, info.SampleRate, info.SampleSize*8, info.Channels, wavFormatPCM)
	s.buf = &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: info.Channels, SampleRate: info.SampleRate},
		SourceBitDepth: info.SampleSize * 8,
	}
	log.Debug("wav output opened", "path", s.path, "sample_rate", info.SampleRate, "channels", info.Channels)
	return nil
}

func (s *Sink) WriteAudio(muxer *audiopipe.Filter, dts int64, data []byte) (int, error) {
	if s.enc == nil {
		return 0, errors.E("wav.WriteAudio", errors.K.Invalid, "reason", "output not open")
	}
	s.buf.Data = Samples(s.buf.Data, data, s.sampleSize)
	if err := s.enc.Write(s.buf); err != nil {
		return 0, errors.E("wav.WriteAudio", errors.K.IO, err, "dts", dts)
	}
	s.packets++
	return len(data), nil
}

func (s *Sink) Close(f *audiopipe.Filter) error {
	if s.file == nil {
		return nil
	}
	var first error
	if s.enc != nil {
		first = s.enc.Close()
	}
	if err := s.file.Close(); err != nil && first == nil {
		first = err
	}
	log.Debug("wav output closed", "path", s.path, "packets", s.packets)
	s.file = nil
	s.enc = nil
	if first != nil {
		return errors.E("wav.Close", errors.K.IO, first, "path", s.path)
	}
	return nil
}
