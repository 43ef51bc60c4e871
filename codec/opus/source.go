// Package opus reads and writes Ogg Opus streams. The source forwards Opus
// packets in copy mode or decodes SILK packets to 48 kHz mono PCM.
//
// Ogg pages are taken to carry one Opus packet each, the layout written by
// the sink of this package.
package opus

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/eluv-io/errors-go"
	pionopus "github.com/pion/opus"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"

	"github.com/eluv-io/audiopipe"
	"github.com/eluv-io/audiopipe/codec/pcm"
	"github.com/eluv-io/audiopipe/goaudio"
)

var log = goaudio.Log

var TimeBase = audiopipe.Rational{Num: 1, Den: SampleRate}

// granulePosition of pages on which no packet ends
const noGranule = ^uint64(0)

func init() {
	audiopipe.RegisterSource(goaudio.FormatOpus, func(in io.Reader, p *goaudio.Params) (audiopipe.Backend, error) {
		return NewSource(in)
	})
	audiopipe.RegisterMuxer(goaudio.FormatOpus, func(p *goaudio.Params) (audiopipe.Backend, error) {
		return NewSink(p.OutUrl), nil
	})
}

// Source demuxes the Opus packets of an Ogg stream
type Source struct {
	in     io.Reader
	reader *oggreader.OggReader
	header *oggreader.OggHeader

	copy    bool
	dec     pionopus.Decoder
	decoded []byte
	next    int64 // timestamp of the next packet
	packets int64
	dropped int64
}

func NewSource(in io.Reader) (*Source, error) {
	if in == nil {
		return nil, errors.E("opus.NewSource", errors.K.Invalid, "reason", "no input")
	}
	return &Source{in: in}, nil
}

// OpenTrack reads the Opus identification header. Ogg Opus has a single track.
func (s *Source) OpenTrack(f *audiopipe.Filter, track int, copy bool) (int, error) {
	e := errors.Template("opus.OpenTrack", errors.K.Invalid, "track", track)

	if track != goaudio.TrackAny && track != 0 {
		return 0, e(errors.K.NotExist, "reason", "ogg opus has a single track")
	}
	reader, header, err := oggreader.NewWith(s.in)
	if err != nil {
		return 0, e(err, "reason", "bad opus header")
	}
	if header.Channels == 0 || header.Channels > 2 {
		return 0, e("reason", "unsupported channel count", "channels", header.Channels)
	}
	s.reader = reader
	s.header = header
	s.copy = copy

	f.TimeBase = TimeBase
	if copy {
		f.Info = audiopipe.AudioInfo{
			CodecName:  "opus",
			SampleRate: SampleRate,
			Channels:   int(header.Channels),
			Extradata:  OpusHead(header),
		}
	} else {
		// SILK decoding yields mono
		f.Info = audiopipe.AudioInfo{
			CodecName:  pcm.CodecName(2),
			SampleRate: SampleRate,
			Channels:   1,
			SampleSize: 2,
			Bitrate:    SampleRate * 16,
		}
		s.dec = pionopus.NewDecoder()
	}
	f.FrameLen = 960
	log.Debug("opus stream opened", "channels", header.Channels, "input_rate", header.SampleRate,
		"pre_skip", header.PreSkip, "copy", copy)
	return 0, nil
}

// OpusHead rebuilds the identification header (RFC 7845 5.1) of a stream
func OpusHead(h *oggreader.OggHeader) []byte {
	var b bytes.Buffer
	b.WriteString("OpusHead")
	b.WriteByte(h.Version)
	b.WriteByte(h.Channels)
	_ = binary.Write(&b, binary.LittleEndian, h.PreSkip)
	_ = binary.Write(&b, binary.LittleEndian, h.SampleRate)
	_ = binary.Write(&b, binary.LittleEndian, h.OutputGain)
	b.WriteByte(h.ChannelMap)
	return b.Bytes()
}

// Demux returns the packet of the next audio page
func (s *Source) Demux(f *audiopipe.Filter) (*audiopipe.Packet, int, error) {
	if s.reader == nil {
		return nil, 0, errors.E("opus.Demux", errors.K.Invalid, "reason", "stream not opened")
	}
	for {
		payload, ph, err := s.reader.ParseNextPage()
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, io.EOF
		}
		if err != nil {
			return nil, 0, errors.E("opus.Demux", errors.K.IO, err)
		}
		if len(payload) == 0 || bytes.HasPrefix(payload, []byte("OpusTags")) {
			continue
		}

		dts := s.next
		if n, err := PacketSamples(payload); err == nil {
			s.next += int64(n)
		} else {
			log.Warn("bad opus packet", "dts", dts, "err", err)
		}
		// granules only move the clock forward, across gaps
		if ph.GranulePosition != noGranule && int64(ph.GranulePosition) > s.next {
			s.next = int64(ph.GranulePosition)
		}
		s.packets++
		return audiopipe.NewPacket(payload, dts), 0, nil
	}
}

// Decode decodes one queued Opus packet, or forwards it in copy mode. Packets
// the decoder rejects are dropped.
func (s *Source) Decode(f *audiopipe.Filter, out []byte) (int, error) {
	if s.copy {
		return audiopipe.CopyDecode(f, out)
	}
	if err := f.NextInput(); err != nil {
		return 0, err
	}
	in := f.Input()
	f.Consume(len(in))

	samples, err := PacketSamples(in)
	if err == nil && !isSilk(in[0]) {
		err = errors.E("opus.Decode", errors.K.NotImplemented, "reason", "only SILK packets can be decoded")
	}
	if err == nil && samples*2 > len(out) {
		err = errors.E("opus.Decode", errors.K.Invalid, audiopipe.EAF_BUFFER_TOO_SMALL, "samples", samples)
	}
	if err == nil {
		if len(s.decoded) < len(out) {
			s.decoded = make([]byte, len(out))
		}
		_, _, err = s.dec.Decode(in, s.decoded)
	}
	if err != nil {
		s.dropped++
		log.Warn("dropping opus packet", "dts", f.InputDTS(), "err", err)
		return 0, audiopipe.EAF_AGAIN
	}
	return copy(out, s.decoded[:samples*2]), nil
}

func (s *Source) Close(f *audiopipe.Filter) error {
	log.Debug("opus source closed", "packets", s.packets, "dropped", s.dropped)
	s.reader = nil
	s.decoded = nil
	return nil
}
