// Package hls writes packed audio HLS: ADTS AAC or MPEG audio segments, each
// starting with an ID3 timestamp tag, listed in an m3u8 media playlist.
package hls

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/eluv-io/errors-go"
	"github.com/grafov/m3u8"

	"github.com/eluv-io/audiopipe"
	"github.com/eluv-io/audiopipe/goaudio"
)

var log = goaudio.Log

// TimestampOwner identifies the ID3 PRIV frame holding the segment start time
const TimestampOwner = "com.apple.streaming.transportStreamTimestamp"

var tsTimeBase = audiopipe.Rational{Num: 1, Den: 90000}

func init() {
	audiopipe.RegisterMuxer(goaudio.FormatHls, func(p *goaudio.Params) (audiopipe.Backend, error) {
		return NewSink(p.OutUrl, p.SegDurationSec, p.HlsWindow), nil
	})
}

// Sink is the HLS muxer backend. Segments are written next to the playlist.
type Sink struct {
	playlist    string
	durationSec float64
	window      int

	seg      *Segmenter
	closed   []Segment
	asc      *aac.AudioSpecificConfig // set for aac
	lastDTS  int64
	frameLen int64
	packets  int64
	wrapped  int64
}

// NewSink creates a sink writing the playlist at path. window limits the
// number of listed segments, 0 lists all of them.
func NewSink(path string, durationSec float64, window int) *Sink {
	return &Sink{
		playlist:    path,
		durationSec: durationSec,
		window:      window,
		lastDTS:     audiopipe.NoPTS,
	}
}

func (s *Sink) OpenMuxer(muxer *audiopipe.Filter, enc *audiopipe.Filter) error {
	e := errors.Template("hls.OpenMuxer", errors.K.Invalid, "playlist", s.playlist)

	info := enc.Info
	var ext string
	switch info.CodecName {
	case "aac":
		if len(info.Extradata) < 2 {
			return e("reason", "aac needs an AudioSpecificConfig")
		}
		asc, err := aac.DecodeAudioSpecificConfig(bytes.NewReader(info.Extradata))
		if err != nil {
			return e(err, "reason", "aac config not supported by adts", "extradata", info.Extradata)
		}
		if _, ok := aac.ReverseFrequencies[asc.SamplingFrequency]; !ok {
			return e("reason", "aac sampling frequency not supported by adts", "sample_rate", asc.SamplingFrequency)
		}
		if asc.ChannelConfiguration == 0 {
			return e("reason", "aac channel configuration not supported by adts")
		}
		s.asc = asc
		ext = "aac"
	case "mp1", "mp2", "mp3":
		ext = "mp3"
	default:
		return e("reason", "packed audio needs aac or mpeg audio", "codec", info.CodecName)
	}
	if info.Channels < 1 || info.Channels > 2 {
		return e("reason", "unsupported channel count", "channels", info.Channels)
	}
	if !muxer.TimeBase.Valid() {
		return e("reason", "invalid time base", "time_base", muxer.TimeBase)
	}

	base := filepath.Base(s.playlist)
	seg, err := NewSegmenter(SegmenterConfig{
		DurationSec: s.durationSec,
		Dir:         filepath.Dir(s.playlist),
		Prefix:      strings.TrimSuffix(base, filepath.Ext(base)) + "_",
		Ext:         ext,
	})
	if err != nil {
		return e(err)
	}
	s.seg = seg
	s.frameLen = muxer.FrameLen
	log.Debug("hls output opened", "playlist", s.playlist, "codec", info.CodecName,
		"seg_duration_sec", s.durationSec, "window", s.window)
	return nil
}

func (s *Sink) WriteAudio(muxer *audiopipe.Filter, dts int64, data []byte) (int, error) {
	e := errors.Template("hls.WriteAudio", errors.K.IO, "dts", dts)

	if s.seg == nil {
		return 0, e(errors.K.Invalid, "reason", "output not open")
	}
	if s.lastDTS != audiopipe.NoPTS && dts > s.lastDTS && muxer.FrameLen == 0 {
		s.frameLen = dts - s.lastDTS
	}
	s.lastDTS = dts

	ms := audiopipe.ToMillis(dts, muxer.TimeBase)
	if s.seg.NeedsSegment(ms) {
		if err := s.seg.OpenSegment(ms); err != nil {
			return 0, e(err)
		}
		if _, err := s.seg.Write(timestampTag(audiopipe.Rescale(dts, muxer.TimeBase, tsTimeBase))); err != nil {
			return 0, e(err)
		}
		if len(s.seg.Segments()) > 0 {
			if err := s.writePlaylist(s.seg.Segments(), false); err != nil {
				return 0, e(err)
			}
		}
	}

	if s.asc != nil && !isADTS(data) {
		hdr, err := adtsHeader(s.asc, len(data))
		if err != nil {
			return 0, e(err, errors.K.Invalid)
		}
		if _, err = s.seg.Write(hdr); err != nil {
			return 0, e(err)
		}
		s.wrapped++
	}
	n, err := s.seg.Write(data)
	if err != nil {
		return 0, e(err)
	}
	s.packets++
	return n, nil
}

func (s *Sink) Close(f *audiopipe.Filter) error {
	if s.seg == nil {
		return nil
	}
	seg := s.seg
	s.seg = nil

	var endMs int64
	if s.lastDTS != audiopipe.NoPTS && f != nil {
		endMs = audiopipe.ToMillis(s.lastDTS+s.frameLen, f.TimeBase)
	}
	if err := seg.Close(endMs); err != nil {
		return errors.E("hls.Close", errors.K.IO, err)
	}
	s.closed = seg.Segments()
	log.Debug("hls output closed", "playlist", s.playlist, "segments", len(s.closed),
		"packets", s.packets, "adts_wrapped", s.wrapped)
	return s.writePlaylist(s.closed, true)
}

// Segments returns the completed segments
func (s *Sink) Segments() []Segment {
	if s.seg == nil {
		return s.closed
	}
	return s.seg.Segments()
}

// writePlaylist replaces the playlist file with the completed segments
func (s *Sink) writePlaylist(segs []Segment, final bool) error {
	e := errors.Template("hls.writePlaylist", errors.K.IO, "playlist", s.playlist)

	first := 0
	if s.window > 0 && len(segs) > s.window {
		first = len(segs) - s.window
	}
	listed := segs[first:]

	capacity := uint(len(listed))
	if capacity == 0 {
		capacity = 1
	}
	pl, err := m3u8.NewMediaPlaylist(0, capacity)
	if err != nil {
		return e(err)
	}
	pl.SeqNo = uint64(first)
	for _, seg := range listed {
		if err = pl.Append(seg.Name, seg.DurationSec(), ""); err != nil {
			return e(err, "segment", seg.Name)
		}
	}
	if final {
		if s.window == 0 {
			pl.MediaType = m3u8.VOD
		}
		pl.Close()
	}

	tmp := s.playlist + ".tmp"
	if err = os.WriteFile(tmp, pl.Encode().Bytes(), 0644); err != nil {
		return e(err)
	}
	if err = os.Rename(tmp, s.playlist); err != nil {
		return e(err)
	}
	return nil
}

// timestampTag builds an ID3v2.4 tag with a PRIV frame carrying the 33 bit
// 90 kHz time of the first sample of the segment.
func timestampTag(ts90k int64) []byte {
	frame := make([]byte, 0, len(TimestampOwner)+9)
	frame = append(frame, TimestampOwner...)
	frame = append(frame, 0)
	frame = binary.BigEndian.AppendUint64(frame, uint64(ts90k)&(1<<33-1))

	tag := make([]byte, 0, 20+len(frame))
	tag = append(tag, 'I', 'D', '3', 4, 0, 0)
	tag = append(tag, syncSafe(10+len(frame))...)
	tag = append(tag, 'P', 'R', 'I', 'V')
	tag = append(tag, syncSafe(len(frame))...)
	tag = append(tag, 0, 0)
	return append(tag, frame...)
}

func syncSafe(n int) []byte {
	return []byte{byte(n >> 21 & 0x7F), byte(n >> 14 & 0x7F), byte(n >> 7 & 0x7F), byte(n & 0x7F)}
}

func isADTS(b []byte) bool {
	return len(b) >= 7 && b[0] == 0xFF && b[1]&0xF6 == 0xF0
}

// adtsHeader builds the 7 byte header of a raw AAC frame of size bytes. HE-AAC
// is signalled implicitly: the header carries the AAC-LC core.
func adtsHeader(asc *aac.AudioSpecificConfig, size int) ([]byte, error) {
	e := errors.Template("hls.adtsHeader", errors.K.Invalid)
	if size+7 >= 1<<13 {
		return nil, e("reason", "frame too large", "size", size)
	}
	hdr, err := aac.NewADTSHeader(asc.SamplingFrequency, asc.ChannelConfiguration, aac.AAClc, uint16(size))
	if err != nil {
		return nil, e(err)
	}
	return hdr.Encode(), nil
}
