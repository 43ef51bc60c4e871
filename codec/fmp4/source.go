// Package fmp4 demuxes AAC audio tracks from fragmented MP4 files. Samples
// are forwarded compressed, so the source only supports copy mode.
package fmp4

import (
	"bytes"
	"io"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/eluv-io/errors-go"

	"github.com/eluv-io/audiopipe"
	"github.com/eluv-io/audiopipe/goaudio"
)

var log = goaudio.Log

// AACFrameSamples is the number of samples per channel in one AAC access unit
const AACFrameSamples = 1024

func init() {
	audiopipe.RegisterSource(goaudio.FormatFmp4, func(in io.Reader, p *goaudio.Params) (audiopipe.Backend, error) {
		return NewSource(in)
	})
}

// Source demuxes the samples of one track of a fragmented MP4 file
type Source struct {
	in   io.Reader
	file *mp4.File
	info *Info

	track   int
	trackID uint32
	trex    *mp4.TrexBox

	seg     int
	frag    int
	samples []mp4.FullSample
	count   int64
}

func NewSource(in io.Reader) (*Source, error) {
	if in == nil {
		return nil, errors.E("fmp4.NewSource", errors.K.Invalid, "reason", "no input")
	}
	return &Source{in: in, track: goaudio.TrackNone}, nil
}

func (s *Source) decode() error {
	if s.file != nil {
		return nil
	}
	file, err := mp4.DecodeFile(s.in)
	if file == nil {
		return errors.E("fmp4.decode", errors.K.Invalid, err, "reason", "DecodeFile failed")
	}
	if err != nil {
		log.Warn("failed to completely parse mp4", "err", err)
	}
	if file.Init == nil || file.Init.Moov == nil {
		return errors.E("fmp4.decode", errors.K.Invalid, "reason", "no init segment")
	}
	if !file.IsFragmented() {
		return errors.E("fmp4.decode", errors.K.Invalid, "reason", "not fragmented")
	}
	s.file = file
	return nil
}

func isAudio(trak *mp4.TrakBox) bool {
	return trak.Mdia != nil && trak.Mdia.Hdlr != nil && trak.Mdia.Hdlr.HandlerType == "soun"
}

// OpenTrack selects an audio track. Tracks are indexed in moov order.
func (s *Source) OpenTrack(f *audiopipe.Filter, track int, copy bool) (int, error) {
	e := errors.Template("fmp4.OpenTrack", errors.K.Invalid, "track", track)

	if !copy {
		return 0, e(errors.K.NotImplemented, "reason", "mp4 audio can only be copied")
	}
	if err := s.decode(); err != nil {
		return 0, e(err)
	}
	traks := s.file.Init.Moov.Traks

	idx := -1
	if track == goaudio.TrackAny {
		for i, trak := range traks {
			if isAudio(trak) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return 0, e(errors.K.NotExist, "reason", "no audio track", "tracks", len(traks))
		}
	} else {
		if track < 0 || track >= len(traks) {
			return 0, e(errors.K.NotExist, "reason", "no such track", "tracks", len(traks))
		}
		if !isAudio(traks[track]) {
			return 0, e("reason", "not an audio track", "handler", traks[track].Mdia.Hdlr.HandlerType)
		}
		idx = track
	}

	trak := traks[idx]
	stsd := trak.Mdia.Minf.Stbl.Stsd
	if stsd == nil || stsd.Mp4a == nil || stsd.Mp4a.Esds == nil {
		return 0, e(errors.K.NotImplemented, "reason", "unsupported audio sample entry")
	}
	mp4a := stsd.Mp4a
	cfg := mp4a.Esds.DecConfigDescriptor.DecSpecificInfo.DecConfig

	rate := int(mp4a.SampleRate)
	channels := int(mp4a.ChannelCount)
	if asc, err := aac.DecodeAudioSpecificConfig(bytes.NewReader(cfg)); err == nil {
		rate = asc.SamplingFrequency
		if asc.ChannelConfiguration > 0 {
			channels = int(asc.ChannelConfiguration)
		}
	} else {
		log.Warn("bad AudioSpecificConfig", "err", err)
	}
	timescale := trak.Mdia.Mdhd.Timescale
	if rate <= 0 || channels <= 0 || timescale == 0 {
		return 0, e("reason", "invalid audio track", "sample_rate", rate, "channels", channels, "timescale", timescale)
	}

	s.track = idx
	s.trackID = trak.Tkhd.TrackID
	s.trex = findTrex(s.file.Init.Moov, s.trackID)
	s.info = Validate(s.file, s.trackID)
	for _, msg := range s.info.Errors {
		log.Warn("mp4 track problem", "track_id", s.trackID, "problem", msg)
	}

	f.Info = audiopipe.AudioInfo{
		CodecName:  "aac",
		SampleRate: rate,
		Channels:   channels,
		Extradata:  append([]byte(nil), cfg...),
	}
	f.TimeBase = audiopipe.Rational{Num: 1, Den: int64(timescale)}
	f.FrameLen = audiopipe.FrameDuration(AACFrameSamples, rate, f.TimeBase)
	log.Debug("mp4 track selected", "track", idx, "track_id", s.trackID, "timescale", timescale,
		"samples", s.info.SampleCount)
	return idx, nil
}

// Info returns the validation summary of the opened track
func (s *Source) Info() *Info {
	return s.info
}

// Demux returns the next sample of the opened track
func (s *Source) Demux(f *audiopipe.Filter) (*audiopipe.Packet, int, error) {
	if s.file == nil || s.track < 0 {
		return nil, 0, errors.E("fmp4.Demux", errors.K.Invalid, "reason", "track not opened")
	}
	for len(s.samples) == 0 {
		frag, ok := s.nextFragment()
		if !ok {
			return nil, 0, io.EOF
		}
		samples, err := frag.GetFullSamples(s.trex)
		if err != nil {
			return nil, 0, errors.E("fmp4.Demux", errors.K.Invalid, err, "segment", s.seg, "fragment", s.frag)
		}
		s.samples = samples
	}
	sample := s.samples[0]
	s.samples = s.samples[1:]
	s.count++
	return audiopipe.NewPacket(sample.Data, int64(sample.DecodeTime)), s.track, nil
}

// nextFragment advances to the next fragment of the opened track
func (s *Source) nextFragment() (*mp4.Fragment, bool) {
	for s.seg < len(s.file.Segments) {
		seg := s.file.Segments[s.seg]
		for s.frag < len(seg.Fragments) {
			frag := seg.Fragments[s.frag]
			s.frag++
			if frag.Moof != nil && frag.Moof.Traf != nil && frag.Moof.Traf.Tfhd != nil &&
				frag.Moof.Traf.Tfhd.TrackID == s.trackID {
				return frag, true
			}
		}
		s.seg++
		s.frag = 0
	}
	return nil, false
}

func (s *Source) Decode(f *audiopipe.Filter, out []byte) (int, error) {
	return audiopipe.CopyDecode(f, out)
}

func (s *Source) Close(f *audiopipe.Filter) error {
	log.Debug("mp4 source closed", "samples", s.count)
	s.file = nil
	s.samples = nil
	return nil
}
