// Package mpegts demuxes audio elementary streams (AAC in ADTS, MPEG audio)
// from MPEG transport streams. Packets are forwarded compressed, so the source
// only supports copy mode.
package mpegts

import (
	"bufio"
	"io"

	"github.com/Comcast/gots/pes"
	"github.com/Comcast/gots/v2/packet"
	"github.com/Comcast/gots/v2/psi"
	"github.com/eluv-io/errors-go"

	"github.com/eluv-io/audiopipe"
	"github.com/eluv-io/audiopipe/goaudio"
)

var log = goaudio.Log

// TimeBase of PES timestamps
var TimeBase = audiopipe.Rational{Num: 1, Den: 90000}

// ProbePackets bounds the number of TS packets read to find the PMT and the
// first frame of the selected track
const ProbePackets = 20000

const syncByte = 0x47

// Audio stream types (ISO 13818-1)
const (
	StreamTypeMPEG1Audio = 0x03
	StreamTypeMPEG2Audio = 0x04
	StreamTypeAACADTS    = 0x0F
)

func init() {
	audiopipe.RegisterSource(goaudio.FormatMpegts, func(in io.Reader, p *goaudio.Params) (audiopipe.Backend, error) {
		return NewSource(in)
	})
}

// Stream is an elementary stream listed in the PMT
type Stream struct {
	PID        int
	StreamType uint8
}

func (s Stream) IsAudio() bool {
	return s.parser() != nil
}

func (s Stream) parser() headerParser {
	switch s.StreamType {
	case StreamTypeAACADTS:
		return parseADTS
	case StreamTypeMPEG1Audio, StreamTypeMPEG2Audio:
		return parseMPA
	}
	return nil
}

type frame struct {
	data []byte
	dts  int64
}

// Source demuxes the frames of one audio track of a transport stream
type Source struct {
	r       *bufio.Reader
	probed  []packet.Packet // read while probing, replayed by Demux
	packets int64
	resyncs int64

	pmtPid  int
	streams []Stream

	track    int
	pid      int
	parse    headerParser
	frameLen int64 // duration of one frame in TimeBase

	pesBuf  []byte
	inPES   bool
	carry   []byte // partial frame left at the end of the last PES
	nextDTS int64
	ready   []frame
	eof     bool
}

func NewSource(in io.Reader) (*Source, error) {
	if in == nil {
		return nil, errors.E("mpegts.NewSource", errors.K.Invalid, "reason", "no input")
	}
	return &Source{
		r:       bufio.NewReaderSize(in, 64*packet.PacketSize),
		pmtPid:  -1,
		pid:     -1,
		track:   goaudio.TrackNone,
		nextDTS: audiopipe.NoPTS,
	}, nil
}

// Streams returns the elementary streams of the first program, once probed
func (s *Source) Streams() []Stream {
	return s.streams
}

// OpenTrack selects an audio elementary stream. Tracks are indexed in PMT order.
func (s *Source) OpenTrack(f *audiopipe.Filter, track int, copy bool) (int, error) {
	e := errors.Template("mpegts.OpenTrack", errors.K.Invalid, "track", track)

	if !copy {
		return 0, e(errors.K.NotImplemented, "reason", "transport stream audio can only be copied")
	}
	if err := s.probeStreams(); err != nil {
		return 0, e(err)
	}

	idx := -1
	if track == goaudio.TrackAny {
		for i, st := range s.streams {
			if st.IsAudio() {
				idx = i
				break
			}
		}
		if idx < 0 {
			return 0, e(errors.K.NotExist, "reason", "no audio stream", "streams", len(s.streams))
		}
	} else {
		if track < 0 || track >= len(s.streams) {
			return 0, e(errors.K.NotExist, "reason", "no such stream", "streams", len(s.streams))
		}
		if !s.streams[track].IsAudio() {
			return 0, e("reason", "not an audio stream", "stream_type", s.streams[track].StreamType)
		}
		idx = track
	}

	st := s.streams[idx]
	h, err := s.probeFrame(st)
	if err != nil {
		return 0, e(err, "pid", st.PID)
	}
	if h.sampleRate <= 0 || h.channels <= 0 {
		return 0, e("reason", "invalid audio header", "sample_rate", h.sampleRate, "channels", h.channels)
	}

	s.track = idx
	s.pid = st.PID
	s.parse = st.parser()
	s.frameLen = audiopipe.FrameDuration(h.samples, h.sampleRate, TimeBase)

	f.Info = audiopipe.AudioInfo{
		CodecName:  h.codec,
		SampleRate: h.sampleRate,
		Channels:   h.channels,
	}
	if h.codec == "aac" {
		if f.Info.Extradata, err = audioSpecificConfig(h); err != nil {
			return 0, e(err, "pid", st.PID)
		}
	}
	f.TimeBase = TimeBase
	f.FrameLen = s.frameLen
	log.Debug("mpegts track selected", "track", idx, "pid", st.PID, "stream_type", st.StreamType,
		"codec", h.codec, "frame_len", s.frameLen)
	return idx, nil
}

// probeStreams reads packets until the PMT of the first program is parsed
func (s *Source) probeStreams() error {
	for len(s.probed) < ProbePackets && s.streams == nil {
		pkt, err := s.readPacket()
		if err != nil {
			return errors.E("probeStreams", errors.K.Invalid, err, "reason", "no program map", "packets", len(s.probed))
		}
		s.probed = append(s.probed, pkt)
		s.handlePSI(&pkt)
	}
	if s.streams == nil {
		return errors.E("probeStreams", errors.K.Invalid, "reason", "no program map", "packets", len(s.probed))
	}
	return nil
}

// probeFrame finds the first frame header of st, looking at probed packets first
func (s *Source) probeFrame(st Stream) (frameHeader, error) {
	parse := st.parser()
	try := func(pkt *packet.Packet) (frameHeader, bool) {
		if pkt.PID() != st.PID || !pkt.PayloadUnitStartIndicator() {
			return frameHeader{}, false
		}
		payload, err := pkt.Payload()
		if err != nil {
			return frameHeader{}, false
		}
		es, _, ok := pesPayload(payload)
		if !ok {
			return frameHeader{}, false
		}
		_, hdrs, _ := splitFrames(es, parse)
		if len(hdrs) > 0 {
			return hdrs[0], true
		}
		// the first frame may not fit in one packet
		for off := 0; off < len(es); off++ {
			if h, err := parse(es[off:]); err == nil {
				return h, true
			}
		}
		return frameHeader{}, false
	}

	for i := range s.probed {
		if h, ok := try(&s.probed[i]); ok {
			return h, nil
		}
	}
	for len(s.probed) < ProbePackets {
		pkt, err := s.readPacket()
		if err != nil {
			return frameHeader{}, errors.E("probeFrame", errors.K.Invalid, err, "reason", "no audio frame")
		}
		s.probed = append(s.probed, pkt)
		if h, ok := try(&pkt); ok {
			return h, nil
		}
	}
	return frameHeader{}, errors.E("probeFrame", errors.K.Invalid, "reason", "no audio frame", "packets", len(s.probed))
}

// readPacket returns the next TS packet, skipping garbage up to the next sync byte
func (s *Source) readPacket() (packet.Packet, error) {
	var pkt packet.Packet
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return pkt, err
		}
		if b == syncByte {
			break
		}
		s.resyncs++
	}
	pkt[0] = syncByte
	if _, err := io.ReadFull(s.r, pkt[1:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return pkt, err
	}
	s.packets++
	return pkt, nil
}

func (s *Source) nextPacket() (packet.Packet, error) {
	if len(s.probed) > 0 {
		pkt := s.probed[0]
		s.probed = s.probed[1:]
		return pkt, nil
	}
	return s.readPacket()
}

func (s *Source) handlePSI(pkt *packet.Packet) {
	if !pkt.PayloadUnitStartIndicator() {
		return
	}
	pid := pkt.PID()
	if pid == 0 && s.pmtPid < 0 {
		payload, err := pkt.Payload()
		if err != nil {
			return
		}
		pat, err := psi.NewPAT(payload)
		if err != nil {
			log.Warn("bad PAT", "err", err)
			return
		}
		// lowest program number wins
		prog := -1
		for num, pmtPid := range pat.ProgramMap() {
			if num != 0 && (prog < 0 || num < prog) {
				prog = num
				s.pmtPid = pmtPid
			}
		}
		return
	}
	if pid == s.pmtPid && s.streams == nil {
		payload, err := pkt.Payload()
		if err != nil {
			return
		}
		pmt, err := psi.NewPMT(payload)
		if err != nil {
			log.Warn("bad PMT", "pid", pid, "err", err)
			return
		}
		streams := make([]Stream, 0, len(pmt.ElementaryStreams()))
		for _, es := range pmt.ElementaryStreams() {
			streams = append(streams, Stream{PID: es.ElementaryPid(), StreamType: es.StreamType()})
		}
		s.streams = streams
		log.Debug("mpegts program map", "pid", pid, "streams", len(streams))
	}
}

// Demux returns the next frame of the opened track
func (s *Source) Demux(f *audiopipe.Filter) (*audiopipe.Packet, int, error) {
	if s.pid < 0 {
		return nil, 0, errors.E("mpegts.Demux", errors.K.Invalid, "reason", "track not opened")
	}
	for len(s.ready) == 0 {
		if s.eof {
			return nil, 0, io.EOF
		}
		pkt, err := s.nextPacket()
		if err == io.EOF {
			s.eof = true
			s.endPES()
			continue
		}
		if err != nil {
			return nil, 0, errors.E("mpegts.Demux", errors.K.IO, err)
		}
		s.handlePacket(&pkt)
	}
	fr := s.ready[0]
	s.ready = s.ready[1:]
	return audiopipe.NewPacket(fr.data, fr.dts), s.track, nil
}

func (s *Source) handlePacket(pkt *packet.Packet) {
	if pkt.PID() != s.pid {
		s.handlePSI(pkt)
		return
	}
	if !pkt.HasPayload() {
		return
	}
	payload, err := pkt.Payload()
	if err != nil {
		return
	}
	if pkt.PayloadUnitStartIndicator() {
		s.endPES()
		s.inPES = true
		s.pesBuf = append(s.pesBuf[:0], payload...)
		return
	}
	if s.inPES {
		s.pesBuf = append(s.pesBuf, payload...)
	}
}

// endPES splits the accumulated PES into frames
func (s *Source) endPES() {
	if !s.inPES {
		return
	}
	s.inPES = false

	es, pts, ok := pesPayload(s.pesBuf)
	if !ok {
		log.Warn("dropping bad PES", "pid", s.pid, "size", len(s.pesBuf))
		return
	}
	if pts != audiopipe.NoPTS && len(s.carry) == 0 {
		s.nextDTS = pts
	}
	data := append(s.carry, es...)
	frames, _, rest := splitFrames(data, s.parse)
	for _, fr := range frames {
		if s.nextDTS == audiopipe.NoPTS {
			s.nextDTS = 0
		}
		s.ready = append(s.ready, frame{data: fr, dts: s.nextDTS})
		s.nextDTS += s.frameLen
	}
	s.carry = append([]byte(nil), rest...)
}

// pesPayload returns the elementary stream data of a PES packet and its PTS
func pesPayload(data []byte) ([]byte, int64, bool) {
	if len(data) < 9 || data[0] != 0 || data[1] != 0 || data[2] != 1 {
		return nil, audiopipe.NoPTS, false
	}
	ph, err := pes.NewPESHeader(data)
	if err != nil {
		return nil, audiopipe.NoPTS, false
	}
	start := 9 + int(data[8])
	if start > len(data) {
		return nil, audiopipe.NoPTS, false
	}
	pts := audiopipe.NoPTS
	if ph.HasPTS() {
		pts = int64(ph.PTS())
	}
	return data[start:], pts, true
}

func (s *Source) Decode(f *audiopipe.Filter, out []byte) (int, error) {
	return audiopipe.CopyDecode(f, out)
}

func (s *Source) Close(f *audiopipe.Filter) error {
	log.Debug("mpegts source closed", "packets", s.packets, "resyncs", s.resyncs)
	s.probed = nil
	s.ready = nil
	s.pesBuf = nil
	s.carry = nil
	return nil
}
