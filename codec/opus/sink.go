package opus

import (
	"os"

	"github.com/eluv-io/errors-go"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"

	"github.com/eluv-io/audiopipe"
)

// Sink writes Opus packets to an Ogg file, one packet per page
type Sink struct {
	path    string
	file    *os.File
	writer  *oggwriter.OggWriter
	seq     uint16
	packets int64
}

func NewSink(path string) *Sink {
	return &Sink{path: path}
}

func (s *Sink) OpenMuxer(muxer *audiopipe.Filter, enc *audiopipe.Filter) error {
	e := errors.Template("opus.OpenMuxer", errors.K.Invalid, "path", s.path)

	info := enc.Info
	if info.CodecName != "opus" {
		return e("reason", "ogg output needs opus", "codec", info.CodecName)
	}
	if info.Channels < 1 || info.Channels > 2 {
		return e("reason", "unsupported channel count", "channels", info.Channels)
	}

	file, err := os.Create(s.path)
	if err != nil {
		return e(err, errors.K.IO)
	}
	writer, err := oggwriter.NewWith(file, SampleRate, uint16(info.Channels))
	if err != nil {
		_ = file.Close()
		return e(err, errors.K.IO)
	}
	s.file = file
	s.writer = writer
	log.Debug("ogg output opened", "path", s.path, "channels", info.Channels)
	return nil
}

// WriteAudio writes one packet. dts is rescaled to the 48 kHz granule clock.
func (s *Sink) WriteAudio(muxer *audiopipe.Filter, dts int64, data []byte) (int, error) {
	if s.writer == nil {
		return 0, errors.E("opus.WriteAudio", errors.K.Invalid, "reason", "output not open")
	}
	ts := audiopipe.Rescale(dts, muxer.TimeBase, TimeBase)
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: s.seq,
			Timestamp:      uint32(ts),
		},
		Payload: data,
	}
	s.seq++
	if err := s.writer.WriteRTP(pkt); err != nil {
		return 0, errors.E("opus.WriteAudio", errors.K.IO, err, "dts", dts)
	}
	s.packets++
	return len(data), nil
}

func (s *Sink) Close(f *audiopipe.Filter) error {
	if s.file == nil {
		return nil
	}
	var first error
	if s.writer != nil {
		first = s.writer.Close()
	}
	// the writer may already have closed the file
	if err := s.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) && first == nil {
		first = err
	}
	log.Debug("ogg output closed", "path", s.path, "packets", s.packets)
	s.file = nil
	s.writer = nil
	if first != nil {
		return errors.E("opus.Close", errors.K.IO, first, "path", s.path)
	}
	return nil
}
