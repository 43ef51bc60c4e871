package mpegts

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/eluv-io/errors-go"
	"github.com/stretchr/testify/require"

	"github.com/eluv-io/audiopipe"
	_ "github.com/eluv-io/audiopipe/codec/pcm"
	"github.com/eluv-io/audiopipe/goaudio"
	"github.com/eluv-io/audiopipe/mux/hls"
)

const (
	testPmtPid   = 0x1000
	testVideoPid = 0x100
	testAudioPid = 0x101
)

func crc32MPEG2(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b) << 24
		for i := 0; i < 8; i++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// tsPacket builds one TS packet, stuffing the adaptation field when the payload is short
func tsPacket(pid int, cc int, pusi bool, payload []byte) []byte {
	buf := make([]byte, 188)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	if pusi {
		buf[1] |= 0x40
	}
	buf[2] = byte(pid)
	if len(payload) >= 184 {
		buf[3] = 0x10 | byte(cc&0x0F)
		copy(buf[4:], payload[:184])
		return buf
	}
	buf[3] = 0x30 | byte(cc&0x0F)
	afLen := 183 - len(payload)
	buf[4] = byte(afLen)
	if afLen > 0 {
		buf[5] = 0x00
		for i := 6; i < 5+afLen; i++ {
			buf[i] = 0xFF
		}
	}
	copy(buf[5+afLen:], payload)
	return buf
}

// section prepends the pointer field and appends the CRC
func section(data []byte) []byte {
	out := append([]byte{0}, data...)
	crc := make([]byte, 4)
	binary.BigEndian.PutUint32(crc, crc32MPEG2(data))
	return append(out, crc...)
}

func patSection() []byte {
	sectionLength := 5 + 4 + 4
	data := []byte{
		0x00, 0xB0 | byte(sectionLength>>8), byte(sectionLength),
		0x00, 0x01, 0xC1, 0x00, 0x00,
		0x00, 0x01, 0xE0 | byte(testPmtPid>>8), byte(testPmtPid & 0xFF),
	}
	return section(data)
}

func pmtSection(audioType byte) []byte {
	sectionLength := 9 + 10 + 4
	data := []byte{
		0x02, 0xB0 | byte(sectionLength>>8), byte(sectionLength),
		0x00, 0x01, 0xC1, 0x00, 0x00,
		0xE0 | byte(testVideoPid>>8), byte(testVideoPid & 0xFF),
		0xF0, 0x00,
		0x1B, 0xE0 | byte(testVideoPid>>8), byte(testVideoPid & 0xFF), 0xF0, 0x00,
		audioType, 0xE0 | byte(testAudioPid>>8), byte(testAudioPid & 0xFF), 0xF0, 0x00,
	}
	return section(data)
}

func encodePTS(pts int64) []byte {
	return []byte{
		0x20 | byte((pts>>29)&0x0E) | 0x01,
		byte(pts >> 22),
		byte((pts>>14)&0xFE) | 0x01,
		byte(pts >> 7),
		byte((pts<<1)&0xFE) | 0x01,
	}
}

func pesPacket(pts int64, data []byte) []byte {
	var opt []byte
	flags := byte(0)
	if pts != audiopipe.NoPTS {
		opt = encodePTS(pts)
		flags = 0x80
	}
	length := 3 + len(opt) + len(data)
	buf := []byte{0x00, 0x00, 0x01, 0xC0, byte(length >> 8), byte(length), 0x80, flags, byte(len(opt))}
	buf = append(buf, opt...)
	return append(buf, data...)
}

// adtsFrame builds an AAC-LC frame of size bytes at 48 kHz stereo
func adtsFrame(size int, fill byte) []byte {
	b := make([]byte, size)
	b[0] = 0xFF
	b[1] = 0xF1
	b[2] = 1<<6 | 3<<2
	b[3] = 2<<6 | byte(size>>11)&0x03
	b[4] = byte(size >> 3)
	b[5] = byte(size&0x07)<<5 | 0x1F
	b[6] = 0xFC
	for i := 7; i < size; i++ {
		b[i] = fill
	}
	return b
}

type tsWriter struct {
	bytes.Buffer
	cc map[int]int
}

func newTSWriter(audioType byte) *tsWriter {
	w := &tsWriter{cc: map[int]int{}}
	w.write(0, true, patSection())
	w.write(testPmtPid, true, pmtSection(audioType))
	return w
}

func (w *tsWriter) write(pid int, pusi bool, payload []byte) {
	w.Write(tsPacket(pid, w.cc[pid], pusi, payload))
	w.cc[pid]++
}

// pes splits a PES packet over TS packets of the audio PID
func (w *tsWriter) pes(pts int64, data []byte) {
	buf := pesPacket(pts, data)
	for first := true; len(buf) > 0; first = false {
		n := len(buf)
		if n > 184 {
			n = 184
		}
		w.write(testAudioPid, first, buf[:n])
		buf = buf[n:]
	}
}

func demuxAll(t *testing.T, s *Source, f *audiopipe.Filter) ([]int64, [][]byte) {
	var dts []int64
	var frames [][]byte
	for {
		pkt, track, err := s.Demux(f)
		if err == io.EOF {
			return dts, frames
		}
		require.NoError(t, err)
		require.Equal(t, 1, track)
		dts = append(dts, pkt.DTS)
		frames = append(frames, pkt.Data)
	}
}

func TestSourceAAC(t *testing.T) {
	w := newTSWriter(StreamTypeAACADTS)
	w.write(testVideoPid, true, []byte{0, 0, 1, 0xE0})
	w.pes(90000, append(adtsFrame(100, 1), adtsFrame(100, 2)...))
	w.pes(93840, append(adtsFrame(100, 3), adtsFrame(100, 4)...))

	s, err := NewSource(bytes.NewReader(w.Bytes()))
	require.NoError(t, err)
	f := audiopipe.NewFilter(audiopipe.FilterDecoder, s)
	idx, err := s.OpenTrack(f, goaudio.TrackAny, true)
	require.NoError(t, err)
	require.Equal(t, 1, idx)
	require.Len(t, s.Streams(), 2)
	require.False(t, s.Streams()[0].IsAudio())

	require.Equal(t, "aac", f.Info.CodecName)
	require.Equal(t, 48000, f.Info.SampleRate)
	require.Equal(t, 2, f.Info.Channels)
	require.Equal(t, []byte{0x11, 0x90}, f.Info.Extradata)
	require.Equal(t, TimeBase, f.TimeBase)
	require.Equal(t, int64(1920), f.FrameLen)

	dts, frames := demuxAll(t, s, f)
	require.Equal(t, []int64{90000, 91920, 93840, 95760}, dts)
	for i, fr := range frames {
		require.Len(t, fr, 100)
		require.Equal(t, byte(i+1), fr[99])
	}
	require.NoError(t, s.Close(f))
}

func TestSourceFrameAcrossPES(t *testing.T) {
	w := newTSWriter(StreamTypeAACADTS)
	f2 := adtsFrame(100, 2)
	w.pes(90000, append(adtsFrame(100, 1), f2[:50]...))
	w.pes(500000, append(append([]byte{}, f2[50:]...), adtsFrame(100, 3)...))

	// garbage before the stream
	in := append([]byte{0x00, 0x12, 0x34}, w.Bytes()...)
	s, err := NewSource(bytes.NewReader(in))
	require.NoError(t, err)
	f := audiopipe.NewFilter(audiopipe.FilterDecoder, s)
	_, err = s.OpenTrack(f, 1, true)
	require.NoError(t, err)

	dts, frames := demuxAll(t, s, f)
	require.Equal(t, []int64{90000, 91920, 93840}, dts)
	require.Equal(t, f2, frames[1])
	require.Equal(t, int64(3), s.resyncs)
}

func TestSourceOpenTrackErrors(t *testing.T) {
	open := func(track int, copy bool) error {
		w := newTSWriter(StreamTypeAACADTS)
		w.pes(0, adtsFrame(100, 1))
		s, err := NewSource(bytes.NewReader(w.Bytes()))
		require.NoError(t, err)
		_, err = s.OpenTrack(audiopipe.NewFilter(audiopipe.FilterDecoder, s), track, copy)
		return err
	}

	err := open(goaudio.TrackAny, false)
	require.Error(t, err)
	require.True(t, errors.IsKind(errors.K.NotImplemented, err))

	// the video stream
	require.Error(t, open(0, true))

	err = open(5, true)
	require.Error(t, err)
	require.True(t, errors.IsKind(errors.K.NotExist, err))

	// no program map at all
	s, err := NewSource(bytes.NewReader(tsPacket(testAudioPid, 0, true, pesPacket(0, adtsFrame(100, 1)))))
	require.NoError(t, err)
	_, err = s.OpenTrack(audiopipe.NewFilter(audiopipe.FilterDecoder, s), goaudio.TrackAny, true)
	require.Error(t, err)

	_, err = NewSource(nil)
	require.Error(t, err)
}

func TestSourceMPEGAudio(t *testing.T) {
	fr := make([]byte, 384)
	copy(fr, []byte{0xFF, 0xFD, 0x84, 0x00})

	w := newTSWriter(StreamTypeMPEG1Audio)
	w.pes(3000, append(append([]byte{}, fr...), fr...))

	s, err := NewSource(bytes.NewReader(w.Bytes()))
	require.NoError(t, err)
	f := audiopipe.NewFilter(audiopipe.FilterDecoder, s)
	_, err = s.OpenTrack(f, goaudio.TrackAny, true)
	require.NoError(t, err)
	require.Equal(t, "mp2", f.Info.CodecName)
	require.Equal(t, 48000, f.Info.SampleRate)
	require.Nil(t, f.Info.Extradata)

	dts, _ := demuxAll(t, s, f)
	require.Equal(t, []int64{3000, 5160}, dts)
}

func TestParseMPA(t *testing.T) {
	h, err := parseMPA([]byte{0xFF, 0xFD, 0x84, 0x00})
	require.NoError(t, err)
	require.Equal(t, frameHeader{codec: "mp2", sampleRate: 48000, channels: 2, samples: 1152, size: 384}, h)

	h, err = parseMPA([]byte{0xFF, 0xF3, 0x84, 0xC0})
	require.NoError(t, err)
	require.Equal(t, frameHeader{codec: "mp3", sampleRate: 24000, channels: 1, samples: 576, size: 192}, h)

	_, err = parseMPA([]byte{0xFF, 0xFD, 0xF4, 0x00})
	require.Error(t, err)
	_, err = parseMPA([]byte{0x12, 0x34, 0x56, 0x78})
	require.Equal(t, errNoSync, err)
}

func TestParseADTS(t *testing.T) {
	h, err := parseADTS(adtsFrame(100, 1))
	require.NoError(t, err)
	require.Equal(t, frameHeader{codec: "aac", sampleRate: 48000, channels: 2, samples: 1024, size: 100, objectType: 2}, h)
	asc, err := audioSpecificConfig(h)
	require.NoError(t, err)
	require.Equal(t, []byte{0x11, 0x90}, asc)

	// two raw data blocks
	fr := adtsFrame(100, 1)
	fr[6] |= 0x01
	_, err = parseADTS(fr)
	require.Error(t, err)

	// frame shorter than its header
	fr = adtsFrame(100, 1)
	fr[3], fr[4], fr[5] = 0x80, 0x00, 0x7F
	_, err = parseADTS(fr)
	require.Error(t, err)

	// AAC Main has no AudioSpecificConfig encoding here
	fr = adtsFrame(100, 1)
	fr[2] = 3 << 2
	h, err = parseADTS(fr)
	require.NoError(t, err)
	_, err = audioSpecificConfig(h)
	require.Error(t, err)

	_, err = parseADTS([]byte{0x12, 0x34, 0x56, 0x78, 0, 0, 0})
	require.Equal(t, errNoSync, err)
	// a CRC header cut short
	_, err = parseADTS([]byte{0xFF, 0xF0, 0x4C, 0x80, 0x0D, 0x7F, 0xFC, 0x00})
	require.Equal(t, errNoSync, err)
}

func TestSplitFrames(t *testing.T) {
	data := append([]byte{0x01, 0x02}, adtsFrame(20, 1)...)
	data = append(data, adtsFrame(30, 2)[:10]...)
	frames, hdrs, rest := splitFrames(data, parseADTS)
	require.Len(t, frames, 1)
	require.Equal(t, 20, hdrs[0].size)
	require.Equal(t, 1024, hdrs[0].samples)
	require.Len(t, rest, 10)
}

func TestCopyToHLS(t *testing.T) {
	dir := t.TempDir()
	w := newTSWriter(StreamTypeAACADTS)
	for i := 0; i < 50; i++ {
		w.pes(90000+int64(i)*3840, append(adtsFrame(64, byte(2*i)), adtsFrame(64, byte(2*i+1))...))
	}
	in := filepath.Join(dir, "in.ts")
	require.NoError(t, os.WriteFile(in, w.Bytes(), 0644))

	p := goaudio.NewParams()
	p.Url = in
	p.Copy = true
	p.OutUrl = filepath.Join(dir, "hls", "audio.m3u8")
	p.OutFormat = goaudio.FormatHls
	p.SegDurationSec = 1

	rc, err := os.Open(in)
	require.NoError(t, err)
	defer rc.Close()
	s, err := audiopipe.NewSession(p, rc)
	require.NoError(t, err)
	require.NoError(t, s.Run())
	require.NoError(t, s.Close())
	require.Equal(t, uint64(100), s.Stats().PacketsWritten)

	playlist, err := os.ReadFile(p.OutUrl)
	require.NoError(t, err)
	require.Contains(t, string(playlist), "#EXT-X-ENDLIST")

	// frames are already ADTS and written unchanged after the ID3 tag
	tag := 10 + 10 + len(hls.TimestampOwner) + 1 + 8
	for i, frames := range []int{47, 47, 6} {
		name := []string{"audio_00001.aac", "audio_00002.aac", "audio_00003.aac"}[i]
		require.Contains(t, string(playlist), name)
		data, err := os.ReadFile(filepath.Join(dir, "hls", name))
		require.NoError(t, err)
		require.Len(t, data, tag+frames*64)
		require.Equal(t, adtsFrame(64, data[tag+63]), data[tag:tag+64])
	}
}
