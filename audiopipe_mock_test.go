package audiopipe

import (
	"io"

	"github.com/eluv-io/audiopipe/goaudio"
)

var testTimeBase = Rational{Num: 1, Den: 48000}

var testInfo = AudioInfo{
	CodecName:  "pcm_s16le",
	SampleRate: 48000,
	Channels:   2,
	SampleSize: 2,
}

// closeLog records the order in which stages are closed
type closeLog struct {
	names []string
}

func (c *closeLog) add(name string) {
	if c != nil {
		c.names = append(c.names, name)
	}
}

type mockPacket struct {
	data  []byte
	dts   int64
	track int
}

// mockSource demuxes a fixed list of packets and decodes each into units of
// at most unit bytes
type mockSource struct {
	name    string
	packets []mockPacket
	unit    int
	err     error // returned once the packets are exhausted, io.EOF if nil
	tracks  int
	closes  *closeLog
	decodes int
}

func (m *mockSource) OpenTrack(f *Filter, track int, copy bool) (int, error) {
	f.Info = testInfo
	f.TimeBase = testTimeBase
	if track == goaudio.TrackAny {
		return 0, nil
	}
	if m.tracks > 0 && track >= m.tracks {
		return 0, io.ErrUnexpectedEOF
	}
	return track, nil
}

func (m *mockSource) Demux(f *Filter) (*Packet, int, error) {
	if len(m.packets) == 0 {
		if m.err != nil {
			return nil, 0, m.err
		}
		return nil, 0, io.EOF
	}
	p := m.packets[0]
	m.packets = m.packets[1:]
	return NewPacket(p.data, p.dts), p.track, nil
}

func (m *mockSource) Decode(f *Filter, out []byte) (int, error) {
	m.decodes++
	if m.unit <= 0 {
		return CopyDecode(f, out)
	}
	if !f.HasPendingInput() {
		if err := f.NextInput(); err != nil {
			return 0, err
		}
	}
	in := f.Input()
	n := m.unit
	if n > len(in) {
		n = len(in)
	}
	copy(out, in[:n])
	f.Consume(n)
	return n, nil
}

func (m *mockSource) Close(f *Filter) error {
	m.closes.add(m.name)
	return nil
}

// mockTransform forwards its input unchanged
type mockTransform struct {
	name   string
	closes *closeLog
	err    error
}

func (m *mockTransform) Decode(f *Filter, out []byte) (int, error) {
	return CopyDecode(f, out)
}

func (m *mockTransform) Close(f *Filter) error {
	m.closes.add(m.name)
	return m.err
}

// mockEncoder emits outLen bytes per frame, starting with the first input byte
type mockEncoder struct {
	frameSamples int
	outLen       int
	again        int // EAF_AGAIN answers before each frame is accepted
	fail         error
	inputs       []int
	closes       *closeLog
	pending      int
}

func (m *mockEncoder) OpenEncoder(enc *Filter, upstream *Filter, opts goaudio.EncoderOptions) error {
	enc.Info.CodecName = "mock"
	if m.frameSamples > 0 {
		enc.SetFrameSamples(m.frameSamples)
	}
	return nil
}

func (m *mockEncoder) Encode(f *Filter, out, in []byte) (int, error) {
	if m.fail != nil {
		return 0, m.fail
	}
	if m.pending < m.again {
		m.pending++
		return 0, EAF_AGAIN
	}
	m.pending = 0
	m.inputs = append(m.inputs, len(in))
	n := m.outLen
	if n == 0 {
		n = len(in)
	}
	for i := 0; i < n; i++ {
		out[i] = 0
	}
	if len(in) > 0 {
		out[0] = in[0]
	}
	return n, nil
}

func (m *mockEncoder) Close(f *Filter) error {
	m.closes.add("encoder")
	return nil
}

type written struct {
	dts  int64
	size int
}

// mockWriter records every packet it receives
type mockWriter struct {
	packets []written
	fail    error
	closes  *closeLog
}

func (m *mockWriter) OpenMuxer(muxer *Filter, enc *Filter) error {
	return nil
}

func (m *mockWriter) WriteAudio(muxer *Filter, dts int64, data []byte) (int, error) {
	if m.fail != nil {
		return 0, m.fail
	}
	m.packets = append(m.packets, written{dts: dts, size: len(data)})
	return len(data), nil
}

func (m *mockWriter) Close(f *Filter) error {
	m.closes.add("muxer")
	return nil
}

func (m *mockWriter) dts() []int64 {
	res := make([]int64, 0, len(m.packets))
	for _, p := range m.packets {
		res = append(res, p.dts)
	}
	return res
}

// newTestHead returns an external head stage on src
func newTestHead(src *mockSource) *Filter {
	f := NewFilter(FilterDecoder, src)
	f.Info = testInfo
	f.TimeBase = testTimeBase
	f.Track = 0
	f.External = true
	return f
}

// pcm returns n bytes of PCM, each byte set to b
func pcm(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func encOpts() goaudio.EncoderOptions {
	return goaudio.EncoderOptions{Name: "mock"}
}
