package opus_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/stretchr/testify/require"

	"github.com/eluv-io/audiopipe"
	"github.com/eluv-io/audiopipe/codec/opus"
	_ "github.com/eluv-io/audiopipe/codec/pcm"
	"github.com/eluv-io/audiopipe/goaudio"
)

const (
	tocSilkWB20 = 9 << 3  // one 20 ms SILK wideband frame
	tocCeltFB20 = 31 << 3 // one 20 ms CELT fullband frame
)

var oggCRCTable = func() [256]uint32 {
	var t [256]uint32
	for i := range t {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04C11DB7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}()

type oggBuilder struct {
	bytes.Buffer
	seq uint32
}

func (b *oggBuilder) page(headerType byte, granule uint64, payload []byte) {
	var segs []byte
	n := len(payload)
	for n >= 255 {
		segs = append(segs, 255)
		n -= 255
	}
	segs = append(segs, byte(n))

	hdr := make([]byte, 27)
	copy(hdr, "OggS")
	hdr[5] = headerType
	binary.LittleEndian.PutUint64(hdr[6:], granule)
	binary.LittleEndian.PutUint32(hdr[14:], 0x1234)
	binary.LittleEndian.PutUint32(hdr[18:], b.seq)
	hdr[26] = byte(len(segs))
	b.seq++

	page := append(append(hdr, segs...), payload...)
	var crc uint32
	for _, c := range page {
		crc = crc<<8 ^ oggCRCTable[byte(crc>>24)^c]
	}
	binary.LittleEndian.PutUint32(page[22:], crc)
	b.Write(page)
}

func opusHead(channels byte) []byte {
	h := []byte("OpusHead")
	h = append(h, 1, channels)
	h = binary.LittleEndian.AppendUint16(h, 312)
	h = binary.LittleEndian.AppendUint32(h, 48000)
	h = binary.LittleEndian.AppendUint16(h, 0)
	return append(h, 0)
}

func packet(toc byte, fill byte) []byte {
	return append([]byte{toc}, bytes.Repeat([]byte{fill}, 20)...)
}

// buildOgg writes a stereo stream with the given packets, one per page
func buildOgg(granules []uint64, packets ...[]byte) []byte {
	b := &oggBuilder{}
	b.page(0x02, 0, opusHead(2))
	b.page(0x00, 0, append([]byte("OpusTags"), make([]byte, 8)...))
	for i, pkt := range packets {
		b.page(0x00, granules[i], pkt)
	}
	return b.Bytes()
}

func TestPacketSamples(t *testing.T) {
	tests := []struct {
		pkt     []byte
		samples int
	}{
		{[]byte{tocSilkWB20}, 960},
		{[]byte{tocCeltFB20}, 960},
		{[]byte{16 << 3}, 120},               // CELT NB 2.5 ms
		{[]byte{3<<3 | 1}, 5760},             // two SILK 60 ms frames
		{[]byte{tocCeltFB20 | 3, 0x03}, 2880}, // three frames
	}
	for _, tt := range tests {
		n, err := opus.PacketSamples(tt.pkt)
		require.NoError(t, err)
		require.Equal(t, tt.samples, n)
	}

	for _, bad := range [][]byte{nil, {tocCeltFB20 | 3}, {tocCeltFB20 | 3, 0}, {tocCeltFB20 | 3, 7}} {
		_, err := opus.PacketSamples(bad)
		require.Error(t, err)
	}
}

func TestSourceCopy(t *testing.T) {
	in := buildOgg([]uint64{960, 1920, 2880, 10000, 10960},
		packet(tocSilkWB20, 1), packet(tocSilkWB20, 2), packet(tocSilkWB20, 3),
		packet(tocSilkWB20, 4), packet(tocSilkWB20, 5))

	s, err := opus.NewSource(bytes.NewReader(in))
	require.NoError(t, err)
	f := audiopipe.NewFilter(audiopipe.FilterDecoder, s)
	_, err = s.OpenTrack(f, goaudio.TrackAny, true)
	require.NoError(t, err)
	require.Equal(t, "opus", f.Info.CodecName)
	require.Equal(t, 2, f.Info.Channels)
	require.Equal(t, opusHead(2), f.Info.Extradata)
	require.Equal(t, opus.TimeBase, f.TimeBase)

	var dts []int64
	for {
		pkt, _, err := s.Demux(f)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		dts = append(dts, pkt.DTS)
	}
	// the fourth page jumps the clock forward
	require.Equal(t, []int64{0, 960, 1920, 2880, 10000}, dts)
	require.NoError(t, s.Close(f))
}

func TestSourceDecodeDropsUnsupported(t *testing.T) {
	s, err := opus.NewSource(bytes.NewReader(buildOgg(nil)))
	require.NoError(t, err)
	f := audiopipe.NewFilter(audiopipe.FilterDecoder, s)
	_, err = s.OpenTrack(f, 0, false)
	require.NoError(t, err)
	require.Equal(t, "pcm_s16le", f.Info.CodecName)
	require.Equal(t, 1, f.Info.Channels)

	require.NoError(t, f.Enqueue(packet(tocCeltFB20, 1), 0))
	out := make([]byte, f.MaxDecodeBytes())
	_, err = s.Decode(f, out)
	require.Equal(t, audiopipe.EAF_AGAIN, err)
	_, err = s.Decode(f, out)
	require.Equal(t, audiopipe.EAF_QUEUE_EMPTY, err)
}

func TestSourceRejects(t *testing.T) {
	s, err := opus.NewSource(bytes.NewReader([]byte("not ogg")))
	require.NoError(t, err)
	_, err = s.OpenTrack(audiopipe.NewFilter(audiopipe.FilterDecoder, s), goaudio.TrackAny, true)
	require.Error(t, err)

	s, err = opus.NewSource(bytes.NewReader(buildOgg(nil)))
	require.NoError(t, err)
	_, err = s.OpenTrack(audiopipe.NewFilter(audiopipe.FilterDecoder, s), 1, true)
	require.Error(t, err)

	_, err = opus.NewSource(nil)
	require.Error(t, err)
}

func TestCopyOggToOgg(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.opus")
	var packets [][]byte
	var granules []uint64
	for i := 0; i < 25; i++ {
		packets = append(packets, packet(tocSilkWB20, byte(i)))
		granules = append(granules, uint64((i+1)*960))
	}
	require.NoError(t, os.WriteFile(in, buildOgg(granules, packets...), 0644))

	p := goaudio.NewParams()
	p.Url = in
	p.Copy = true
	p.OutUrl = filepath.Join(dir, "out.opus")
	p.OutFormat = goaudio.FormatOpus

	rc, err := os.Open(in)
	require.NoError(t, err)
	defer rc.Close()
	s, err := audiopipe.NewSession(p, rc)
	require.NoError(t, err)
	require.NoError(t, s.Run())
	require.NoError(t, s.Close())
	require.Equal(t, uint64(25), s.Stats().PacketsWritten)
	require.Equal(t, int64(24*960), s.Stats().LastWrittenDTS)

	out, err := os.Open(p.OutUrl)
	require.NoError(t, err)
	defer out.Close()
	reader, header, err := oggreader.NewWith(out)
	require.NoError(t, err)
	require.Equal(t, uint8(2), header.Channels)

	var got [][]byte
	for {
		payload, _, err := reader.ParseNextPage()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if bytes.HasPrefix(payload, []byte("OpusTags")) {
			continue
		}
		got = append(got, payload)
	}
	require.Equal(t, packets, got)
}

func TestSinkRejects(t *testing.T) {
	enc := audiopipe.NewFilter(audiopipe.FilterEncoder, nil)
	enc.Info = audiopipe.AudioInfo{CodecName: "aac", Channels: 2}
	sink := opus.NewSink(filepath.Join(t.TempDir(), "out.opus"))
	require.Error(t, sink.OpenMuxer(audiopipe.NewFilter(audiopipe.FilterNone, sink), enc))

	enc.Info = audiopipe.AudioInfo{CodecName: "opus", Channels: 3}
	require.Error(t, sink.OpenMuxer(audiopipe.NewFilter(audiopipe.FilterNone, sink), enc))

	_, err := sink.WriteAudio(nil, 0, []byte{1})
	require.Error(t, err)
	require.NoError(t, sink.Close(nil))
}
