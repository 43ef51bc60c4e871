package wav_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-audio/audio"
	gowav "github.com/go-audio/wav"
	"github.com/stretchr/testify/require"

	"github.com/eluv-io/audiopipe"
	"github.com/eluv-io/audiopipe/codec/wav"
	"github.com/eluv-io/audiopipe/goaudio"
	"github.com/eluv-io/audiopipe/transport"
)

// writeWav creates a 16 bit stereo file of n samples per channel
func writeWav(t *testing.T, path string, rate, n int) []int {
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	data := make([]int, 2*n)
	for i := range data {
		data[i] = (i*37)%2000 - 1000
	}
	enc := gowav.NewEncoder(f, rate, 16, 2, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 2, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	return data
}

func readWav(t *testing.T, path string) (*gowav.Decoder, []int) {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec := gowav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	return dec, buf.Data
}

func TestSamplesRoundTrip(t *testing.T) {
	in := []int{0, 1, -1, 32767, -32768, 1234}
	b := make([]byte, 2*len(in))
	wav.PutSamples(b, in, 16)
	require.Equal(t, in, wav.Samples(nil, b, 2))

	in = []int{0, 1, -1, 8388607, -8388608}
	b = make([]byte, 4*len(in))
	wav.PutSamples(b, in, 24)
	out := wav.Samples(nil, b, 4)
	for i := range in {
		require.Equal(t, in[i]<<8, out[i])
	}
}

func TestSourceDemux(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.wav")
	writeWav(t, path, 48000, 2500)

	rc, err := transport.Open(path)
	require.NoError(t, err)
	defer rc.Close()

	src, err := wav.NewSource(rc, 1000)
	require.NoError(t, err)
	head, err := audiopipe.OpenDecoder(src, goaudio.TrackAny, false)
	require.NoError(t, err)
	require.True(t, head.External)
	require.Equal(t, "pcm_s16le", head.Info.CodecName)
	require.Equal(t, 48000, head.Info.SampleRate)
	require.Equal(t, 2, head.Info.Channels)
	require.Equal(t, audiopipe.Rational{Num: 1, Den: 48000}, head.TimeBase)

	var dts []int64
	for {
		d, err := audiopipe.Demux(head)
		if err != nil {
			require.Equal(t, audiopipe.EAF_OTHER, err)
			break
		}
		dts = append(dts, d)
	}
	require.Equal(t, []int64{0, 1000, 2000}, dts)
	require.Equal(t, 4000+4000+2000, head.QueueSize())
	require.NoError(t, audiopipe.CloseChain(head))
}

func TestSourceRejects(t *testing.T) {
	src, err := wav.NewSource(strings.NewReader("not a wav file at all, not even close"), 0)
	require.NoError(t, err)
	_, err = audiopipe.OpenDecoder(src, goaudio.TrackAny, false)
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "in.wav")
	writeWav(t, path, 48000, 10)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	src, err = wav.NewSource(f, 0)
	require.NoError(t, err)
	_, err = audiopipe.OpenDecoder(src, 1, false)
	require.Error(t, err)
}

func TestTranscodeWav(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.wav")
	samples := writeWav(t, in, 44100, 4410)

	p := goaudio.NewParams()
	p.Url = in
	p.Ecodec = goaudio.EncoderRaw
	p.FrameSamples = 1024
	p.OutUrl = filepath.Join(dir, "out.wav")

	rc, err := transport.Open(p.Url)
	require.NoError(t, err)
	defer rc.Close()

	s, err := audiopipe.NewSession(p, rc)
	require.NoError(t, err)
	require.NoError(t, s.Run())
	require.NoError(t, s.Close())

	st := s.Stats()
	require.Equal(t, uint64(5), st.PacketsWritten)
	require.Equal(t, int64(4*1024), st.LastWrittenDTS)

	dec, out := readWav(t, p.OutUrl)
	require.Equal(t, uint32(44100), dec.SampleRate)
	require.Equal(t, uint16(2), dec.NumChans)
	require.Equal(t, uint16(16), dec.BitDepth)

	// the last frame is padded with silence
	require.Len(t, out, 2*5*1024)
	require.Equal(t, samples, out[:len(samples)])
	for _, v := range out[len(samples):] {
		require.Equal(t, 0, v)
	}
}

func TestSinkRejects(t *testing.T) {
	enc := audiopipe.NewFilter(audiopipe.FilterEncoder, nil)
	muxer := audiopipe.NewFilter(audiopipe.FilterNone, nil)
	sink := wav.NewSink(filepath.Join(t.TempDir(), "out.wav"))

	enc.Info = audiopipe.AudioInfo{CodecName: "aac", SampleRate: 48000, Channels: 2}
	require.Error(t, sink.OpenMuxer(muxer, enc))

	enc.Info = audiopipe.AudioInfo{CodecName: "pcm_s16le", SampleRate: 48000, Channels: 6, SampleSize: 2}
	require.Error(t, sink.OpenMuxer(muxer, enc))

	enc.Info.Channels = 1
	enc.Info.SampleRate = 0
	require.Error(t, sink.OpenMuxer(muxer, enc))

	_, err := sink.WriteAudio(muxer, 0, []byte{0, 0})
	require.Error(t, err)
	require.NoError(t, sink.Close(muxer))
}
