package fmp4

import (
	"bytes"
	"io"
	"testing"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/eluv-io/errors-go"
	"github.com/stretchr/testify/require"

	"github.com/eluv-io/audiopipe"
	"github.com/eluv-io/audiopipe/goaudio"
)

// buildFile writes an init segment with a video and an AAC track, then one
// media segment per entry of starts holding n samples of the audio track
func buildFile(t *testing.T, n int, starts ...uint64) []byte {
	is := mp4.CreateEmptyInit()
	is.AddEmptyTrack(90000, "video", "und")
	is.AddEmptyTrack(48000, "audio", "und")
	audio := is.Moov.Traks[1]
	require.NoError(t, audio.SetAACDescriptor(aac.AAClc, 48000))
	trackID := audio.Tkhd.TrackID

	var buf bytes.Buffer
	require.NoError(t, is.Encode(&buf))
	for i, start := range starts {
		frag, err := mp4.CreateFragment(uint32(i+1), trackID)
		require.NoError(t, err)
		for j := 0; j < n; j++ {
			data := bytes.Repeat([]byte{byte(i*n + j)}, 10)
			frag.AddFullSample(mp4.FullSample{
				Sample:     mp4.Sample{Flags: mp4.SyncSampleFlags, Dur: 1024, Size: uint32(len(data))},
				DecodeTime: start + uint64(j*1024),
				Data:       data,
			})
		}
		seg := mp4.NewMediaSegment()
		seg.AddFragment(frag)
		require.NoError(t, seg.Encode(&buf))
	}
	return buf.Bytes()
}

func TestSource(t *testing.T) {
	s, err := NewSource(bytes.NewReader(buildFile(t, 3, 0, 3072)))
	require.NoError(t, err)
	f := audiopipe.NewFilter(audiopipe.FilterDecoder, s)

	idx, err := s.OpenTrack(f, goaudio.TrackAny, true)
	require.NoError(t, err)
	require.Equal(t, 1, idx)
	require.Equal(t, "aac", f.Info.CodecName)
	require.Equal(t, 48000, f.Info.SampleRate)
	require.Equal(t, 2, f.Info.Channels)
	require.NotEmpty(t, f.Info.Extradata)
	require.Equal(t, audiopipe.Rational{Num: 1, Den: 48000}, f.TimeBase)
	require.Equal(t, int64(1024), f.FrameLen)

	info := s.Info()
	require.Empty(t, info.Errors)
	require.Equal(t, uint64(6), info.SampleCount)
	require.Equal(t, uint64(2), info.FragmentCount)
	require.Equal(t, uint64(1024), info.SampleDurationMin)
	require.Equal(t, uint64(1024), info.SampleDurationMax)
	require.Equal(t, uint64(6144), info.DtsEnd)
	require.Contains(t, info.String(), "samples: 6")

	for i := 0; i < 6; i++ {
		pkt, track, err := s.Demux(f)
		require.NoError(t, err)
		require.Equal(t, 1, track)
		require.Equal(t, int64(i*1024), pkt.DTS)
		require.Equal(t, bytes.Repeat([]byte{byte(i)}, 10), pkt.Data)
	}
	_, _, err = s.Demux(f)
	require.Equal(t, io.EOF, err)
	require.NoError(t, s.Close(f))
}

func TestSourceGap(t *testing.T) {
	s, err := NewSource(bytes.NewReader(buildFile(t, 2, 0, 4000)))
	require.NoError(t, err)
	_, err = s.OpenTrack(audiopipe.NewFilter(audiopipe.FilterDecoder, s), 1, true)
	require.NoError(t, err)
	require.Len(t, s.Info().Errors, 1)
	require.Contains(t, s.Info().Errors[0], "dts gap 1024 - 4000")
}

func TestSourceOpenTrackErrors(t *testing.T) {
	open := func(track int, copy bool) error {
		s, err := NewSource(bytes.NewReader(buildFile(t, 1, 0)))
		require.NoError(t, err)
		_, err = s.OpenTrack(audiopipe.NewFilter(audiopipe.FilterDecoder, s), track, copy)
		return err
	}

	err := open(goaudio.TrackAny, false)
	require.True(t, errors.IsKind(errors.K.NotImplemented, err))
	require.Error(t, open(0, true))
	require.True(t, errors.IsKind(errors.K.NotExist, open(2, true)))

	s, err := NewSource(bytes.NewReader([]byte("not an mp4 file")))
	require.NoError(t, err)
	_, err = s.OpenTrack(audiopipe.NewFilter(audiopipe.FilterDecoder, s), goaudio.TrackAny, true)
	require.Error(t, err)

	_, err = NewSource(nil)
	require.Error(t, err)
}

func TestIsSampleCountSequenceBad(t *testing.T) {
	tests := []struct {
		name     string
		a, b, c  uint64
		expected bool
	}{
		{"allEqual", 50, 50, 50, false},
		{"nextUnequal", 50, 50, 14, false},
		{"nextPartial", 50, 14, 36, false},
		{"prevPartial", 14, 36, 50, false},
		{"prevPrevPartial", 36, 50, 50, false},
		{"prevUnequal", 50, 48, 50, true},
		{"twoUnequal", 50, 48, 51, true},
		{"first", 0, 0, 50, false},
		{"firstUnequal", 0, 49, 50, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, isSampleCountSequenceBad(tc.a, tc.b, tc.c))
		})
	}
}
