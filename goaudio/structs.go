package goaudio

import (
	"math"
	"path"
	"strings"

	"github.com/eluv-io/errors-go"
)

// NoPTS marks an unset timestamp (AV_NOPTS_VALUE)
const NoPTS = int64(math.MinInt64)

// Track selectors
const (
	TrackAny  = -1 // probe for the first audio track
	TrackNone = -2 // no track found yet
)

// Encoder names with special meaning
const (
	EncoderCopy = "copy" // pass compressed packets through unchanged
	EncoderRaw  = "raw"  // frame decoded PCM without compressing it
)

// Container formats understood by the registered backends
const (
	FormatWav    = "wav"
	FormatMpegts = "mpegts"
	FormatFmp4   = "fmp4"
	FormatOpus   = "opus"
	FormatHls    = "hls"
)

// MaxFrameSamples is the largest number of samples per channel a decoder may
// produce in one call. Decode buffers are this many samples times channels
// times sample size.
const MaxFrameSamples = 8192

var codecAliases = map[string]string{
	"mp3":    "libmp3lame",
	"vorbis": "libvorbis",
	"aac":    "libfaac",
	"opus":   "libopus",
}

// ResolveCodecName maps a short codec name to the encoder implementing it.
// Names without an alias are returned unchanged.
func ResolveCodecName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if alias, ok := codecAliases[name]; ok {
		return alias
	}
	return name
}

// SampleSizeForFormat returns the size in bytes of one sample of the given
// packed sample format.
func SampleSizeForFormat(sampleFmt string) (int, error) {
	switch sampleFmt {
	case "u8":
		return 1, nil
	case "s16":
		return 2, nil
	case "s32", "flt":
		return 4, nil
	case "dbl":
		return 8, nil
	}
	return 0, errors.E("SampleSizeForFormat", errors.K.Invalid, "reason", "invalid sample format", "sample_fmt", sampleFmt)
}

// SampleFormatForSize is the reverse of SampleSizeForFormat for integer formats.
func SampleFormatForSize(size int) string {
	switch size {
	case 1:
		return "u8"
	case 2:
		return "s16"
	case 4:
		return "s32"
	case 8:
		return "dbl"
	}
	return ""
}

// DetectFormat guesses the container format from a URL or file name.
func DetectFormat(url string) string {
	if strings.HasPrefix(url, "udp://") || strings.HasPrefix(url, "rtp://") {
		return FormatMpegts
	}
	switch strings.ToLower(path.Ext(url)) {
	case ".wav", ".wave":
		return FormatWav
	case ".ts", ".m2ts", ".mts":
		return FormatMpegts
	case ".mp4", ".m4a", ".m4s", ".cmfa":
		return FormatFmp4
	case ".opus", ".ogg":
		return FormatOpus
	case ".m3u8":
		return FormatHls
	}
	return ""
}

// Params describes one audio transcoding session
type Params struct {
	Url          string  `json:"url" yaml:"url"`
	Format       string  `json:"format,omitempty" yaml:"format,omitempty"`
	Track        int     `json:"track" yaml:"track"`
	Copy         bool    `json:"copy,omitempty" yaml:"copy,omitempty"`
	SeekMs       int64   `json:"seek_ms,omitempty" yaml:"seek_ms,omitempty"`
	Ecodec       string  `json:"ecodec,omitempty" yaml:"ecodec,omitempty"`
	Bitrate      int32   `json:"bitrate,omitempty" yaml:"bitrate,omitempty"` // kbps
	Quality      float32 `json:"quality,omitempty" yaml:"quality,omitempty"`
	QualityMode  bool    `json:"quality_mode,omitempty" yaml:"quality_mode,omitempty"`
	FrameSamples int     `json:"frame_samples,omitempty" yaml:"frame_samples,omitempty"`

	OutUrl         string  `json:"out_url" yaml:"out_url"`
	OutFormat      string  `json:"out_format,omitempty" yaml:"out_format,omitempty"`
	SegDurationSec float64 `json:"seg_duration_sec,omitempty" yaml:"seg_duration_sec,omitempty"`
	HlsWindow      int     `json:"hls_window,omitempty" yaml:"hls_window,omitempty"` // segments listed in the playlist, 0 for all

	StepMs           int64 `json:"step_ms,omitempty" yaml:"step_ms,omitempty"` // orchestrator pass length
	StatsIntervalSec int   `json:"stats_interval_sec,omitempty" yaml:"stats_interval_sec,omitempty"`
}

// NewParams initializes a Params struct with unset/default values
func NewParams() *Params {
	return &Params{
		Track:          TrackAny,
		SeekMs:         -1,
		Ecodec:         EncoderRaw,
		Bitrate:        128,
		FrameSamples:   1024,
		OutFormat:      FormatWav,
		SegDurationSec: 6,
		StepMs:         40,
	}
}

// EncoderOptions are the settings an encoder backend is opened with
type EncoderOptions struct {
	Name         string  // resolved codec name, "copy" or "raw"
	Bitrate      int     // bits per second, unused in quality mode
	Quality      float32 // codec specific quality, only in quality mode
	QualityMode  bool
	FrameSamples int // samples per channel per frame for encoders without a fixed frame size
}

// EncoderOptions derives the encoder settings from the session parameters
func (p *Params) EncoderOptions() EncoderOptions {
	opts := EncoderOptions{
		Name:         ResolveCodecName(p.Ecodec),
		QualityMode:  p.QualityMode,
		FrameSamples: p.FrameSamples,
	}
	if p.Copy {
		opts.Name = EncoderCopy
	}
	if p.QualityMode {
		opts.Quality = p.Quality
	} else {
		opts.Bitrate = int(p.Bitrate) * 1000
	}
	return opts
}

// InputFormat returns the configured input format, detecting it from the URL if unset
func (p *Params) InputFormat() string {
	if p.Format != "" {
		return p.Format
	}
	return DetectFormat(p.Url)
}

func (p *Params) Validate() error {
	e := errors.Template("Params.Validate", errors.K.Invalid)

	if p.Url == "" {
		return e("reason", "url not set")
	}
	switch p.InputFormat() {
	case FormatWav, FormatMpegts, FormatFmp4, FormatOpus:
	case "":
		return e("reason", "cannot detect input format", "url", p.Url)
	default:
		return e("reason", "unsupported input format", "format", p.Format)
	}
	if p.Track < TrackAny {
		return e("reason", "invalid track", "track", p.Track)
	}
	if p.Ecodec == "" && !p.Copy {
		return e("reason", "encoder not set")
	}
	if !p.QualityMode && p.Bitrate <= 0 && !p.Copy {
		return e("reason", "bitrate must be positive", "bitrate", p.Bitrate)
	}
	if p.FrameSamples <= 0 || p.FrameSamples > MaxFrameSamples {
		return e("reason", "invalid frame_samples", "frame_samples", p.FrameSamples)
	}
	if p.OutUrl == "" {
		return e("reason", "out_url not set")
	}
	switch p.OutFormat {
	case FormatWav, FormatOpus:
	case FormatHls:
		if p.SegDurationSec <= 0 {
			return e("reason", "seg_duration_sec must be positive", "seg_duration_sec", p.SegDurationSec)
		}
		if p.HlsWindow < 0 {
			return e("reason", "hls_window must not be negative", "hls_window", p.HlsWindow)
		}
	default:
		return e("reason", "unsupported output format", "out_format", p.OutFormat)
	}
	if p.StepMs <= 0 {
		return e("reason", "step_ms must be positive", "step_ms", p.StepMs)
	}
	return nil
}
