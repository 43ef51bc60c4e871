package cmd

import (
	"fmt"

	"github.com/eluv-io/log-go"
	"github.com/spf13/cobra"

	"github.com/eluv-io/audiopipe"
	"github.com/eluv-io/audiopipe/goaudio"
	"github.com/eluv-io/audiopipe/transport"
)

func InitTranscode(cmdRoot *cobra.Command) error {
	cmdTranscode := &cobra.Command{
		Use:   "transcode",
		Short: "Transcode an audio track",
		Long:  "Transcode one audio track of a media file or stream and write it as wav, ogg opus or packed audio hls",
		RunE:  doTranscode,
	}

	cmdRoot.AddCommand(cmdTranscode)

	cmdTranscode.PersistentFlags().StringP("filename", "f", "", "(mandatory unless set in the config) input file or udp://, rtp://, srt:// url.")
	cmdTranscode.PersistentFlags().StringP("config", "c", "", "yaml or json file with the session parameters, flags override it.")
	cmdTranscode.PersistentFlags().StringP("format", "", "", "input format, detected from the url if not set, can be 'wav', 'mpegts', 'fmp4' or 'opus'.")
	cmdTranscode.PersistentFlags().Int("track", goaudio.TrackAny, "index of the audio track, -1 picks the first audio track.")
	cmdTranscode.PersistentFlags().BoolP("bypass", "b", false, "copy the compressed packets without transcoding.")
	cmdTranscode.PersistentFlags().Int64("seek-ms", -1, "drop audio before this stream time in milliseconds.")
	cmdTranscode.PersistentFlags().StringP("encoder", "e", goaudio.EncoderRaw, "audio encoder, can be 'raw' or 'opus'.")
	cmdTranscode.PersistentFlags().Int32("bitrate", 128, "output bitrate in kbps.")
	cmdTranscode.PersistentFlags().Float32("quality", 0, "encoder quality, only used with quality-mode.")
	cmdTranscode.PersistentFlags().Bool("quality-mode", false, "encode for quality instead of bitrate.")
	cmdTranscode.PersistentFlags().Int("frame-samples", 1024, "samples per channel per encoded frame for encoders without a fixed frame size.")
	cmdTranscode.PersistentFlags().StringP("out", "o", "", "(mandatory unless set in the config) output file, or the playlist for hls.")
	cmdTranscode.PersistentFlags().String("out-format", goaudio.FormatWav, "output format, can be 'wav', 'opus' or 'hls'.")
	cmdTranscode.PersistentFlags().Float64("seg-duration", 6, "hls segment duration in seconds.")
	cmdTranscode.PersistentFlags().Int("hls-window", 0, "number of segments listed in the hls playlist, 0 lists all.")
	cmdTranscode.PersistentFlags().Int64("step-ms", 40, "length of one pass over the chain in milliseconds.")
	cmdTranscode.PersistentFlags().Int("stats-interval", 0, "log session stats every n seconds, 0 disables it.")

	return nil
}

// transcodeParams loads the config file, if any, and applies the flags that
// were set on the command line
func transcodeParams(cmd *cobra.Command) (*goaudio.Params, error) {
	p := goaudio.NewParams()
	if config := cmd.Flag("config").Value.String(); len(config) > 0 {
		var err error
		if p, err = goaudio.LoadParams(config); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	var err error
	set := func(name string, apply func() error) {
		if err == nil && flags.Changed(name) {
			if err = apply(); err != nil {
				err = fmt.Errorf("Invalid %s flag", name)
			}
		}
	}
	set("filename", func() (e error) { p.Url, e = flags.GetString("filename"); return })
	set("format", func() (e error) { p.Format, e = flags.GetString("format"); return })
	set("track", func() (e error) { p.Track, e = flags.GetInt("track"); return })
	set("bypass", func() (e error) { p.Copy, e = flags.GetBool("bypass"); return })
	set("seek-ms", func() (e error) { p.SeekMs, e = flags.GetInt64("seek-ms"); return })
	set("encoder", func() (e error) { p.Ecodec, e = flags.GetString("encoder"); return })
	set("bitrate", func() (e error) { p.Bitrate, e = flags.GetInt32("bitrate"); return })
	set("quality", func() (e error) { p.Quality, e = flags.GetFloat32("quality"); return })
	set("quality-mode", func() (e error) { p.QualityMode, e = flags.GetBool("quality-mode"); return })
	set("frame-samples", func() (e error) { p.FrameSamples, e = flags.GetInt("frame-samples"); return })
	set("out", func() (e error) { p.OutUrl, e = flags.GetString("out"); return })
	set("out-format", func() (e error) { p.OutFormat, e = flags.GetString("out-format"); return })
	set("seg-duration", func() (e error) { p.SegDurationSec, e = flags.GetFloat64("seg-duration"); return })
	set("hls-window", func() (e error) { p.HlsWindow, e = flags.GetInt("hls-window"); return })
	set("step-ms", func() (e error) { p.StepMs, e = flags.GetInt64("step-ms"); return })
	set("stats-interval", func() (e error) { p.StatsIntervalSec, e = flags.GetInt("stats-interval"); return })
	if err != nil {
		return nil, err
	}

	if !flags.Changed("out-format") && len(p.OutUrl) > 0 {
		switch goaudio.DetectFormat(p.OutUrl) {
		case goaudio.FormatOpus:
			p.OutFormat = goaudio.FormatOpus
		case goaudio.FormatHls:
			p.OutFormat = goaudio.FormatHls
		}
	}
	return p, p.Validate()
}

func doTranscode(cmd *cobra.Command, args []string) error {
	p, err := transcodeParams(cmd)
	if err != nil {
		return err
	}

	rc, err := transport.Open(p.Url)
	if err != nil {
		return fmt.Errorf("Failed to open %s: %v", p.Url, err)
	}
	defer rc.Close()

	s, err := audiopipe.NewSession(p, rc)
	if err != nil {
		return fmt.Errorf("Failed to start transcoding: %v", err)
	}
	err = s.Run()
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	st := s.Stats()
	if err != nil {
		log.Error("Transcoding failed", "url", p.Url, "err", err)
		return fmt.Errorf("Transcoding failed: %v", err)
	}

	log.Info("Transcoding done", "url", p.Url, "out_url", p.OutUrl, "packets", st.PacketsWritten)
	fmt.Printf("Transcoded %s to %s, packets=%d last_dts=%d\n", p.Url, p.OutUrl, st.PacketsWritten, st.LastWrittenDTS)
	return nil
}
