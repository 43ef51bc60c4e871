package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/eluv-io/audiopipe"
	"github.com/eluv-io/audiopipe/codec/fmp4"
	"github.com/eluv-io/audiopipe/codec/mpegts"
	"github.com/eluv-io/audiopipe/goaudio"
	"github.com/eluv-io/audiopipe/transport"
)

func Probe(cmdRoot *cobra.Command) error {
	cmdProbe := &cobra.Command{
		Use:   "probe",
		Short: "Probe an audio track",
		Long:  "Open the audio track of a media file and print its parameters",
		RunE:  doProbe,
	}

	cmdRoot.AddCommand(cmdProbe)

	cmdProbe.PersistentFlags().StringP("filename", "f", "", "(mandatory) filename to be probed")
	cmdProbe.PersistentFlags().StringP("format", "", "", "input format, detected from the filename if not set.")
	cmdProbe.PersistentFlags().Int("track", goaudio.TrackAny, "index of the audio track, -1 picks the first audio track.")

	return nil
}

func doProbe(cmd *cobra.Command, args []string) error {
	filename := cmd.Flag("filename").Value.String()
	if len(filename) == 0 {
		return fmt.Errorf("Filename is needed after -f")
	}
	track, err := cmd.Flags().GetInt("track")
	if err != nil {
		return fmt.Errorf("Invalid track flag")
	}

	p := goaudio.NewParams()
	p.Url = filename
	p.Format = cmd.Flag("format").Value.String()
	p.Track = track

	rc, err := transport.Open(filename)
	if err != nil {
		return fmt.Errorf("Failed to open %s: %v", filename, err)
	}
	defer rc.Close()

	return probe(os.Stdout, p, rc)
}

// probe opens the track in copy mode so that compressed tracks report their codec
func probe(w io.Writer, p *goaudio.Params, in io.Reader) error {
	src, err := audiopipe.NewSource(p.InputFormat(), in, p)
	if err != nil {
		return fmt.Errorf("Probing failed. url=%s: %v", p.Url, err)
	}
	head, err := audiopipe.OpenDecoder(src, p.Track, true)
	if err != nil {
		return fmt.Errorf("Probing failed. url=%s: %v", p.Url, err)
	}
	defer audiopipe.CloseChain(head)

	info := head.Info
	fmt.Fprintf(w, "Stream[%d]\n", head.Track)
	fmt.Fprintf(w, "\tcodec_name: %s\n", info.CodecName)
	fmt.Fprintf(w, "\tsample_rate: %d\n", info.SampleRate)
	fmt.Fprintf(w, "\tchannels: %d\n", info.Channels)
	if info.SampleSize > 0 {
		fmt.Fprintf(w, "\tsample_size: %d\n", info.SampleSize)
	}
	if info.Bitrate > 0 {
		fmt.Fprintf(w, "\tbit_rate: %d\n", info.Bitrate)
	}
	fmt.Fprintf(w, "\ttime_base: %s\n", head.TimeBase)
	if head.FrameLen > 0 {
		fmt.Fprintf(w, "\tframe_duration_ts: %d\n", head.FrameLen)
	}
	if len(info.Extradata) > 0 {
		fmt.Fprintf(w, "\textradata: %x\n", info.Extradata)
	}

	switch s := src.(type) {
	case *mpegts.Source:
		fmt.Fprintf(w, "Container\n\tformat_name: %s\n", goaudio.FormatMpegts)
		for i, st := range s.Streams() {
			fmt.Fprintf(w, "\tstream[%d]: pid=%d stream_type=0x%02x audio=%v\n", i, st.PID, st.StreamType, st.IsAudio())
		}
	case *fmp4.Source:
		fmt.Fprintf(w, "Container\n\tformat_name: %s\n", goaudio.FormatFmp4)
		if s.Info() != nil {
			fmt.Fprint(w, s.Info().String())
		}
	default:
		fmt.Fprintf(w, "Container\n\tformat_name: %s\n", p.InputFormat())
	}
	return nil
}
