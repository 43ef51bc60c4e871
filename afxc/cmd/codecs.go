package cmd

import (
	_ "github.com/eluv-io/audiopipe/codec/fmp4"
	_ "github.com/eluv-io/audiopipe/codec/mpegts"
	_ "github.com/eluv-io/audiopipe/codec/opus"
	_ "github.com/eluv-io/audiopipe/codec/pcm"
	_ "github.com/eluv-io/audiopipe/codec/wav"
	_ "github.com/eluv-io/audiopipe/mux/hls"
)
