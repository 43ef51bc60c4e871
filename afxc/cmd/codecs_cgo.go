//go:build cgo

package cmd

import (
	_ "github.com/eluv-io/audiopipe/codec/opusenc"
)
