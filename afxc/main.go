package main

import (
	"fmt"
	"os"

	"github.com/eluv-io/log-go"
	"github.com/spf13/cobra"

	"github.com/eluv-io/audiopipe/afxc/cmd"
)

func main() {
	root := &cobra.Command{
		Use:   "afxc",
		Short: "Audio filter chain tool",
		Long:  "Demux, decode, encode and write one audio track through a filter chain",
	}

	logFile := os.Getenv("AFXC_LOG")
	if logFile == "" {
		logFile = "afxc.log"
	}
	log.SetDefault(&log.Config{
		Level:   "debug",
		Handler: "text",
		File: &log.LumberjackConfig{
			Filename:  logFile,
			LocalTime: true,
		},
	})

	for _, add := range []func(*cobra.Command) error{cmd.InitTranscode, cmd.Probe} {
		if err := add(root); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	log.Info("afxc starting", "args", os.Args[1:])
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
