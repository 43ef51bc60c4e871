package hls

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eluv-io/errors-go"
)

type SegmenterConfig struct {
	DurationSec float64
	Dir         string
	Prefix      string // segment file names are <Prefix><seq>.<Ext>
	Ext         string
}

// Segment is a completed segment file. Times are in milliseconds.
type Segment struct {
	Name    string
	StartMs int64
	EndMs   int64
}

func (s Segment) DurationSec() float64 {
	return float64(s.EndMs-s.StartMs) / 1000
}

// Segmenter writes packets into a sequence of files, starting a new file once
// the current one spans the configured duration.
type Segmenter struct {
	Cfg SegmenterConfig

	numSegs       int
	segStartMs    int64
	currentName   string
	currentFile   *os.File
	currentWriter *bufio.Writer
	segments      []Segment
}

func NewSegmenter(cfg SegmenterConfig) (*Segmenter, error) {
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.DurationSec <= 0 {
		return nil, errors.E("hls.NewSegmenter", errors.K.Invalid, "reason", "duration must be positive",
			"duration_sec", cfg.DurationSec)
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errors.E("hls.NewSegmenter", errors.K.IO, err, "dir", cfg.Dir)
	}
	return &Segmenter{Cfg: cfg}, nil
}

// NeedsSegment reports whether a packet at ms starts a new segment
func (s *Segmenter) NeedsSegment(ms int64) bool {
	if s.currentFile == nil {
		return true
	}
	return float64(ms-s.segStartMs) >= s.Cfg.DurationSec*1000
}

// OpenSegment ends the current segment at ms and starts the next one
func (s *Segmenter) OpenSegment(ms int64) error {
	if err := s.closeSegment(ms); err != nil {
		return err
	}
	s.numSegs++
	name := fmt.Sprintf("%s%05d.%s", s.Cfg.Prefix, s.numSegs, s.Cfg.Ext)
	file, err := os.Create(filepath.Join(s.Cfg.Dir, name))
	if err != nil {
		log.Error("failed to open segment file", "name", name, "err", err)
		return errors.E("hls.OpenSegment", errors.K.IO, err, "name", name)
	}
	log.Debug("segment start", "name", name, "start_ms", ms)
	s.currentName = name
	s.currentFile = file
	s.currentWriter = bufio.NewWriter(file)
	s.segStartMs = ms
	return nil
}

func (s *Segmenter) Write(data []byte) (int, error) {
	if s.currentFile == nil {
		return 0, errors.E("hls.Write", errors.K.Invalid, "reason", "no segment to write to")
	}
	return s.currentWriter.Write(data)
}

// Close ends the last segment at ms
func (s *Segmenter) Close(ms int64) error {
	return s.closeSegment(ms)
}

// Segments returns the completed segments
func (s *Segmenter) Segments() []Segment {
	return s.segments
}

func (s *Segmenter) closeSegment(ms int64) error {
	if s.currentFile == nil {
		return nil
	}
	err := s.currentWriter.Flush()
	if cerr := s.currentFile.Close(); err == nil {
		err = cerr
	}
	s.currentFile = nil
	s.currentWriter = nil
	if err != nil {
		return errors.E("hls.closeSegment", errors.K.IO, err, "name", s.currentName)
	}
	if ms < s.segStartMs {
		ms = s.segStartMs
	}
	log.Debug("segment end", "name", s.currentName, "start_ms", s.segStartMs, "end_ms", ms)
	s.segments = append(s.segments, Segment{Name: s.currentName, StartMs: s.segStartMs, EndMs: ms})
	return nil
}
