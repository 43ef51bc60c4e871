package audiopipe

import (
	"go.uber.org/atomic"
)

// Stats counts the work done by a Session. The counters may be read from any goroutine.
type Stats struct {
	PacketsDemuxed  atomic.Uint64
	UnitsDecoded    atomic.Uint64
	BytesEncoded    atomic.Uint64
	PacketsWritten  atomic.Uint64
	QueueFullEvents atomic.Uint64
	Steps           atomic.Uint64
	LastWrittenDTS  atomic.Int64
}

func NewStats() *Stats {
	s := &Stats{}
	s.LastWrittenDTS.Store(NoPTS)
	return s
}

// StatsSnapshot is a point in time copy of Stats
type StatsSnapshot struct {
	PacketsDemuxed  uint64 `json:"packets_demuxed"`
	UnitsDecoded    uint64 `json:"units_decoded"`
	BytesEncoded    uint64 `json:"bytes_encoded"`
	PacketsWritten  uint64 `json:"packets_written"`
	QueueFullEvents uint64 `json:"queue_full_events"`
	Steps           uint64 `json:"steps"`
	LastWrittenDTS  int64  `json:"last_written_dts"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		PacketsDemuxed:  s.PacketsDemuxed.Load(),
		UnitsDecoded:    s.UnitsDecoded.Load(),
		BytesEncoded:    s.BytesEncoded.Load(),
		PacketsWritten:  s.PacketsWritten.Load(),
		QueueFullEvents: s.QueueFullEvents.Load(),
		Steps:           s.Steps.Load(),
		LastWrittenDTS:  s.LastWrittenDTS.Load(),
	}
}
