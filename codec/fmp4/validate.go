package fmp4

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Eyevinn/mp4ff/mp4"
)

// Info summarizes the samples of one audio track of a fragmented MP4 file
type Info struct {
	Errors            []string // problems found
	TrackID           uint32
	Timescale         uint32
	FragmentCount     uint64
	SampleCount       uint64
	SampleCountMax    uint64 // most samples in a segment
	SampleCountMin    uint64 // least samples in a segment
	SampleDurationMax uint64
	SampleDurationMin uint64
	DtsStart          uint64
	DtsEnd            uint64
	Segments          []SegmentInfo
}

type SegmentInfo struct {
	DtsStart    uint64
	DtsEnd      uint64
	SampleCount uint64
	SeqStart    uint32
	SeqEnd      uint32
}

// AddError records a problem, with the 0 based segment and fragment it was
// found in. Negative indexes are left out.
func (s *Info) AddError(err string, seg, frag int, dts *uint64) {
	if seg >= 0 {
		err += fmt.Sprintf(", segment %d", seg+1)
	}
	if frag >= 0 {
		err += fmt.Sprintf(", fragment %d", frag+1)
	}
	if dts != nil {
		err += fmt.Sprintf(", dts %d", *dts)
	}
	s.Errors = append(s.Errors, err)
}

func (s *Info) String() string {
	var sb strings.Builder
	if len(s.Errors) > 0 {
		b, _ := json.MarshalIndent(s.Errors, "", "  ")
		_, _ = fmt.Fprintf(&sb, "errors: %s\n", string(b))
	}
	_, _ = fmt.Fprintf(&sb,
		"track: %d\ntimescale: %d\nfragments: %d, samples: %d\ndts: %d - %d\nsample duration range: %d - %d\nsamples per segment: %d - %d\n",
		s.TrackID, s.Timescale,
		s.FragmentCount, s.SampleCount,
		s.DtsStart, s.DtsEnd,
		s.SampleDurationMin, s.SampleDurationMax,
		s.SampleCountMin, s.SampleCountMax,
	)
	for i, seg := range s.Segments {
		_, _ = fmt.Fprintf(&sb, "%d: dts: %d - %d, seq %d - %d, samples: %d\n",
			i+1, seg.DtsStart, seg.DtsEnd, seg.SeqStart, seg.SeqEnd, seg.SampleCount)
	}
	return sb.String()
}

// Validate walks the fragments of trackID and checks that sequence numbers
// and decode times are contiguous.
func Validate(file *mp4.File, trackID uint32) *Info {
	info := &Info{TrackID: trackID}
	if file.Init == nil {
		info.AddError("no init segment", -1, -1, nil)
		return info
	}
	trak := findTrak(file.Init.Moov, trackID)
	if trak == nil {
		info.AddError(fmt.Sprintf("no track %d", trackID), -1, -1, nil)
		return info
	}
	info.Timescale = trak.Mdia.Mdhd.Timescale
	trex := findTrex(file.Init.Moov, trackID)

	if len(file.Segments) == 0 {
		info.AddError("no segments", -1, -1, nil)
		return info
	}

	var dtsPrev, durPrev uint64
	first := true
	var seqPrev uint32
	var countPrev, countPrevPrev uint64
	for segIdx, seg := range file.Segments {
		segInfo := SegmentInfo{}
		segFirst := true
		for fragIdx, frag := range seg.Fragments {
			if frag.Moof == nil || frag.Moof.Traf == nil || frag.Moof.Traf.Tfhd == nil {
				info.AddError("no moof", segIdx, fragIdx, nil)
				continue
			}
			if frag.Moof.Traf.Tfhd.TrackID != trackID {
				continue
			}
			info.FragmentCount++

			var seq uint32
			if frag.Moof.Mfhd != nil {
				seq = frag.Moof.Mfhd.SequenceNumber
			}
			if !first && seq != seqPrev+1 {
				info.AddError(fmt.Sprintf("sequence number gap %d - %d", seqPrev, seq), segIdx, fragIdx, nil)
			}
			seqPrev = seq
			if segFirst {
				segInfo.SeqStart = seq
			}
			segInfo.SeqEnd = seq

			samples, err := frag.GetFullSamples(trex)
			if err != nil {
				info.AddError(fmt.Sprintf("failed to read samples: %v", err), segIdx, fragIdx, nil)
				continue
			}
			for _, sample := range samples {
				dur := uint64(sample.Dur)
				dts := sample.DecodeTime
				if dur < info.SampleDurationMin || info.SampleDurationMin == 0 {
					info.SampleDurationMin = dur
				}
				if dur > info.SampleDurationMax {
					info.SampleDurationMax = dur
				}
				if first {
					info.DtsStart = dts
				} else if dts != dtsPrev+durPrev {
					info.AddError(fmt.Sprintf("dts gap %d - %d, sample duration %d", dtsPrev, dts, durPrev), segIdx, fragIdx, &dts)
				}
				if segFirst {
					segInfo.DtsStart = dts
				}
				segInfo.DtsEnd = dts + dur
				info.DtsEnd = dts + dur
				dtsPrev, durPrev = dts, dur
				first = false
				segFirst = false
			}
			segInfo.SampleCount += uint64(len(samples))
		}

		info.SampleCount += segInfo.SampleCount
		if isSampleCountSequenceBad(countPrevPrev, countPrev, segInfo.SampleCount) && segIdx < len(file.Segments)-1 {
			info.AddError(fmt.Sprintf("sample count mismatch %d - %d", countPrev, segInfo.SampleCount), segIdx, -1, nil)
		}
		countPrevPrev = countPrev
		countPrev = segInfo.SampleCount
		if segInfo.SampleCount < info.SampleCountMin || info.SampleCountMin == 0 {
			info.SampleCountMin = segInfo.SampleCount
		}
		if segInfo.SampleCount > info.SampleCountMax {
			info.SampleCountMax = segInfo.SampleCount
		}
		info.Segments = append(info.Segments, segInfo)
	}
	return info
}

// isSampleCountSequenceBad checks for unexpected variation in sample count
// between three consecutive segments. A segment split at a splice point
// yields two partial segments that add up to a full one.
func isSampleCountSequenceBad(a, b, c uint64) bool {
	valid := a == b || // 50 50 14: c is partial or the last segment
		a == b+c || // 50 14 36
		a+b == c || // 14 36 50
		b == c // 36 50 50
	return !valid
}

func findTrak(moov *mp4.MoovBox, trackID uint32) *mp4.TrakBox {
	if moov == nil {
		return nil
	}
	for _, trak := range moov.Traks {
		if trak.Tkhd != nil && trak.Tkhd.TrackID == trackID {
			return trak
		}
	}
	return nil
}

func findTrex(moov *mp4.MoovBox, trackID uint32) *mp4.TrexBox {
	if moov == nil || moov.Mvex == nil {
		return nil
	}
	for _, trex := range moov.Mvex.Trexs {
		if trex.TrackID == trackID {
			return trex
		}
	}
	return nil
}
