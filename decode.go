package audiopipe

import (
	"io"

	"github.com/eluv-io/errors-go"
)

// Demux reads the next packet of the configured track into the queue of the
// head stage f and returns its timestamp.
//
// Stages without a source of their own return EAF_NOT_APPLICABLE. At the end
// of the source, or on a read error, the stage stops being External and every
// further call returns EAF_OTHER.
func Demux(f *Filter) (int64, error) {
	if f == nil {
		return NoPTS, EAF_ERROR
	}
	if !f.External {
		return NoPTS, EAF_NOT_APPLICABLE
	}
	demuxer, ok := f.Backend.(Demuxer)
	if !ok {
		f.External = false
		return NoPTS, EAF_NOT_APPLICABLE
	}

	for {
		pkt, track, err := demuxer.Demux(f)
		if err != nil {
			if err != io.EOF {
				log.Warn("error demuxing audio packet", "track", f.Track, "err", err)
			} else {
				log.Debug("end of audio source", "track", f.Track)
			}
			f.External = false
			return NoPTS, EAF_OTHER
		}
		if track != f.Track {
			pkt.Release()
			continue
		}

		dts := pkt.DTS
		err = f.Enqueue(pkt.Data, dts)
		pkt.Release()
		if err == EAF_AGAIN {
			// below the seek floor
			continue
		}
		if f.FirstDTS == NoPTS {
			f.FirstDTS = dts
		}
		return dts, err
	}
}

// DecodeMain decodes the queued input of f into the next stage and cascades
// through every transform up to, not including, the encoder.
//
// It returns the number of decoded units produced at this stage, or by the
// deepest stage reached, EAF_QUEUE_FULL if a downstream queue filled up and
// EAF_QUEUE_EMPTY if no stage had input. No decoded unit is ever dropped: decoding
// stops before producing a unit the next queue cannot take. A full transform
// queue is drained downstream first. Timestamps are rescaled to the time base
// of the next stage.
func DecodeMain(f *Filter) (int, error) {
	e := errors.Template("audiopipe.DecodeMain", errors.K.Invalid)

	if f == nil {
		return 0, e("reason", "nil filter")
	}
	if f.last == nil || f == f.last {
		return 0, nil
	}
	next := f.next
	toEncoder := next.Kind == FilterEncoder || next == f.Enc
	if f.QueueLen() == 0 && !f.HasPendingInput() {
		if toEncoder {
			return 0, EAF_QUEUE_EMPTY
		}
		// transforms may still hold input
		return DecodeMain(next)
	}
	decoder, ok := f.Backend.(Decoder)
	if !ok {
		return 0, e("reason", "stage cannot decode", "kind", f.Kind.String())
	}
	if f.decodeBuf == nil {
		f.decodeBuf = make([]byte, f.MaxDecodeBytes())
	}

	units := 0
	for {
		if next.QueueFull() && !toEncoder {
			if _, err := DecodeMain(next); err != nil && !IsTransient(err) {
				return units, err
			}
		}
		if next.QueueFull() {
			return units, EAF_QUEUE_FULL
		}
		n, err := decoder.Decode(f, f.decodeBuf)
		if err != nil {
			st := StatusOf(err)
			if st == StatusAgain {
				continue
			}
			if st == StatusQueueEmpty {
				break
			}
			log.Error("error decoding audio", "kind", f.Kind.String(), "err", err)
			return units, e(err, "reason", "decode failed")
		}
		if n == 0 {
			continue
		}
		if n > len(f.decodeBuf) {
			return units, e(EAF_BUFFER_TOO_SMALL, "n", n, "buf", len(f.decodeBuf))
		}
		units++
		dts := f.InputDTS()
		if dts != NoPTS && next.TimeBase.Valid() && f.TimeBase.Valid() {
			dts = Rescale(dts, f.TimeBase, next.TimeBase)
		}
		err = next.EnqueueRaw(f.decodeBuf[:n], dts)
		if err == EAF_QUEUE_FULL {
			return units, EAF_QUEUE_FULL
		}
	}

	if toEncoder {
		return units, nil
	}
	downstream, err := DecodeMain(next)
	if err != nil {
		if StatusOf(err) == StatusQueueEmpty {
			return units, nil
		}
		return downstream, err
	}
	return downstream, nil
}

// CopyDecode is the decode operation of a stage in copy mode: every input packet
// is forwarded unchanged.
func CopyDecode(f *Filter, out []byte) (int, error) {
	if !f.HasPendingInput() {
		if err := f.NextInput(); err != nil {
			return 0, err
		}
	}
	in := f.Input()
	if len(in) > len(out) {
		return 0, errors.E("audiopipe.CopyDecode", errors.K.Invalid, EAF_BUFFER_TOO_SMALL,
			"packet", len(in), "buf", len(out))
	}
	n := copy(out, in)
	f.Consume(n)
	return n, nil
}
