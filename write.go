package audiopipe

import (
	"github.com/eluv-io/errors-go"
)

// Write hands the queued packets of the muxer stage to its Writer, oldest first,
// while their timestamp does not exceed bound. NoPTS means no bound.
//
// It returns the timestamp of the last packet written. An empty queue returns
// EAF_QUEUE_EMPTY; a bound below the oldest queued packet returns EAF_OTHER.
func Write(muxer *Filter, bound int64) (int64, error) {
	e := errors.Template("audiopipe.Write", errors.K.IO)

	if muxer == nil {
		return NoPTS, e("reason", "no muxer")
	}
	writer, ok := muxer.Backend.(Writer)
	if !ok {
		return NoPTS, e("reason", "stage cannot write")
	}

	oldest, ok := muxer.PeekDTS()
	if !ok {
		return NoPTS, EAF_QUEUE_EMPTY
	}
	if bound != NoPTS && oldest > bound {
		return NoPTS, EAF_OTHER
	}

	last := NoPTS
	for {
		dts, ok := muxer.PeekDTS()
		if !ok || (bound != NoPTS && dts > bound) {
			break
		}
		pkt, _ := muxer.Dequeue()
		_, err := writer.WriteAudio(muxer, pkt.DTS, pkt.Data)
		pkt.Release()
		if err != nil {
			log.Error("error writing audio packet", "dts", dts, "err", err)
			return last, e(err, "dts", dts)
		}
		last = dts
	}
	return last, nil
}
