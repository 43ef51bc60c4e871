package audiopipe

import (
	"github.com/eluv-io/errors-go"
)

// maxEncodeRetries bounds how often one frame is resubmitted to an encoder
// returning EAF_AGAIN within one call. The frame stays buffered and the next
// call starts over.
const maxEncodeRetries = 8

// EncodeState is the accumulation buffer of the encoder of a chain. It is owned
// by the head stage and created on the first call to Encode.
type EncodeState struct {
	samples []byte
	pos     int   // bytes buffered in samples
	out     []byte
	dts     int64 // timestamp of the next encoded packet
}

// Buffered is the number of raw bytes waiting for a complete frame
func (s *EncodeState) Buffered() int {
	return s.pos
}

// NextDTS is the timestamp the next encoded frame will get
func (s *EncodeState) NextDTS() int64 {
	return s.dts
}

// compact moves the bytes after consumed to the front of the buffer
func (s *EncodeState) compact(consumed int) {
	if consumed == 0 {
		return
	}
	s.pos = copy(s.samples, s.samples[consumed:s.pos])
}

// EncodeStateOf returns the accumulation state of the chain of head, nil before the first Encode
func EncodeStateOf(head *Filter) *EncodeState {
	return head.encState
}

// Encode drains the input queue of the encoder of the chain of head, encodes
// every complete frame and queues the encoded packets on the muxer stage.
// Incomplete trailing data stays buffered for the next call.
//
// It returns the number of encoded bytes produced, with EAF_QUEUE_FULL if the
// muxer queue is full. Encoding stops before producing a packet the muxer queue
// cannot take. If the encoder keeps answering EAF_AGAIN, Encode returns
// EAF_AGAIN with the frame still buffered and no further input dequeued.
func Encode(head *Filter) (int, error) {
	e := errors.Template("audiopipe.Encode", errors.K.Invalid)

	if head == nil || head.Enc == nil {
		return 0, e("reason", "chain has no encoder")
	}
	enc := head.Enc
	if enc.Muxer == nil {
		return 0, e("reason", "encoder has no muxer")
	}
	encoder, ok := enc.Backend.(Encoder)
	if !ok {
		return 0, e("reason", "stage cannot encode")
	}

	st := head.encState
	if st == nil {
		st = newEncodeState(head, enc)
		head.encState = st
	}

	total := 0
	for {
		if enc.FrameSize > 0 {
			n, err := encodeBuffered(encoder, enc, st)
			total += n
			if err != nil {
				return total, err
			}
			if st.pos >= enc.FrameSize {
				return total, EAF_AGAIN
			}
		} else if enc.Muxer.QueueFull() {
			return total, EAF_QUEUE_FULL
		}

		pkt, ok := enc.Dequeue()
		if !ok {
			break
		}

		if enc.FrameSize == 0 {
			n, err := encodeFrame(encoder, enc, st.out, pkt.Data)
			if err == EAF_AGAIN {
				enc.queue.pushFront(pkt)
				return total, err
			}
			dts := pkt.DTS
			pkt.Release()
			if err != nil {
				return total, err
			}
			if n <= 0 {
				continue
			}
			total += n
			if err = queueEncoded(enc, st.out[:n], dts); err != nil {
				return total, err
			}
			continue
		}

		if st.pos+len(pkt.Data) > len(st.samples) {
			size := len(pkt.Data)
			pkt.Release()
			log.Error("audio encode buffer overflow", "buffered", st.pos, "packet", size, "capacity", len(st.samples))
			return total, e(EAF_ERROR, "reason", "samples buffer overflow",
				"buffered", st.pos, "packet", size, "capacity", len(st.samples))
		}
		st.pos += copy(st.samples[st.pos:], pkt.Data)
		pkt.Release()
	}
	return total, nil
}

// encodeBuffered encodes every complete frame of the accumulation buffer
func encodeBuffered(encoder Encoder, enc *Filter, st *EncodeState) (int, error) {
	total := 0
	consumed := 0
	defer func() {
		st.compact(consumed)
	}()
	for st.pos-consumed >= enc.FrameSize {
		if enc.Muxer.QueueFull() {
			return total, EAF_QUEUE_FULL
		}
		n, err := encodeFrame(encoder, enc, st.out, st.samples[consumed:consumed+enc.FrameSize])
		if err == EAF_AGAIN {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		consumed += enc.FrameSize
		dts := st.dts
		st.dts += enc.FrameLen
		if n <= 0 {
			// frame taken without output yet
			continue
		}
		total += n
		if err = queueEncoded(enc, st.out[:n], dts); err != nil {
			return total, err
		}
	}
	return total, nil
}

// queueEncoded hands an encoded packet to the muxer stage. The muxer queue was
// checked for room, and a packet below the muxer seek floor is dropped there.
func queueEncoded(enc *Filter, data []byte, dts int64) error {
	err := enc.Muxer.Enqueue(data, dts)
	switch err {
	case nil, EAF_QUEUE_FULL:
		// a full queue still stores the packet
		return nil
	case EAF_AGAIN:
		log.Debug("encoded packet below the muxer seek floor", "dts", dts)
		return nil
	}
	return err
}

func newEncodeState(head, enc *Filter) *EncodeState {
	upstream := head
	for upstream.next != nil && upstream.next != enc {
		upstream = upstream.next
	}
	inMax := upstream.MaxDecodeBytes()

	st := &EncodeState{
		samples: make([]byte, enc.FrameSize+inMax),
		out:     make([]byte, enc.FrameSize+inMax),
		dts:     enc.FrameLen,
	}
	if head.FirstDTS != NoPTS {
		st.dts = Rescale(head.FirstDTS, head.TimeBase, enc.TimeBase)
	}
	return st
}

// encodeFrame runs one encode call, resubmitting the frame while the encoder asks for it
func encodeFrame(encoder Encoder, enc *Filter, out, in []byte) (int, error) {
	for i := 0; i < maxEncodeRetries; i++ {
		n, err := encoder.Encode(enc, out, in)
		if err == nil {
			if n > len(out) {
				return 0, errors.E("audiopipe.Encode", errors.K.Invalid, EAF_BUFFER_TOO_SMALL, "n", n, "buf", len(out))
			}
			return n, nil
		}
		if StatusOf(err) != StatusAgain {
			log.Error("error encoding audio", "codec", enc.Info.CodecName, "err", err)
			return 0, errors.E("audiopipe.Encode", errors.K.Invalid, err, "reason", "encode failed")
		}
	}
	log.Debug("audio encoder kept asking for the same frame", "codec", enc.Info.CodecName, "retries", maxEncodeRetries)
	return 0, EAF_AGAIN
}

// FlushEncoder encodes the samples still buffered for the encoder of head as a
// last frame padded with silence. It returns the number of encoded bytes, or
// EAF_AGAIN with the samples kept if the encoder asks for the frame again.
func FlushEncoder(head *Filter) (int, error) {
	if head == nil || head.Enc == nil || head.encState == nil {
		return 0, nil
	}
	enc := head.Enc
	st := head.encState
	if enc.FrameSize == 0 || st.pos == 0 {
		return 0, nil
	}
	encoder, ok := enc.Backend.(Encoder)
	if !ok || enc.Muxer == nil {
		return 0, errors.E("audiopipe.FlushEncoder", errors.K.Invalid, "reason", "chain cannot encode")
	}

	for i := st.pos; i < enc.FrameSize; i++ {
		st.samples[i] = 0
	}
	log.Debug("flushing audio encoder", "buffered", st.pos, "frame_size", enc.FrameSize)
	n, err := encodeFrame(encoder, enc, st.out, st.samples[:enc.FrameSize])
	if err == EAF_AGAIN {
		return 0, err
	}
	st.pos = 0
	if err != nil || n <= 0 {
		return 0, err
	}
	dts := st.dts
	st.dts += enc.FrameLen
	return n, queueEncoded(enc, st.out[:n], dts)
}
