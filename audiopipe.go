/*
Package audiopipe drives audio through a chain of stages: a decoder, optional transforms and
an encoder, feeding a muxer. Stages exchange packets through bounded queues and signal
backpressure with EAF_QUEUE_FULL. All calls are synchronous; an orchestrator (see Session)
re-invokes the drivers until the chain drains.

A stage implementation (backend) implements Backend plus the subset of these interfaces its
role needs:

 1. TrackOpener and Demuxer: a source that owns its input and produces compressed packets.

 2. Decoder: turns queued input packets into raw data for the next stage.

 3. EncoderOpener and Encoder: turns frames of raw data into compressed packets.

 4. MuxerOpener and Writer: receives encoded packets for the output container.
*/
package audiopipe

import (
	"github.com/eluv-io/errors-go"

	"github.com/eluv-io/audiopipe/goaudio"
)

var log = goaudio.Log

// NoPTS marks an unset timestamp
const NoPTS = goaudio.NoPTS

type FilterKind int

const (
	FilterNone FilterKind = iota
	FilterDecoder
	FilterEncoder
	FilterTransform
)

func (k FilterKind) String() string {
	switch k {
	case FilterDecoder:
		return "decoder"
	case FilterEncoder:
		return "encoder"
	case FilterTransform:
		return "transform"
	}
	return "none"
}

// AudioInfo describes the data a stage produces
type AudioInfo struct {
	CodecName  string
	SampleRate int
	Channels   int
	SampleSize int // bytes per sample of raw output
	Extradata  []byte
	Bitrate    int
}

// FrameBytes is the size of frameSamples samples for all channels
func (i AudioInfo) FrameBytes(frameSamples int) int {
	return frameSamples * i.Channels * i.SampleSize
}

// Backend is implemented by every stage. Close must release codec state; the
// queue of the stage is drained by the caller.
type Backend interface {
	Close(f *Filter) error
}

// TrackOpener opens a track of the source behind f and fills in f.Info and f.TimeBase.
// track is a track index or goaudio.TrackAny. It returns the opened track index.
type TrackOpener interface {
	OpenTrack(f *Filter, track int, copy bool) (int, error)
}

// Demuxer reads the next packet of any track from the source behind f.
// io.EOF ends the stream.
type Demuxer interface {
	Demux(f *Filter) (pkt *Packet, track int, err error)
}

// Decoder writes the next decoded unit into out and returns its size. It returns
// EAF_AGAIN when it consumed input without producing output and EAF_QUEUE_EMPTY
// when there is no input left. A decoder pulls input with Filter.NextInput only
// once the current input is used up, so that Filter.InputDTS stays valid for the
// unit it returns.
type Decoder interface {
	Decode(f *Filter, out []byte) (int, error)
}

// EncoderOpener configures the encoder stage enc fed by upstream.
type EncoderOpener interface {
	OpenEncoder(enc *Filter, upstream *Filter, opts goaudio.EncoderOptions) error
}

// Encoder encodes in, exactly one frame, into out. EAF_AGAIN asks for the same
// frame to be submitted again.
type Encoder interface {
	Encode(f *Filter, out, in []byte) (int, error)
}

// MuxerOpener validates and prepares the output for the stream of enc.
type MuxerOpener interface {
	OpenMuxer(muxer *Filter, enc *Filter) error
}

// Writer receives encoded packets. dts is in the time base of the muxer stage.
type Writer interface {
	WriteAudio(muxer *Filter, dts int64, data []byte) (int, error)
}

// Filter is one stage of an audio chain
type Filter struct {
	Kind      FilterKind
	Info      AudioInfo
	TimeBase  Rational
	FrameSize int   // bytes per encode unit, 0 if every packet is its own unit
	FrameLen  int64 // duration of one frame in TimeBase
	SeekDTS   int64 // packets below it are dropped, NoPTS if unset
	FirstDTS  int64 // first packet accepted from the source, NoPTS if none yet
	External  bool  // the stage demuxes its own source
	Copy      bool
	Track     int

	Enc     *Filter // encoder of the chain
	Muxer   *Filter
	Backend Backend
	Opaque  interface{}

	next *Filter
	last *Filter

	queue     packetQueue
	cur       *Packet // input packet being decoded
	curOff    int
	decodeBuf []byte
	encState  *EncodeState
	closed    bool
}

// NewFilter allocates an unlinked stage
func NewFilter(kind FilterKind, backend Backend) *Filter {
	return &Filter{
		Kind:     kind,
		SeekDTS:  NoPTS,
		FirstDTS: NoPTS,
		Track:    goaudio.TrackNone,
		Backend:  backend,
	}
}

func (f *Filter) Next() *Filter {
	return f.next
}

// Last returns the tail of the chain f belongs to
func (f *Filter) Last() *Filter {
	return f.last
}

// SetFrameSamples sets FrameSize and FrameLen for frames of n samples per channel.
// Info and TimeBase must be set.
func (f *Filter) SetFrameSamples(n int) {
	f.FrameSize = f.Info.FrameBytes(n)
	f.FrameLen = FrameDuration(n, f.Info.SampleRate, f.TimeBase)
}

// MaxDecodeBytes is the largest unit a decoder stage may produce in one call
func (f *Filter) MaxDecodeBytes() int {
	ch := f.Info.Channels
	if ch <= 0 {
		ch = 1
	}
	ss := f.Info.SampleSize
	if ss <= 0 {
		ss = 2
	}
	return goaudio.MaxFrameSamples * ch * ss
}

// close drains the queue and releases the backend. It is idempotent.
func (f *Filter) close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.Flush()
	f.releaseInput()
	f.decodeBuf = nil
	f.encState = nil
	if f.Backend == nil {
		return nil
	}
	return f.Backend.Close(f)
}

// OpenDecoder creates the head of a chain on the given track of a source backend.
// The backend must implement TrackOpener. A backend that also implements Demuxer
// owns its input and the stage is marked External.
func OpenDecoder(backend Backend, track int, copy bool) (*Filter, error) {
	e := errors.Template("audiopipe.OpenDecoder", errors.K.Invalid, "track", track)

	opener, ok := backend.(TrackOpener)
	if !ok {
		return nil, e("reason", "backend cannot open tracks")
	}
	f := NewFilter(FilterDecoder, backend)
	f.Copy = copy
	_, f.External = backend.(Demuxer)

	idx, err := opener.OpenTrack(f, track, copy)
	if err != nil {
		log.Error("failed to open audio track", "track", track, "err", err)
		_ = f.close()
		return nil, e(err)
	}
	if !f.TimeBase.Valid() {
		_ = f.close()
		return nil, e("reason", "invalid time base", "time_base", f.TimeBase.String())
	}
	f.Track = idx

	log.Info("opened track", "track", idx, "codec", f.Info.CodecName,
		"sample_rate", f.Info.SampleRate, "channels", f.Info.Channels, "copy", copy)
	return f, nil
}

// OpenEncoder creates the encoder stage and appends it to the chain of head.
func OpenEncoder(head *Filter, backend Backend, opts goaudio.EncoderOptions) (*Filter, error) {
	e := errors.Template("audiopipe.OpenEncoder", errors.K.Invalid, "codec", opts.Name)

	if head == nil {
		return nil, e("reason", "no chain")
	}
	if head.Enc != nil {
		return nil, e(EAF_CHAIN_TERMINATED, "reason", "chain already has an encoder")
	}
	if _, ok := backend.(Encoder); !ok {
		return nil, e("reason", "backend cannot encode")
	}
	upstream := head
	if head.last != nil {
		upstream = head.last
	}

	enc := NewFilter(FilterEncoder, backend)
	enc.TimeBase = upstream.TimeBase
	enc.Copy = head.Copy
	enc.Info = upstream.Info

	if opener, ok := backend.(EncoderOpener); ok {
		if err := opener.OpenEncoder(enc, upstream, opts); err != nil {
			log.Error("failed to open audio encoder", "codec", opts.Name, "err", err)
			_ = enc.close()
			return nil, e(err)
		}
	}
	if enc.FrameSize < 0 {
		_ = enc.close()
		return nil, e("reason", "invalid frame size", "frame_size", enc.FrameSize)
	}
	if enc.FrameSize > 0 && enc.FrameLen <= 0 {
		_ = enc.close()
		return nil, e("reason", "frame duration unknown", "frame_size", enc.FrameSize)
	}

	if _, err := PushFilter(head, enc); err != nil {
		_ = enc.close()
		return nil, e(err)
	}
	for n := head; n != nil; n = n.next {
		n.Enc = enc
	}

	log.Info("opened audio encoder", "codec", enc.Info.CodecName, "frame_size", enc.FrameSize,
		"frame_len", enc.FrameLen, "bitrate", enc.Info.Bitrate)
	return enc, nil
}

// OpenMuxer creates the muxer stage receiving the packets of the encoder of head.
// The muxer stage runs in the encoder time base. It is not part of the chain and
// is closed with CloseMuxer.
func OpenMuxer(head *Filter, backend Backend) (*Filter, error) {
	e := errors.Template("audiopipe.OpenMuxer", errors.K.Invalid)

	if head == nil || head.Enc == nil {
		return nil, e("reason", "chain has no encoder")
	}
	if _, ok := backend.(Writer); !ok {
		return nil, e("reason", "backend cannot write")
	}
	enc := head.Enc

	muxer := NewFilter(FilterNone, backend)
	muxer.TimeBase = enc.TimeBase
	muxer.Info = enc.Info
	muxer.FrameLen = enc.FrameLen

	if opener, ok := backend.(MuxerOpener); ok {
		if err := opener.OpenMuxer(muxer, enc); err != nil {
			log.Error("failed to open audio muxer", "codec", enc.Info.CodecName, "err", err)
			_ = muxer.close()
			return nil, e(err)
		}
	}

	for n := head; n != nil; n = n.next {
		n.Muxer = muxer
	}
	return muxer, nil
}

// CloseMuxer drains and closes the muxer stage.
func CloseMuxer(muxer *Filter) error {
	if muxer == nil {
		return nil
	}
	return muxer.close()
}
