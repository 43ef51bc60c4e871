package audiopipe

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/eluv-io/errors-go"
	"go.uber.org/atomic"

	"github.com/eluv-io/audiopipe/goaudio"
)

var handleSeq = atomic.NewInt32(0)

// maxStalledFlushPasses bounds the passes Flush makes while the encoder answers
// EAF_AGAIN without the chain moving
const maxStalledFlushPasses = 16

// Session drives one chain from its source to its muxer. It is not safe for
// concurrent use: the goroutine that creates a session drives it, and its logs
// are tagged with the session handle.
type Session struct {
	Handle int32

	params *goaudio.Params
	head   *Filter
	enc    *Filter
	muxer  *Filter
	stats  *Stats

	step    int64 // pass length in the head time base
	bound   int64 // demux bound of the last pass
	srcDone  bool
	flushed  bool
	encAgain bool // the last Encode asked for its frame again

	stopOnce sync.Once
	closeCh  chan struct{}
	closed   bool
}

// NewSession opens the source, encoder and muxer described by p. The source
// reads from in.
func NewSession(p *goaudio.Params, in io.Reader) (s *Session, err error) {
	e := errors.Template("audiopipe.NewSession", errors.K.Invalid)

	if p == nil {
		return nil, e("reason", "params not set")
	}
	if err = p.Validate(); err != nil {
		return nil, e(err)
	}

	s = &Session{
		Handle:  handleSeq.Inc(),
		params:  p,
		stats:   NewStats(),
		bound:   NoPTS,
		closeCh: make(chan struct{}),
	}
	goaudio.AssociateGIDWithHandle(s.Handle)
	defer func() {
		if err != nil {
			s.Close()
			s = nil
		}
	}()

	src, err := NewSource(p.InputFormat(), in, p)
	if err != nil {
		return s, e(err)
	}
	s.head, err = OpenDecoder(src, p.Track, p.Copy)
	if err != nil {
		return s, e(err)
	}
	if p.SeekMs >= 0 {
		s.head.SeekDTS = FromMillis(p.SeekMs, s.head.TimeBase)
	}

	opts := p.EncoderOptions()
	encBackend, err := NewEncoder(opts)
	if err != nil {
		return s, e(err)
	}
	s.enc, err = OpenEncoder(s.head, encBackend, opts)
	if err != nil {
		return s, e(err)
	}

	muxBackend, err := NewMuxer(p.OutFormat, p)
	if err != nil {
		return s, e(err)
	}
	s.muxer, err = OpenMuxer(s.head, muxBackend)
	if err != nil {
		return s, e(err)
	}

	s.step = FromMillis(p.StepMs, s.head.TimeBase)
	if s.step <= 0 {
		s.step = 1
	}
	log.Info("audio session opened", "url", p.Url, "ecodec", opts.Name, "out_url", p.OutUrl,
		"out_format", p.OutFormat, "time_base", s.head.TimeBase.String())
	return s, nil
}

func (s *Session) Head() *Filter {
	return s.head
}

func (s *Session) Muxer() *Filter {
	return s.muxer
}

func (s *Session) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}

// Done reports whether the source has ended and the chain holds no more data
func (s *Session) Done() bool {
	return s.srcDone && s.flushed
}

// Step runs one pass over the chain. It demuxes packets until one reaches bound,
// then decodes, encodes and writes every packet up to bound. NoPTS means no
// bound: the pass runs until the queues block or the source ends.
// Backpressure ends a pass early; the next pass resumes where it stopped.
func (s *Session) Step(bound int64) error {
	e := errors.Template("audiopipe.Session.Step", errors.K.Invalid, "bound", bound)
	s.stats.Steps.Inc()

	for s.head.External && !s.head.QueueFull() {
		before := s.head.QueueLen()
		dts, err := Demux(s.head)
		switch StatusOf(err) {
		case StatusOK:
		case StatusQueueFull:
			s.stats.QueueFullEvents.Inc()
		case StatusOther:
			s.srcDone = true
		default:
			return e(err)
		}
		if s.head.QueueLen() > before {
			s.stats.PacketsDemuxed.Inc()
		}
		if err != nil || (bound != NoPTS && dts >= bound) {
			break
		}
	}
	if !s.head.External {
		s.srcDone = true
	}

	muxBound := bound
	if bound != NoPTS {
		muxBound = Rescale(bound, s.head.TimeBase, s.muxer.TimeBase)
	}
	for {
		decoded, derr := DecodeMain(s.head)
		if fatal(derr) {
			return e(derr)
		}
		s.stats.UnitsDecoded.Add(uint64(decoded))

		pending := s.enc.QueueLen()
		encoded, eerr := Encode(s.head)
		consumed := pending - s.enc.QueueLen()
		if fatal(eerr) {
			return e(eerr)
		}
		s.encAgain = StatusOf(eerr) == StatusAgain
		s.stats.BytesEncoded.Add(uint64(encoded))

		written, werr := s.write(muxBound)
		if fatal(werr) {
			return e(werr)
		}

		dfull := StatusOf(derr) == StatusQueueFull
		efull := StatusOf(eerr) == StatusQueueFull
		if dfull || efull {
			s.stats.QueueFullEvents.Inc()
		}
		if !dfull && !efull {
			break
		}
		if decoded == 0 && consumed <= 0 && written == 0 {
			// blocked on the write bound
			break
		}
	}
	return nil
}

// write drains the muxer queue up to bound and returns the number of packets written
func (s *Session) write(bound int64) (int, error) {
	before := s.muxer.QueueLen()
	last, err := Write(s.muxer, bound)
	written := before - s.muxer.QueueLen()
	if written > 0 {
		s.stats.PacketsWritten.Add(uint64(written))
		if last != NoPTS {
			s.stats.LastWrittenDTS.Store(last)
		}
	}
	return written, err
}

// Flush drains the chain once the source has ended: it encodes the buffered
// tail of the stream and writes every queued packet.
func (s *Session) Flush() error {
	e := errors.Template("audiopipe.Session.Flush", errors.K.Invalid)
	if s.flushed {
		return nil
	}
	stalled := 0
	for !s.drained() {
		before := s.progress()
		if err := s.Step(NoPTS); err != nil {
			return e(err)
		}
		if s.srcDone && s.progress() == before {
			if s.encAgain && stalled < maxStalledFlushPasses {
				stalled++
				continue
			}
			if !s.drained() {
				log.Warn("audio chain not drained at end of stream", "queued", s.head.QueueLen())
			}
			break
		}
		stalled = 0
	}
	n, err := FlushEncoder(s.head)
	for i := 0; err == EAF_AGAIN && i < maxStalledFlushPasses; i++ {
		n, err = FlushEncoder(s.head)
	}
	if err == EAF_AGAIN {
		log.Warn("audio encoder did not take the last frame", "buffered", EncodeStateOf(s.head).Buffered())
		err = nil
	}
	if err != nil {
		return e(err)
	}
	s.stats.BytesEncoded.Add(uint64(n))
	if _, err = s.write(NoPTS); fatal(err) {
		return e(err)
	}
	s.flushed = true
	return nil
}

// drained reports whether the source has ended and every queue before the muxer is empty
func (s *Session) drained() bool {
	if !s.srcDone {
		return false
	}
	for f := s.head; f != nil; f = f.next {
		if f.QueueLen() > 0 || f.HasPendingInput() {
			return false
		}
	}
	if st := s.head.encState; st != nil && s.enc.FrameSize > 0 && st.pos >= s.enc.FrameSize {
		return false
	}
	return s.muxer.QueueLen() == 0
}

// progress sums the counters that move when any stage does work
func (s *Session) progress() uint64 {
	return s.stats.PacketsDemuxed.Load() + s.stats.UnitsDecoded.Load() +
		s.stats.BytesEncoded.Load() + s.stats.PacketsWritten.Load() + uint64(s.enc.QueueLen())
}

// Run drives the session to the end of its source in passes of step_ms.
func (s *Session) Run() error {
	if s.params.StatsIntervalSec > 0 {
		s.StartReportingStats(time.Duration(s.params.StatsIntervalSec) * time.Second)
	}
	for !s.srcDone {
		if err := s.Step(s.nextBound()); err != nil {
			log.Error("audio session failed", "url", s.params.Url, "err", err)
			return err
		}
	}
	if err := s.Flush(); err != nil {
		log.Error("audio session failed to flush", "url", s.params.Url, "err", err)
		return err
	}
	st := s.stats.Snapshot()
	log.Info("audio session done", "url", s.params.Url, "demuxed", st.PacketsDemuxed,
		"written", st.PacketsWritten, "last_dts", st.LastWrittenDTS)
	return nil
}

// nextBound moves the bound forward by one step once the first packet is known
func (s *Session) nextBound() int64 {
	if s.head.FirstDTS == NoPTS {
		return NoPTS
	}
	if s.bound == NoPTS {
		s.bound = s.head.FirstDTS
	}
	s.bound += s.step
	return s.bound
}

// StartReportingStats periodically logs the session stats until Stop is called
func (s *Session) StartReportingStats(interval time.Duration) {
	handle := s.Handle
	go func() {
		goaudio.AssociateGIDWithHandle(handle)
		defer goaudio.DissociateGIDFromHandle()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				v, _ := json.Marshal(s.stats.Snapshot())
				log.Debug("audio session stats", "stats", string(v))
			case <-s.closeCh:
				return
			}
		}
	}()
}

// Stop ends stats reporting. It is idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.closeCh)
	})
}

// Close stops the session and closes the chain and the muxer. It returns the
// first close error.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.Stop()

	var first error
	if s.head != nil {
		first = CloseChain(s.head)
	}
	if err := CloseMuxer(s.muxer); err != nil && first == nil {
		first = err
	}
	goaudio.ChainEnded()
	return first
}

// fatal reports whether err is neither nil nor a flow control status
func fatal(err error) bool {
	return err != nil && !IsTransient(err)
}
