package goaudio

import (
	"fmt"
	"strings"
	"sync"

	"github.com/modern-go/gls"

	elog "github.com/eluv-io/log-go"
)

// Log is the logger of the audio pipeline. Lines logged from a goroutine that
// drives a chain carry the chain handle, and warnings and errors are copied to
// the channel registered for that chain.
var Log = &chainLog{log: elog.Get("/eluvio/audiopipe")}

type chainLog struct {
	log *elog.Log
}

func (l *chainLog) Trace(msg string, fields ...interface{}) {
	l.log.Trace(msg, chains.tag(fields)...)
}

func (l *chainLog) Debug(msg string, fields ...interface{}) {
	l.log.Debug(msg, chains.tag(fields)...)
}

func (l *chainLog) Info(msg string, fields ...interface{}) {
	l.log.Info(msg, chains.tag(fields)...)
}

func (l *chainLog) Warn(msg string, fields ...interface{}) {
	chains.capture("WARN", msg, fields)
	l.log.Warn(msg, chains.tag(fields)...)
}

func (l *chainLog) Error(msg string, fields ...interface{}) {
	chains.capture("ERROR", msg, fields)
	l.log.Error(msg, chains.tag(fields)...)
}

// chainRegistry maps goroutines to the chain they drive and chains to their
// warn/error capture channel
type chainRegistry struct {
	mu       sync.Mutex
	handles  map[int64]int32       // goroutine ID -> chain handle
	pending  map[int64]chan string // channels registered before the handle was known
	captures map[int32]chan string // chain handle -> channel
}

var chains = &chainRegistry{
	handles:  map[int64]int32{},
	pending:  map[int64]chan string{},
	captures: map[int32]chan string{},
}

func (r *chainRegistry) handle(gid int64) (int32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[gid]
	return h, ok
}

func (r *chainRegistry) tag(fields []interface{}) []interface{} {
	if h, ok := r.handle(gls.GoID()); ok {
		return append(fields, "chain", fmt.Sprintf("%08x", uint32(h)))
	}
	return fields
}

// capture sends the line to the channel of the current chain without blocking
func (r *chainRegistry) capture(level string, msg string, fields []interface{}) {
	gid := gls.GoID()
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[gid]
	if !ok {
		return
	}
	ch, ok := r.captures[h]
	if !ok {
		return
	}
	parts := make([]string, 0, len(fields)+2)
	parts = append(parts, level, msg)
	for _, f := range fields {
		parts = append(parts, fmt.Sprint(f))
	}
	select {
	case ch <- strings.Join(parts, " "):
	default:
	}
}

// AllLogMapsEmpty reports whether no goroutine, handle or channel is registered.
// It is meant for tests.
func AllLogMapsEmpty() bool {
	chains.mu.Lock()
	defer chains.mu.Unlock()
	return len(chains.handles) == 0 && len(chains.pending) == 0 && len(chains.captures) == 0
}

// AssociateGIDWithHandle marks the current goroutine as the driver of the chain
// with the given handle. Non-positive handles are ignored. A channel registered
// on this goroutine without a handle is attached to the chain.
func AssociateGIDWithHandle(handle int32) {
	if handle <= 0 {
		return
	}
	gid := gls.GoID()
	chains.mu.Lock()
	defer chains.mu.Unlock()
	chains.handles[gid] = handle
	if ch, ok := chains.pending[gid]; ok {
		delete(chains.pending, gid)
		chains.captures[handle] = ch
	}
}

// DissociateGIDFromHandle forgets the chain of the current goroutine
func DissociateGIDFromHandle() {
	gid := gls.GoID()
	chains.mu.Lock()
	delete(chains.handles, gid)
	chains.mu.Unlock()
}

// ChainEnded forgets the chain of the current goroutine and closes its capture
// channel, or the channel still waiting for a handle.
func ChainEnded() {
	gid := gls.GoID()
	chains.mu.Lock()
	defer chains.mu.Unlock()

	h, ok := chains.handles[gid]
	if !ok {
		if ch, ok := chains.pending[gid]; ok {
			delete(chains.pending, gid)
			close(ch)
		}
		return
	}
	delete(chains.handles, gid)
	if ch, ok := chains.captures[h]; ok {
		delete(chains.captures, h)
		close(ch)
	}
}

// RegisterWarnErrChanForHandle registers a channel receiving the warn and error
// lines logged for a chain. ChainEnded closes it. With a nil handle the channel
// waits on the current goroutine until AssociateGIDWithHandle is called.
func RegisterWarnErrChanForHandle(handle *int32, errChan chan string) {
	gid := gls.GoID()
	chains.mu.Lock()
	if handle == nil {
		chains.pending[gid] = errChan
		chains.mu.Unlock()
		return
	}
	chains.handles[gid] = *handle
	_, dup := chains.captures[*handle]
	chains.captures[*handle] = errChan
	chains.mu.Unlock()

	if dup {
		Log.Warn("capture channel replaced", "handle", *handle)
	}
}

// GIDHandle returns the handle of the chain driven by the current goroutine
func GIDHandle() (int32, bool) {
	return chains.handle(gls.GoID())
}
