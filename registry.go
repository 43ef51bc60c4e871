package audiopipe

import (
	"io"
	"sort"
	"sync"

	"github.com/eluv-io/errors-go"

	"github.com/eluv-io/audiopipe/goaudio"
)

// SourceFactory creates the backend of a chain head reading from in
type SourceFactory func(in io.Reader, p *goaudio.Params) (Backend, error)

// EncoderFactory creates an encoder backend
type EncoderFactory func(opts goaudio.EncoderOptions) (Backend, error)

// MuxerFactory creates a muxer backend writing to p.OutUrl
type MuxerFactory func(p *goaudio.Params) (Backend, error)

var (
	registryMu sync.RWMutex
	sources    = map[string]SourceFactory{}
	encoders   = map[string]EncoderFactory{}
	muxers     = map[string]MuxerFactory{}
)

// RegisterSource makes a source backend available for an input format.
// Backend packages call it from init.
func RegisterSource(format string, f SourceFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	sources[format] = f
}

// RegisterEncoder makes an encoder backend available under a resolved codec name.
func RegisterEncoder(name string, f EncoderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	encoders[name] = f
}

// RegisterMuxer makes a muxer backend available for an output format.
func RegisterMuxer(format string, f MuxerFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	muxers[format] = f
}

func NewSource(format string, in io.Reader, p *goaudio.Params) (Backend, error) {
	registryMu.RLock()
	f, ok := sources[format]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.E("audiopipe.NewSource", errors.K.NotExist, "reason", "no source for format", "format", format)
	}
	return f(in, p)
}

func NewEncoder(opts goaudio.EncoderOptions) (Backend, error) {
	registryMu.RLock()
	f, ok := encoders[opts.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.E("audiopipe.NewEncoder", errors.K.NotExist, "reason", "no encoder", "codec", opts.Name)
	}
	return f(opts)
}

func NewMuxer(format string, p *goaudio.Params) (Backend, error) {
	registryMu.RLock()
	f, ok := muxers[format]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.E("audiopipe.NewMuxer", errors.K.NotExist, "reason", "no muxer for format", "format", format)
	}
	return f(p)
}

// Registered lists the registered source formats, encoder names and muxer formats
func Registered() (srcs, encs, muxs []string) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for k := range sources {
		srcs = append(srcs, k)
	}
	for k := range encoders {
		encs = append(encs, k)
	}
	for k := range muxers {
		muxs = append(muxs, k)
	}
	sort.Strings(srcs)
	sort.Strings(encs)
	sort.Strings(muxs)
	return
}
