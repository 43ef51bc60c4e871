// Package transport opens the byte streams audio sources read from: local
// files, MPEG-TS over UDP or RTP, and SRT.
package transport

import (
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/eluv-io/errors-go"
	elog "github.com/eluv-io/log-go"
)

var log = elog.Get("/eluvio/audiopipe/transport")

// DefaultIdleTimeout ends a network stream that received nothing for this long
const DefaultIdleTimeout = 5 * time.Second

// Transport opens the byte stream an audio source reads from
type Transport interface {
	Open() (io.ReadCloser, error)
	URL() string
	Handler() string
}

// New picks the transport for rawURL by its scheme. URLs without a known
// scheme are files. Network URLs take these query options:
//
//	idle_timeout_ms  end of stream after this long without data, 0 waits forever
//	rtp              1 if SRT messages carry an RTP header to strip
//	mode             listen to accept an SRT caller instead of calling
func New(rawURL string) Transport {
	switch {
	case strings.HasPrefix(rawURL, "udp://"):
		return NewUDPTransport(rawURL, false)
	case strings.HasPrefix(rawURL, "rtp://"):
		return NewUDPTransport(rawURL, true)
	case strings.HasPrefix(rawURL, "srt://"):
		return NewSRTTransport(rawURL, queryBool(rawURL, "rtp"))
	}
	return NewFileTransport(rawURL)
}

// Open opens rawURL with the transport New picks for it
func Open(rawURL string) (io.ReadCloser, error) {
	t := New(rawURL)
	rc, err := t.Open()
	if err != nil {
		return nil, errors.E("transport.Open", errors.K.IO, err, "url", rawURL, "handler", t.Handler())
	}
	log.Debug("opened input", "url", rawURL, "handler", t.Handler())
	return rc, nil
}

func query(rawURL string) url.Values {
	u, err := url.Parse(rawURL)
	if err != nil {
		return url.Values{}
	}
	return u.Query()
}

func queryBool(rawURL, key string) bool {
	v, _ := strconv.ParseBool(query(rawURL).Get(key))
	return v
}

// idleTimeout reads idle_timeout_ms, DefaultIdleTimeout if absent or invalid
func idleTimeout(rawURL string) time.Duration {
	v := query(rawURL).Get("idle_timeout_ms")
	if v == "" {
		return DefaultIdleTimeout
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		log.Warn("invalid idle_timeout_ms", "url", rawURL, "value", v)
		return DefaultIdleTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

type fileProto struct {
	Path string
}

func NewFileTransport(path string) Transport {
	return &fileProto{Path: strings.TrimPrefix(path, "file://")}
}

func (f *fileProto) URL() string {
	return f.Path
}

func (f *fileProto) Handler() string {
	return "file"
}

// Open returns the file itself, so sources needing io.Seeker can use it
func (f *fileProto) Open() (io.ReadCloser, error) {
	return os.Open(f.Path)
}
