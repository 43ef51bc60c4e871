package transport

import (
	"io"
	"strings"

	"github.com/datarhei/gosrt"
	"github.com/eluv-io/errors-go"
)

var _ Transport = (*srtProto)(nil)

// srtProto pulls MPEG-TS from an SRT server, or with mode=listen in the URL
// waits for one publishing caller
type srtProto struct {
	Url string
	RTP bool
}

// NewSRTTransport creates an SRT transport. With rtp the RTP header of every
// message is removed.
func NewSRTTransport(url string, rtp bool) Transport {
	return &srtProto{Url: url, RTP: rtp}
}

func (s *srtProto) URL() string {
	return s.Url
}

func (s *srtProto) Handler() string {
	return "srt"
}

func (s *srtProto) listen() bool {
	return query(s.Url).Get("mode") == "listener" || query(s.Url).Get("mode") == "listen"
}

func (s *srtProto) Open() (io.ReadCloser, error) {
	e := errors.Template("srtProto.Open", errors.K.IO, "url", s.Url)

	cfg := srt.DefaultConfig()
	addr, err := cfg.UnmarshalURL(s.Url)
	if err != nil {
		return nil, e(err, errors.K.Invalid)
	}
	// one TS payload per message
	cfg.MessageAPI = true

	var conn srt.Conn
	if s.listen() {
		conn, err = acceptPublisher(addr, cfg)
	} else {
		conn, err = srt.Dial("srt", addr, cfg)
	}
	if err != nil {
		return nil, e(err)
	}
	if s.RTP {
		return &srtRTPReader{conn: conn}, nil
	}
	return conn, nil
}

// acceptPublisher waits for the first caller that publishes. Subscribers and
// callers with a wrong passphrase are rejected.
func acceptPublisher(addr string, cfg srt.Config) (srt.Conn, error) {
	ln, err := srt.Listen("srt", addr, cfg)
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	for {
		req, err := ln.Accept2()
		if err != nil {
			return nil, err
		}
		streamId := req.StreamId()
		if req.Version() > 4 && strings.Contains(streamId, "subscribe") {
			log.Warn("rejecting srt subscriber", "remote", req.RemoteAddr(), "stream_id", streamId)
			req.Reject(srt.REJX_BAD_MODE)
			continue
		}
		if cfg.Passphrase != "" {
			if err = req.SetPassphrase(cfg.Passphrase); err != nil {
				log.Warn("rejecting srt caller", "remote", req.RemoteAddr(), "err", err)
				req.Reject(srt.REJX_UNAUTHORIZED)
				continue
			}
		}
		log.Debug("srt publisher", "remote", req.RemoteAddr(), "srt_version", req.Version(), "stream_id", streamId)
		return req.Accept()
	}
}

// srtRTPReader removes the RTP header from every SRT message. Messages that
// do not carry a valid header are dropped.
type srtRTPReader struct {
	conn srt.Conn
}

func (r *srtRTPReader) Read(p []byte) (int, error) {
	for {
		n, err := r.conn.Read(p)
		if n <= 0 {
			return n, err
		}
		hdrLen, perr := StripRTP(p[:n])
		if perr != nil {
			log.Warn("dropping srt message", "size", n, "err", perr)
			if err != nil {
				return 0, err
			}
			continue
		}
		return copy(p, p[hdrLen:n]), err
	}
}

func (r *srtRTPReader) Close() error {
	return r.conn.Close()
}
