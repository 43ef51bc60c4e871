package transport

import (
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/eluv-io/errors-go"
)

const (
	udpReadBufferSize = 4 * 1024 * 1024
	maxDatagramSize   = 1<<16 - 1
)

var _ Transport = (*udpProto)(nil)

// udpProto receives MPEG-TS in UDP datagrams, unicast or multicast, bare or
// behind an RTP header
type udpProto struct {
	Url   string
	RTP   bool
	Idle  time.Duration
	local net.Addr
}

// NewUDPTransport creates a UDP transport. With rtp the RTP header of every
// datagram is removed.
func NewUDPTransport(url string, rtp bool) Transport {
	return &udpProto{Url: url, RTP: rtp, Idle: idleTimeout(url)}
}

func (u *udpProto) URL() string {
	return u.Url
}

func (u *udpProto) Handler() string {
	if u.RTP {
		return "rtp"
	}
	return "udp"
}

func (u *udpProto) Open() (io.ReadCloser, error) {
	conn, err := listenUDP(u.Url)
	if err != nil {
		return nil, errors.E("udpProto.Open", errors.K.IO, err, "url", u.Url)
	}
	u.local = conn.LocalAddr()
	return newDatagramReader(conn, u.RTP, u.Idle), nil
}

// LocalAddr is the address the last Open listens on
func (u *udpProto) LocalAddr() net.Addr {
	return u.local
}

func listenUDP(url string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", hostPort(url))
	if err != nil {
		return nil, err
	}

	var conn *net.UDPConn
	if addr.IP.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp", nil, addr)
	} else {
		conn, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		return nil, err
	}
	if err = conn.SetReadBuffer(udpReadBufferSize); err != nil {
		log.Warn("failed to set UDP read buffer", "addr", addr, "err", err)
	}
	log.Debug("listening for audio", "addr", conn.LocalAddr(), "multicast", addr.IP.IsMulticast())
	return conn, nil
}

// hostPort strips the scheme and any query from url
func hostPort(url string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(url, "udp://"), "rtp://")
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	return s
}

type datagramConn interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// datagramReader hands out one datagram at a time. A datagram larger than the
// read buffer is returned over several reads before the next one is received.
// The stream ends with io.EOF once nothing arrived for idle, if idle is set.
type datagramReader struct {
	conn    datagramConn
	buf     []byte
	start   int
	end     int
	rtp     bool
	idle    time.Duration
	dropped int
}

func newDatagramReader(conn datagramConn, rtp bool, idle time.Duration) *datagramReader {
	return &datagramReader{conn: conn, buf: make([]byte, maxDatagramSize), rtp: rtp, idle: idle}
}

func (d *datagramReader) Read(p []byte) (int, error) {
	for d.start >= d.end {
		if err := d.receive(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.buf[d.start:d.end])
	d.start += n
	return n, nil
}

func (d *datagramReader) receive() error {
	if d.idle > 0 {
		if err := d.conn.SetReadDeadline(time.Now().Add(d.idle)); err != nil {
			return err
		}
	}
	n, _, err := d.conn.ReadFrom(d.buf)
	d.start, d.end = 0, n
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			log.Debug("input idle, ending stream", "idle", d.idle, "dropped", d.dropped)
			return io.EOF
		}
		return err
	}
	if !d.rtp {
		return nil
	}
	hdrLen, err := StripRTP(d.buf[:n])
	if err != nil {
		d.dropped++
		log.Warn("dropping datagram", "size", n, "err", err)
		d.start, d.end = 0, 0
		return nil
	}
	d.start = hdrLen
	return nil
}

func (d *datagramReader) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
