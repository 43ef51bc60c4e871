package transport

import (
	"github.com/eluv-io/errors-go"
	"github.com/pion/rtp"
)

// tsPacketSize is the size of one MPEG-TS packet
const tsPacketSize = 188

var ErrShortRTP = errors.Str("RTP packet too short")

// ParseRTPHeader decodes the RTP header at the start of data and returns it
// with its size in bytes, extension included
func ParseRTPHeader(data []byte) (*rtp.Header, int, error) {
	e := errors.Template("ParseRTPHeader", errors.K.Invalid)

	if len(data) < 12 {
		return nil, 0, e(ErrShortRTP, "size", len(data))
	}
	if v := data[0] >> 6; v != 2 {
		return nil, 0, e("reason", "unsupported RTP version", "version", v)
	}
	hdr := &rtp.Header{}
	n, err := hdr.Unmarshal(data)
	if err != nil {
		return nil, 0, e(ErrShortRTP, "size", len(data), "reason", err.Error())
	}
	return hdr, n, nil
}

// StripRTP returns the length of the RTP header of data, which must carry at
// least one MPEG-TS packet
func StripRTP(data []byte) (int, error) {
	_, n, err := ParseRTPHeader(data)
	if err != nil {
		return 0, err
	}
	if len(data) < n+tsPacketSize {
		return 0, errors.E("StripRTP", errors.K.Invalid, ErrShortRTP, "size", len(data), "header", n)
	}
	return n, nil
}
