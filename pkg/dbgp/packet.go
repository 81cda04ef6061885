// Package dbgp implements the client side of the DBGp debugger protocol:
// the framing of engine packets, the encoding of IDE commands and the XML
// documents exchanged with the engine.
package dbgp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// MaxPacketSize is the largest packet payload accepted from the engine.
const MaxPacketSize = 64 << 20

// maxLengthDigits bounds the length prefix so that garbage without a NUL
// is reported instead of being buffered forever.
const maxLengthDigits = 10

// ErrNeedMoreData is returned by DecodePacket when buf does not yet hold a
// complete packet.
var ErrNeedMoreData = errors.New("need more data")

// FramingError describes a packet that violates the DBGp framing rules.
// The connection it was read from cannot be resynchronized.
type FramingError struct {
	Reason string
	Prefix []byte
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("malformed DBGp packet: %s (near %q)", e.Reason, e.Prefix)
}

func framingError(reason string, buf []byte) error {
	if len(buf) > 32 {
		buf = buf[:32]
	}
	return &FramingError{Reason: reason, Prefix: append([]byte(nil), buf...)}
}

// DecodePacket extracts the first packet from buf. A packet is the decimal
// payload length, a NUL byte, the payload and a terminating NUL byte.
// It returns the payload and the number of bytes consumed, or
// ErrNeedMoreData if buf holds only part of a packet.
func DecodePacket(buf []byte) (payload []byte, n int, err error) {
	nul := bytes.IndexByte(buf, 0)
	if nul < 0 {
		if len(buf) > maxLengthDigits {
			return nil, 0, framingError("length prefix too long", buf)
		}
		for _, ch := range buf {
			if ch < '0' || ch > '9' {
				return nil, 0, framingError("non-numeric length prefix", buf)
			}
		}
		return nil, 0, ErrNeedMoreData
	}
	if nul == 0 || nul > maxLengthDigits {
		return nil, 0, framingError("bad length prefix", buf)
	}
	size, err := strconv.Atoi(string(buf[:nul]))
	if err != nil || size < 0 {
		return nil, 0, framingError("non-numeric length prefix", buf)
	}
	if size > MaxPacketSize {
		return nil, 0, framingError(fmt.Sprintf("packet of %d bytes exceeds limit", size), buf)
	}
	end := nul + 1 + size
	if len(buf) < end+1 {
		return nil, 0, ErrNeedMoreData
	}
	if buf[end] != 0 {
		return nil, 0, framingError("missing packet terminator", buf[end:])
	}
	return buf[nul+1 : end], end + 1, nil
}

// EncodePacket frames payload the way an engine does.
func EncodePacket(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+16)
	out = strconv.AppendInt(out, int64(len(payload)), 10)
	out = append(out, 0)
	out = append(out, payload...)
	return append(out, 0)
}
