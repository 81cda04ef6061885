package dap

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-dap"
	"github.com/tidwall/gjson"
)

const (
	maxHeaderLen  = 1024
	maxMessageLen = 64 << 20
)

var headerTerminator = []byte("\r\n\r\n")

// ErrNeedMoreData is returned by DecodeMessage when the buffer does not yet
// hold a complete message.
var ErrNeedMoreData = errors.New("need more data")

// DecodeError is a well framed message whose body could not be decoded,
// typically a request for a command the bridge does not know. Seq and
// Command are recovered from the raw body when possible so that the
// request can still be answered.
type DecodeError struct {
	Seq     int
	Type    string
	Command string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("could not decode DAP %s %q (seq %d): %v", e.Type, e.Command, e.Seq, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DecodeMessage extracts the first message from buf. It returns the message
// and the number of bytes consumed, or ErrNeedMoreData. A *FramingError
// means the stream cannot be resynchronized; a *DecodeError consumes the
// bad message and leaves the stream usable.
func DecodeMessage(buf []byte) (dap.Message, int, error) {
	end := bytes.Index(buf, headerTerminator)
	if end < 0 {
		if len(buf) > maxHeaderLen {
			return nil, 0, &FramingError{Reason: "header too long"}
		}
		return nil, 0, ErrNeedMoreData
	}
	length := -1
	for _, line := range strings.Split(string(buf[:end]), "\r\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, 0, &FramingError{Reason: fmt.Sprintf("bad header line %q", line)}
		}
		if !strings.EqualFold(strings.TrimSpace(key), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, 0, &FramingError{Reason: fmt.Sprintf("bad Content-Length %q", value)}
		}
		length = n
	}
	if length < 0 {
		return nil, 0, &FramingError{Reason: "missing Content-Length header"}
	}
	if length > maxMessageLen {
		return nil, 0, &FramingError{Reason: fmt.Sprintf("message of %d bytes exceeds limit", length)}
	}
	start := end + len(headerTerminator)
	if len(buf) < start+length {
		return nil, 0, ErrNeedMoreData
	}
	body := buf[start : start+length]
	n := start + length
	msg, err := dap.DecodeProtocolMessage(body)
	if err != nil {
		if !gjson.ValidBytes(body) {
			return nil, n, &DecodeError{Seq: -1, Err: err}
		}
		r := gjson.GetManyBytes(body, "seq", "type", "command")
		return nil, n, &DecodeError{Seq: int(r[0].Int()), Type: r[1].String(), Command: r[2].String(), Err: err}
	}
	return msg, n, nil
}

// EncodeMessage returns the wire form of msg.
func EncodeMessage(msg dap.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := dap.WriteProtocolMessage(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
