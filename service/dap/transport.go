package dap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/go-dap"
)

// Transport carries DAP messages between the editor and the bridge.
type Transport interface {
	// ReadMessage blocks until a complete message arrives. It returns a
	// *DecodeError for a message that is framed correctly but cannot be
	// decoded; the transport stays usable in that case.
	ReadMessage() (dap.Message, error)
	WriteMessage(msg dap.Message) error
	Close() error
}

type streamTransport struct {
	rwc   io.ReadWriteCloser
	inbuf []byte
	rdbuf []byte

	writeMu sync.Mutex
	w       *bufio.Writer
	closed  bool
}

// NewStreamTransport returns a transport over an editor connection.
func NewStreamTransport(rwc io.ReadWriteCloser) Transport {
	return &streamTransport{
		rwc:   rwc,
		rdbuf: make([]byte, 4096),
		w:     bufio.NewWriter(rwc),
	}
}

// NewStdioTransport returns a transport reading from in and writing to out,
// for a bridge started by the editor.
func NewStdioTransport(in io.ReadCloser, out io.WriteCloser) Transport {
	return NewStreamTransport(&stdio{in, out})
}

type stdio struct {
	io.ReadCloser
	out io.WriteCloser
}

func (s *stdio) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

func (s *stdio) Close() error {
	err := s.ReadCloser.Close()
	if err2 := s.out.Close(); err == nil {
		err = err2
	}
	return err
}

func (t *streamTransport) ReadMessage() (dap.Message, error) {
	for {
		msg, n, err := DecodeMessage(t.inbuf)
		if err == nil || !errors.Is(err, ErrNeedMoreData) {
			t.inbuf = t.inbuf[n:]
			return msg, err
		}
		m, err := t.rwc.Read(t.rdbuf)
		if m > 0 {
			t.inbuf = append(t.inbuf, t.rdbuf[:m]...)
		}
		if err != nil {
			if err == io.EOF && len(t.inbuf) > 0 {
				return nil, &FramingError{Reason: "connection closed in the middle of a message"}
			}
			return nil, err
		}
	}
}

func (t *streamTransport) WriteMessage(msg dap.Message) error {
	b, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode DAP message: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return io.ErrClosedPipe
	}
	if _, err := t.w.Write(b); err != nil {
		return fmt.Errorf("failed to write DAP message: %w", err)
	}
	if err := t.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush DAP message: %w", err)
	}
	return nil
}

func (t *streamTransport) Close() error {
	t.writeMu.Lock()
	if t.closed {
		t.writeMu.Unlock()
		return nil
	}
	t.closed = true
	t.writeMu.Unlock()
	return t.rwc.Close()
}
