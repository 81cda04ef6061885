package dbgp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/smallnest/chanx"

	"github.com/dbgpdap/dbgpdap/pkg/logflags"
)

// ErrConnClosed is returned when sending on a closed connection.
var ErrConnClosed = errors.New("DBGp connection closed")

const wireMaxLen = 120

// Conn is a connection to a DBGp engine. ReadPacket must be called from a
// single goroutine. Send may be called from any goroutine and never blocks:
// commands are queued and written in FIFO order by a dedicated writer.
type Conn struct {
	rwc   io.ReadWriteCloser
	inbuf []byte
	rdbuf []byte

	queue *chanx.UnboundedChan[*Command]
	bound int
	// backlog counts commands queued but not yet taken by the writer.
	backlog atomic.Int64

	done      chan struct{}
	flushed   chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu           sync.Mutex
	writeErr     error
	shuttingDown bool

	log logflags.Logger
}

// NewConn starts the writer for rwc. bound is the queue length above which
// backpressure is reported in the log; commands are never dropped.
func NewConn(rwc io.ReadWriteCloser, bound int) *Conn {
	if bound <= 0 {
		bound = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		rwc:     rwc,
		rdbuf:   make([]byte, 4096),
		queue:   chanx.NewUnboundedChan[*Command](ctx, bound),
		bound:   bound,
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		cancel:  cancel,
		log:     logflags.DBGpWireLogger(),
	}
	go c.writeLoop()
	return c
}

// Send queues cmd for writing.
func (c *Conn) Send(cmd *Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	if c.shuttingDown {
		return ErrConnClosed
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	n := c.backlog.Add(1)
	select {
	case c.queue.In <- cmd:
	case <-c.done:
		c.backlog.Add(-1)
		return ErrConnClosed
	}
	if n > int64(c.bound) {
		c.log.Debugf("write queue backlog: %d commands", n)
	}
	return nil
}

// Shutdown stops accepting commands and closes the connection once the
// queued ones are written, or after timeout.
func (c *Conn) Shutdown(timeout time.Duration) {
	c.mu.Lock()
	if !c.shuttingDown {
		c.shuttingDown = true
		close(c.queue.In)
	}
	c.mu.Unlock()
	go func() {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-c.flushed:
		case <-c.done:
		case <-t.C:
			c.log.Debugf("closing with %d unwritten commands", c.backlog.Load())
		}
		c.Close()
	}()
}

func (c *Conn) writeLoop() {
	for {
		select {
		case cmd, ok := <-c.queue.Out:
			if !ok {
				close(c.flushed)
				return
			}
			c.backlog.Add(-1)
			if logflags.DBGpWire() {
				c.log.Debugf("-> %s", truncate(cmd.String()))
			}
			if _, err := c.rwc.Write(cmd.Encode()); err != nil {
				c.setErr(fmt.Errorf("could not write %s command: %w", cmd.Name, err))
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// ReadPacket reads and decodes the next packet. A *FramingError or an I/O
// error means the connection is unusable; any other error only affects the
// packet that was read.
func (c *Conn) ReadPacket() (Packet, error) {
	for {
		payload, n, err := DecodePacket(c.inbuf)
		if err == nil {
			c.inbuf = c.inbuf[n:]
			if logflags.DBGpWire() {
				c.log.Debugf("<- %s", truncate(string(payload)))
			}
			return ParsePacket(payload)
		}
		if err != ErrNeedMoreData {
			return nil, err
		}
		m, err := c.rwc.Read(c.rdbuf)
		if m > 0 {
			c.inbuf = append(c.inbuf, c.rdbuf[:m]...)
		}
		if err != nil {
			if err == io.EOF && len(c.inbuf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// Close closes the connection and discards queued commands.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		err = c.rwc.Close()
	})
	return err
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	if c.writeErr == nil {
		c.writeErr = err
	}
	c.mu.Unlock()
}

func truncate(s string) string {
	if len(s) > wireMaxLen {
		return s[:wireMaxLen] + "..."
	}
	return s
}

// IsFatal reports whether err, returned by ReadPacket, leaves the
// connection unusable.
func IsFatal(err error) bool {
	var fe *FramingError
	if errors.As(err, &fe) {
		return true
	}
	var ne net.Error
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.As(err, &ne) || errors.Is(err, ErrConnClosed)
}

// Accept waits up to timeout for an engine to connect to l.
func Accept(ctx context.Context, l net.Listener, timeout time.Duration) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.Accept()
		ch <- result{conn, err}
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-t.C:
		l.Close()
		return nil, fmt.Errorf("runtime did not connect to %s within %v", l.Addr(), timeout)
	case <-ctx.Done():
		l.Close()
		return nil, ctx.Err()
	}
}

// Dial connects to an engine listening on addr, retrying with exponential
// backoff until timeout elapses.
func Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMultiplier(1.5),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(timeout),
	)
	var d net.Dialer
	var conn net.Conn
	err := backoff.Retry(func() error {
		var err error
		conn, err = d.DialContext(ctx, "tcp", addr)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("could not connect to runtime at %s: %w", addr, err)
	}
	return conn, nil
}
