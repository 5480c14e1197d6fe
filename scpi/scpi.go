// Package scpi speaks the newline-terminated command protocol used by
// DP832-class programmable power supplies, over TCP or a serial port.
//
// Conn provides the raw send/query primitives. Device layers channel
// selection, trace logging, and the typed command vocabulary on top.
package scpi

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds a single query's read phase.
	DefaultTimeout = 1 * time.Second

	dialTimeout   = 5 * time.Second
	readChunkSize = 64
)

// ErrClosed reports that the device closed the connection mid-exchange.
var ErrClosed = errors.New("scpi: connection closed")

// readDeadliner is the optional deadline support a stream may offer.
// net.Conn has it natively; the serial adapter implements it; anything
// else simply blocks without a timeout escape.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Conn is a single protocol connection. Conn itself is not safe for
// concurrent use; callers that share one Conn across goroutines must
// serialize whole exchanges (see Device).
type Conn struct {
	rw      io.ReadWriteCloser
	timeout time.Duration
}

// Dial connects to a device over TCP. addr is host:port.
func Dial(addr string) (*Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("scpi: dial %s: %w", addr, err)
	}
	return NewConn(conn), nil
}

// NewConn wraps an already-open stream. If the stream supports read
// deadlines they bound each query; otherwise queries rely on the device
// always answering.
func NewConn(rw io.ReadWriteCloser) *Conn {
	return &Conn{rw: rw, timeout: DefaultTimeout}
}

// SetTimeout changes the per-query read timeout from DefaultTimeout.
func (c *Conn) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Send writes one command terminated by a newline.
func (c *Conn) Send(cmd string) error {
	if _, err := io.WriteString(c.rw, cmd+"\n"); err != nil {
		return fmt.Errorf("scpi: send %q: %w", cmd, err)
	}
	return nil
}

// Query sends a command and reads its single-line response, bounded by
// the connection's timeout.
func (c *Conn) Query(cmd string) (string, error) {
	return c.QueryTimeout(cmd, c.timeout)
}

// QueryTimeout sends a command and reads until a newline arrives or the
// timeout elapses. On timeout it returns whatever bytes accumulated,
// trimmed of surrounding whitespace — possibly an empty string. The
// response never spans two commands; callers must not interleave
// queries on one Conn.
func (c *Conn) QueryTimeout(cmd string, timeout time.Duration) (string, error) {
	if err := c.Send(cmd); err != nil {
		return "", err
	}

	c.setReadDeadline(time.Now().Add(timeout))

	var resp []byte
	buf := make([]byte, readChunkSize)
	for {
		n, err := c.rw.Read(buf)
		if n > 0 {
			resp = append(resp, buf[:n]...)
			if resp[len(resp)-1] == '\n' {
				break
			}
		}
		if err != nil {
			if isTimeout(err) {
				break
			}
			if errors.Is(err, io.EOF) {
				return strings.TrimSpace(string(resp)), ErrClosed
			}
			return strings.TrimSpace(string(resp)), fmt.Errorf("scpi: read: %w", err)
		}
		if n == 0 {
			break
		}
	}

	return strings.TrimSpace(string(resp)), nil
}

// Drain discards whatever is sitting unread in the receive buffer,
// reading under a short deadline so it never blocks past timeout.
// Returns the number of bytes thrown away. Used before a sensitive
// exchange to stop a stale response bleeding into the next query.
func (c *Conn) Drain(timeout time.Duration) int {
	c.setReadDeadline(time.Now().Add(timeout))

	discarded := 0
	buf := make([]byte, readChunkSize)
	for {
		n, err := c.rw.Read(buf)
		discarded += n
		if err != nil || n == 0 {
			return discarded
		}
	}
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rw.Close()
}

func (c *Conn) setReadDeadline(t time.Time) {
	if d, ok := c.rw.(readDeadliner); ok {
		_ = d.SetReadDeadline(t)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
