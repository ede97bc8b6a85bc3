// Package transport implements the socket layer of the uplink: one TCP
// connection to one aggregator endpoint, and the write-then-read exchange
// performed on it.
//
// The aggregator protocol is a single text line terminated by '\r'. The remote
// may answer with a short acknowledgement or not at all, so the read after the
// write is best-effort: a read timeout yields an empty response, not an error.
//
//	Exchange:  write(payload + "\r") ──► read(up to ReadTimeout) ──► trim ──► response ("" allowed)
//
// There are no retries at this layer; the delivery package owns retry policy.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"gps-uplink/endpoint"
)

// Terminator is appended to every outbound message.
const Terminator = "\r"

const (
	readBufferSize = 4096
	maxDrainReads  = 16
)

// Options bounds every blocking call on a socket.
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration // Wait for a response after the write
	WriteTimeout   time.Duration
	KeepAlive      time.Duration // TCP keep-alive period; 0 uses the OS default
	ProbeWait      time.Duration // How long Alive waits for a pending EOF or reset
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    2 * time.Second,
		WriteTimeout:   2 * time.Second,
		KeepAlive:      30 * time.Second,
		ProbeWait:      time.Millisecond,
	}
}

// Socket owns exactly one TCP connection.
type Socket struct {
	conn   net.Conn
	key    string
	opts   Options
	closed atomic.Bool
}

// Dial opens a connection to ep. Nagle's algorithm is disabled and TCP
// keep-alive is enabled, since every message is a single small line that
// should leave immediately.
func Dial(ctx context.Context, ep endpoint.Endpoint, opts Options) (*Socket, error) {
	d := net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: opts.KeepAlive,
	}
	conn, err := d.DialContext(ctx, "tcp", ep.Key())
	if err != nil {
		return nil, &ConnectError{Endpoint: ep.Key(), Err: err}
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
	}
	return &Socket{conn: conn, key: ep.Key(), opts: opts}, nil
}

// Endpoint returns the pool key the socket is connected to.
func (s *Socket) Endpoint() string {
	return s.key
}

// Exchange writes message followed by the terminator and then waits up to
// ReadTimeout for a reply. It returns the trimmed reply (possibly empty) and
// the number of bytes written.
//
// If ctx is cancelled mid-exchange, pending I/O is interrupted by forcing the
// deadline and ctx.Err() is returned; the socket must then be discarded.
func (s *Socket) Exchange(ctx context.Context, message string) (string, int, error) {
	if s.closed.Load() {
		return "", 0, &WriteError{Endpoint: s.key, Err: net.ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	// Interrupt blocked Write/Read when the caller gives up
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
	})
	defer stop()

	// Step 1: write the line
	if s.opts.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	written, err := io.WriteString(s.conn, message+Terminator)
	if err != nil {
		if ctx.Err() != nil {
			return "", written, ctx.Err()
		}
		return "", written, &WriteError{Endpoint: s.key, Err: err}
	}
	if written == 0 && message != "" {
		return "", 0, &WriteError{Endpoint: s.key, Err: ErrZeroWrite}
	}

	// Step 2: best-effort read, a silent remote is fine
	if s.opts.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	}
	buf := make([]byte, readBufferSize)
	n, err := s.conn.Read(buf)
	if n > 0 {
		return strings.TrimSpace(string(buf[:n])), written, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", written, ctx.Err()
		}
		if isTimeout(err) {
			return "", written, nil
		}
		return "", written, &ReadError{Endpoint: s.key, Err: err}
	}
	return "", written, nil
}

// Alive reports whether the peer still holds the connection open. It waits at
// most ProbeWait for a pending EOF or reset. Bytes already sitting in the
// receive buffer are late replies to earlier messages; they are discarded so
// the next Exchange reads only its own reply.
func (s *Socket) Alive() bool {
	if s.closed.Load() {
		return false
	}
	wait := s.opts.ProbeWait
	if wait <= 0 {
		wait = time.Millisecond
	}
	buf := make([]byte, readBufferSize)
	for i := 0; i < maxDrainReads; i++ {
		if err := s.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
			return false
		}
		n, err := s.conn.Read(buf)
		if err == nil && n > 0 {
			continue
		}
		return err != nil && isTimeout(err)
	}
	// Peer keeps streaming at us, treat it as healthy but busy
	return true
}

// Close closes the connection. Only the first call has an effect.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

// Closed reports whether Close has been called.
func (s *Socket) Closed() bool {
	return s.closed.Load()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
