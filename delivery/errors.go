package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"

	"gps-uplink/transport"
)

var (
	// ErrCircuitOpen is returned without network I/O while an endpoint's breaker is open.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrPoolExhausted means the pool had no connection to give and the direct fallback failed too.
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrInvalidEndpoint rejects a host/port pair before any work is done.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)

// RetryExhaustedError carries the last recoverable error after every attempt failed.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// ErrorKind is the wire-stable name of a delivery failure.
type ErrorKind string

const (
	KindNone            ErrorKind = "none"
	KindConnect         ErrorKind = "connect"
	KindWrite           ErrorKind = "write"
	KindRead            ErrorKind = "read"
	KindCircuitOpen     ErrorKind = "circuit_open"
	KindPoolExhausted   ErrorKind = "pool_exhausted"
	KindRetryExhausted  ErrorKind = "retry_exhausted"
	KindCancelled       ErrorKind = "cancelled"
	KindInvalidEndpoint ErrorKind = "invalid_endpoint"
	KindInternal        ErrorKind = "internal"
)

// KindOf names the outermost failure in err. A RetryExhaustedError is
// reported as such; use CauseOf for what the last attempt hit.
func KindOf(err error) ErrorKind {
	var (
		re *RetryExhaustedError
		ce *transport.ConnectError
		we *transport.WriteError
		rd *transport.ReadError
	)
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrInvalidEndpoint):
		return KindInvalidEndpoint
	case errors.As(err, &re):
		return KindRetryExhausted
	case errors.Is(err, ErrPoolExhausted):
		return KindPoolExhausted
	case errors.As(err, &ce):
		return KindConnect
	case errors.As(err, &we):
		return KindWrite
	case errors.As(err, &rd):
		return KindRead
	default:
		return KindInternal
	}
}

// CauseOf is KindOf of the error inside a RetryExhaustedError, or KindOf(err) otherwise.
func CauseOf(err error) ErrorKind {
	var re *RetryExhaustedError
	if errors.As(err, &re) {
		return KindOf(re.Last)
	}
	return KindOf(err)
}

// Recoverable reports whether another attempt may succeed: the peer reset or
// hung up, refused the connection, or did not answer the connect in time.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	var rd *transport.ReadError
	if errors.As(err, &rd) && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
		return true
	}
	var ce *transport.ConnectError
	if errors.As(err, &ce) && isTimeout(ce.Err) {
		return true
	}

	// Platforms that do not surface errno values
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection refused")
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// Rebuild turns a failure received over IPC back into an error that matches
// the same errors.Is / errors.As checks as the original. Its message is msg.
func Rebuild(kind, cause ErrorKind, endpoint, msg string, attempts int) error {
	if kind == KindNone || kind == "" {
		return nil
	}
	typed := rebuildOne(kind, endpoint)
	if kind == KindRetryExhausted {
		typed = &RetryExhaustedError{Attempts: attempts, Last: rebuildOne(cause, endpoint)}
	}
	return &remoteError{msg: msg, err: typed}
}

type remoteError struct {
	msg string
	err error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.err }

var errRemote = errors.New("reported by pool service")

func rebuildOne(kind ErrorKind, endpoint string) error {
	switch kind {
	case KindConnect:
		return &transport.ConnectError{Endpoint: endpoint, Err: errRemote}
	case KindWrite:
		return &transport.WriteError{Endpoint: endpoint, Err: errRemote}
	case KindRead:
		return &transport.ReadError{Endpoint: endpoint, Err: errRemote}
	case KindCircuitOpen:
		return ErrCircuitOpen
	case KindPoolExhausted:
		return fmt.Errorf("%w: %w", ErrPoolExhausted, &transport.ConnectError{Endpoint: endpoint, Err: errRemote})
	case KindCancelled:
		return context.Canceled
	case KindInvalidEndpoint:
		return ErrInvalidEndpoint
	default:
		return errRemote
	}
}
