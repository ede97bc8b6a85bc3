package transport

import "errors"

// ErrZeroWrite is wrapped by WriteError when a non-empty message produced no bytes on the wire.
var ErrZeroWrite = errors.New("zero bytes written")

// ConnectError reports that a TCP connection to the endpoint could not be established.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return "connect " + e.Endpoint + ": " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error { return e.Err }

// WriteError reports a failed or empty write.
type WriteError struct {
	Endpoint string
	Err      error
}

func (e *WriteError) Error() string {
	return "write " + e.Endpoint + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error { return e.Err }

// ReadError reports a read failure other than the read timeout.
type ReadError struct {
	Endpoint string
	Err      error
}

func (e *ReadError) Error() string {
	return "read " + e.Endpoint + ": " + e.Err.Error()
}

func (e *ReadError) Unwrap() error { return e.Err }
