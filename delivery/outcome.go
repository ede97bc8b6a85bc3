package delivery

import (
	"context"
)

// Outcome is the result of one Deliver call. Failures are reported here and
// never raised to the caller.
type Outcome struct {
	Endpoint      string    `json:"endpoint"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Success       bool      `json:"success"`
	Response      string    `json:"response"`
	BytesWritten  int       `json:"bytes_written"`
	Attempts      int       `json:"attempts"`
	Kind          ErrorKind `json:"error_kind"`
	Cause         ErrorKind `json:"error_cause,omitempty"` // Kind of the last attempt when Kind is retry_exhausted
	Err           error     `json:"-"`
	ConnectionID  string    `json:"connection_id,omitempty"`
	Reused        bool      `json:"reused"`
	Direct        bool      `json:"direct"` // Served by an unpooled fallback connection
}

// Error returns the failure message, or "" on success.
func (o *Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

func (o *Outcome) fail(err error) *Outcome {
	o.Success = false
	o.Err = err
	o.Kind = KindOf(err)
	o.Cause = ""
	if o.Kind == KindRetryExhausted {
		o.Cause = CauseOf(err)
	}
	return o
}

// Deliverer forwards one payload line to an aggregator endpoint. Both the
// in-process Orchestrator and the IPC client implement it.
type Deliverer interface {
	Deliver(ctx context.Context, host string, port int, payload, correlationID string) *Outcome
}
