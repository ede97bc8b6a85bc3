// Package message defines the envelopes exchanged between the pool service and its clients.
//
// A Request names an action plus its parameters; a Response reports whether
// the action succeeded and carries its data or an error text:
//
//	{"action":"deliver","host":"10.0.0.1","port":2199,"payload":"...","correlation_id":"..."}
//	{"success":true,"data":{...}}
//	{"success":false,"error":"...","data":{...}}
//
// Envelopes are serialized by the codec layer and wrapped in a protocol frame.
package message

import "encoding/json"

// Actions understood by the pool service.
const (
	ActionDeliver         = "deliver"
	ActionGetStats        = "get_stats"
	ActionGetHealth       = "get_health"
	ActionCloseConnection = "close_connection"
	ActionResetStats      = "reset_stats"
	ActionPing            = "ping"
)

// Request is one call to the pool service. Only the fields used by Action are set.
type Request struct {
	Action        string `json:"action"`
	Host          string `json:"host,omitempty"`
	Port          int    `json:"port,omitempty"`
	Payload       string `json:"payload,omitempty"`        // Opaque GPS line, never parsed
	CorrelationID string `json:"correlation_id,omitempty"` // Echoed in logs and outcome
	TimeoutMs     int64  `json:"timeout_ms,omitempty"`     // Caller's deadline, 0 for none
}

// Response is the answer to one Request.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Failure builds an error Response.
func Failure(msg string) *Response {
	return &Response{Error: msg}
}

// Outcome is the data of a deliver Response.
type Outcome struct {
	Endpoint      string `json:"endpoint"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Success       bool   `json:"success"`
	Response      string `json:"response"`
	BytesWritten  int    `json:"bytes_written"`
	Attempts      int    `json:"attempts"`
	ErrorKind     string `json:"error_kind"`
	ErrorCause    string `json:"error_cause,omitempty"`
	Error         string `json:"error,omitempty"`
	ConnectionID  string `json:"connection_id,omitempty"`
	Reused        bool   `json:"reused"`
	Direct        bool   `json:"direct"`
}

// Closed is the data of a close_connection Response.
type Closed struct {
	Endpoint string `json:"endpoint"`
	Closed   int    `json:"closed"`
}

// Pong is the data of a ping Response.
type Pong struct {
	Pid  int   `json:"pid"`
	Time int64 `json:"time"` // Unix milliseconds on the service side
}
