package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"gps-uplink/codec"
	"gps-uplink/message"
	"gps-uplink/protocol"
)

// ErrTransportClosed is returned for requests on a closed or broken connection.
var ErrTransportClosed = errors.New("client: connection to pool service closed")

type result struct {
	resp *message.Response
	err  error
}

// ClientTransport multiplexes concurrent requests over one connection to the
// pool service. Each request gets a sequence number; recvLoop routes every
// response to the caller waiting on that number.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single conn ──→ pool service
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan → goroutine-2 wakes up
type ClientTransport struct {
	conn    net.Conn
	codec   codec.Codec
	seq     uint32     // Protected by sending
	pending sync.Map   // map[uint32]chan result
	sending sync.Mutex // Whole frames only, never interleaved
	broken  atomic.Bool
}

// NewClientTransport wraps conn and starts its receive loop.
func NewClientTransport(conn net.Conn) *ClientTransport {
	t := &ClientTransport{conn: conn, codec: &codec.JSONCodec{}}
	go t.recvLoop()
	return t
}

// Send writes req and returns the channel its response will arrive on.
func (t *ClientTransport) Send(req *message.Request) (uint32, <-chan result, error) {
	if t.broken.Load() {
		return 0, nil, ErrTransportClosed
	}
	body, err := t.codec.Encode(req)
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq
	header := protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}

	// Register before writing so recvLoop cannot miss a fast response
	ch := make(chan result, 1)
	t.pending.Store(seq, ch)
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		t.fail(err)
		return 0, nil, err
	}
	return seq, ch, nil
}

// Call sends req and waits for its response or for ctx to end.
func (t *ClientTransport) Call(ctx context.Context, req *message.Request) (*message.Response, error) {
	seq, ch, err := t.Send(req)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, ctx.Err()
	}
}

// Broken reports whether the connection failed or was closed.
func (t *ClientTransport) Broken() bool {
	return t.broken.Load()
}

// Close closes the connection and fails every pending request.
func (t *ClientTransport) Close() error {
	t.broken.Store(true)
	return t.conn.Close()
}

func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		resp := &message.Response{}
		r := result{resp: resp}
		if err := t.codec.Decode(body, resp); err != nil {
			r = result{err: err}
		}
		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan result) <- r
		}
	}
}

// fail marks the transport broken and wakes every pending caller.
func (t *ClientTransport) fail(err error) {
	if t.broken.CompareAndSwap(false, true) {
		_ = t.conn.Close()
	}
	if errors.Is(err, net.ErrClosed) {
		err = ErrTransportClosed
	}
	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			value.(chan result) <- result{err: err}
		}
		return true
	})
}
