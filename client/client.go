// Package client talks to a pool service over its local socket. It offers
// the same Deliver contract as an in-process delivery.Orchestrator plus the
// service's management actions.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"

	"gps-uplink/delivery"
	"gps-uplink/message"
)

// ErrClientClosed is returned after Close.
var ErrClientClosed = errors.New("client: closed")

// Options configures a Client.
type Options struct {
	PoolSize    int           // Connections to the service, default 2
	DialTimeout time.Duration // Default 2s
}

// Client is safe for concurrent use. Requests are spread over PoolSize
// multiplexed connections; a broken connection is redialled on next use.
type Client struct {
	network    string
	addr       string
	opts       Options
	transports chan *ClientTransport
	done       chan struct{}
	closeOnce  sync.Once
}

var _ delivery.Deliverer = (*Client)(nil)

// Dial connects to the pool service at addr ("unix" network for a socket path).
func Dial(network, addr string, opts Options) (*Client, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 2
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	c := &Client{
		network:    network,
		addr:       addr,
		opts:       opts,
		transports: make(chan *ClientTransport, opts.PoolSize),
		done:       make(chan struct{}),
	}
	for i := 0; i < opts.PoolSize; i++ {
		t, err := c.dial()
		if err != nil {
			c.Close()
			return nil, err
		}
		c.transports <- t
	}
	return c, nil
}

func (c *Client) dial() (*ClientTransport, error) {
	conn, err := net.DialTimeout(c.network, c.addr, c.opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial pool service %s: %w", c.addr, err)
	}
	return NewClientTransport(conn), nil
}

func (c *Client) getTransport(ctx context.Context) (*ClientTransport, error) {
	var t *ClientTransport
	select {
	case <-c.done:
		return nil, ErrClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case t = <-c.transports:
	}
	if !t.Broken() {
		return t, nil
	}
	fresh, err := c.dial()
	if err != nil {
		c.putTransport(t) // Keep the slot, retry the dial next time
		return nil, err
	}
	return fresh, nil
}

func (c *Client) putTransport(t *ClientTransport) {
	select {
	case <-c.done:
		t.Close()
	case c.transports <- t:
	}
}

// call sends req on a pooled connection. The connection goes back to the
// pool as soon as the frame is written, so other callers can multiplex on it.
func (c *Client) call(ctx context.Context, req *message.Request) (*message.Response, error) {
	t, err := c.getTransport(ctx)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok && req.TimeoutMs == 0 {
		if ms := time.Until(dl).Milliseconds(); ms > 0 {
			req.TimeoutMs = ms
		}
	}
	seq, ch, err := t.Send(req)
	c.putTransport(t)
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

// callData runs an action that must succeed and decodes its data into v.
func (c *Client) callData(ctx context.Context, req *message.Request, v any) error {
	resp, err := c.call(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("pool service: %s", resp.Error)
	}
	if v == nil || len(resp.Data) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Data, v)
}

// Deliver asks the service to deliver payload. Transport failures between
// this process and the service are reported in the Outcome like any other.
func (c *Client) Deliver(ctx context.Context, host string, port int, payload, correlationID string) *delivery.Outcome {
	resp, err := c.call(ctx, &message.Request{
		Action:        message.ActionDeliver,
		Host:          host,
		Port:          port,
		Payload:       payload,
		CorrelationID: correlationID,
	})
	if err != nil {
		return localFailure(host, port, correlationID, err)
	}
	var w message.Outcome
	if len(resp.Data) == 0 {
		return localFailure(host, port, correlationID, fmt.Errorf("pool service: %s", resp.Error))
	}
	if err := json.Unmarshal(resp.Data, &w); err != nil {
		return localFailure(host, port, correlationID, fmt.Errorf("pool service: bad outcome: %w", err))
	}
	return fromWire(&w)
}

// Stats returns the service's counters and pool occupancy.
func (c *Client) Stats(ctx context.Context) (delivery.Stats, error) {
	var s delivery.Stats
	err := c.callData(ctx, &message.Request{Action: message.ActionGetStats}, &s)
	return s, err
}

// Health returns the service's health snapshot.
func (c *Client) Health(ctx context.Context) (delivery.Health, error) {
	var h delivery.Health
	err := c.callData(ctx, &message.Request{Action: message.ActionGetHealth}, &h)
	return h, err
}

// CloseConnection closes the service's idle connections to host:port.
func (c *Client) CloseConnection(ctx context.Context, host string, port int) (int, error) {
	var closed message.Closed
	err := c.callData(ctx, &message.Request{Action: message.ActionCloseConnection, Host: host, Port: port}, &closed)
	return closed.Closed, err
}

// ResetStats clears the service's counters.
func (c *Client) ResetStats(ctx context.Context) error {
	return c.callData(ctx, &message.Request{Action: message.ActionResetStats}, nil)
}

// Ping checks that the service answers.
func (c *Client) Ping(ctx context.Context) (message.Pong, error) {
	var p message.Pong
	err := c.callData(ctx, &message.Request{Action: message.ActionPing}, &p)
	return p, err
}

// Close closes every connection. In-flight calls fail with ErrTransportClosed.
// Only the first call has an effect.
func (c *Client) Close() error {
	var errs error
	c.closeOnce.Do(func() {
		close(c.done)
		for {
			select {
			case t := <-c.transports:
				errs = multierr.Append(errs, t.Close())
			default:
				return
			}
		}
	})
	return errs
}

func fromWire(w *message.Outcome) *delivery.Outcome {
	o := &delivery.Outcome{
		Endpoint:      w.Endpoint,
		CorrelationID: w.CorrelationID,
		Success:       w.Success,
		Response:      w.Response,
		BytesWritten:  w.BytesWritten,
		Attempts:      w.Attempts,
		Kind:          delivery.ErrorKind(w.ErrorKind),
		Cause:         delivery.ErrorKind(w.ErrorCause),
		ConnectionID:  w.ConnectionID,
		Reused:        w.Reused,
		Direct:        w.Direct,
	}
	if !o.Success {
		o.Err = delivery.Rebuild(o.Kind, o.Cause, o.Endpoint, w.Error, o.Attempts)
	}
	return o
}

func localFailure(host string, port int, correlationID string, err error) *delivery.Outcome {
	kind := delivery.KindInternal
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = delivery.KindCancelled
	}
	return &delivery.Outcome{
		Endpoint:      net.JoinHostPort(host, fmt.Sprint(port)),
		CorrelationID: correlationID,
		Kind:          kind,
		Err:           err,
	}
}
