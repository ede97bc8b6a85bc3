// Package server exposes a delivery backend to other processes over a local
// socket (usually a unix domain socket), so several worker processes share
// one pool instead of each holding their own connections.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → dispatch(action) → Codec.Encode → write response
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gps-uplink/codec"
	"gps-uplink/delivery"
	"gps-uplink/message"
	"gps-uplink/middleware"
	"gps-uplink/protocol"
)

// Backend is the delivery engine behind the service. *delivery.Orchestrator implements it.
type Backend interface {
	delivery.Deliverer
	Stats() delivery.Stats
	Health(ctx context.Context) delivery.Health
	CloseConnection(host string, port int) (int, error)
	ResetStats()
}

// Server is the pool service.
type Server struct {
	backend     Backend
	log         *zap.Logger
	listener    net.Listener
	wg          sync.WaitGroup // Tracks in-flight requests for graceful shutdown
	shutdown    atomic.Bool    // Set during shutdown to suppress Accept errors
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	// Cancelled when Shutdown gives up waiting, so in-flight deliveries abort
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates a service over backend. A nil logger discards logs.
func NewServer(backend Backend, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		backend: backend,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on network/address and serves until Shutdown. For "unix",
// a stale socket file left by a previous run is removed first.
func (svr *Server) Serve(network, address string) error {
	if network == "unix" {
		if err := removeStaleSocket(address); err != nil {
			return err
		}
	}
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	if network == "unix" {
		// Workers run as the same user; keep the socket private to it
		_ = os.Chmod(address, 0o600)
	}
	return svr.ServeListener(listener)
}

// ServeListener serves on an existing listener until Shutdown.
func (svr *Server) ServeListener(listener net.Listener) error {
	svr.mu.Lock()
	svr.listener = listener
	svr.mu.Unlock()

	// Build the middleware chain once at startup (not per-request)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)
	svr.log.Info("pool service listening", zap.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		if !svr.track(conn) {
			conn.Close()
			return nil
		}
		go svr.handleConn(conn)
	}
}

// handleConn reads frames sequentially and answers each request in its own
// goroutine. Responses share one write mutex so frames never interleave.
func (svr *Server) handleConn(conn net.Conn) {
	defer svr.untrack(conn)
	defer conn.Close()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !isEOF(err) {
				svr.log.Debug("closing client connection", zap.Error(err))
			}
			return
		}
		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}
		if svr.shutdown.Load() {
			return
		}
		svr.wg.Add(1)
		go svr.handleRequest(header, body, conn, writeMu)
	}
}

func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	// Step 1: decode the envelope
	c, err := codec.GetCodec(codec.CodecType(header.CodecType))
	if err != nil {
		svr.log.Warn("unsupported codec", zap.Uint8("codec", header.CodecType))
		return
	}
	var resp *message.Response
	req := message.Request{}
	if err := c.Decode(body, &req); err != nil {
		resp = message.Failure("malformed request: " + err.Error())
	} else {
		// Step 2: middleware chain → action
		resp = svr.handler(svr.ctx, &req)
	}

	// Step 3: encode and write with the same seq
	result, err := c.Encode(resp)
	if err != nil {
		svr.log.Error("failed to encode response", zap.String("action", req.Action), zap.Error(err))
		return
	}
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
		BodyLen:   uint32(len(result)),
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		svr.log.Debug("failed to write response", zap.String("action", req.Action), zap.Error(err))
	}
}

// Shutdown performs graceful shutdown:
//  1. Set the shutdown flag and close the listener
//  2. Wait for in-flight requests, at most timeout
//  3. Cancel whatever is still running and close client connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.shutdown.Store(true)

	var errs error
	svr.mu.Lock()
	l := svr.listener
	svr.mu.Unlock()
	if l != nil {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		errs = multierr.Append(errs, fmt.Errorf("timeout waiting for ongoing requests to finish"))
		svr.cancel()
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	svr.mu.Unlock()
	svr.cancel()
	return errs
}

func (svr *Server) track(conn net.Conn) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.conns[conn] = struct{}{}
	return true
}

func (svr *Server) untrack(conn net.Conn) {
	svr.mu.Lock()
	delete(svr.conns, conn)
	svr.mu.Unlock()
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	// A live service still answers; refuse to steal its path
	if c, err := net.DialTimeout("unix", path, 100*time.Millisecond); err == nil {
		c.Close()
		return fmt.Errorf("%s is in use by another pool service", path)
	}
	return os.Remove(path)
}
