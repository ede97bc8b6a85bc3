// Package aggtest provides an in-process fake telemetry aggregator for tests.
//
// The fake speaks the uplink line protocol: it splits the inbound stream on
// '\r', records every line, and optionally answers each one.
package aggtest

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

// Server is a fake aggregator listening on 127.0.0.1.
type Server struct {
	listener net.Listener
	reply    string
	silent   bool
	hangUp   bool
	resets   int64 // Connections, in accept order, reset after their first line
	goAway   bool  // Stop listening before the first reset

	accepted atomic.Int64
	mu       sync.Mutex
	lines    []string
	conns    []net.Conn
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithReply makes the server answer every line with reply + "\r\n".
func WithReply(reply string) Option {
	return func(s *Server) { s.reply = reply }
}

// Silent makes the server never answer.
func Silent() Option {
	return func(s *Server) { s.silent = true }
}

// HangUpAfterEachLine makes the server close the connection after answering
// one line, so a pooled connection goes stale.
func HangUpAfterEachLine() Option {
	return func(s *Server) { s.hangUp = true }
}

// ResetFirst makes the server reset the first n connections (RST, not FIN)
// right after reading their first line, without answering. Later
// connections behave normally.
func ResetFirst(n int) Option {
	return func(s *Server) { s.resets = int64(n) }
}

// StopListeningOnReset closes the listener before a ResetFirst reset is
// sent, so the client's next dial is refused.
func StopListeningOnReset() Option {
	return func(s *Server) { s.goAway = true }
}

// Start launches the server and registers its shutdown with t.Cleanup.
func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{listener: l, reply: "OK"}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Host returns the listening host.
func (s *Server) Host() string {
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Addr returns "host:port".
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host(), strconv.Itoa(s.Port()))
}

// Accepted returns the number of TCP connections accepted so far.
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}

// Lines returns a copy of every line received.
func (s *Server) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

// DropConnections closes every accepted connection while keeping the listener up.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

// Close stops the listener and every connection.
func (s *Server) Close() {
	_ = s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		n := s.accepted.Add(1)
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handle(conn, n <= s.resets)
	}
}

func (s *Server) handle(conn net.Conn, reset bool) {
	defer s.wg.Done()
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			return
		}
		s.mu.Lock()
		s.lines = append(s.lines, line[:len(line)-1])
		s.mu.Unlock()
		if reset {
			if s.goAway {
				_ = s.listener.Close()
			}
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetLinger(0)
			}
			return
		}
		if !s.silent {
			if _, err := conn.Write([]byte(s.reply + "\r\n")); err != nil {
				return
			}
		}
		if s.hangUp {
			return
		}
	}
}

// ClosedPort returns a local port with nothing listening on it.
func ClosedPort(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}
