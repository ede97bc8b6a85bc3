package server

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gps-uplink/aggtest"
	"gps-uplink/breaker"
	"gps-uplink/client"
	"gps-uplink/codec"
	"gps-uplink/delivery"
	"gps-uplink/message"
	"gps-uplink/middleware"
	"gps-uplink/pool"
	"gps-uplink/protocol"
	"gps-uplink/transport"
)

const line = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"

func newOrchestrator(t testing.TB, readWait time.Duration) *delivery.Orchestrator {
	t.Helper()
	topts := transport.DefaultOptions()
	topts.ConnectTimeout = time.Second
	topts.ReadTimeout = readWait
	p := pool.New(pool.Options{
		MaxConnectionsPerPool: 2,
		ConnectionTimeout:     time.Minute,
		IdleTimeout:           time.Minute,
		Transport:             topts,
	})
	o := delivery.New(delivery.Options{
		Pool:           p,
		Breakers:       breaker.New(breaker.Options{Threshold: 2, Cooldown: time.Minute}),
		MaxAttempts:    2,
		RetryDelayBase: time.Millisecond,
		Transport:      topts,
	})
	t.Cleanup(func() { o.Shutdown() })
	return o
}

// serve starts svr on a fresh unix socket and returns its path
func serve(t testing.TB, svr *Server) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "uplink.sock")
	go svr.Serve("unix", path)
	t.Cleanup(func() { svr.Shutdown(time.Second) })

	// Wait for the socket to appear
	for i := 0; i < 100; i++ {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("service did not start on %s", path)
	return ""
}

func connect(t testing.TB, path string) *client.Client {
	t.Helper()
	c, err := client.Dial("unix", path, client.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDeliverReusesPooledConnection(t *testing.T) {
	agg := aggtest.Start(t)
	path := serve(t, NewServer(newOrchestrator(t, 200*time.Millisecond), nil))
	c := connect(t, path)

	for i := 0; i < 5; i++ {
		out := c.Deliver(context.Background(), agg.Host(), agg.Port(), line, "")
		if !out.Success {
			t.Fatalf("delivery %d failed: %v", i, out.Err)
		}
		if out.Response != "OK" {
			t.Fatalf("Expect response OK, get %q", out.Response)
		}
		if i > 0 && !out.Reused {
			t.Fatalf("delivery %d should reuse the pooled connection", i)
		}
	}

	s, err := c.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Endpoints) != 1 {
		t.Fatalf("Expect one endpoint, get %+v", s.Endpoints)
	}
	ec := s.Endpoints[0]
	if ec.Created != 1 || ec.Reused != 4 || ec.Success != 5 {
		t.Fatalf("unexpected counters: %+v", ec)
	}
	if got := len(agg.Lines()); got != 5 {
		t.Fatalf("aggregator received %d lines, want 5", got)
	}
}

func TestFailureKindSurvivesTheSocket(t *testing.T) {
	path := serve(t, NewServer(newOrchestrator(t, 200*time.Millisecond), nil))
	c := connect(t, path)
	port := aggtest.ClosedPort(t)

	out := c.Deliver(context.Background(), "127.0.0.1", port, line, "corr-7")
	if out.Success {
		t.Fatal("delivery to a closed port must fail")
	}
	if out.Kind != delivery.KindRetryExhausted || out.Cause != delivery.KindConnect || out.Attempts != 2 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	var re *delivery.RetryExhaustedError
	if !errors.As(out.Err, &re) {
		t.Fatalf("Expect RetryExhaustedError, get %T", out.Err)
	}
	if out.CorrelationID != "corr-7" {
		t.Fatalf("correlation id lost: %q", out.CorrelationID)
	}

	// The breaker threshold is 2 failed calls
	c.Deliver(context.Background(), "127.0.0.1", port, line, "")
	out = c.Deliver(context.Background(), "127.0.0.1", port, line, "")
	if !errors.Is(out.Err, delivery.ErrCircuitOpen) || out.Attempts != 0 {
		t.Fatalf("Expect circuit open without attempts, get %+v", out)
	}

	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != "degraded" || len(h.Breakers) != 1 || h.Breakers[0].State != "open" {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestManagementActions(t *testing.T) {
	agg := aggtest.Start(t)
	path := serve(t, NewServer(newOrchestrator(t, 200*time.Millisecond), nil))
	c := connect(t, path)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if out := c.Deliver(ctx, agg.Host(), agg.Port(), line, ""); !out.Success {
			t.Fatal(out.Err)
		}
	}

	h, err := c.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.Stats.Totals.Success != 3 || h.Stats.ReuseRatio != 2 {
		t.Fatalf("unexpected health: %+v", h)
	}

	n, err := c.CloseConnection(ctx, agg.Host(), agg.Port())
	if err != nil || n != 1 {
		t.Fatalf("Expect one closed connection, get %d %v", n, err)
	}
	if _, err := c.CloseConnection(ctx, "", 0); err == nil {
		t.Fatal("Expect an error for an empty host")
	}

	if err := c.ResetStats(ctx); err != nil {
		t.Fatal(err)
	}
	s, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Endpoints) != 0 {
		t.Fatalf("counters survived reset: %+v", s.Endpoints)
	}

	pong, err := c.Ping(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pong.Pid != os.Getpid() {
		t.Fatalf("Expect pid %d, get %d", os.Getpid(), pong.Pid)
	}
}

// 直接发送原始帧，验证协议层的错误处理
func TestRawFrames(t *testing.T) {
	path := serve(t, NewServer(newOrchestrator(t, 200*time.Millisecond), nil))
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	cdc, err := codec.GetCodec(codec.CodecType(protocol.CodecTypeJSON))
	if err != nil {
		t.Fatal(err)
	}

	send := func(seq uint32, body []byte) *message.Response {
		t.Helper()
		header := protocol.Header{
			CodecType: protocol.CodecTypeJSON,
			MsgType:   protocol.MsgTypeRequest,
			Seq:       seq,
			BodyLen:   uint32(len(body)),
		}
		if err := protocol.Encode(conn, &header, body); err != nil {
			t.Fatal(err)
		}
		replyHeader, replyBody, err := protocol.Decode(conn)
		if err != nil {
			t.Fatal(err)
		}
		if replyHeader.Seq != seq || replyHeader.MsgType != protocol.MsgTypeResponse {
			t.Fatalf("Expect response with seq %d, get %+v", seq, replyHeader)
		}
		resp := &message.Response{}
		if err := cdc.Decode(replyBody, resp); err != nil {
			t.Fatal(err)
		}
		return resp
	}

	body, _ := cdc.Encode(&message.Request{Action: "reboot"})
	if resp := send(1, body); resp.Success || resp.Error != "unknown action: reboot" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if resp := send(2, []byte("{not json")); resp.Success || resp.Error == "" {
		t.Fatalf("malformed request must fail, get %+v", resp)
	}

	// The connection is still usable
	body, _ = cdc.Encode(&message.Request{Action: message.ActionPing})
	if resp := send(3, body); !resp.Success {
		t.Fatalf("ping failed: %+v", resp)
	}
}

func TestMiddlewareChain(t *testing.T) {
	agg := aggtest.Start(t)
	svr := NewServer(newOrchestrator(t, 200*time.Millisecond), nil)
	svr.Use(middleware.RecoveryMiddleware(nil))
	svr.Use(middleware.RateLimitMiddleware(0.001, 1))
	path := serve(t, svr)
	c := connect(t, path)

	if out := c.Deliver(context.Background(), agg.Host(), agg.Port(), line, ""); !out.Success {
		t.Fatal(out.Err)
	}
	out := c.Deliver(context.Background(), agg.Host(), agg.Port(), line, "")
	if out.Success || out.Err == nil || out.Err.Error() != "pool service: rate limit exceeded" {
		t.Fatalf("Expect the rate limit to reject, get %+v", out)
	}
	if _, err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping must bypass the rate limit: %v", err)
	}
}

func TestShutdownWaitsForInflightDelivery(t *testing.T) {
	agg := aggtest.Start(t, aggtest.Silent())
	svr := NewServer(newOrchestrator(t, 300*time.Millisecond), nil)
	path := serve(t, svr)
	c := connect(t, path)

	var wg sync.WaitGroup
	var out *delivery.Outcome
	wg.Add(1)
	go func() {
		defer wg.Done()
		out = c.Deliver(context.Background(), agg.Host(), agg.Port(), line, "")
	}()
	time.Sleep(100 * time.Millisecond)

	if err := svr.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("graceful shutdown failed: %v", err)
	}
	wg.Wait()
	if !out.Success || out.Response != "" {
		t.Fatalf("in-flight delivery should finish with an empty response, get %+v", out)
	}
	if _, err := net.Dial("unix", path); err == nil {
		t.Fatal("service still accepting after shutdown")
	}
}

func TestShutdownTimeoutCancelsDelivery(t *testing.T) {
	agg := aggtest.Start(t, aggtest.Silent())
	svr := NewServer(newOrchestrator(t, 5*time.Second), nil)
	path := serve(t, svr)
	c := connect(t, path)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Deliver(context.Background(), agg.Host(), agg.Port(), line, "")
	}()
	time.Sleep(100 * time.Millisecond)

	if err := svr.Shutdown(100 * time.Millisecond); err == nil {
		t.Fatal("Expect a timeout error")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery was not cancelled")
	}
}

func TestServeReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uplink.sock")

	// Leave a socket file behind as a crashed service would
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	l.Close()

	svr := NewServer(newOrchestrator(t, 200*time.Millisecond), nil)
	errc := make(chan error, 1)
	go func() { errc <- svr.Serve("unix", path) }()
	defer svr.Shutdown(time.Second)

	var c *client.Client
	for i := 0; i < 100 && c == nil; i++ {
		c, _ = client.Dial("unix", path, client.Options{PoolSize: 1})
		if c == nil {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if c == nil {
		t.Fatal("service did not take over the stale socket")
	}
	defer c.Close()

	// The mode is set right after listen, poll briefly
	var perm os.FileMode
	for i := 0; i < 100; i++ {
		fi, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if perm = fi.Mode().Perm(); perm == 0o600 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if perm != 0o600 {
		t.Fatalf("Expect socket mode 0600, get %v", perm)
	}

	// A second service must not steal a live socket
	other := NewServer(newOrchestrator(t, 200*time.Millisecond), nil)
	if err := other.Serve("unix", path); err == nil {
		t.Fatal("Expect the second service to refuse a live socket")
	}
	select {
	case err := <-errc:
		t.Fatalf("first service stopped: %v", err)
	default:
	}
}
