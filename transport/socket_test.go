package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"gps-uplink/aggtest"
	"gps-uplink/endpoint"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.ConnectTimeout = time.Second
	opts.ReadTimeout = 200 * time.Millisecond
	return opts
}

func dialFake(t *testing.T, agg *aggtest.Server) *Socket {
	t.Helper()
	ep, err := endpoint.New(agg.Host(), agg.Port())
	if err != nil {
		t.Fatal(err)
	}
	s, err := Dial(context.Background(), ep, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExchangeWithReply(t *testing.T) {
	agg := aggtest.Start(t, aggtest.WithReply("ACK"))
	s := dialFake(t, agg)

	resp, n, err := s.Exchange(context.Background(), "$GPRMC,1,2,3")
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ACK" {
		t.Fatalf("expect ACK, got %q", resp)
	}
	if n != len("$GPRMC,1,2,3\r") {
		t.Fatalf("expect %d bytes written, got %d", len("$GPRMC,1,2,3\r"), n)
	}

	lines := agg.Lines()
	if len(lines) != 1 || lines[0] != "$GPRMC,1,2,3" {
		t.Fatalf("unexpected lines on the aggregator: %q", lines)
	}
}

// A silent aggregator is normal for this protocol
func TestExchangeSilentRemoteIsNotAnError(t *testing.T) {
	agg := aggtest.Start(t, aggtest.Silent())
	s := dialFake(t, agg)

	start := time.Now()
	resp, n, err := s.Exchange(context.Background(), "line")
	if err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	if resp != "" {
		t.Fatalf("expect empty response, got %q", resp)
	}
	if n != 5 {
		t.Fatalf("expect 5 bytes written, got %d", n)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("read was not bounded by ReadTimeout")
	}
}

func TestDialRefused(t *testing.T) {
	ep, _ := endpoint.New("127.0.0.1", aggtest.ClosedPort(t))
	_, err := Dial(context.Background(), ep, testOptions())
	if err == nil {
		t.Fatal("expect connect error")
	}
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("expect *ConnectError, got %T", err)
	}
	if ce.Endpoint != ep.Key() {
		t.Fatalf("expect endpoint %s, got %s", ep.Key(), ce.Endpoint)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	agg := aggtest.Start(t)
	s := dialFake(t, agg)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if !s.Closed() {
		t.Fatal("expect Closed() = true")
	}

	_, _, err := s.Exchange(context.Background(), "x")
	var we *WriteError
	if !errors.As(err, &we) {
		t.Fatalf("expect *WriteError on closed socket, got %v", err)
	}
}

func TestAliveDetectsPeerHangUp(t *testing.T) {
	agg := aggtest.Start(t)
	s := dialFake(t, agg)

	if !s.Alive() {
		t.Fatal("fresh connection should be alive")
	}

	agg.DropConnections()
	time.Sleep(50 * time.Millisecond)

	if s.Alive() {
		t.Fatal("connection closed by the peer should not be alive")
	}
}

func TestAliveDrainsLateReplies(t *testing.T) {
	agg := aggtest.Start(t, aggtest.WithReply("LATE"))
	s := dialFake(t, agg)

	// Send without waiting for the reply, then let it land in the buffer
	s.opts.ReadTimeout = time.Nanosecond
	if _, _, err := s.Exchange(context.Background(), "first"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	if !s.Alive() {
		t.Fatal("expect alive")
	}

	s.opts.ReadTimeout = 200 * time.Millisecond
	resp, _, err := s.Exchange(context.Background(), "second")
	if err != nil {
		t.Fatal(err)
	}
	if resp != "LATE" {
		t.Fatalf("expect reply to second message only, got %q", resp)
	}
}

func TestExchangeHonoursCancellation(t *testing.T) {
	agg := aggtest.Start(t, aggtest.Silent())
	s := dialFake(t, agg)
	s.opts.ReadTimeout = 5 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := s.Exchange(ctx, "line")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancellation did not interrupt the read")
	}
}
