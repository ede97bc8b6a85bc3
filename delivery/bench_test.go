package delivery

import (
	"context"
	"testing"
	"time"

	"gps-uplink/aggtest"
	"gps-uplink/breaker"
	"gps-uplink/pool"
	"gps-uplink/transport"
)

func newBenchOrchestrator(b *testing.B, maxConns int) *Orchestrator {
	topts := transport.DefaultOptions()
	topts.ReadTimeout = time.Second
	p := pool.New(pool.Options{
		MaxConnectionsPerPool: maxConns,
		ConnectionTimeout:     time.Hour,
		IdleTimeout:           time.Hour,
		Transport:             topts,
	})
	b.Cleanup(func() { p.Shutdown() })
	return New(Options{
		Pool:        p,
		Breakers:    breaker.New(breaker.Options{Threshold: 5, Cooldown: time.Minute}),
		MaxAttempts: 3,
		Transport:   topts,
	})
}

func BenchmarkDeliverPooled(b *testing.B) {
	agg := aggtest.Start(b)
	o := newBenchOrchestrator(b, 4)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if out := o.Deliver(ctx, agg.Host(), agg.Port(), line, "bench"); !out.Success {
			b.Fatal(out.Err)
		}
	}
}

func BenchmarkDeliverPooledParallel(b *testing.B) {
	agg := aggtest.Start(b)
	o := newBenchOrchestrator(b, 16)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if out := o.Deliver(ctx, agg.Host(), agg.Port(), line, "bench"); !out.Success {
				b.Error(out.Err)
			}
		}
	})
}

func BenchmarkDeliverCircuitOpen(b *testing.B) {
	o := newBenchOrchestrator(b, 1)
	o.brk = breaker.New(breaker.Options{Threshold: 1, Cooldown: time.Hour})
	o.brk.RecordFailure("127.0.0.1:1")
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		o.Deliver(ctx, "127.0.0.1", 1, line, "bench")
	}
}
