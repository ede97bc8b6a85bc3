package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// exerciseCoordinator runs the contract every backend must honour. The
// coordinator must have been built with limit=3.
func exerciseCoordinator(t *testing.T, c Coordinator, key string) {
	t.Helper()
	ctx := context.Background()

	var leases []Lease
	for i := 0; i < 3; i++ {
		lease, ok, err := c.TryReserve(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("reservation %d should succeed", i+1)
		}
		leases = append(leases, lease)
	}

	if _, ok, err := c.TryReserve(ctx, key); err != nil || ok {
		t.Fatalf("4th reservation should be denied, ok=%v err=%v", ok, err)
	}

	n, err := c.GlobalCount(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expect global count 3, got %d", n)
	}

	if err := c.Renew(ctx, leases[0]); err != nil {
		t.Fatalf("renew live lease: %v", err)
	}

	if err := c.Release(ctx, leases[0]); err != nil {
		t.Fatal(err)
	}
	// Releasing twice is harmless
	if err := c.Release(ctx, leases[0]); err != nil {
		t.Fatalf("second release should be a no-op, got %v", err)
	}
	if err := c.Renew(ctx, leases[0]); !errors.Is(err, ErrLeaseNotFound) {
		t.Fatalf("renew released lease: expect ErrLeaseNotFound, got %v", err)
	}

	if _, ok, err := c.TryReserve(ctx, key); err != nil || !ok {
		t.Fatalf("slot freed by release should be reusable, ok=%v err=%v", ok, err)
	}

	for _, l := range leases[1:] {
		_ = c.Release(ctx, l)
	}
}

// Concurrent reservations must never exceed the cap
func exerciseConcurrentCap(t *testing.T, c Coordinator, key string, limit int) {
	t.Helper()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []Lease
	)
	for i := 0; i < limit*4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, ok, err := c.TryReserve(ctx, key)
			if err != nil && !errors.Is(err, ErrContention) {
				t.Errorf("reserve: %v", err)
				return
			}
			if ok {
				mu.Lock()
				granted = append(granted, lease)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(granted) > limit {
		t.Fatalf("granted %d leases with limit %d", len(granted), limit)
	}
	for _, l := range granted {
		_ = c.Release(ctx, l)
	}
}
