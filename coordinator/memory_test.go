package coordinator

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestMemoryContract(t *testing.T) {
	exerciseCoordinator(t, NewMemory(3, time.Minute), "10.0.0.1:2199")
}

func TestMemoryConcurrentCap(t *testing.T) {
	exerciseConcurrentCap(t, NewMemory(5, time.Minute), "10.0.0.1:2199", 5)
}

func TestMemoryKeysAreIndependent(t *testing.T) {
	m := NewMemory(1, time.Minute)
	ctx := context.Background()

	if _, ok, _ := m.TryReserve(ctx, "a:1"); !ok {
		t.Fatal("expect a:1 reserved")
	}
	if _, ok, _ := m.TryReserve(ctx, "b:1"); !ok {
		t.Fatal("cap on a:1 must not affect b:1")
	}
}

func TestMemoryAbandonedLeaseIsReclaimed(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	m := NewMemory(1, 30*time.Second, WithClock(clock.Now))
	ctx := context.Background()

	lease, ok, _ := m.TryReserve(ctx, "k:1")
	if !ok {
		t.Fatal("expect reserved")
	}
	if _, ok, _ := m.TryReserve(ctx, "k:1"); ok {
		t.Fatal("expect cap reached")
	}

	// Renewed leases survive past their original TTL
	clock.Advance(20 * time.Second)
	if err := m.Renew(ctx, lease); err != nil {
		t.Fatal(err)
	}
	clock.Advance(20 * time.Second)
	if n, _ := m.GlobalCount(ctx, "k:1"); n != 1 {
		t.Fatalf("renewed lease should still count, got %d", n)
	}

	// Not renewed: the slot becomes free for any process
	clock.Advance(31 * time.Second)
	if n, _ := m.GlobalCount(ctx, "k:1"); n != 0 {
		t.Fatalf("expired lease should not count, got %d", n)
	}
	if _, ok, _ := m.TryReserve(ctx, "k:1"); !ok {
		t.Fatal("expired lease should be reclaimable")
	}
}
