package stats

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Set UPLINK_TEST_REDIS=host:port to run against a live Redis.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("UPLINK_TEST_REDIS")
	if addr == "" {
		t.Skip("UPLINK_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestPublisherPushesDeltas(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	prefix := "gps-uplink-test:" + uuid.NewString()
	t.Cleanup(func() {
		keys, _ := rdb.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			rdb.Del(ctx, keys...)
		}
	})

	const ep = "10.0.0.1:2199"
	reg1, reg2 := NewRegistry(), NewRegistry()
	p1 := NewPublisher(rdb, reg1, WithPublishPrefix(prefix), WithProcessID("w1"))
	p2 := NewPublisher(rdb, reg2, WithPublishPrefix(prefix), WithProcessID("w2"))

	reg1.Add(ep, Created, 2)
	reg2.Add(ep, Created, 3)
	if err := p1.Publish(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p2.Publish(ctx); err != nil {
		t.Fatal(err)
	}

	// Nothing new: publishing again must not double count
	if err := p1.Publish(ctx); err != nil {
		t.Fatal(err)
	}
	reg1.Inc(ep, Success)
	if err := p1.Publish(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := p1.Endpoint(ctx, ep)
	if err != nil {
		t.Fatal(err)
	}
	if got.Created != 5 || got.Success != 1 {
		t.Fatalf("expect created=5 success=1 across processes, got %+v", got)
	}

	reg1.Reset()
	reg1.Inc(ep, Created)
	if err := p1.Publish(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = p1.Endpoint(ctx, ep)
	if got.Created != 6 {
		t.Fatalf("counts after a local reset add on top, expect 6, got %d", got.Created)
	}
}
