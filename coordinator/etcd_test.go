package coordinator

import (
	"os"
	"strings"
	"testing"
	"time"
)

// Needs a live etcd: UPLINK_TEST_ETCD=127.0.0.1:2379
func newTestEtcd(t *testing.T, limit int) *Etcd {
	t.Helper()
	addr := os.Getenv("UPLINK_TEST_ETCD")
	if addr == "" {
		t.Skip("UPLINK_TEST_ETCD not set")
	}
	e, err := NewEtcd(strings.Split(addr, ","), limit, 10*time.Second,
		WithEtcdPrefix("/gps-uplink-test/"+t.Name()+"/"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEtcdContract(t *testing.T) {
	exerciseCoordinator(t, newTestEtcd(t, 3), "10.0.0.1:2199")
}

func TestEtcdConcurrentCap(t *testing.T) {
	exerciseConcurrentCap(t, newTestEtcd(t, 4), "10.0.0.1:2199", 4)
}
