package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"gps-uplink/breaker"
	"gps-uplink/pool"
)

type fakePool []pool.EndpointStats

func (f fakePool) Stats() []pool.EndpointStats { return f }

type fakeBreakers []breaker.Status

func (f fakeBreakers) Snapshot() []breaker.Status { return f }

func gather(t *testing.T, c prometheus.Collector) map[string]*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestCollectorExportsCounters(t *testing.T) {
	r := NewRegistry()
	r.Add("10.0.0.1:2199", Created, 2)
	r.Add("10.0.0.1:2199", Reused, 6)
	r.Inc("10.0.0.1:2199", Success)

	mfs := gather(t, NewCollector(r, nil, nil))

	created := mfs["gps_uplink_created_total"]
	if created == nil || len(created.GetMetric()) != 1 {
		t.Fatal("missing gps_uplink_created_total")
	}
	m := created.GetMetric()[0]
	if m.GetCounter().GetValue() != 2 || labelValue(m, "endpoint") != "10.0.0.1:2199" {
		t.Fatalf("unexpected created metric: %v", m)
	}
	ratio := mfs["gps_uplink_reuse_ratio"]
	if ratio == nil || ratio.GetMetric()[0].GetGauge().GetValue() != 3 {
		t.Fatal("expect reuse ratio 3")
	}
	if _, ok := mfs["gps_uplink_connection_failed_total"]; !ok {
		t.Fatal("zero counters are exported too")
	}
}

func TestCollectorExportsPoolAndBreaker(t *testing.T) {
	p := fakePool{{Endpoint: "a:1", Idle: 2, InUse: 1}}
	b := fakeBreakers{{Endpoint: "a:1", State: breaker.StateOpen.String(), Failures: 5}}

	mfs := gather(t, NewCollector(NewRegistry(), p, b))

	conns := mfs["gps_uplink_pool_connections"]
	if conns == nil || len(conns.GetMetric()) != 2 {
		t.Fatal("expect idle and in_use pool gauges")
	}
	for _, m := range conns.GetMetric() {
		want := map[string]float64{"idle": 2, "in_use": 1}[labelValue(m, "state")]
		if m.GetGauge().GetValue() != want {
			t.Fatalf("state %s: expect %v, got %v", labelValue(m, "state"), want, m.GetGauge().GetValue())
		}
	}
	st := mfs["gps_uplink_breaker_state"]
	if st == nil || st.GetMetric()[0].GetGauge().GetValue() != 1 {
		t.Fatal("expect breaker state 1 (open)")
	}
	if f := mfs["gps_uplink_breaker_failures"]; f == nil || f.GetMetric()[0].GetGauge().GetValue() != 5 {
		t.Fatal("expect 5 breaker failures")
	}
}
