package stats

// Grade classifies a reuse ratio. It is advisory and never gates delivery.
type Grade string

const (
	Excellent Grade = "excellent" // ratio >= 5
	Good      Grade = "good"      // ratio >= 2
	Fair      Grade = "fair"      // ratio >= 1
	Poor      Grade = "poor"
)

// GradeOf maps a reuse ratio to its Grade.
func GradeOf(ratio float64) Grade {
	switch {
	case ratio >= 5:
		return Excellent
	case ratio >= 2:
		return Good
	case ratio >= 1:
		return Fair
	default:
		return Poor
	}
}

// EndpointHealth is the efficiency view of one endpoint.
type EndpointHealth struct {
	EndpointCounters
	ReuseRatio float64 `json:"reuse_ratio"`
	Grade      Grade   `json:"grade"`
}

// Health is the efficiency view of the whole process.
type Health struct {
	Endpoints  []EndpointHealth `json:"endpoints"`
	Totals     EndpointCounters `json:"totals"`
	ReuseRatio float64          `json:"reuse_ratio"`
	Grade      Grade            `json:"grade"`
}

// Health grades every endpoint and the process totals.
func (r *Registry) Health() Health {
	snap := r.Snapshot()
	h := Health{
		Endpoints: make([]EndpointHealth, 0, len(snap)),
		Totals:    EndpointCounters{Endpoint: "*"},
	}
	for _, c := range snap {
		ratio := c.ReuseRatio()
		h.Endpoints = append(h.Endpoints, EndpointHealth{EndpointCounters: c, ReuseRatio: ratio, Grade: GradeOf(ratio)})

		h.Totals.Created += c.Created
		h.Totals.Success += c.Success
		h.Totals.Reused += c.Reused
		h.Totals.SendFailed += c.SendFailed
		h.Totals.ConnectionFailed += c.ConnectionFailed
	}
	h.ReuseRatio = h.Totals.ReuseRatio()
	h.Grade = GradeOf(h.ReuseRatio)
	return h
}
