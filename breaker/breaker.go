// Package breaker keeps one circuit breaker per endpoint.
//
// State machine:
//
//	Closed --threshold consecutive failures--> Open
//	Open --cooldown elapsed, first Allow--> HalfOpen (one probe granted)
//	HalfOpen --probe succeeds--> Closed
//	HalfOpen --probe fails--> Open (cooldown restarts)
//
// While HalfOpen, every other caller is rejected until the probe reports
// back. A probe that never reports expires after one cooldown.
package breaker

import (
	"sort"
	"sync"
	"time"
)

// State is the state of one endpoint's breaker.
type State int

const (
	StateClosed   State = iota // Deliveries pass through
	StateOpen                  // Deliveries are rejected without network I/O
	StateHalfOpen              // One probe delivery is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Options configures a Set.
type Options struct {
	Threshold int           // Consecutive failures that open the breaker
	Cooldown  time.Duration // Time after the last failure before a probe is allowed
	Now       func() time.Time
}

// Status is a snapshot of one endpoint's breaker.
type Status struct {
	Endpoint    string    `json:"endpoint"`
	State       string    `json:"state"`
	Failures    int       `json:"failure_count"`
	LastFailure time.Time `json:"last_failure_at"`
}

type circuit struct {
	failures    int
	lastFailure time.Time
	state       State
	probing     bool
	probeAt     time.Time
	trialID     uint64 // Identifies the Permit holding the HalfOpen slot
}

// Permit is the answer of Admit. Only a permit holding the HalfOpen slot
// is accepted by Forfeit.
type Permit struct {
	Allowed bool
	trial   uint64
}

// Trial reports whether the permit holds the HalfOpen slot.
func (p Permit) Trial() bool { return p.trial != 0 }

// Set holds the breakers of every endpoint. The zero value is not usable; call New.
type Set struct {
	opts Options

	mu       sync.Mutex
	circuits map[string]*circuit // Endpoints with no failure streak are absent
	trials   uint64
}

// New creates a Set. A non-positive threshold is treated as 1.
func New(opts Options) *Set {
	if opts.Threshold <= 0 {
		opts.Threshold = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Set{opts: opts, circuits: make(map[string]*circuit)}
}

// Allow reports whether a delivery to key may proceed. When it moves an Open
// breaker to HalfOpen, the caller holds the single probe and must report its
// result with RecordSuccess or RecordFailure.
func (s *Set) Allow(key string) bool { return s.Admit(key).Allowed }

// Admit is Allow for callers that may need to give the HalfOpen slot back;
// Forfeit checks ownership against the returned permit.
func (s *Set) Admit(key string) Permit {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.circuits[key]
	if !ok {
		return Permit{Allowed: true}
	}
	now := s.opts.Now()
	switch c.state {
	case StateOpen:
		if now.Sub(c.lastFailure) <= s.opts.Cooldown {
			return Permit{}
		}
		c.state = StateHalfOpen
		return s.grantLocked(c, now)
	case StateHalfOpen:
		if c.probing && now.Sub(c.probeAt) <= s.opts.Cooldown {
			return Permit{}
		}
		return s.grantLocked(c, now)
	default:
		return Permit{Allowed: true}
	}
}

func (s *Set) grantLocked(c *circuit, now time.Time) Permit {
	s.trials++
	c.probing = true
	c.probeAt = now
	c.trialID = s.trials
	return Permit{Allowed: true, trial: s.trials}
}

// IsOpen is the negation of Allow and has the same side effects.
func (s *Set) IsOpen(key string) bool { return !s.Allow(key) }

// RecordSuccess clears the failure streak and closes the breaker.
func (s *Set) RecordSuccess(key string) {
	s.mu.Lock()
	delete(s.circuits, key)
	s.mu.Unlock()
}

// RecordFailure extends the failure streak and opens the breaker once the
// streak reaches the threshold. It returns the resulting state.
func (s *Set) RecordFailure(key string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.circuits[key]
	if !ok {
		c = &circuit{}
		s.circuits[key] = c
	}
	c.failures++
	c.lastFailure = s.opts.Now()
	c.probing = false
	if c.failures >= s.opts.Threshold {
		c.state = StateOpen
	}
	return c.state
}

// Forfeit gives the HalfOpen slot back without a verdict, e.g. when the
// delivery holding it was cancelled. It does nothing unless p is the permit
// currently holding the slot; a call admitted while Closed cannot free it.
func (s *Set) Forfeit(key string, p Permit) {
	if !p.Trial() {
		return
	}
	s.mu.Lock()
	if c, ok := s.circuits[key]; ok && c.state == StateHalfOpen && c.probing && c.trialID == p.trial {
		c.probing = false
	}
	s.mu.Unlock()
}

// State returns the current state of key without side effects.
func (s *Set) State(key string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Reset closes the breaker of key.
func (s *Set) Reset(key string) { s.RecordSuccess(key) }

// Snapshot returns every endpoint with a failure streak, sorted by endpoint.
func (s *Set) Snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.circuits))
	for key, c := range s.circuits {
		out = append(out, Status{
			Endpoint:    key,
			State:       c.state.String(),
			Failures:    c.failures,
			LastFailure: c.lastFailure,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}
