// Package clocksync estimates the offset between a client clock and the
// session server clock from ping/pong round trips.
package clocksync

import (
	"math"
	"sync"
	"time"
)

const DefaultSamples = 10

// Sample is one round trip, in milliseconds.
// Offset is what to add to a local timestamp to get server time.
type Sample struct {
	Delay  float64
	Offset float64
}

type Estimator struct {
	mu         sync.Mutex
	samples    []Sample
	next       int
	full       bool
	correction float64

	// Now is the local clock. Defaults to time.Now.
	Now func() time.Time
}

// NewEstimator keeps the last size samples. correction is added to every
// one-way delay to absorb fixed client side latency.
func NewEstimator(size int, correction time.Duration) *Estimator {
	if size <= 0 {
		size = DefaultSamples
	}
	return &Estimator{
		samples:    make([]Sample, size),
		correction: float64(correction) / float64(time.Millisecond),
		Now:        time.Now,
	}
}

func (e *Estimator) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// NowMillis is the local clock in Unix milliseconds.
func (e *Estimator) NowMillis() float64 {
	return float64(e.now().UnixNano()) / float64(time.Millisecond)
}

// Observe records a pong: sent and recv are local Unix ms, server is the
// server's Unix ms at reply time.
func (e *Estimator) Observe(sent, server, recv float64) Sample {
	rtt := recv - sent
	if rtt < 0 {
		rtt = 0
	}
	delay := rtt/2 + e.correction
	s := Sample{Delay: delay, Offset: server + delay - recv}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples[e.next] = s
	e.next = (e.next + 1) % len(e.samples)
	if e.next == 0 {
		e.full = true
	}
	return s
}

func (e *Estimator) count() int {
	if e.full {
		return len(e.samples)
	}
	return e.next
}

// Best returns the sample with the smallest delay among those kept.
func (e *Estimator) Best() (Sample, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.count()
	if n == 0 {
		return Sample{}, false
	}
	best := Sample{Delay: math.Inf(1)}
	for _, s := range e.samples[:n] {
		if s.Delay < best.Delay {
			best = s
		}
	}
	return best, true
}

func (e *Estimator) Offset() float64 {
	s, _ := e.Best()
	return s.Offset
}

// ToLocal converts a server Unix ms timestamp to local wall time.
func (e *Estimator) ToLocal(server int64) time.Time {
	local := float64(server) - e.Offset()
	return time.UnixMilli(0).Add(time.Duration(local * float64(time.Millisecond)))
}

// Schedule runs fn when the local clock reaches server time target.
// A target already in the past runs fn immediately and returns nil.
func (e *Estimator) Schedule(target int64, fn func()) *time.Timer {
	wait := e.ToLocal(target).Sub(e.now())
	if wait <= 0 {
		fn()
		return nil
	}
	return time.AfterFunc(wait, fn)
}
