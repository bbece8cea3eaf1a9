// Package admission bounds the number of requests processed at once.
// Requests beyond the ceiling are rejected immediately instead of queued.
package admission

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/a1hang/slack-issue-agent/internal/metrics"
)

type Limiter struct {
	sem      *semaphore.Weighted
	capacity int64

	mu       sync.Mutex
	inFlight int64
	peak     int64
}

func NewLimiter(capacity int) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// TryAcquire admits the caller if a slot is free. The returned release
// function must be called exactly once; it is idempotent.
func (l *Limiter) TryAcquire() (release func(), ok bool) {
	if !l.sem.TryAcquire(1) {
		metrics.AdmissionRejections.Inc()
		return func() {}, false
	}

	l.mu.Lock()
	l.inFlight++
	if l.inFlight > l.peak {
		l.peak = l.inFlight
	}
	l.mu.Unlock()
	metrics.InFlight.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.inFlight--
			l.mu.Unlock()
			metrics.InFlight.Dec()
			l.sem.Release(1)
		})
	}, true
}

// Capacity returns the concurrency ceiling.
func (l *Limiter) Capacity() int {
	return int(l.capacity)
}

// InFlight returns the number of currently admitted requests.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.inFlight)
}

// Peak returns the highest InFlight value observed.
func (l *Limiter) Peak() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.peak)
}
