package resilience

import (
	"sync"

	"github.com/rotisserie/eris"
)

// ErrBreakerOpen is returned by Allow once the breaker has tripped.
var ErrBreakerOpen = eris.New("resilience: breaker open")

// Breaker trips after threshold consecutive transient failures and stays
// open until Reset.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
	open        bool
	onTrip      func(failures int)
}

// NewBreaker returns a closed breaker. A threshold <= 0 defaults to 5.
func NewBreaker(threshold int, onTrip func(failures int)) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{threshold: threshold, onTrip: onTrip}
}

// Allow returns ErrBreakerOpen when the breaker has tripped.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return ErrBreakerOpen
	}
	return nil
}

// Record counts a result. Only transient errors extend the failure streak.
// A success or a permanent rejection means the provider answered, so either
// clears it.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	if !IsTransient(err) {
		b.consecutive = 0
		b.mu.Unlock()
		return
	}
	b.consecutive++
	tripped := !b.open && b.consecutive >= b.threshold
	if tripped {
		b.open = true
	}
	n := b.consecutive
	b.mu.Unlock()

	if tripped && b.onTrip != nil {
		b.onTrip(n)
	}
}

// Open reports whether the breaker has tripped.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Reset closes the breaker and clears the streak.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.consecutive = 0
}
