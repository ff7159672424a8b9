package engine

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// breaker counts consecutive failed sessions and refuses new ones while open.
type breaker struct {
	cb      *gobreaker.TwoStepCircuitBreaker
	timeout time.Duration

	mu       sync.Mutex
	openedAt time.Time
}

func newBreaker(name string, threshold int, timeout time.Duration, onChange func(from, to gobreaker.State)) *breaker {
	b := &breaker{timeout: timeout}
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return threshold > 0 && c.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.mu.Lock()
				b.openedAt = time.Now()
				b.mu.Unlock()
			}
			if onChange != nil {
				onChange(from, to)
			}
		},
	})
	return b
}

// allow admits one session. ok is false while the circuit is open.
func (b *breaker) allow() (done func(success bool), ok bool) {
	done, err := b.cb.Allow()
	if err != nil {
		return nil, false
	}
	return done, true
}

func (b *breaker) open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// openUntil is when the circuit will admit a half-open probe.
func (b *breaker) openUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt.Add(b.timeout)
}
