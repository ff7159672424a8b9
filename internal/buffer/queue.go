package buffer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devblac/chainpipe/internal/model"
)

var (
	// ErrFull is returned by Push under the Error policy when the queue is at capacity.
	ErrFull = errors.New("buffer: queue full")
	// ErrClosed is returned once the queue no longer accepts or yields items.
	ErrClosed = errors.New("buffer: queue closed")
)

// Policy decides what Push does when the queue is full.
type Policy int

const (
	Block Policy = iota
	DropOldest
	Error
)

func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case DropOldest:
		return "drop_oldest"
	case Error:
		return "error"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy accepts block, drop_oldest and error. Empty means block.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return Block, nil
	case "drop_oldest", "dropoldest", "drop-oldest":
		return DropOldest, nil
	case "error", "reject":
		return Error, nil
	}
	return Block, fmt.Errorf("unknown overflow policy %q", s)
}

// Item is a queued update waiting for a worker.
type Item struct {
	Update  *model.Update
	Arrived time.Time
}

// Age reports how long the item has been queued.
func (i Item) Age(now time.Time) time.Duration {
	if i.Arrived.IsZero() {
		return 0
	}
	return now.Sub(i.Arrived)
}

// Queue is a bounded FIFO backed by a buffered channel.
type Queue[T any] struct {
	ch       chan T
	policy   Policy
	onEvict  func(T)
	evicted  atomic.Uint64
	rejected atomic.Uint64
	done     chan struct{}
	once     sync.Once
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithEvictHook is called for every item removed by DropOldest.
func WithEvictHook[T any](fn func(T)) Option[T] {
	return func(q *Queue[T]) { q.onEvict = fn }
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int, policy Policy, opts ...Option[T]) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		ch:     make(chan T, capacity),
		policy: policy,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push admits v according to the queue policy.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	switch q.policy {
	case DropOldest:
		for {
			select {
			case q.ch <- v:
				return nil
			default:
			}
			select {
			case old := <-q.ch:
				q.evicted.Add(1)
				if q.onEvict != nil {
					q.onEvict(old)
				}
			default:
			}
		}
	case Error:
		select {
		case q.ch <- v:
			return nil
		default:
			q.rejected.Add(1)
			return ErrFull
		}
	default:
		select {
		case q.ch <- v:
			return nil
		default:
		}
		select {
		case q.ch <- v:
			return nil
		case <-q.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryPush admits v only if there is room right now, whatever the policy.
func (q *Queue[T]) TryPush(v T) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

// Pop waits for the next item. After Close it keeps returning queued items, then ErrClosed.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	select {
	case v := <-q.ch:
		return v, nil
	default:
	}
	var zero T
	select {
	case v := <-q.ch:
		return v, nil
	case <-q.done:
		if v, ok := q.TryPop(); ok {
			return v, nil
		}
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryPop returns the head without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Drain discards everything currently queued and returns the count.
func (q *Queue[T]) Drain() int {
	n := 0
	for {
		if _, ok := q.TryPop(); !ok {
			return n
		}
		n++
	}
}

// C exposes the receive side for select loops.
func (q *Queue[T]) C() <-chan T { return q.ch }

// Done is closed by Close.
func (q *Queue[T]) Done() <-chan struct{} { return q.done }

func (q *Queue[T]) Len() int         { return len(q.ch) }
func (q *Queue[T]) Cap() int         { return cap(q.ch) }
func (q *Queue[T]) Policy() Policy   { return q.policy }
func (q *Queue[T]) Evicted() uint64  { return q.evicted.Load() }
func (q *Queue[T]) Rejected() uint64 { return q.rejected.Load() }

// Close stops admission and wakes blocked producers and consumers. Idempotent.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.done) })
}
