package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devblac/chainpipe/internal/pipeline"
)

// TokenBucket is a simple rate limiter.
type TokenBucket struct {
	mu       sync.Mutex
	capacity float64
	rate     float64 // tokens per second

	tokens     float64
	lastUpdate time.Time
}

// NewTokenBucket creates a token bucket with capacity and refill rate.
func NewTokenBucket(capacity, rate float64) *TokenBucket {
	return &TokenBucket{
		capacity: capacity,
		rate:     rate,
		tokens:   capacity,
	}
}

// Allow consumes one token if available, refilling based on elapsed time.
func (b *TokenBucket) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastUpdate.IsZero() {
		b.lastUpdate = now
	}
	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
		b.lastUpdate = now
	}
	if b.tokens >= 1 {
		b.tokens -= 1
		return true
	}
	return false
}

// RateLimited drops outputs once the bucket is empty.
type RateLimited struct {
	sinkID  string
	bucket  *TokenBucket
	next    pipeline.Handler
	log     *slog.Logger
	dropped atomic.Uint64
	now     func() time.Time
}

func NewRateLimited(sinkID string, bucket *TokenBucket, next pipeline.Handler, log *slog.Logger) *RateLimited {
	if log == nil {
		log = slog.Default()
	}
	return &RateLimited{sinkID: sinkID, bucket: bucket, next: next, log: log, now: time.Now}
}

func (r *RateLimited) Handle(ctx context.Context, out *pipeline.Output) error {
	if !r.bucket.Allow(r.now()) {
		r.dropped.Add(1)
		r.log.Debug("rate limited", "sink", r.sinkID, "output", out.ID)
		return nil
	}
	return r.next.Handle(ctx, out)
}

// asHandler returns r, exposing WriteBatch when next is a BatchWriter.
func (r *RateLimited) asHandler() pipeline.Handler {
	if bw, ok := r.next.(BatchWriter); ok {
		return batchRateLimited{RateLimited: r, bw: bw}
	}
	return r
}

type batchRateLimited struct {
	*RateLimited
	bw BatchWriter
}

// WriteBatch spends one token per output and writes the admitted ones together.
func (b batchRateLimited) WriteBatch(ctx context.Context, outs []*pipeline.Output) error {
	now := b.now()
	keep := make([]*pipeline.Output, 0, len(outs))
	for _, out := range outs {
		if !b.bucket.Allow(now) {
			b.dropped.Add(1)
			b.log.Debug("rate limited", "sink", b.sinkID, "output", out.ID)
			continue
		}
		keep = append(keep, out)
	}
	if len(keep) == 0 {
		return nil
	}
	return b.bw.WriteBatch(ctx, keep)
}

// Dropped counts outputs skipped because the bucket was empty.
func (r *RateLimited) Dropped() uint64 { return r.dropped.Load() }
