package sink

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/chainpipe/internal/pipeline"
)

const defaultDedupeTTL = 24 * time.Hour

// DedupeStore remembers keys until they expire.
type DedupeStore interface {
	IsDuplicate(ctx context.Context, key string, now time.Time) (bool, error)
	MarkDedupe(ctx context.Context, key string, expiresAt time.Time) error
}

// Dedupe skips outputs whose key was delivered by this sink within ttl.
type Dedupe struct {
	sinkID  string
	pattern string
	ttl     time.Duration
	store   DedupeStore
	next    pipeline.Handler
	now     func() time.Time
}

// NewDedupe wraps next. pattern may combine the words pipeline, signature, slot and key,
// e.g. "signature:slot"; empty means signature.
func NewDedupe(sinkID, pattern string, ttl time.Duration, store DedupeStore, next pipeline.Handler) *Dedupe {
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &Dedupe{sinkID: sinkID, pattern: pattern, ttl: ttl, store: store, next: next, now: time.Now}
}

// Handle marks the key only after next succeeds so a failed delivery can be retried.
func (d *Dedupe) Handle(ctx context.Context, out *pipeline.Output) error {
	key := d.key(out)
	now := d.now()
	dup, err := d.store.IsDuplicate(ctx, key, now)
	if err != nil {
		return err
	}
	if dup {
		return nil
	}
	if err := d.next.Handle(ctx, out); err != nil {
		return err
	}
	return d.store.MarkDedupe(ctx, key, now.Add(d.ttl))
}

func (d *Dedupe) key(out *pipeline.Output) string {
	return d.sinkID + "|" + buildDedupeKey(d.pattern, out)
}

// asHandler returns d, exposing WriteBatch when next is a BatchWriter.
func (d *Dedupe) asHandler() pipeline.Handler {
	if bw, ok := d.next.(BatchWriter); ok {
		return batchDedupe{Dedupe: d, bw: bw}
	}
	return d
}

type batchDedupe struct {
	*Dedupe
	bw BatchWriter
}

// WriteBatch drops duplicates, writes the rest in one batch and marks them once it succeeds.
func (b batchDedupe) WriteBatch(ctx context.Context, outs []*pipeline.Output) error {
	now := b.now()
	keep := make([]*pipeline.Output, 0, len(outs))
	keys := make([]string, 0, len(outs))
	seen := make(map[string]bool, len(outs))
	for _, out := range outs {
		key := b.key(out)
		if seen[key] {
			continue
		}
		dup, err := b.store.IsDuplicate(ctx, key, now)
		if err != nil {
			return err
		}
		if dup {
			continue
		}
		seen[key] = true
		keep = append(keep, out)
		keys = append(keys, key)
	}
	if len(keep) == 0 {
		return nil
	}
	if err := b.bw.WriteBatch(ctx, keep); err != nil {
		return err
	}
	for _, key := range keys {
		if err := b.store.MarkDedupe(ctx, key, now.Add(b.ttl)); err != nil {
			return err
		}
	}
	return nil
}

func buildDedupeKey(pattern string, out *pipeline.Output) string {
	if pattern == "" {
		pattern = "signature"
	}
	r := strings.NewReplacer(
		"pipeline", out.Pipeline,
		"signature", out.Signature,
		"slot", strconv.FormatUint(out.Slot, 10),
		"key", out.Key,
	)
	return r.Replace(pattern)
}
