package sink

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devblac/chainpipe/internal/buffer"
	"github.com/devblac/chainpipe/internal/pipeline"
	"github.com/devblac/chainpipe/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type countingHandler struct {
	mu    sync.Mutex
	calls int
	err   error
	ids   []string
}

func (c *countingHandler) Handle(_ context.Context, out *pipeline.Output) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.ids = append(c.ids, out.ID)
	return c.err
}

func (c *countingHandler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestDedupeSkipsRepeatsWithinTTL(t *testing.T) {
	store := newTestStore(t)
	next := &countingHandler{}
	d := NewDedupe("hook", "signature:slot", time.Hour, store, next)
	ctx := context.Background()

	a := output("a")
	b := output("b") // same signature and slot as a
	if err := d.Handle(ctx, a); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := d.Handle(ctx, b); err != nil {
		t.Fatalf("second: %v", err)
	}
	if next.count() != 1 {
		t.Fatalf("expected duplicate to be skipped, calls=%d", next.count())
	}

	later := time.Now().Add(2 * time.Hour)
	d.now = func() time.Time { return later }
	if err := d.Handle(ctx, b); err != nil {
		t.Fatalf("after ttl: %v", err)
	}
	if next.count() != 2 {
		t.Fatalf("expected delivery after ttl, calls=%d", next.count())
	}
}

func TestDedupeDoesNotMarkFailedDelivery(t *testing.T) {
	store := newTestStore(t)
	next := &countingHandler{err: errors.New("down")}
	d := NewDedupe("hook", "", 0, store, next)
	ctx := context.Background()

	_ = d.Handle(ctx, output("a"))
	_ = d.Handle(ctx, output("a"))
	if next.count() != 2 {
		t.Fatalf("failed delivery should be retried, calls=%d", next.count())
	}
}

func TestBuildDedupeKey(t *testing.T) {
	out := output("x")
	if got := buildDedupeKey("pipeline:key:slot", out); got != "swaps:prog:42" {
		t.Fatalf("got %q", got)
	}
	if got := buildDedupeKey("", out); got != out.Signature {
		t.Fatalf("default key %q", got)
	}
}

func TestTokenBucket(t *testing.T) {
	tb := NewTokenBucket(2, 1) // capacity=2, 1 token/sec
	now := time.Now()

	if !tb.Allow(now) || !tb.Allow(now) {
		t.Fatalf("expected initial tokens available")
	}
	if tb.Allow(now) {
		t.Fatalf("expected third to be rate-limited")
	}

	now = now.Add(1500 * time.Millisecond)
	if !tb.Allow(now) {
		t.Fatalf("expected token after refill")
	}
}

func TestRateLimitedDropsWhenEmpty(t *testing.T) {
	next := &countingHandler{}
	now := time.Now()
	r := NewRateLimited("hook", NewTokenBucket(1, 0.001), next, nil)
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if err := r.Handle(context.Background(), output("o")); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if next.count() != 1 || r.Dropped() != 2 {
		t.Fatalf("calls=%d dropped=%d", next.count(), r.Dropped())
	}
}

func TestAuditedRecordsOutcome(t *testing.T) {
	store := newTestStore(t)
	ok := NewAudited("hook", store, &countingHandler{})
	if err := ok.Handle(context.Background(), output("o1")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// The primary key proves the row was written.
	if err := store.InsertDelivery(context.Background(), storage.Delivery{OutputID: "o1", SinkID: "hook", Status: "sent"}); err == nil {
		t.Fatalf("expected delivery row to exist")
	}

	boom := errors.New("boom")
	bad := NewAudited("hook", store, &countingHandler{err: boom})
	if err := bad.Handle(context.Background(), output("o2")); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

type batchRecorder struct {
	mu      sync.Mutex
	batches [][]*pipeline.Output
	block   chan struct{}
}

func (b *batchRecorder) Handle(ctx context.Context, out *pipeline.Output) error {
	return b.WriteBatch(ctx, []*pipeline.Output{out})
}

func (b *batchRecorder) WriteBatch(ctx context.Context, outs []*pipeline.Output) error {
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, outs)
	return nil
}

func (b *batchRecorder) total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, batch := range b.batches {
		n += len(batch)
	}
	return n
}

func TestAsyncBatchesAndDrainsOnClose(t *testing.T) {
	rec := &batchRecorder{}
	a := NewAsync("pg", rec, AsyncConfig{Capacity: 64, Workers: 1, BatchSize: 10, BatchTimeout: 20 * time.Millisecond}, nil)

	for i := 0; i < 25; i++ {
		if err := a.Handle(context.Background(), output("o")); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if rec.total() != 25 {
		t.Fatalf("expected all 25 written, got %d", rec.total())
	}
	for _, b := range rec.batches {
		if len(b) > 10 {
			t.Fatalf("batch exceeds size: %d", len(b))
		}
	}
	delivered, failed, dropped := a.Stats()
	if delivered != 25 || failed != 0 || dropped != 0 {
		t.Fatalf("stats %d/%d/%d", delivered, failed, dropped)
	}
	if err := a.Handle(context.Background(), output("late")); !errors.Is(err, buffer.ErrClosed) {
		t.Fatalf("expected closed after Close, got %v", err)
	}
}

func TestAsyncErrorPolicyRejectsWhenFull(t *testing.T) {
	rec := &batchRecorder{block: make(chan struct{})}
	a := NewAsync("slow", rec, AsyncConfig{Capacity: 2, Overflow: buffer.Error, Workers: 1}, nil)

	var rejected atomic.Int32
	for i := 0; i < 10; i++ {
		if err := a.Handle(context.Background(), output("o")); errors.Is(err, buffer.ErrFull) {
			rejected.Add(1)
		}
	}
	if rejected.Load() == 0 {
		t.Fatalf("expected some rejections")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := a.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected close to time out on a stuck writer, got %v", err)
	}
	_, _, dropped := a.Stats()
	if dropped < uint64(rejected.Load()) {
		t.Fatalf("dropped=%d rejected=%d", dropped, rejected.Load())
	}
}

func TestAsyncWrapsPlainHandler(t *testing.T) {
	next := &countingHandler{err: errors.New("nope")}
	a := NewAsync("plain", next, AsyncConfig{BatchSize: 4}, nil)
	for i := 0; i < 4; i++ {
		_ = a.Handle(context.Background(), output("o"))
	}
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if next.count() != 4 {
		t.Fatalf("calls=%d", next.count())
	}
	_, failed, _ := a.Stats()
	if failed == 0 {
		t.Fatalf("expected failures to be counted")
	}
}

func TestWrappersKeepBatching(t *testing.T) {
	store := newTestStore(t)
	rec := &batchRecorder{}
	h := NewDedupe("pg", "signature", time.Hour, store, rec).asHandler()
	h = NewRateLimited("pg", NewTokenBucket(3, 0.001), h, nil).asHandler()
	if _, ok := h.(BatchWriter); !ok {
		t.Fatalf("dedupe and rate_limit should forward WriteBatch, got %T", h)
	}

	a := NewAsync("pg", h, AsyncConfig{Capacity: 16, Workers: 1, BatchSize: 5, BatchTimeout: time.Second}, nil)
	for _, sig := range []string{"s1", "s2", "s1", "s3", "s4"} {
		out := output("o-" + sig)
		out.Signature = sig
		if err := a.Handle(context.Background(), out); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.batches) != 1 {
		t.Fatalf("expected one batch, got %d", len(rec.batches))
	}
	var sigs []string
	for _, out := range rec.batches[0] {
		sigs = append(sigs, out.Signature)
	}
	// rate_limit admits three, dedupe then drops the repeated s1
	if len(sigs) != 2 || sigs[0] != "s1" || sigs[1] != "s2" {
		t.Fatalf("batch signatures %v", sigs)
	}

	dup, err := store.IsDuplicate(context.Background(), "pg|s2", time.Now())
	if err != nil || !dup {
		t.Fatalf("batched outputs should be marked: dup=%v err=%v", dup, err)
	}
}

func TestWrappersStayPlainOverPlainHandler(t *testing.T) {
	store := newTestStore(t)
	h := NewDedupe("hook", "", time.Hour, store, &countingHandler{}).asHandler()
	h = NewRateLimited("hook", NewTokenBucket(1, 1), h, nil).asHandler()
	if _, ok := h.(BatchWriter); ok {
		t.Fatalf("plain target should not look like a BatchWriter")
	}
}
