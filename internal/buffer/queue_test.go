package buffer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", Block, false},
		{"block", Block, false},
		{"drop_oldest", DropOldest, false},
		{"DropOldest", DropOldest, false},
		{"error", Error, false},
		{"drop_newest", Block, true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("ParsePolicy(%q)=%v,%v", tt.in, got, err)
		}
	}
}

func TestDropOldestNeverExceedsCapacity(t *testing.T) {
	const capacity = 4
	var evicted []int
	q := New[int](capacity, DropOldest, WithEvictHook(func(v int) { evicted = append(evicted, v) }))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := q.Push(ctx, i); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
		if q.Len() > capacity {
			t.Fatalf("len %d exceeds capacity", q.Len())
		}
	}
	if q.Evicted() != 6 || len(evicted) != 6 {
		t.Fatalf("evicted=%d hook=%d, want 6", q.Evicted(), len(evicted))
	}
	for want := 6; want < 10; want++ {
		got, err := q.Pop(ctx)
		if err != nil || got != want {
			t.Fatalf("pop got %d,%v want %d", got, err, want)
		}
	}
}

func TestDropOldestConcurrentProducers(t *testing.T) {
	const capacity = 8
	q := New[int](capacity, DropOldest)
	ctx := context.Background()
	var wg sync.WaitGroup
	var maxLen atomic.Int64
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_ = q.Push(ctx, i)
				if l := int64(q.Len()); l > maxLen.Load() {
					maxLen.Store(l)
				}
			}
		}()
	}
	wg.Wait()
	if maxLen.Load() > capacity {
		t.Fatalf("observed len %d > %d", maxLen.Load(), capacity)
	}
	if got := uint64(q.Len()) + q.Evicted(); got != 2000 {
		t.Fatalf("len+evicted=%d, want 2000", got)
	}
}

func TestErrorRejectsExactlyWhenFull(t *testing.T) {
	q := New[int](3, Error)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := q.Push(ctx, i); err != nil {
			t.Fatalf("push %d before full: %v", i, err)
		}
	}
	if err := q.Push(ctx, 3); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if _, err := q.Pop(ctx); err != nil {
		t.Fatalf("pop: %v", err)
	}
	if err := q.Push(ctx, 4); err != nil {
		t.Fatalf("push after space freed: %v", err)
	}
	if q.Rejected() != 1 {
		t.Fatalf("rejected=%d", q.Rejected())
	}
}

func TestBlockNeverDrops(t *testing.T) {
	q := New[int](2, Block)
	ctx := context.Background()
	const total = 200

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			if err := q.Push(ctx, i); err != nil {
				t.Errorf("push %d: %v", i, err)
				return
			}
		}
	}()

	for want := 0; want < total; want++ {
		if want%50 == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		got, err := q.Pop(ctx)
		if err != nil || got != want {
			t.Fatalf("pop got %d,%v want %d", got, err, want)
		}
	}
	<-done
	if q.Evicted() != 0 || q.Rejected() != 0 {
		t.Fatalf("block policy lost items: evicted=%d rejected=%d", q.Evicted(), q.Rejected())
	}
}

func TestBlockPushHonoursContext(t *testing.T) {
	q := New[int](1, Block)
	_ = q.Push(context.Background(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Push(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestCloseWakesAndDrains(t *testing.T) {
	q := New[int](2, Block)
	ctx := context.Background()
	_ = q.Push(ctx, 1)
	_ = q.Push(ctx, 2)

	errCh := make(chan error, 1)
	go func() { errCh <- q.Push(ctx, 3) }()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()

	if err := <-errCh; !errors.Is(err, ErrClosed) {
		t.Fatalf("blocked producer got %v", err)
	}
	for want := 1; want <= 2; want++ {
		got, err := q.Pop(ctx)
		if err != nil || got != want {
			t.Fatalf("pop after close got %d,%v", got, err)
		}
	}
	if _, err := q.Pop(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on empty closed queue, got %v", err)
	}
	if err := q.Push(ctx, 4); !errors.Is(err, ErrClosed) {
		t.Fatalf("push after close: %v", err)
	}
}

func TestDrain(t *testing.T) {
	q := New[int](5, Block)
	for i := 0; i < 4; i++ {
		_ = q.Push(context.Background(), i)
	}
	if n := q.Drain(); n != 4 || q.Len() != 0 {
		t.Fatalf("drain=%d len=%d", n, q.Len())
	}
}

func TestItemAge(t *testing.T) {
	now := time.Now()
	it := Item{Arrived: now.Add(-time.Second)}
	if it.Age(now) != time.Second {
		t.Fatalf("age=%v", it.Age(now))
	}
	if (Item{}).Age(now) != 0 {
		t.Fatalf("zero arrival should have zero age")
	}
}

func TestTryPushNeverWaits(t *testing.T) {
	q := New[int](1, Block)
	if !q.TryPush(1) {
		t.Fatalf("first push should fit")
	}
	if q.TryPush(2) {
		t.Fatalf("push into full queue should fail")
	}
	if q.Len() != 1 || q.Rejected() != 0 {
		t.Fatalf("len=%d rejected=%d", q.Len(), q.Rejected())
	}
	q.Close()
	q.Drain()
	if q.TryPush(3) {
		t.Fatalf("closed queue accepted a push")
	}
}
