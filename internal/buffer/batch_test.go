package buffer

import (
	"context"
	"testing"
	"time"
)

func TestCollectBySize(t *testing.T) {
	q := New[int](10, Block)
	for i := 0; i < 7; i++ {
		_ = q.Push(context.Background(), i)
	}
	batch, err := Collect(context.Background(), q, 5, time.Second)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(batch) != 5 || batch[0] != 0 || batch[4] != 4 {
		t.Fatalf("unexpected batch %v", batch)
	}
}

func TestCollectByTimeout(t *testing.T) {
	q := New[int](10, Block)
	_ = q.Push(context.Background(), 1)
	_ = q.Push(context.Background(), 2)

	start := time.Now()
	batch, err := Collect(context.Background(), q, 100, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("batch=%v", batch)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatalf("returned before timeout")
	}
}

func TestCollectClosedQueue(t *testing.T) {
	q := New[int](4, Block)
	_ = q.Push(context.Background(), 9)
	q.Close()

	batch, err := Collect(context.Background(), q, 4, time.Second)
	if err != nil || len(batch) != 1 || batch[0] != 9 {
		t.Fatalf("batch=%v err=%v", batch, err)
	}
	if _, err := Collect(context.Background(), q, 4, time.Second); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
