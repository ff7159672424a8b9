package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devblac/chainpipe/internal/buffer"
	"github.com/devblac/chainpipe/internal/pipeline"
)

// AsyncConfig bounds the per-sink work queue.
type AsyncConfig struct {
	Capacity     int
	Overflow     buffer.Policy
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
}

// Async decouples a slow sink from pipeline dispatch with its own bounded queue.
// Handle only enqueues; delivery errors are logged and counted.
type Async struct {
	id    string
	q     *buffer.Queue[*pipeline.Output]
	write func(ctx context.Context, outs []*pipeline.Output) error
	cfg   AsyncConfig
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewAsync starts cfg.Workers goroutines feeding next. When next is a BatchWriter outputs
// are written in batches of up to cfg.BatchSize.
func NewAsync(id string, next pipeline.Handler, cfg AsyncConfig, log *slog.Logger) *Async {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if log == nil {
		log = slog.Default()
	}

	a := &Async{id: id, cfg: cfg, log: log.With("sink", id)}
	a.q = buffer.New[*pipeline.Output](cfg.Capacity, cfg.Overflow, buffer.WithEvictHook(func(*pipeline.Output) {
		a.dropped.Add(1)
	}))
	if bw, ok := next.(BatchWriter); ok {
		a.write = bw.WriteBatch
	} else {
		a.write = func(ctx context.Context, outs []*pipeline.Output) error {
			var errs []error
			for _, out := range outs {
				if err := next.Handle(ctx, out); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		}
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	for i := 0; i < cfg.Workers; i++ {
		a.wg.Add(1)
		go a.run()
	}
	return a
}

func (a *Async) Handle(ctx context.Context, out *pipeline.Output) error {
	err := a.q.Push(ctx, out)
	if errors.Is(err, buffer.ErrFull) {
		a.dropped.Add(1)
	}
	return err
}

func (a *Async) run() {
	defer a.wg.Done()
	for a.ctx.Err() == nil {
		batch, err := buffer.Collect(a.ctx, a.q, a.cfg.BatchSize, a.cfg.BatchTimeout)
		if len(batch) > 0 {
			a.flush(batch)
		}
		if err != nil {
			return
		}
	}
}

func (a *Async) flush(batch []*pipeline.Output) {
	if err := a.write(a.ctx, batch); err != nil {
		a.failed.Add(uint64(len(batch)))
		a.log.Warn("async delivery failed", "outputs", len(batch), "err", err)
		return
	}
	a.delivered.Add(uint64(len(batch)))
}

// Close stops admission and waits for queued outputs to be written. When ctx ends
// first the workers are cancelled and the remainder is discarded.
func (a *Async) Close(ctx context.Context) error {
	a.q.Close()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		<-done
		if n := a.q.Drain(); n > 0 {
			a.dropped.Add(uint64(n))
		}
		return ctx.Err()
	}
}

// Stats reports delivered, failed and dropped output counts.
func (a *Async) Stats() (delivered, failed, dropped uint64) {
	return a.delivered.Load(), a.failed.Load(), a.dropped.Load()
}

// Len is the number of queued outputs.
func (a *Async) Len() int { return a.q.Len() }
