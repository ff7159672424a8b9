package engine

import (
	"context"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/devblac/chainpipe/internal/buffer"
	"github.com/devblac/chainpipe/internal/metrics"
	"github.com/devblac/chainpipe/internal/model"
	"github.com/devblac/chainpipe/internal/pipeline"
)

type workerPool struct {
	wg    sync.WaitGroup
	done  chan struct{}
	main  *buffer.Queue[buffer.Item]
	lanes []*buffer.Queue[buffer.Item]
}

// drain empties every queue the pool reads from.
func (p *workerPool) drain() int {
	n := p.main.Drain()
	for _, l := range p.lanes {
		n += l.Drain()
	}
	return n
}

// startWorkers launches the pool. Workers exit when the main queue is closed
// and empty, or when ctx is cancelled.
func (r *Runtime) startWorkers(ctx context.Context) *workerPool {
	p := &workerPool{done: make(chan struct{}), main: r.queue}

	if r.partition == nil {
		for i := 0; i < r.cfg.Workers; i++ {
			p.wg.Add(1)
			go func(id int) {
				defer p.wg.Done()
				r.work(ctx, id, r.queue)
			}(i)
		}
	} else {
		laneCap := max(1, r.cfg.BufferCapacity/r.cfg.Workers)
		p.lanes = make([]*buffer.Queue[buffer.Item], r.cfg.Workers)
		for i := range p.lanes {
			p.lanes[i] = buffer.New[buffer.Item](laneCap, buffer.Block)
			p.wg.Add(1)
			go func(id int, lane *buffer.Queue[buffer.Item]) {
				defer p.wg.Done()
				r.work(ctx, id, lane)
			}(i, p.lanes[i])
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			r.route(ctx, p.lanes)
		}()
	}

	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	r.log.Debug("worker pool started", "workers", r.cfg.Workers, "partitioned", r.partition != nil, "batch_size", r.cfg.BatchSize)
	return p
}

// route sends every item to the lane owning its partition key so that items
// sharing a key are handled in arrival order by one worker.
func (r *Runtime) route(ctx context.Context, lanes []*buffer.Queue[buffer.Item]) {
	defer func() {
		for _, l := range lanes {
			l.Close()
		}
	}()
	for {
		it, err := r.queue.Pop(ctx)
		if err != nil {
			return
		}
		lane := lanes[laneFor(r.partition(it.Update), len(lanes))]
		if err := lane.Push(ctx, it); err != nil {
			r.dropOnShutdown(1)
			return
		}
	}
}

func laneFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (r *Runtime) work(ctx context.Context, id int, q *buffer.Queue[buffer.Item]) {
	for {
		if ctx.Err() != nil {
			return
		}
		items, err := buffer.Collect(ctx, q, r.cfg.BatchSize, r.cfg.BatchTimeout)
		if err != nil {
			return
		}
		for i, it := range items {
			if ctx.Err() != nil {
				r.dropOnShutdown(len(items) - i)
				return
			}
			r.process(ctx, id, it)
		}
	}
}

func (r *Runtime) dropOnShutdown(n int) {
	if n <= 0 {
		return
	}
	r.pending.Add(-int64(n))
	r.stats.droppedShutdown.Add(uint64(n))
	for i := 0; i < n; i++ {
		r.metrics.UpdateDropped(metrics.DropShutdown)
	}
}

// process runs every matching pipeline for one item. A panic anywhere in the
// item is recovered so the worker moves on to the next one.
func (r *Runtime) process(ctx context.Context, worker int, it buffer.Item) {
	defer r.pending.Add(-1)
	defer func() {
		if rec := recover(); rec != nil {
			r.stats.workerPanics.Add(1)
			r.metrics.WorkerPanic()
			r.log.Error("worker recovered from panic", "worker", worker, "panic", rec, "stack", string(debug.Stack()))
		}
	}()

	r.metrics.QueueLag(it.Age(r.now()))
	r.metrics.QueueDepth(r.queue.Len())

	for _, p := range r.pipelines {
		if !p.Matches(it.Update) {
			continue
		}
		r.dispatch(ctx, p, it.Update)
	}
}

func (r *Runtime) dispatch(ctx context.Context, p *pipeline.Pipeline, u *model.Update) {
	ctx, span := r.tracer.Start(ctx, "pipeline.dispatch", trace.WithAttributes(
		attribute.String("pipeline.id", p.ID()),
		attribute.Int64("update.slot", int64(u.Slot)),
		attribute.String("update.kind", u.Kind.String()),
	))
	defer span.End()

	st := r.stats.pipelines[p.ID()]
	st.matched.Add(1)
	r.metrics.PipelineMatched(p.ID())
	start := time.Now()

	out, err := p.Decode(u)
	if err != nil {
		if pipeline.IsFiltered(err) {
			st.filtered.Add(1)
			r.metrics.PipelineFiltered(p.ID())
			return
		}
		st.malformed.Add(1)
		r.metrics.PipelineMalformed(p.ID())
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed update")
		r.log.Warn("malformed update", "pipeline", p.ID(), "slot", u.Slot, "signature", u.Signature, "err", err)
		return
	}

	failures := p.Fanout(ctx, out)
	for _, f := range failures {
		st.handlerErrors.Add(1)
		r.metrics.HandlerFailed(p.ID(), f.Index)
		span.RecordError(f)
		r.log.Error("handler failed",
			"pipeline", p.ID(),
			"handler", f.Index,
			"output", out.ID,
			"slot", out.Slot,
			"timed_out", f.TimedOut,
			"panicked", f.Panicked,
			"err", f.Err)
	}
	if len(failures) > 0 {
		span.SetStatus(codes.Error, "handler failure")
	}
	st.processed.Add(1)
	r.metrics.PipelineProcessed(p.ID(), time.Since(start))
}
