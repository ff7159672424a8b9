package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/devblac/chainpipe/internal/buffer"
	"github.com/devblac/chainpipe/internal/metrics"
	"github.com/devblac/chainpipe/internal/pipeline"
)

// Config holds the runtime tuning knobs.
type Config struct {
	Workers          int
	BufferCapacity   int
	Overflow         buffer.Policy
	BatchSize        int
	BatchTimeout     time.Duration
	PartitionBy      string
	ShutdownGrace    time.Duration
	Backoff          Backoff
	FailureThreshold int
	OpenTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 60 * time.Second
	}
	c.Backoff = c.Backoff.withDefaults()
	return c
}

// Closer is flushed during shutdown after workers stop.
type Closer interface {
	Close(ctx context.Context) error
}

// CloserFunc adapts a function to Closer.
type CloserFunc func(ctx context.Context) error

func (f CloserFunc) Close(ctx context.Context) error { return f(ctx) }

type namedCloser struct {
	name string
	c    Closer
}

// Runtime owns the source lifecycle, the buffer, the worker pool and shutdown.
type Runtime struct {
	cfg       Config
	source    Source
	pipelines []*pipeline.Pipeline
	byID      map[string]*pipeline.Pipeline
	queue     *buffer.Queue[buffer.Item]
	partition pipeline.KeyFunc

	log      *slog.Logger
	metrics  metrics.Sink
	tracer   trace.Tracer
	now      func() time.Time
	observer func(ConnectionState)
	closers  []namedCloser
	exporter Closer

	breaker *breaker
	state   atomic.Pointer[ConnectionState]
	stats   stats
	pending atomic.Int64
	running atomic.Bool
}

// Option configures a Runtime.
type Option func(*Runtime)

func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.log = l
		}
	}
}

func WithMetrics(m metrics.Sink) Option {
	return func(r *Runtime) {
		if m != nil {
			r.metrics = m
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Runtime) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithCloser registers c to be closed after the workers stop, in registration order.
func WithCloser(name string, c Closer) Option {
	return func(r *Runtime) { r.closers = append(r.closers, namedCloser{name: name, c: c}) }
}

// WithExporter registers the stream re-exporter, closed last.
func WithExporter(c Closer) Option {
	return func(r *Runtime) { r.exporter = c }
}

// WithStateObserver is called on every connection state change.
func WithStateObserver(fn func(ConnectionState)) Option {
	return func(r *Runtime) { r.observer = fn }
}

// New validates the pipelines and builds a runtime.
func New(cfg Config, src Source, pipelines []*pipeline.Pipeline, opts ...Option) (*Runtime, error) {
	if src == nil {
		return nil, errors.New("runtime: source is required")
	}
	if err := cfg.Backoff.Validate(); err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	cfg = cfg.withDefaults()

	var partition pipeline.KeyFunc
	if cfg.PartitionBy != "" {
		fn, ok := pipeline.ParseKeyFunc(cfg.PartitionBy)
		if !ok {
			return nil, fmt.Errorf("runtime: unknown partition key %q", cfg.PartitionBy)
		}
		partition = fn
	}

	r := &Runtime{
		cfg:       cfg,
		source:    src,
		pipelines: pipelines,
		byID:      make(map[string]*pipeline.Pipeline, len(pipelines)),
		partition: partition,
		log:       slog.Default(),
		metrics:   metrics.Nop{},
		tracer:    otel.Tracer("github.com/devblac/chainpipe/internal/engine"),
		now:       time.Now,
	}
	r.stats.pipelines = make(map[string]*pipelineStats, len(pipelines))
	for _, p := range pipelines {
		if p == nil {
			return nil, errors.New("runtime: nil pipeline")
		}
		if _, dup := r.byID[p.ID()]; dup {
			return nil, fmt.Errorf("runtime: duplicate pipeline id %q", p.ID())
		}
		r.byID[p.ID()] = p
		r.stats.pipelines[p.ID()] = &pipelineStats{}
	}
	for _, opt := range opts {
		opt(r)
	}

	r.queue = buffer.New[buffer.Item](cfg.BufferCapacity, cfg.Overflow,
		buffer.WithEvictHook(func(buffer.Item) {
			r.pending.Add(-1)
			r.stats.droppedOverflow.Add(1)
			r.metrics.UpdateDropped(metrics.DropOverflow)
		}))
	r.breaker = newBreaker(src.Name(), cfg.FailureThreshold, cfg.OpenTimeout, func(from, to gobreaker.State) {
		r.log.Warn("source circuit state changed", "source", src.Name(), "from", from.String(), "to", to.String())
	})
	r.setState(ConnectionState{Phase: PhaseDisconnected})
	return r, nil
}

// Pipelines returns the registered pipelines in registration order.
func (r *Runtime) Pipelines() []*pipeline.Pipeline { return r.pipelines }

// Pipeline looks a pipeline up by id.
func (r *Runtime) Pipeline(id string) (*pipeline.Pipeline, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// State returns the current connection state.
func (r *Runtime) State() ConnectionState {
	if s := r.state.Load(); s != nil {
		return *s
	}
	return ConnectionState{}
}

// Status snapshots counters and queue depth.
func (r *Runtime) Status() Status {
	st := Status{
		Source:          r.source.Name(),
		State:           r.State(),
		QueueDepth:      r.queue.Len(),
		QueueCapacity:   r.queue.Cap(),
		Overflow:        r.cfg.Overflow.String(),
		Workers:         r.cfg.Workers,
		Ingested:        r.stats.ingested.Load(),
		DroppedOverflow: r.stats.droppedOverflow.Load(),
		Rejected:        r.stats.rejected.Load(),
		DroppedShutdown: r.stats.droppedShutdown.Load(),
		WorkerPanics:    r.stats.workerPanics.Load(),
		LastSlot:        r.stats.lastSlot.Load(),
		Pipelines:       make(map[string]Counts, len(r.stats.pipelines)),
	}
	for id, ps := range r.stats.pipelines {
		st.Pipelines[id] = ps.snapshot()
	}
	return st
}

func (r *Runtime) setState(s ConnectionState) {
	s.Since = r.now()
	r.state.Store(&s)
	r.metrics.ConnectionState(s.Phase.String())
	if r.observer != nil {
		r.observer(s)
	}
}

// Run processes updates until ctx is cancelled, the source is exhausted or a
// fatal error occurs, then shuts down in order: source, drain, workers, closers, exporter.
// It returns nil on a graceful stop and the fatal error otherwise.
func (r *Runtime) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("runtime: already running")
	}

	// Workers outlive ctx so queued items can drain during the grace period.
	workCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	pool := r.startWorkers(workCtx)

	srcCtx, stopSource := context.WithCancel(ctx)
	defer stopSource()
	srcDone := make(chan error, 1)
	go func() { srcDone <- r.supervise(srcCtx) }()

	var runErr error
	select {
	case <-ctx.Done():
		stopSource()
		<-srcDone
		r.log.Info("shutdown requested", "source", r.source.Name())
	case err := <-srcDone:
		runErr = err
		if runErr != nil {
			r.log.Error("fatal source error, shutting down", "source", r.source.Name(), "err", runErr)
		} else {
			r.log.Info("source exhausted, shutting down", "source", r.source.Name())
		}
	}
	r.setState(ConnectionState{Phase: PhaseDisconnected})

	r.shutdown(pool, stopWorkers)
	return runErr
}

func (r *Runtime) shutdown(pool *workerPool, stopWorkers context.CancelFunc) {
	r.queue.Close()

	grace := time.NewTimer(r.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-pool.done:
		r.log.Info("buffer drained")
	case <-grace.C:
		r.log.Warn("shutdown grace elapsed with items queued", "pending", r.pending.Load(), "grace", r.cfg.ShutdownGrace)
	}

	stopWorkers()
	<-pool.done
	if dropped := pool.drain(); dropped > 0 {
		r.dropOnShutdown(dropped)
		r.log.Warn("dropped queued updates on shutdown", "count", dropped)
	}
	r.metrics.QueueDepth(0)

	closeCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownGrace)
	defer cancel()
	for _, nc := range r.closers {
		if err := nc.c.Close(closeCtx); err != nil {
			r.log.Error("closer failed", "closer", nc.name, "err", err)
		}
	}
	if r.exporter != nil {
		if err := r.exporter.Close(closeCtx); err != nil {
			r.log.Error("re-exporter close failed", "err", err)
		}
	}
}

// supervise connects, forwards and reconnects until ctx ends. It returns nil
// when ctx is done or the source is exhausted, and a FatalError otherwise.
func (r *Runtime) supervise(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		done, ok := r.breaker.allow()
		if !ok {
			until := r.breaker.openUntil()
			r.setState(ConnectionState{Phase: PhaseCircuitOpen, Until: until, Failures: attempt})
			if err := sleepCtx(ctx, time.Until(until)); err != nil {
				return nil
			}
			continue
		}

		r.setState(ConnectionState{Phase: PhaseConnecting, Failures: attempt})
		delivered, err := r.session(ctx)
		switch {
		case ctx.Err() != nil:
			done(true)
			return nil
		case errors.Is(err, io.EOF):
			done(true)
			return nil
		case IsFatal(err):
			done(false)
			return err
		}

		done(delivered > 0)
		if delivered > 0 {
			attempt = 0
		}
		r.metrics.ConnectionFailure()
		r.log.Warn("source connection failed", "source", r.source.Name(), "attempt", attempt+1, "err", err)

		attempt++
		if r.breaker.open() {
			continue
		}
		delay := r.cfg.Backoff.Next(attempt - 1)
		r.setState(ConnectionState{
			Phase:     PhaseBackoff,
			Until:     r.now().Add(delay),
			Failures:  attempt,
			LastError: errString(err),
		})
		if err := sleepCtx(ctx, delay); err != nil {
			return nil
		}
	}
}

// session connects once and forwards until the stream ends.
func (r *Runtime) session(ctx context.Context) (int, error) {
	stream, err := r.source.Connect(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			r.log.Debug("stream close", "source", r.source.Name(), "err", cerr)
		}
	}()
	r.setState(ConnectionState{Phase: PhaseConnected})
	r.log.Info("source connected", "source", r.source.Name())
	return r.forward(ctx, stream)
}

func (r *Runtime) forward(ctx context.Context, stream Stream) (int, error) {
	delivered := 0
	aware, _ := stream.(BackpressureAware)
	for {
		u, err := stream.Recv(ctx)
		if err != nil {
			return delivered, err
		}
		if u == nil {
			continue
		}
		if u.ObservedAt.IsZero() {
			u.ObservedAt = r.now()
		}
		delivered++
		r.stats.ingested.Add(1)
		r.stats.observeSlot(u.Slot)
		r.metrics.UpdateIngested(r.source.Name())
		r.metrics.LastSlot(u.Slot)

		r.pending.Add(1)
		err = r.queue.Push(ctx, buffer.Item{Update: u, Arrived: r.now()})
		switch {
		case err == nil:
		case errors.Is(err, buffer.ErrFull):
			r.pending.Add(-1)
			r.stats.rejected.Add(1)
			r.metrics.UpdateDropped(metrics.DropRejected)
			if aware != nil {
				aware.Backpressure(u)
			}
		default:
			r.pending.Add(-1)
			return delivered, err
		}
		r.metrics.QueueDepth(r.queue.Len())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
