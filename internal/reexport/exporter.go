package reexport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/devblac/chainpipe/internal/buffer"
	"github.com/devblac/chainpipe/internal/codec"
	"github.com/devblac/chainpipe/internal/metrics"
	"github.com/devblac/chainpipe/internal/pipeline"
)

var (
	ErrClosed          = errors.New("reexport: closed")
	ErrUnknownPipeline = errors.New("reexport: unknown pipeline")
)

// AllKeys subscribes to every routing key of a pipeline.
const AllKeys = "*"

// Config shapes every subscriber queue.
type Config struct {
	Capacity     int
	Overflow     buffer.Policy
	BlockTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 256
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = time.Second
	}
	return c
}

// Exporter republishes pipeline outputs to subscribers, each with its own bounded queue.
type Exporter struct {
	cfg     Config
	log     *slog.Logger
	metrics metrics.Sink
	tracer  trace.Tracer

	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription
	closed bool
}

// Option configures an Exporter.
type Option func(*Exporter)

func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) {
		if l != nil {
			e.log = l
		}
	}
}

func WithMetrics(m metrics.Sink) Option {
	return func(e *Exporter) {
		if m != nil {
			e.metrics = m
		}
	}
}

// New creates an exporter for the given pipeline ids.
func New(pipelines []string, cfg Config, opts ...Option) *Exporter {
	e := &Exporter{
		cfg:     cfg.withDefaults(),
		log:     slog.Default(),
		metrics: metrics.Nop{},
		tracer:  otel.Tracer("github.com/devblac/chainpipe/internal/reexport"),
		subs:    make(map[string]map[string]*Subscription, len(pipelines)),
	}
	for _, id := range pipelines {
		e.subs[id] = make(map[string]*Subscription)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handler returns a pipeline handler publishing to this exporter.
func (e *Exporter) Handler() pipeline.Handler {
	return pipeline.HandlerFunc(e.Publish)
}

// Publish serializes out once and offers it to every matching subscriber.
// Subscribers with room are served first. Full Block subscribers then wait
// concurrently under one shared deadline, so Publish returns within a single
// BlockTimeout however many of them are stuck.
func (e *Exporter) Publish(ctx context.Context, out *pipeline.Output) error {
	targets := e.matching(out.Pipeline, out.Key)
	if len(targets) == 0 {
		return nil
	}

	_, span := e.tracer.Start(ctx, "reexport.publish", trace.WithAttributes(
		attribute.String("pipeline.id", out.Pipeline),
		attribute.Int("subscribers", len(targets)),
	))
	defer span.End()

	payload, err := codec.Marshal(out)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("reexport: encode output %s: %w", out.ID, err)
	}

	var full []*Subscription
	for _, s := range targets {
		if s.queue.Policy() != buffer.Block {
			s.offer(ctx, ctx, payload)
			continue
		}
		if s.queue.TryPush(payload) {
			e.metrics.SubscriberSent(s.Pipeline)
			continue
		}
		full = append(full, s)
	}
	if len(full) == 0 {
		return nil
	}
	span.SetAttributes(attribute.Int("subscribers.full", len(full)))

	blockCtx, cancel := context.WithTimeout(ctx, e.cfg.BlockTimeout)
	defer cancel()
	var wg sync.WaitGroup
	for _, s := range full {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.offer(ctx, blockCtx, payload)
		}()
	}
	wg.Wait()
	return nil
}

func (e *Exporter) matching(pipelineID, key string) []*Subscription {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set := e.subs[pipelineID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Subscription, 0, len(set))
	for _, s := range set {
		if s.Key == "" || s.Key == AllKeys || s.Key == key {
			out = append(out, s)
		}
	}
	return out
}

// Subscribe registers a subscriber for one pipeline and routing key.
func (e *Exporter) Subscribe(pipelineID, key string) (*Subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	set, ok := e.subs[pipelineID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, pipelineID)
	}

	s := &Subscription{
		ID:       ulid.Make().String(),
		Pipeline: pipelineID,
		Key:      key,
		exp:      e,
	}
	s.queue = buffer.New[[]byte](e.cfg.Capacity, e.cfg.Overflow,
		buffer.WithEvictHook(func([]byte) { e.metrics.SubscriberEvicted(pipelineID) }))
	set[s.ID] = s
	e.metrics.SubscriberCount(pipelineID, len(set))
	e.log.Info("subscriber attached", "pipeline", pipelineID, "key", key, "subscriber", s.ID)
	return s, nil
}

// Subscribers counts the active subscribers of a pipeline.
func (e *Exporter) Subscribers(pipelineID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs[pipelineID])
}

func (e *Exporter) remove(s *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := e.subs[s.Pipeline]
	if _, ok := set[s.ID]; !ok {
		return
	}
	delete(set, s.ID)
	e.metrics.SubscriberCount(s.Pipeline, len(set))
}

// Close terminates every subscription and refuses new ones.
func (e *Exporter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	var all []*Subscription
	for _, set := range e.subs {
		for _, s := range set {
			all = append(all, s)
		}
	}
	e.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	e.log.Info("re-exporter closed", "subscribers", len(all))
	return nil
}

// Subscription is one subscriber's outbound queue.
type Subscription struct {
	ID       string
	Pipeline string
	Key      string

	exp   *Exporter
	queue *buffer.Queue[[]byte]
	once  sync.Once
}

// offer pushes payload with pushCtx. A pushCtx deadline while ctx is still
// live means the subscriber is too slow and gets disconnected.
func (s *Subscription) offer(ctx, pushCtx context.Context, payload []byte) {
	err := s.queue.Push(pushCtx, payload)
	switch {
	case err == nil:
		s.exp.metrics.SubscriberSent(s.Pipeline)
	case errors.Is(err, buffer.ErrFull):
		s.exp.metrics.SubscriberEvicted(s.Pipeline)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		s.exp.metrics.SubscriberEvicted(s.Pipeline)
		s.exp.log.Warn("disconnecting slow subscriber", "pipeline", s.Pipeline, "subscriber", s.ID, "block_timeout", s.exp.cfg.BlockTimeout)
		s.Close()
	}
}

// Next waits for the next serialized output.
func (s *Subscription) Next(ctx context.Context) ([]byte, error) {
	b, err := s.queue.Pop(ctx)
	if errors.Is(err, buffer.ErrClosed) {
		return nil, ErrClosed
	}
	return b, err
}

// C exposes queued payloads for select loops.
func (s *Subscription) C() <-chan []byte { return s.queue.C() }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.queue.Done() }

// Dropped counts outputs this subscriber lost to its overflow policy.
func (s *Subscription) Dropped() uint64 { return s.queue.Evicted() + s.queue.Rejected() }

// Len is the number of queued outputs.
func (s *Subscription) Len() int { return s.queue.Len() }

// Close detaches the subscriber and releases its queue. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.exp.remove(s)
		s.queue.Close()
		s.queue.Drain()
		s.exp.log.Debug("subscriber detached", "pipeline", s.Pipeline, "subscriber", s.ID, "dropped", s.Dropped())
	})
}
