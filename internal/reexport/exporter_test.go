package reexport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devblac/chainpipe/internal/buffer"
	"github.com/devblac/chainpipe/internal/codec"
	"github.com/devblac/chainpipe/internal/engine"
	"github.com/devblac/chainpipe/internal/model"
	"github.com/devblac/chainpipe/internal/pipeline"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func output(i int, key string) *pipeline.Output {
	return &pipeline.Output{ID: fmt.Sprintf("out-%d", i), Pipeline: "swaps", Key: key, Kind: model.KindInstruction, Slot: uint64(i), Value: i}
}

func TestFastAndSlowSubscribersUnderDropOldest(t *testing.T) {
	exp := New([]string{"swaps"}, Config{Capacity: 4, Overflow: buffer.DropOldest}, WithLogger(discard))
	fast, err := exp.Subscribe("swaps", AllKeys)
	if err != nil {
		t.Fatalf("subscribe fast: %v", err)
	}
	slow, err := exp.Subscribe("swaps", AllKeys)
	if err != nil {
		t.Fatalf("subscribe slow: %v", err)
	}

	const total = 100
	received := make(chan int, total)
	go func() {
		for {
			b, err := fast.Next(context.Background())
			if err != nil {
				close(received)
				return
			}
			var out pipeline.Output
			if err := codec.Unmarshal(b, &out); err != nil {
				t.Errorf("decode: %v", err)
				continue
			}
			received <- int(out.Slot)
		}
	}()

	start := time.Now()
	for i := 0; i < total; i++ {
		if err := exp.Publish(context.Background(), output(i, "pool-1")); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		select {
		case got := <-received:
			if got != i {
				t.Fatalf("fast subscriber got %d want %d", got, i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("fast subscriber missed output %d", i)
		}
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("publishing stalled behind slow subscriber: %v", elapsed)
	}

	if fast.Dropped() != 0 {
		t.Fatalf("fast subscriber dropped %d", fast.Dropped())
	}
	if slow.Len() != 4 || slow.Dropped() != total-4 {
		t.Fatalf("slow len=%d dropped=%d", slow.Len(), slow.Dropped())
	}
	b, _ := slow.Next(context.Background())
	var head pipeline.Output
	_ = codec.Unmarshal(b, &head)
	if head.Slot != total-4 {
		t.Fatalf("slow head slot %d, want %d", head.Slot, total-4)
	}
}

func TestBlockingSubscriberIsDisconnected(t *testing.T) {
	exp := New([]string{"swaps"}, Config{Capacity: 1, Overflow: buffer.Block, BlockTimeout: 20 * time.Millisecond}, WithLogger(discard))
	stuck, _ := exp.Subscribe("swaps", "")
	healthy, _ := exp.Subscribe("swaps", "")

	var got atomic.Int32
	go func() {
		for {
			if _, err := healthy.Next(context.Background()); err != nil {
				return
			}
			got.Add(1)
		}
	}()

	for i := 0; i < 5; i++ {
		_ = exp.Publish(context.Background(), output(i, "k"))
	}

	select {
	case <-stuck.Done():
	case <-time.After(time.Second):
		t.Fatalf("stuck subscriber was not disconnected")
	}
	if exp.Subscribers("swaps") != 1 {
		t.Fatalf("subscribers=%d", exp.Subscribers("swaps"))
	}
	deadline := time.Now().Add(time.Second)
	for got.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got.Load() != 5 {
		t.Fatalf("healthy subscriber received %d", got.Load())
	}
}

func TestStuckBlockSubscribersShareOneTimeout(t *testing.T) {
	const timeout = 100 * time.Millisecond
	exp := New([]string{"swaps"}, Config{Capacity: 1, Overflow: buffer.Block, BlockTimeout: timeout}, WithLogger(discard))
	t.Cleanup(func() { _ = exp.Close(context.Background()) })

	var stuck []*Subscription
	for i := 0; i < 3; i++ {
		s, _ := exp.Subscribe("swaps", "")
		stuck = append(stuck, s)
	}
	healthy, _ := exp.Subscribe("swaps", "")
	arrived := make(chan time.Time, 4)
	go func() {
		for {
			if _, err := healthy.Next(context.Background()); err != nil {
				return
			}
			arrived <- time.Now()
		}
	}()

	// fills every stuck queue
	if err := exp.Publish(context.Background(), output(0, "k")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	<-arrived

	start := time.Now()
	if err := exp.Publish(context.Background(), output(1, "k")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 2*timeout {
		t.Fatalf("publish took %v with 3 stuck subscribers, want under %v", elapsed, 2*timeout)
	}

	select {
	case at := <-arrived:
		if wait := at.Sub(start); wait >= timeout {
			t.Fatalf("healthy subscriber waited %v behind stuck ones", wait)
		}
	case <-time.After(time.Second):
		t.Fatalf("healthy subscriber never received the second output")
	}
	for i, s := range stuck {
		select {
		case <-s.Done():
		default:
			t.Fatalf("stuck subscriber %d still attached", i)
		}
	}
	if exp.Subscribers("swaps") != 1 {
		t.Fatalf("subscribers=%d", exp.Subscribers("swaps"))
	}
}

func TestErrorPolicyRejectsWhenFull(t *testing.T) {
	exp := New([]string{"swaps"}, Config{Capacity: 2, Overflow: buffer.Error}, WithLogger(discard))
	sub, _ := exp.Subscribe("swaps", "")
	for i := 0; i < 5; i++ {
		_ = exp.Publish(context.Background(), output(i, "k"))
	}
	if sub.Len() != 2 || sub.Dropped() != 3 {
		t.Fatalf("len=%d dropped=%d", sub.Len(), sub.Dropped())
	}
	b, _ := sub.Next(context.Background())
	var out pipeline.Output
	_ = codec.Unmarshal(b, &out)
	if out.Slot != 0 {
		t.Fatalf("error policy should keep oldest, got %d", out.Slot)
	}
}

func TestRoutingKeySelectsOutputs(t *testing.T) {
	exp := New([]string{"swaps"}, Config{Capacity: 16}, WithLogger(discard))
	only, _ := exp.Subscribe("swaps", "pool-2")
	all, _ := exp.Subscribe("swaps", AllKeys)

	for i := 0; i < 6; i++ {
		_ = exp.Publish(context.Background(), output(i, fmt.Sprintf("pool-%d", i%3)))
	}
	if only.Len() != 2 || all.Len() != 6 {
		t.Fatalf("only=%d all=%d", only.Len(), all.Len())
	}
}

func TestSubscribeErrorsAndClose(t *testing.T) {
	exp := New([]string{"swaps"}, Config{}, WithLogger(discard))
	if _, err := exp.Subscribe("nope", ""); !errors.Is(err, ErrUnknownPipeline) {
		t.Fatalf("expected unknown pipeline, got %v", err)
	}

	sub, _ := exp.Subscribe("swaps", "")
	_ = exp.Publish(context.Background(), output(1, "k"))
	sub.Close()
	sub.Close()
	if exp.Subscribers("swaps") != 0 {
		t.Fatalf("closed subscriber still registered")
	}
	if _, err := sub.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	if err := exp.Publish(context.Background(), output(2, "k")); err != nil {
		t.Fatalf("publish without subscribers: %v", err)
	}

	other, _ := exp.Subscribe("swaps", "")
	if err := exp.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-other.Done():
	default:
		t.Fatalf("exporter close did not end subscription")
	}
	if _, err := exp.Subscribe("swaps", ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

type replaySource struct{ updates []*model.Update }

func (s *replaySource) Name() string { return "replay" }
func (s *replaySource) Connect(context.Context) (engine.Stream, error) {
	return &replayStream{updates: s.updates}, nil
}

type replayStream struct {
	updates []*model.Update
	i       int
}

func (s *replayStream) Recv(context.Context) (*model.Update, error) {
	if s.i >= len(s.updates) {
		return nil, io.EOF
	}
	s.i++
	return s.updates[s.i-1], nil
}
func (s *replayStream) Close() error { return nil }

func TestSlowSubscriberDoesNotSlowRuntime(t *testing.T) {
	exp := New([]string{"swaps"}, Config{Capacity: 8, Overflow: buffer.DropOldest}, WithLogger(discard))
	slow, _ := exp.Subscribe("swaps", AllKeys)

	var updates []*model.Update
	for i := 0; i < 500; i++ {
		updates = append(updates, &model.Update{Kind: model.KindInstruction, Slot: uint64(i), Program: "amm"})
	}
	p, _ := pipeline.New("swaps", pipeline.ParserFunc(func(u *model.Update) (any, error) { return u.Slot, nil }),
		pipeline.WithHandlers(exp.Handler()))
	rt, err := engine.New(engine.Config{Workers: 2, BufferCapacity: 32}, &replaySource{updates: updates},
		[]*pipeline.Pipeline{p}, engine.WithLogger(discard), engine.WithExporter(exp))
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := rt.Status().Pipelines["swaps"]; got.Processed != 500 || got.HandlerErrors != 0 {
		t.Fatalf("counts %+v", got)
	}
	if slow.Dropped() == 0 {
		t.Fatalf("expected evictions on the slow subscriber")
	}
	select {
	case <-slow.Done():
	default:
		t.Fatalf("runtime shutdown should close subscriber streams")
	}
}
