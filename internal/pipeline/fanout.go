package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Fanout invokes every handler with out and returns the failures in handler order.
// A failing, panicking or timed out handler never stops the others.
func (p *Pipeline) Fanout(ctx context.Context, out *Output) []HandlerError {
	if len(p.handlers) == 0 {
		return nil
	}
	if p.mode == Concurrent && len(p.handlers) > 1 {
		return p.fanoutConcurrent(ctx, out)
	}
	var failures []HandlerError
	for i, h := range p.handlers {
		if herr := p.invoke(ctx, i, h, out); herr != nil {
			failures = append(failures, *herr)
		}
	}
	return failures
}

func (p *Pipeline) fanoutConcurrent(ctx context.Context, out *Output) []HandlerError {
	results := make([]*HandlerError, len(p.handlers))
	var wg sync.WaitGroup
	for i, h := range p.handlers {
		wg.Add(1)
		go func(i int, h Handler) {
			defer wg.Done()
			results[i] = p.invoke(ctx, i, h, out)
		}(i, h)
	}
	wg.Wait()

	var failures []HandlerError
	for _, r := range results {
		if r != nil {
			failures = append(failures, *r)
		}
	}
	return failures
}

type callResult struct {
	err      error
	panicked bool
}

func safeCall(ctx context.Context, h Handler, out *Output) (res callResult) {
	defer func() {
		if r := recover(); r != nil {
			res = callResult{err: fmt.Errorf("%v", r), panicked: true}
		}
	}()
	return callResult{err: h.Handle(ctx, out)}
}

func (p *Pipeline) invoke(ctx context.Context, idx int, h Handler, out *Output) *HandlerError {
	if p.timeout <= 0 {
		return toHandlerError(idx, safeCall(ctx, h, out))
	}

	hctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() { done <- safeCall(hctx, h, out) }()

	select {
	case res := <-done:
		return toHandlerError(idx, res)
	case <-hctx.Done():
		select {
		case res := <-done:
			return toHandlerError(idx, res)
		default:
		}
		err := hctx.Err()
		return &HandlerError{
			Index:    idx,
			Err:      err,
			TimedOut: errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil,
		}
	}
}

func toHandlerError(idx int, res callResult) *HandlerError {
	if res.err == nil {
		return nil
	}
	return &HandlerError{Index: idx, Err: res.err, Panicked: res.panicked}
}
