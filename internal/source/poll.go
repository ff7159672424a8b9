// Package source holds the upstream adapters that feed the runtime.
package source

import (
	"context"
	"time"

	"github.com/devblac/chainpipe/internal/model"
)

// StepFunc fetches the next batch of updates. An empty batch means nothing new yet.
type StepFunc func(ctx context.Context) ([]*model.Update, error)

// PollStream turns a block-at-a-time scanner into a Stream.
type PollStream struct {
	step     StepFunc
	interval time.Duration
	pending  []*model.Update
	closed   bool
}

// NewPollStream polls step, sleeping interval whenever it returns nothing.
func NewPollStream(step StepFunc, interval time.Duration) *PollStream {
	if interval <= 0 {
		interval = time.Second
	}
	return &PollStream{step: step, interval: interval}
}

func (p *PollStream) Recv(ctx context.Context) (*model.Update, error) {
	for len(p.pending) == 0 {
		if p.closed {
			return nil, context.Canceled
		}
		batch, err := p.step(ctx)
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			p.pending = batch
			break
		}
		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	u := p.pending[0]
	p.pending[0] = nil
	p.pending = p.pending[1:]
	return u, nil
}

// Close discards anything not yet received.
func (p *PollStream) Close() error {
	p.closed = true
	p.pending = nil
	return nil
}
