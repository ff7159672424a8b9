package sink

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/devblac/chainpipe/internal/bus"
	"github.com/devblac/chainpipe/internal/codec"
	"github.com/devblac/chainpipe/internal/pipeline"
)

// Publisher forwards outputs to a message bus topic.
type Publisher struct {
	pub   message.Publisher
	topic string
	owned bool
}

// NewPublisher publishes to topic. When owned is set Close also closes pub.
func NewPublisher(pub message.Publisher, topic string, owned bool) *Publisher {
	return &Publisher{pub: pub, topic: topic, owned: owned}
}

func (p *Publisher) Handle(ctx context.Context, out *pipeline.Output) error {
	return p.WriteBatch(ctx, []*pipeline.Output{out})
}

func (p *Publisher) WriteBatch(ctx context.Context, outs []*pipeline.Output) error {
	msgs := make([]*message.Message, 0, len(outs))
	for _, out := range outs {
		data, err := codec.Marshal(out)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		msg := bus.NewMessage(data)
		msg.Metadata.Set("pipeline", out.Pipeline)
		msg.Metadata.Set("key", out.Key)
		msg.SetContext(ctx)
		msgs = append(msgs, msg)
	}
	if err := p.pub.Publish(p.topic, msgs...); err != nil {
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	return nil
}

func (p *Publisher) Close(context.Context) error {
	if p.owned {
		return p.pub.Close()
	}
	return nil
}
