// Package topic consumes JSON-encoded updates from a message bus topic.
package topic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/devblac/chainpipe/internal/codec"
	"github.com/devblac/chainpipe/internal/engine"
	"github.com/devblac/chainpipe/internal/model"
)

// ErrSubscriptionClosed is returned once the transport closes the message channel.
var ErrSubscriptionClosed = errors.New("subscription closed")

// NewSubscriber opens a fresh subscriber per connection attempt.
type NewSubscriber func() (message.Subscriber, error)

// Source subscribes to one topic.
type Source struct {
	name   string
	topic  string
	newSub NewSubscriber
	log    *slog.Logger
}

func New(name, topic string, newSub NewSubscriber, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{name: name, topic: topic, newSub: newSub, log: log}
}

func (s *Source) Name() string { return s.name }

func (s *Source) Connect(ctx context.Context) (engine.Stream, error) {
	sub, err := s.newSub()
	if err != nil {
		return nil, fmt.Errorf("new subscriber: %w", err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := sub.Subscribe(subCtx, s.topic)
	if err != nil {
		cancel()
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.topic, err)
	}
	return &stream{src: s, sub: sub, msgs: msgs, cancel: cancel}, nil
}

type stream struct {
	src    *Source
	sub    message.Subscriber
	msgs   <-chan *message.Message
	cancel context.CancelFunc
}

// Recv acks every message it consumes. Undecodable payloads are logged and skipped.
func (st *stream) Recv(ctx context.Context) (*model.Update, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-st.msgs:
			if !ok {
				return nil, ErrSubscriptionClosed
			}
			var u model.Update
			err := codec.Unmarshal(msg.Payload, &u)
			if err == nil {
				err = u.Validate()
			}
			msg.Ack()
			if err != nil {
				st.src.log.Warn("skipping undecodable message", "topic", st.src.topic, "uuid", msg.UUID, "err", err)
				continue
			}
			if u.ObservedAt.IsZero() {
				u.ObservedAt = time.Now()
			}
			if u.Source == "" {
				u.Source = st.src.name
			}
			return &u, nil
		}
	}
}

func (st *stream) Close() error {
	st.cancel()
	return st.sub.Close()
}
