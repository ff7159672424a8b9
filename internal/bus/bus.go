// Package bus builds watermill publishers and subscribers for the configured transport.
package bus

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/devblac/chainpipe/internal/config"
)

const (
	TransportGoChannel = "gochannel"
	TransportNATS      = "nats"
	TransportKafka     = "kafka"
	TransportAMQP      = "amqp"
)

// Factory hands out publishers and subscribers. Every gochannel user of one
// Factory shares the same in-process pubsub so a publish sink can feed a bus source.
type Factory struct {
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	memory *gochannel.GoChannel
}

// NewFactory wraps log as the watermill logger.
func NewFactory(log *slog.Logger) *Factory {
	if log == nil {
		log = slog.Default()
	}
	return &Factory{logger: watermill.NewSlogLogger(log)}
}

func transport(cfg config.Bus) string {
	t := strings.ToLower(strings.TrimSpace(cfg.Transport))
	if t == "" {
		return TransportGoChannel
	}
	return t
}

func (f *Factory) goChannel() *gochannel.GoChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.memory == nil {
		f.memory = gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, f.logger)
	}
	return f.memory
}

// Publisher builds a publisher for cfg.
func (f *Factory) Publisher(cfg config.Bus) (message.Publisher, error) {
	switch transport(cfg) {
	case TransportGoChannel:
		return f.goChannel(), nil
	case TransportNATS:
		return nats.NewPublisher(nats.PublisherConfig{
			URL:       cfg.URL,
			Marshaler: &nats.NATSMarshaler{},
		}, f.logger)
	case TransportKafka:
		return kafka.NewPublisher(kafka.PublisherConfig{
			Brokers:   cfg.Brokers,
			Marshaler: kafka.DefaultMarshaler{},
		}, f.logger)
	case TransportAMQP:
		return amqp.NewPublisher(amqp.NewDurablePubSubConfig(cfg.URL, amqp.GenerateQueueNameTopicName), f.logger)
	}
	return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
}

// Subscriber builds a subscriber for cfg.
func (f *Factory) Subscriber(cfg config.Bus) (message.Subscriber, error) {
	switch transport(cfg) {
	case TransportGoChannel:
		return nopCloseSubscriber{f.goChannel()}, nil
	case TransportNATS:
		return nats.NewSubscriber(nats.SubscriberConfig{
			URL:         cfg.URL,
			Unmarshaler: &nats.NATSMarshaler{},
		}, f.logger)
	case TransportKafka:
		return kafka.NewSubscriber(kafka.SubscriberConfig{
			Brokers:       cfg.Brokers,
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: cfg.ConsumerGroup,
		}, f.logger)
	case TransportAMQP:
		return amqp.NewSubscriber(amqp.NewDurablePubSubConfig(cfg.URL, amqp.GenerateQueueNameTopicName), f.logger)
	}
	return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
}

// Close shuts down the shared in-process pubsub, if one was created.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.memory == nil {
		return nil
	}
	err := f.memory.Close()
	f.memory = nil
	return err
}

// NewMessage wraps payload with a fresh watermill UUID.
func NewMessage(payload []byte) *message.Message {
	return message.NewMessage(watermill.NewUUID(), payload)
}

// nopCloseSubscriber keeps a reconnecting source from closing the shared gochannel.
type nopCloseSubscriber struct {
	*gochannel.GoChannel
}

func (nopCloseSubscriber) Close() error { return nil }
