package sink

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/devblac/chainpipe/internal/codec"
	"github.com/devblac/chainpipe/internal/pipeline"
)

const defaultStreamMaxLen = 1_000_000

// StreamAdder is the redis client subset the stream sink uses.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStream appends outputs to a capped redis stream.
type RedisStream struct {
	client StreamAdder
	stream string
	maxLen int64
	close  func() error
}

// OpenRedisStream parses a redis:// URL and builds the sink.
func OpenRedisStream(url, stream string, maxLen int64) (*RedisStream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	r := NewRedisStream(client, stream, maxLen)
	r.close = client.Close
	return r, nil
}

func NewRedisStream(client StreamAdder, stream string, maxLen int64) *RedisStream {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

func (r *RedisStream) Handle(ctx context.Context, out *pipeline.Output) error {
	data, err := codec.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	res := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":       out.ID,
			"pipeline": out.Pipeline,
			"key":      out.Key,
			"slot":     out.Slot,
			"data":     string(data),
		},
	})
	if err := res.Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

func (r *RedisStream) Close(context.Context) error {
	if r.close != nil {
		return r.close()
	}
	return nil
}
