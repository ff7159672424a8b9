package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/devblac/chainpipe/internal/buffer"
	"github.com/devblac/chainpipe/internal/bus"
	"github.com/devblac/chainpipe/internal/config"
	"github.com/devblac/chainpipe/internal/pipeline"
	"github.com/devblac/chainpipe/internal/storage"
)

// Deps are the shared resources sinks may need.
type Deps struct {
	Store *storage.Store
	Bus   *bus.Factory
	Log   *slog.Logger
}

// Built is a ready handler plus what must be closed on shutdown, in order.
type Built struct {
	Handler pipeline.Handler
	Closers []Closer
}

// Build constructs the sink described by cfg with its optional wrappers:
// audit (http sinks), dedupe, rate_limit and async, innermost first. dedupe and
// rate_limit pass batches through, so async still batches postgres and redis_stream.
func Build(ctx context.Context, cfg config.Sink, deps Deps) (*Built, error) {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	var (
		h      pipeline.Handler
		closer Closer
		err    error
	)
	switch strings.ToLower(cfg.Type) {
	case "log":
		h = NewLog(cfg.ID, log)
	case "webhook":
		h, err = NewWebhookSender(cfg.URL, cfg.Method, cfg.Template, nil)
	case "slack":
		h, err = NewSlackSender(cfg.WebhookURL, cfg.Template)
	case "teams":
		h, err = NewTeamsSender(cfg.WebhookURL, cfg.Template)
	case "jsonl":
		var j *JSONL
		if j, err = OpenJSONL(cfg.Path); err == nil {
			h, closer = j, j
		}
	case "sqlite":
		if deps.Store == nil {
			return nil, fmt.Errorf("sink %s: sqlite sink needs the local store", cfg.ID)
		}
		h = NewSQLite(deps.Store)
	case "postgres":
		var p *Postgres
		if p, err = OpenPostgres(ctx, cfg.DSN, cfg.Table); err == nil {
			h, closer = p, p
		}
	case "redis_stream":
		var r *RedisStream
		if r, err = OpenRedisStream(cfg.URL, cfg.Stream, cfg.MaxLen); err == nil {
			h, closer = r, r
		}
	case "publish":
		if deps.Bus == nil {
			return nil, fmt.Errorf("sink %s: publish sink needs a bus factory", cfg.ID)
		}
		pub, perr := deps.Bus.Publisher(cfg.Bus)
		if perr != nil {
			return nil, fmt.Errorf("sink %s: %w", cfg.ID, perr)
		}
		p := NewPublisher(pub, cfg.Topic, cfg.Transport != "" && cfg.Transport != bus.TransportGoChannel)
		h, closer = p, p
	default:
		return nil, fmt.Errorf("sink %s: unsupported type %q", cfg.ID, cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("sink %s: %w", cfg.ID, err)
	}

	built := &Built{}
	switch strings.ToLower(cfg.Type) {
	case "webhook", "slack", "teams":
		if deps.Store != nil {
			h = NewAudited(cfg.ID, deps.Store, h)
		}
	}

	if cfg.Dedupe != nil {
		if deps.Store == nil {
			return nil, fmt.Errorf("sink %s: dedupe needs the local store", cfg.ID)
		}
		ttl, err := config.Duration(cfg.Dedupe.TTL, defaultDedupeTTL)
		if err != nil {
			return nil, fmt.Errorf("sink %s: dedupe ttl: %w", cfg.ID, err)
		}
		h = NewDedupe(cfg.ID, cfg.Dedupe.Key, ttl, deps.Store, h).asHandler()
	}

	if cfg.RateLimit != nil {
		h = NewRateLimited(cfg.ID, NewTokenBucket(cfg.RateLimit.Capacity, cfg.RateLimit.PerSecond), h, log).asHandler()
	}

	if cfg.Async != nil {
		policy, err := buffer.ParsePolicy(cfg.Async.Overflow)
		if err != nil {
			return nil, fmt.Errorf("sink %s: async: %w", cfg.ID, err)
		}
		timeout, err := config.Duration(cfg.Async.BatchTimeout, 0)
		if err != nil {
			return nil, fmt.Errorf("sink %s: async batch_timeout: %w", cfg.ID, err)
		}
		a := NewAsync(cfg.ID, h, AsyncConfig{
			Capacity:     cfg.Async.Capacity,
			Overflow:     policy,
			Workers:      cfg.Async.Workers,
			BatchSize:    cfg.Async.BatchSize,
			BatchTimeout: timeout,
		}, log)
		h = a
		built.Closers = append(built.Closers, a)
	}

	if closer != nil {
		built.Closers = append(built.Closers, closer)
	}
	built.Handler = h
	return built, nil
}

// BuildAll builds every configured sink keyed by id. On error the sinks built so far are closed.
func BuildAll(ctx context.Context, cfgs []config.Sink, deps Deps) (map[string]*Built, error) {
	out := make(map[string]*Built, len(cfgs))
	for _, c := range cfgs {
		b, err := Build(ctx, c, deps)
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for _, built := range out {
				for _, cl := range built.Closers {
					_ = cl.Close(closeCtx)
				}
			}
			cancel()
			return nil, err
		}
		out[c.ID] = b
	}
	return out, nil
}
