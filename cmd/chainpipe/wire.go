package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/devblac/chainpipe/internal/buffer"
	"github.com/devblac/chainpipe/internal/bus"
	"github.com/devblac/chainpipe/internal/config"
	"github.com/devblac/chainpipe/internal/engine"
	"github.com/devblac/chainpipe/internal/parser"
	"github.com/devblac/chainpipe/internal/pipeline"
	"github.com/devblac/chainpipe/internal/reexport"
	"github.com/devblac/chainpipe/internal/sink"
	"github.com/devblac/chainpipe/internal/source/algorand"
	"github.com/devblac/chainpipe/internal/source/evm"
	"github.com/devblac/chainpipe/internal/source/fixture"
	"github.com/devblac/chainpipe/internal/source/topic"
	"github.com/devblac/chainpipe/internal/storage"
)

// buildSource constructs the configured upstream.
func buildSource(src config.Source, store *storage.Store, factory *bus.Factory, log *slog.Logger) (engine.Source, error) {
	switch strings.ToLower(src.Type) {
	case "fixture":
		return fixture.Open(src.ID, src.Path, src.Loop)
	case "evm":
		cli, err := evm.NewRPCClient(src.RPCURL)
		if err != nil {
			return nil, err
		}
		return evm.NewScanner(cli, store, src, log)
	case "algorand":
		cli, err := algorand.NewAlgodClient(src.AlgodURL, src.AlgodToken)
		if err != nil {
			return nil, err
		}
		return algorand.NewScanner(cli, store, src, log)
	case "bus":
		cfg := src.Bus
		return topic.New(src.ID, cfg.Topic, func() (message.Subscriber, error) {
			return factory.Subscriber(cfg)
		}, log), nil
	}
	return nil, fmt.Errorf("unsupported source type %q", src.Type)
}

// runtimeConfig converts the runtime and connection sections.
func runtimeConfig(cfg *config.Config) (engine.Config, error) {
	rc, cc := cfg.Runtime, cfg.Connection

	policy, err := buffer.ParsePolicy(rc.Overflow)
	if err != nil {
		return engine.Config{}, err
	}
	batchTimeout, err := config.Duration(rc.BatchTimeout, 0)
	if err != nil {
		return engine.Config{}, err
	}
	grace, err := config.Duration(rc.ShutdownGrace, 0)
	if err != nil {
		return engine.Config{}, err
	}
	initial, err := config.Duration(cc.InitialDelay, engine.DefaultBackoff.Initial)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.Duration(cc.MaxDelay, engine.DefaultBackoff.Max)
	if err != nil {
		return engine.Config{}, err
	}
	openTimeout, err := config.Duration(cc.OpenTimeout, 0)
	if err != nil {
		return engine.Config{}, err
	}

	backoff := engine.DefaultBackoff
	backoff.Initial = initial
	backoff.Max = maxDelay
	if cc.Multiplier > 0 {
		backoff.Multiplier = cc.Multiplier
	}
	if cc.Jitter > 0 {
		backoff.Jitter = cc.Jitter
	}

	return engine.Config{
		Workers:          rc.Workers,
		BufferCapacity:   rc.BufferCapacity,
		Overflow:         policy,
		BatchSize:        rc.BatchSize,
		BatchTimeout:     batchTimeout,
		PartitionBy:      rc.PartitionBy,
		ShutdownGrace:    grace,
		Backoff:          backoff,
		FailureThreshold: cc.FailureThreshold,
		OpenTimeout:      openTimeout,
	}, nil
}

// newExporter returns nil when no pipeline re-exports.
func newExporter(cfg *config.Config, log *slog.Logger, opts ...reexport.Option) (*reexport.Exporter, error) {
	var ids []string
	for _, p := range cfg.Pipelines {
		if p.Reexport {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 || cfg.Reexport == nil {
		return nil, nil
	}
	policy, err := buffer.ParsePolicy(cfg.Reexport.Overflow)
	if err != nil {
		return nil, err
	}
	blockTimeout, err := config.Duration(cfg.Reexport.BlockTimeout, 0)
	if err != nil {
		return nil, err
	}
	opts = append([]reexport.Option{reexport.WithLogger(log)}, opts...)
	return reexport.New(ids, reexport.Config{
		Capacity:     cfg.Reexport.Capacity,
		Overflow:     policy,
		BlockTimeout: blockTimeout,
	}, opts...), nil
}

// buildPipelines binds parsers and handlers. dryRun, when non-nil, replaces every configured sink.
func buildPipelines(cfgs []config.Pipeline, sinks map[string]*sink.Built, exp *reexport.Exporter, dryRun pipeline.Handler) ([]*pipeline.Pipeline, error) {
	out := make([]*pipeline.Pipeline, 0, len(cfgs))
	for _, pc := range cfgs {
		p, err := parser.Build(pc.Parser)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: parser: %w", pc.ID, err)
		}
		mode, err := pipeline.ParseMode(pc.Mode)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", pc.ID, err)
		}
		timeout, err := config.Duration(pc.HandlerTimeout, 0)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: handler_timeout: %w", pc.ID, err)
		}

		var handlers []pipeline.Handler
		if dryRun != nil {
			handlers = append(handlers, dryRun)
		} else {
			for _, id := range pc.Handlers {
				b, ok := sinks[id]
				if !ok {
					return nil, fmt.Errorf("pipeline %s: unknown sink %q", pc.ID, id)
				}
				handlers = append(handlers, b.Handler)
			}
		}
		if pc.Reexport && exp != nil {
			handlers = append(handlers, exp.Handler())
		}

		opts := []pipeline.Option{
			pipeline.WithPrefilter(pc.Prefilter.Build()),
			pipeline.WithHandlers(handlers...),
			pipeline.WithMode(mode),
			pipeline.WithHandlerTimeout(timeout),
		}
		if pc.RoutingKey != "" {
			fn, ok := pipeline.ParseKeyFunc(pc.RoutingKey)
			if !ok {
				return nil, fmt.Errorf("pipeline %s: unknown routing key %q", pc.ID, pc.RoutingKey)
			}
			opts = append(opts, pipeline.WithRoutingKey(fn))
		}

		built, err := pipeline.New(pc.ID, p, opts...)
		if err != nil {
			return nil, err
		}
		out = append(out, built)
	}
	return out, nil
}

// sinkClosers returns every sink closer as a runtime option, async wrappers before their targets.
func sinkClosers(sinks map[string]*sink.Built) []engine.Option {
	var opts []engine.Option
	for id, b := range sinks {
		for i, c := range b.Closers {
			opts = append(opts, engine.WithCloser(fmt.Sprintf("sink %s/%d", id, i), c))
		}
	}
	return opts
}

func closeSinks(ctx context.Context, sinks map[string]*sink.Built) {
	for _, b := range sinks {
		for _, c := range b.Closers {
			_ = c.Close(ctx)
		}
	}
}
