package sink

import (
	"context"
	"log/slog"

	"github.com/devblac/chainpipe/internal/pipeline"
)

// NewLog writes every output as one structured log line.
func NewLog(id string, log *slog.Logger) pipeline.Handler {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("sink", id)
	return pipeline.HandlerFunc(func(ctx context.Context, out *pipeline.Output) error {
		log.InfoContext(ctx, "output",
			"id", out.ID,
			"pipeline", out.Pipeline,
			"key", out.Key,
			"slot", out.Slot,
			"signature", out.Signature,
			"value", out.Value,
		)
		return nil
	})
}
