package health

import (
	"context"
	"fmt"

	"github.com/devblac/chainpipe/internal/engine"
)

// SourceChecker combines the reachability checks of several sources.
type SourceChecker struct {
	sources map[string]engine.Pinger
}

func NewSourceChecker(sources map[string]engine.Pinger) *SourceChecker {
	return &SourceChecker{sources: sources}
}

// Ping checks all configured sources and reports the last failure.
func (c *SourceChecker) Ping(ctx context.Context) error {
	var lastErr error
	for id, s := range c.sources {
		if err := s.Ping(ctx); err != nil {
			lastErr = fmt.Errorf("source %s: %w", id, err)
		}
	}
	return lastErr
}
