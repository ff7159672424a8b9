package engine

import (
	"context"

	"github.com/devblac/chainpipe/internal/model"
)

// Source connects to one upstream transport.
type Source interface {
	Name() string
	Connect(ctx context.Context) (Stream, error)
}

// Stream yields updates until it fails, the context ends or io.EOF marks a finite source as exhausted.
type Stream interface {
	Recv(ctx context.Context) (*model.Update, error)
	Close() error
}

// BackpressureAware streams are told when the buffer rejected one of their updates.
type BackpressureAware interface {
	Backpressure(u *model.Update)
}

// Pinger is implemented by sources that can report upstream reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
