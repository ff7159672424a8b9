package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devblac/chainpipe/internal/model"
	"github.com/devblac/chainpipe/internal/prefilter"
)

// Parser decodes an update. It returns ErrFiltered when the update is not relevant
// and any other error when the bytes cannot be decoded.
type Parser interface {
	Parse(u *model.Update) (any, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(u *model.Update) (any, error)

func (f ParserFunc) Parse(u *model.Update) (any, error) { return f(u) }

// Handler consumes an Output. It may be invoked concurrently with other handlers for the same Output.
type Handler interface {
	Handle(ctx context.Context, out *Output) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, out *Output) error

func (f HandlerFunc) Handle(ctx context.Context, out *Output) error { return f(ctx, out) }

// Mode selects how handlers of one pipeline run.
type Mode int

const (
	Sequential Mode = iota
	Concurrent
)

func (m Mode) String() string {
	if m == Concurrent {
		return "concurrent"
	}
	return "sequential"
}

// ParseMode accepts sequential and concurrent. Empty means sequential.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sequential":
		return Sequential, nil
	case "concurrent", "parallel":
		return Concurrent, nil
	}
	return Sequential, fmt.Errorf("unknown handler mode %q", s)
}

// Pipeline binds a prefilter, a parser and an ordered handler list.
// It is read-only after New except for the live prefilter cell.
type Pipeline struct {
	id       string
	parser   Parser
	handlers []Handler
	filter   *prefilter.Live
	mode     Mode
	timeout  time.Duration
	key      KeyFunc
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithPrefilter(f prefilter.Prefilter) Option {
	return func(p *Pipeline) { p.filter = prefilter.NewLive(f) }
}

func WithHandlers(hs ...Handler) Option {
	return func(p *Pipeline) { p.handlers = append(p.handlers, hs...) }
}

func WithMode(m Mode) Option {
	return func(p *Pipeline) { p.mode = m }
}

// WithHandlerTimeout bounds every handler invocation. Zero disables the bound.
func WithHandlerTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

func WithRoutingKey(fn KeyFunc) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.key = fn
		}
	}
}

// New validates and builds a pipeline.
func New(id string, parser Parser, opts ...Option) (*Pipeline, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("pipeline id is required")
	}
	if parser == nil {
		return nil, fmt.Errorf("pipeline %s: parser is required", id)
	}
	p := &Pipeline{
		id:     id,
		parser: parser,
		filter: prefilter.NewLive(prefilter.Prefilter{}),
		key:    ByProgram,
	}
	for _, opt := range opts {
		opt(p)
	}
	for i, h := range p.handlers {
		if h == nil {
			return nil, fmt.Errorf("pipeline %s: handler %d is nil", id, i)
		}
	}
	if p.timeout < 0 {
		return nil, fmt.Errorf("pipeline %s: negative handler timeout", id)
	}
	return p, nil
}

func (p *Pipeline) ID() string                 { return p.id }
func (p *Pipeline) Mode() Mode                 { return p.mode }
func (p *Pipeline) HandlerCount() int          { return len(p.handlers) }
func (p *Pipeline) Prefilter() *prefilter.Live { return p.filter }

// Matches evaluates the pipeline's current prefilter.
func (p *Pipeline) Matches(u *model.Update) bool {
	return p.filter.Matches(u)
}

// Decode runs the parser. The returned error is nil, ErrFiltered or a *MalformedError.
// Parser panics are reported as malformed.
func (p *Pipeline) Decode(u *model.Update) (out *Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &MalformedError{Detail: fmt.Sprintf("parser panic: %v", r)}
		}
	}()
	v, err := p.parser.Parse(u)
	if err != nil {
		return nil, classify(err)
	}
	return newOutput(p, u, v), nil
}
