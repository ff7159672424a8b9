// Package fixture replays recorded updates from memory or a JSONL file.
package fixture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/devblac/chainpipe/internal/codec"
	"github.com/devblac/chainpipe/internal/engine"
	"github.com/devblac/chainpipe/internal/model"
)

const maxLine = 4 << 20

// Source replays a fixed update list. Without loop the stream ends with io.EOF.
type Source struct {
	name     string
	updates  []*model.Update
	loop     bool
	rejected atomic.Int64
}

// New replays updates in order.
func New(name string, updates []*model.Update, loop bool) *Source {
	return &Source{name: name, updates: updates, loop: loop}
}

// Open loads one JSON-encoded Update per line from path.
func Open(name, path string, loop bool) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()

	updates, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return New(name, updates, loop), nil
}

// Read decodes JSONL updates, skipping blank lines.
func Read(r io.Reader) ([]*model.Update, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	var out []*model.Update
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var u model.Update
		if err := codec.Unmarshal(b, &u); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := u.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, &u)
	}
	return out, sc.Err()
}

// Write encodes updates as JSONL.
func Write(w io.Writer, updates []*model.Update) error {
	for _, u := range updates {
		if err := codec.Encode(w, u); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) Name() string { return s.name }

// Len is the number of recorded updates.
func (s *Source) Len() int { return len(s.updates) }

// Rejected counts updates the runtime refused under the Error overflow policy.
func (s *Source) Rejected() int64 { return s.rejected.Load() }

func (s *Source) Connect(ctx context.Context) (engine.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &stream{src: s}, nil
}

// Ping always succeeds; a fixture has no upstream.
func (s *Source) Ping(context.Context) error { return nil }

type stream struct {
	src    *Source
	next   int
	closed bool
}

func (st *stream) Recv(ctx context.Context) (*model.Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if st.closed {
		return nil, io.EOF
	}
	if st.next >= len(st.src.updates) {
		if !st.src.loop || len(st.src.updates) == 0 {
			return nil, io.EOF
		}
		st.next = 0
	}
	u := *st.src.updates[st.next]
	st.next++
	if u.ObservedAt.IsZero() {
		u.ObservedAt = time.Now()
	}
	if u.Source == "" {
		u.Source = st.src.name
	}
	return &u, nil
}

func (st *stream) Backpressure(*model.Update) {
	st.src.rejected.Add(1)
}

func (st *stream) Close() error {
	st.closed = true
	return nil
}
