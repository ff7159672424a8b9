package sink

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/devblac/chainpipe/internal/codec"
	"github.com/devblac/chainpipe/internal/pipeline"
)

// JSONL appends outputs to a file, one JSON document per line.
type JSONL struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// OpenJSONL opens path for appending, creating parent directories.
func OpenJSONL(path string) (*JSONL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create jsonl dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open jsonl: %w", err)
	}
	return &JSONL{f: f, w: bufio.NewWriter(f)}, nil
}

func (j *JSONL) Handle(ctx context.Context, out *pipeline.Output) error {
	return j.WriteBatch(ctx, []*pipeline.Output{out})
}

// WriteBatch encodes and flushes outs under one lock.
func (j *JSONL) WriteBatch(_ context.Context, outs []*pipeline.Output) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return os.ErrClosed
	}
	for _, out := range outs {
		if err := codec.Encode(j.w, out); err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
	}
	return j.w.Flush()
}

func (j *JSONL) Close(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	ferr := j.w.Flush()
	cerr := j.f.Close()
	j.f = nil
	if ferr != nil {
		return ferr
	}
	return cerr
}
