package sink

import (
	"context"
	"fmt"

	"github.com/devblac/chainpipe/internal/codec"
	"github.com/devblac/chainpipe/internal/pipeline"
	"github.com/devblac/chainpipe/internal/storage"
)

// OutputStore is the storage subset the sqlite sink needs.
type OutputStore interface {
	InsertOutputs(ctx context.Context, recs []storage.OutputRecord) error
}

// SQLite stores outputs in the local database; replays of the same output id are ignored.
type SQLite struct {
	store OutputStore
}

func NewSQLite(store OutputStore) *SQLite {
	return &SQLite{store: store}
}

func (s *SQLite) Handle(ctx context.Context, out *pipeline.Output) error {
	return s.WriteBatch(ctx, []*pipeline.Output{out})
}

func (s *SQLite) WriteBatch(ctx context.Context, outs []*pipeline.Output) error {
	recs := make([]storage.OutputRecord, 0, len(outs))
	for _, out := range outs {
		payload, err := codec.Marshal(out.Value)
		if err != nil {
			return fmt.Errorf("marshal output %s: %w", out.ID, err)
		}
		recs = append(recs, storage.OutputRecord{
			ID:          out.ID,
			PipelineID:  out.Pipeline,
			Key:         out.Key,
			Signature:   out.Signature,
			Slot:        out.Slot,
			PayloadJSON: string(payload),
			CreatedAt:   out.ObservedAt,
		})
	}
	return s.store.InsertOutputs(ctx, recs)
}
