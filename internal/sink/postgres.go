package sink

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devblac/chainpipe/internal/codec"
	"github.com/devblac/chainpipe/internal/pipeline"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// PgConn is the pool subset the postgres sink uses.
type PgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Postgres inserts outputs with one pgx.Batch per write.
type Postgres struct {
	conn   PgConn
	insert string
	close  func()
}

// OpenPostgres connects to dsn and ensures table exists.
func OpenPostgres(ctx context.Context, dsn, table string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	p, err := NewPostgres(ctx, pool, table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	p.close = pool.Close
	return p, nil
}

// NewPostgres wraps an existing connection.
func NewPostgres(ctx context.Context, conn PgConn, table string) (*Postgres, error) {
	if table == "" {
		table = "chainpipe_outputs"
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id          TEXT PRIMARY KEY,
  pipeline_id TEXT NOT NULL,
  routing_key TEXT,
  signature   TEXT,
  slot        BIGINT NOT NULL,
  payload     JSONB,
  observed_at TIMESTAMPTZ,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`, table)
	if _, err := conn.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &Postgres{
		conn: conn,
		insert: fmt.Sprintf(`
			INSERT INTO %s (id, pipeline_id, routing_key, signature, slot, payload, observed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`, table),
	}, nil
}

func (p *Postgres) Handle(ctx context.Context, out *pipeline.Output) error {
	return p.WriteBatch(ctx, []*pipeline.Output{out})
}

func (p *Postgres) WriteBatch(ctx context.Context, outs []*pipeline.Output) error {
	if len(outs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, out := range outs {
		payload, err := codec.Marshal(out.Value)
		if err != nil {
			return fmt.Errorf("marshal output %s: %w", out.ID, err)
		}
		batch.Queue(p.insert,
			out.ID,
			out.Pipeline,
			out.Key,
			out.Signature,
			int64(out.Slot),
			string(payload),
			out.ObservedAt,
		)
	}

	br := p.conn.SendBatch(ctx, batch)
	defer br.Close()

	for range outs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) Close(context.Context) error {
	if p.close != nil {
		p.close()
	}
	return nil
}
