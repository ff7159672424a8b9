package fixture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/devblac/chainpipe/internal/model"
)

func sample() []*model.Update {
	return []*model.Update{
		{Kind: model.KindInstruction, Slot: 1, Program: "P1", Accounts: []string{"A"}, Raw: []byte(`{"v":1}`)},
		{Kind: model.KindAccount, Slot: 2, Accounts: []string{"B"}},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sample()); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf.WriteString("\n\n")

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0].Program != "P1" || string(got[0].Raw) != `{"v":1}` || got[1].Kind != model.KindAccount {
		t.Fatalf("unexpected updates: %+v", got)
	}
}

func TestReadReportsLine(t *testing.T) {
	_, err := Read(strings.NewReader(`{"kind":"instruction","slot":1}` + "\n" + `{"kind":"nope"}` + "\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line 2 error, got %v", err)
	}
}

func TestStreamEndsWithEOF(t *testing.T) {
	src := New("fx", sample(), false)
	ctx := context.Background()
	stream, err := src.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 2; i++ {
		u, err := stream.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if u.ObservedAt.IsZero() || u.Source != "fx" {
			t.Fatalf("observed_at/source not stamped: %+v", u)
		}
	}
	if _, err := stream.Recv(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if !sample()[0].ObservedAt.IsZero() {
		t.Fatalf("recorded updates must not be mutated")
	}
}

func TestStreamLoops(t *testing.T) {
	src := New("fx", sample(), true)
	stream, _ := src.Connect(context.Background())
	var slots []uint64
	for i := 0; i < 5; i++ {
		u, err := stream.Recv(context.Background())
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		slots = append(slots, u.Slot)
	}
	if slots[2] != 1 || slots[4] != 1 {
		t.Fatalf("expected loop, got %v", slots)
	}
}

func TestOpenAndBackpressure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updates.jsonl")
	var buf bytes.Buffer
	_ = Write(&buf, sample())
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	src, err := Open("fx", path, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if src.Len() != 2 {
		t.Fatalf("len=%d", src.Len())
	}
	stream, _ := src.Connect(context.Background())
	stream.(interface{ Backpressure(*model.Update) }).Backpressure(nil)
	if src.Rejected() != 1 {
		t.Fatalf("rejected=%d", src.Rejected())
	}
	if _, err := Open("fx", filepath.Join(t.TempDir(), "missing.jsonl"), false); err == nil {
		t.Fatalf("expected missing file error")
	}
}
