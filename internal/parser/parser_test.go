package parser

import (
	"errors"
	"testing"

	"github.com/devblac/chainpipe/internal/config"
	"github.com/devblac/chainpipe/internal/model"
	"github.com/devblac/chainpipe/internal/pipeline"
)

func TestJSONParser(t *testing.T) {
	p, err := NewJSON([]string{"level == warn"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	got, err := p.Parse(&model.Update{Raw: []byte(`{"level":"warn","n":3}`)})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.(map[string]any)["level"] != "warn" {
		t.Fatalf("unexpected value %v", got)
	}

	if _, err := p.Parse(&model.Update{Raw: []byte(`{"level":"info"}`)}); !errors.Is(err, pipeline.ErrFiltered) {
		t.Fatalf("expected filtered, got %v", err)
	}

	for _, raw := range []string{"", "not json", "[1,2]", "null"} {
		if _, err := p.Parse(&model.Update{Raw: []byte(raw)}); !isMalformed(err) {
			t.Errorf("%q: expected malformed, got %v", raw, err)
		}
	}
}

func TestRawParserPassesThrough(t *testing.T) {
	u := &model.Update{Slot: 9}
	got, err := Raw{}.Parse(u)
	if err != nil || got != u {
		t.Fatalf("got %v %v", got, err)
	}
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name    string
		spec    config.ParserSpec
		wantErr bool
	}{
		{"raw", config.ParserSpec{Type: "raw"}, false},
		{"raw with where", config.ParserSpec{Type: "raw", Where: []string{"a == b"}}, true},
		{"json", config.ParserSpec{Type: "JSON", Where: []string{"a == b"}}, false},
		{"json bad where", config.ParserSpec{Type: "json", Where: []string{"a"}}, true},
		{"evm synthetic", config.ParserSpec{Type: "evm_log", Event: "Ping(uint256)"}, false},
		{"evm missing event", config.ParserSpec{Type: "evm_log"}, true},
		{"algorand app call", config.ParserSpec{Type: "algorand_txn", TxnType: "app_call", AppID: 7}, false},
		{"algorand app call without id", config.ParserSpec{Type: "algorand_txn", TxnType: "app_call"}, true},
		{"spl", config.ParserSpec{Type: "spl_token"}, false},
		{"spl bad mint", config.ParserSpec{Type: "spl_token", Mint: "not-base58!"}, true},
		{"unknown", config.ParserSpec{Type: "protobuf"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Build(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil || p == nil {
				t.Fatalf("build: %v", err)
			}
		})
	}
}

func isMalformed(err error) bool {
	var me *pipeline.MalformedError
	return errors.As(err, &me)
}
