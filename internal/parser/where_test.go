package parser

import (
	"math/big"
	"testing"
)

func TestCompilePredicates(t *testing.T) {
	tests := []struct {
		name  string
		exprs []string
		args  map[string]any
		want  bool
	}{
		{"numeric range", []string{"value > 10", "value < 20"}, map[string]any{"value": 15}, true},
		{"numeric miss", []string{"value >= 20"}, map[string]any{"value": 15}, false},
		{"in list", []string{"sender in a,b,c"}, map[string]any{"sender": "b"}, true},
		{"contains", []string{"memo contains alert"}, map[string]any{"memo": "critical alert raised"}, true},
		{"string equality", []string{"status == ok"}, map[string]any{"status": "ok"}, true},
		{"string inequality", []string{"status != ok"}, map[string]any{"status": "ok"}, false},
		{"missing field", []string{"value > 1"}, map[string]any{}, false},
		{"big int with unit", []string{"value >= wei(1e18)"}, map[string]any{"value": new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)}, true},
		{"multiplication", []string{"amount > 1_000 * 1e6"}, map[string]any{"amount": uint64(2_000_000_000)}, true},
		{"nested path", []string{"args.value > 5"}, map[string]any{"args": map[string]any{"value": 6.0}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			preds, err := CompilePredicates(tt.exprs)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			got, err := matchAll(preds, tt.args)
			if err != nil {
				t.Fatalf("eval: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestCompilePredicatesRejectsGarbage(t *testing.T) {
	for _, expr := range []string{"value", "> 3", "x in ,"} {
		if _, err := CompilePredicates([]string{expr}); err == nil {
			t.Errorf("expected %q to fail", expr)
		}
	}
}
