package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseYAML = `
version: 1
runtime:
  workers: 4
  buffer_capacity: 512
  overflow: drop_oldest
  shutdown_grace: 5s
connection:
  initial_delay: 250ms
  max_delay: 10s
  multiplier: 2
  failure_threshold: 4
source:
  id: mainnet
  type: evm
  rpc_url: ${RPC_URL}
pipelines:
  - id: transfers
    parser:
      type: evm_log
      abi_dirs: ["./abis"]
      event: Transfer
      where: ["value > 1000"]
    prefilter:
      program_ids: ["0xabc"]
    mode: concurrent
    handler_timeout: 2s
    handlers: ["alerts"]
    reexport: true
sinks:
  - id: alerts
    type: slack
    webhook_url: ${SLACK_HOOK}
    rate_limit: {capacity: 5, per_second: 1}
reexport:
  addr: ":9100"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoadInterpolatesEnvAndValidates(t *testing.T) {
	cfgPath := writeConfig(t, baseYAML)
	t.Setenv("RPC_URL", "http://example-rpc")
	t.Setenv("SLACK_HOOK", "https://hooks.slack.test")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("expected load to succeed: %v", err)
	}

	if got := cfg.Source.RPCURL; got != "http://example-rpc" {
		t.Fatalf("rpc_url not interpolated, got %q", got)
	}
	p := cfg.Pipelines[0]
	if p.Prefilter.ProgramIDs[0] != "0xabc" || p.Parser.Where[0] != "value > 1000" || !p.Reexport {
		t.Fatalf("pipeline not decoded: %+v", p)
	}
	if cfg.Reexport.Overflow != "drop_oldest" {
		t.Fatalf("reexport overflow default not applied: %q", cfg.Reexport.Overflow)
	}
	if cfg.Global.DBPath != "chainpipe.db" {
		t.Fatalf("db_path default not applied: %q", cfg.Global.DBPath)
	}
	if cfg.Sinks[0].RateLimit.Capacity != 5 {
		t.Fatalf("rate limit not decoded")
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	cfgPath := writeConfig(t, baseYAML)
	envBody := "RPC_URL=http://from-dotenv\nSLACK_HOOK=https://hooks.slack.test\n"
	if err := os.WriteFile(filepath.Join(filepath.Dir(cfgPath), ".env"), []byte(envBody), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("RPC_URL")
		os.Unsetenv("SLACK_HOOK")
	})

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Source.RPCURL != "http://from-dotenv" {
		t.Fatalf("rpc_url=%q", cfg.Source.RPCURL)
	}
}

func TestLoadFailsOnMissingEnv(t *testing.T) {
	cfgPath := writeConfig(t, strings.ReplaceAll(baseYAML, "${SLACK_HOOK}", "${CHAINPIPE_UNSET_HOOK}"))
	t.Setenv("RPC_URL", "http://example-rpc")

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "CHAINPIPE_UNSET_HOOK") {
		t.Fatalf("expected missing env to fail, got %v", err)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	body := `
version: 1
runtime:
  overflow: sometimes
source:
  type: evm
pipelines:
  - id: p1
    parser: {type: evm_log}
    handlers: ["missing"]
  - id: p1
    parser: {type: json}
    handlers: ["s"]
sinks:
  - id: s
    type: postgres
`
	_, err := Parse([]byte(body))
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{
		"unsupported overflow policy",
		"rpc_url is required",
		"unknown handler sink: missing",
		"duplicate pipeline id: p1",
		"dsn is required",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

func TestSourceValidate(t *testing.T) {
	tests := []struct {
		name    string
		src     Source
		wantErr bool
	}{
		{"fixture ok", Source{Type: "fixture", Path: "updates.jsonl"}, false},
		{"fixture missing path", Source{Type: "fixture"}, true},
		{"algorand ok", Source{Type: "algorand", AlgodURL: "http://algod"}, false},
		{"bus gochannel", Source{Type: "bus", Bus: Bus{Topic: "updates"}}, false},
		{"bus kafka without brokers", Source{Type: "bus", Bus: Bus{Transport: "kafka", Topic: "u"}}, true},
		{"bus nats", Source{Type: "bus", Bus: Bus{Transport: "nats", URL: "nats://localhost:4222", Topic: "u"}}, false},
		{"bad poll interval", Source{Type: "evm", RPCURL: "http://x", PollInterval: "soon"}, true},
		{"unknown", Source{Type: "grpc"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.src.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestSinkValidate(t *testing.T) {
	tests := []struct {
		name    string
		sink    Sink
		wantErr bool
	}{
		{"log", Sink{ID: "l", Type: "log"}, false},
		{"jsonl missing path", Sink{ID: "j", Type: "jsonl"}, true},
		{"redis ok", Sink{ID: "r", Type: "redis_stream", URL: "redis://localhost:6379", Stream: "outputs"}, false},
		{"publish kafka", Sink{ID: "p", Type: "publish", Bus: Bus{Transport: "kafka", Brokers: []string{"k:9092"}, Topic: "t"}}, false},
		{"dedupe without ttl", Sink{ID: "d", Type: "log", Dedupe: &Dedupe{Key: "signature"}}, true},
		{"bad rate", Sink{ID: "r", Type: "log", RateLimit: &RateLimit{Capacity: 1}}, true},
		{"bad async policy", Sink{ID: "a", Type: "log", Async: &Async{Overflow: "spill"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.sink.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	if d, err := Duration("", time.Second); err != nil || d != time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	if d, err := Duration("150ms", 0); err != nil || d != 150*time.Millisecond {
		t.Fatalf("parse: %v %v", d, err)
	}
	if _, err := Duration("-1s", 0); err == nil {
		t.Fatalf("expected negative duration error")
	}
}
