package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/devblac/chainpipe/internal/prefilter"
)

// Config holds the YAML configuration.
type Config struct {
	Version    int              `yaml:"version"`
	Global     GlobalConfig     `yaml:"global"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Connection ConnectionConfig `yaml:"connection"`
	Source     Source           `yaml:"source"`
	Pipelines  []Pipeline       `yaml:"pipelines"`
	Sinks      []Sink           `yaml:"sinks"`
	Reexport   *ReexportConfig  `yaml:"reexport,omitempty"`
	Health     HTTPConfig       `yaml:"health"`
	Metrics    HTTPConfig       `yaml:"metrics"`
}

type GlobalConfig struct {
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

type RuntimeConfig struct {
	Workers        int    `yaml:"workers"`
	BufferCapacity int    `yaml:"buffer_capacity"`
	Overflow       string `yaml:"overflow"`
	BatchSize      int    `yaml:"batch_size"`
	BatchTimeout   string `yaml:"batch_timeout"`
	PartitionBy    string `yaml:"partition_by"`
	ShutdownGrace  string `yaml:"shutdown_grace"`
}

type ConnectionConfig struct {
	InitialDelay     string  `yaml:"initial_delay"`
	MaxDelay         string  `yaml:"max_delay"`
	Multiplier       float64 `yaml:"multiplier"`
	Jitter           float64 `yaml:"jitter"`
	FailureThreshold int     `yaml:"failure_threshold"`
	OpenTimeout      string  `yaml:"open_timeout"`
}

// Bus addresses a message transport shared by the bus source and the publish sink.
type Bus struct {
	Transport     string   `yaml:"transport"`
	URL           string   `yaml:"url"`
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

type Source struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`

	Path string `yaml:"path"`
	Loop bool   `yaml:"loop"`

	RPCURL        string   `yaml:"rpc_url"`
	StartBlock    string   `yaml:"start_block"`
	Confirmations uint64   `yaml:"confirmations"`
	Contracts     []string `yaml:"contracts"`
	PollInterval  string   `yaml:"poll_interval"`

	AlgodURL   string `yaml:"algod_url"`
	AlgodToken string `yaml:"algod_token"`
	StartRound string `yaml:"start_round"`

	Bus `yaml:",inline"`
}

type ParserSpec struct {
	Type     string   `yaml:"type"`
	ABIDirs  []string `yaml:"abi_dirs"`
	Contract string   `yaml:"contract"`
	Event    string   `yaml:"event"`
	AppID    uint64   `yaml:"app_id"`
	AssetID  uint64   `yaml:"asset_id"`
	TxnType  string   `yaml:"txn_type"`
	Mint     string   `yaml:"mint"`
	Where    []string `yaml:"where"`
}

type Pipeline struct {
	ID             string         `yaml:"id"`
	Parser         ParserSpec     `yaml:"parser"`
	Prefilter      prefilter.Spec `yaml:"prefilter"`
	Mode           string         `yaml:"mode"`
	HandlerTimeout string         `yaml:"handler_timeout"`
	RoutingKey     string         `yaml:"routing_key"`
	Handlers       []string       `yaml:"handlers"`
	Reexport       bool           `yaml:"reexport"`
}

type Dedupe struct {
	Key string `yaml:"key"`
	TTL string `yaml:"ttl"`
}

type RateLimit struct {
	Capacity  float64 `yaml:"capacity"`
	PerSecond float64 `yaml:"per_second"`
}

type Async struct {
	Capacity     int    `yaml:"capacity"`
	Overflow     string `yaml:"overflow"`
	Workers      int    `yaml:"workers"`
	BatchSize    int    `yaml:"batch_size"`
	BatchTimeout string `yaml:"batch_timeout"`
}

type Sink struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"`
	WebhookURL string `yaml:"webhook_url"`
	Template   string `yaml:"template"`
	URL        string `yaml:"url"`
	Method     string `yaml:"method"`

	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`

	Bus `yaml:",inline"`

	RateLimit *RateLimit `yaml:"rate_limit,omitempty"`
	Dedupe    *Dedupe    `yaml:"dedupe,omitempty"`
	Async     *Async     `yaml:"async,omitempty"`
}

type ReexportConfig struct {
	Addr         string `yaml:"addr"`
	Capacity     int    `yaml:"capacity"`
	Overflow     string `yaml:"overflow"`
	BlockTimeout string `yaml:"block_timeout"`
	Keepalive    string `yaml:"keepalive"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse interpolates env vars into raw YAML, decodes and validates it.
func Parse(raw []byte) (*Config, error) {
	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// ApplyDefaults fills optional fields.
func (c *Config) ApplyDefaults() {
	if c.Global.DBPath == "" {
		c.Global.DBPath = "chainpipe.db"
	}
	if c.Runtime.Overflow == "" {
		c.Runtime.Overflow = "block"
	}
	if c.Source.ID == "" {
		c.Source.ID = c.Source.Type
	}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if strings.EqualFold(s.Type, "webhook") && s.Method == "" {
			s.Method = "POST"
		}
	}
	if c.Reexport != nil && c.Reexport.Overflow == "" {
		c.Reexport.Overflow = "drop_oldest"
	}
}

// Validate checks the whole document and reports every problem found.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if len(c.Pipelines) == 0 {
		return errors.New("at least one pipeline is required")
	}

	var errs []error
	if err := c.Runtime.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", err))
	}
	if err := c.Connection.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("connection: %w", err))
	}
	if err := c.Source.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("source %s: %w", c.Source.ID, err))
	}

	sinkIDs := map[string]*Sink{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			errs = append(errs, fmt.Errorf("duplicate sink id: %s", s.ID))
			continue
		}
		sinkIDs[s.ID] = s
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", s.ID, err))
		}
	}

	pipelineIDs := map[string]struct{}{}
	for _, p := range c.Pipelines {
		if _, exists := pipelineIDs[p.ID]; exists {
			errs = append(errs, fmt.Errorf("duplicate pipeline id: %s", p.ID))
			continue
		}
		pipelineIDs[p.ID] = struct{}{}
		if err := p.Validate(sinkIDs); err != nil {
			errs = append(errs, fmt.Errorf("pipeline %s: %w", p.ID, err))
		}
		if p.Reexport && c.Reexport == nil {
			errs = append(errs, fmt.Errorf("pipeline %s: reexport requested but no reexport section", p.ID))
		}
	}

	if c.Reexport != nil {
		if err := c.Reexport.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("reexport: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *RuntimeConfig) Validate() error {
	if r.Workers < 0 || r.BufferCapacity < 0 || r.BatchSize < 0 {
		return errors.New("workers, buffer_capacity and batch_size must not be negative")
	}
	if err := validPolicy(r.Overflow); err != nil {
		return err
	}
	switch r.PartitionBy {
	case "", "account", "program", "signature":
	default:
		return fmt.Errorf("unsupported partition_by: %s", r.PartitionBy)
	}
	return validDurations(map[string]string{"batch_timeout": r.BatchTimeout, "shutdown_grace": r.ShutdownGrace})
}

func (c *ConnectionConfig) Validate() error {
	if c.Multiplier != 0 && c.Multiplier < 1 {
		return errors.New("multiplier must be >= 1")
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return errors.New("jitter must be in [0,1)")
	}
	if c.FailureThreshold < 0 {
		return errors.New("failure_threshold must not be negative")
	}
	return validDurations(map[string]string{
		"initial_delay": c.InitialDelay,
		"max_delay":     c.MaxDelay,
		"open_timeout":  c.OpenTimeout,
	})
}

func (s *Source) Validate() error {
	switch strings.ToLower(s.Type) {
	case "fixture":
		if s.Path == "" {
			return errors.New("path is required for fixture sources")
		}
	case "evm":
		if s.RPCURL == "" {
			return errors.New("rpc_url is required for evm sources")
		}
	case "algorand":
		if s.AlgodURL == "" {
			return errors.New("algod_url is required for algorand sources")
		}
	case "bus":
		if err := s.Bus.Validate(); err != nil {
			return err
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unsupported source type: %s", s.Type)
	}
	return validDurations(map[string]string{"poll_interval": s.PollInterval})
}

func (b *Bus) Validate() error {
	if b.Topic == "" {
		return errors.New("topic is required")
	}
	switch strings.ToLower(b.Transport) {
	case "", "gochannel":
	case "nats", "amqp":
		if b.URL == "" {
			return fmt.Errorf("url is required for %s transport", b.Transport)
		}
	case "kafka":
		if len(b.Brokers) == 0 {
			return errors.New("brokers are required for kafka transport")
		}
	default:
		return fmt.Errorf("unsupported transport: %s", b.Transport)
	}
	return nil
}

func (p *Pipeline) Validate(sinkIDs map[string]*Sink) error {
	if p.ID == "" {
		return errors.New("id is required")
	}
	for _, sinkID := range p.Handlers {
		if _, ok := sinkIDs[sinkID]; !ok {
			return fmt.Errorf("unknown handler sink: %s", sinkID)
		}
	}
	if len(p.Handlers) == 0 && !p.Reexport {
		return errors.New("at least one handler or reexport is required")
	}
	switch strings.ToLower(p.Mode) {
	case "", "sequential", "concurrent":
	default:
		return fmt.Errorf("unsupported mode: %s", p.Mode)
	}
	switch p.RoutingKey {
	case "", "program", "signature", "account":
	default:
		return fmt.Errorf("unsupported routing_key: %s", p.RoutingKey)
	}
	if err := validDurations(map[string]string{"handler_timeout": p.HandlerTimeout}); err != nil {
		return err
	}
	return p.Parser.Validate()
}

func (ps *ParserSpec) Validate() error {
	switch strings.ToLower(ps.Type) {
	case "raw", "json", "spl_token":
	case "evm_log":
		if ps.Event == "" {
			return errors.New("parser.event is required for evm_log parsers")
		}
		if len(ps.ABIDirs) == 0 {
			return errors.New("parser.abi_dirs is required for evm_log parsers")
		}
	case "algorand_txn":
		switch ps.TxnType {
		case "", "app_call", "asset_transfer":
		default:
			return fmt.Errorf("unsupported parser.txn_type: %s", ps.TxnType)
		}
	case "":
		return errors.New("parser.type is required")
	default:
		return fmt.Errorf("unsupported parser.type: %s", ps.Type)
	}
	return nil
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "log":
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
	case "jsonl":
		if s.Path == "" {
			return errors.New("path is required for jsonl sink")
		}
	case "sqlite":
	case "postgres":
		if s.DSN == "" {
			return errors.New("dsn is required for postgres sink")
		}
	case "redis_stream":
		if s.URL == "" || s.Stream == "" {
			return errors.New("url and stream are required for redis_stream sink")
		}
	case "publish":
		if err := s.Bus.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}

	if s.Dedupe != nil {
		if s.Dedupe.Key == "" || s.Dedupe.TTL == "" {
			return errors.New("dedupe.key and dedupe.ttl are required when dedupe is set")
		}
		if err := validDurations(map[string]string{"dedupe.ttl": s.Dedupe.TTL}); err != nil {
			return err
		}
	}
	if s.RateLimit != nil && (s.RateLimit.Capacity <= 0 || s.RateLimit.PerSecond <= 0) {
		return errors.New("rate_limit.capacity and rate_limit.per_second must be positive")
	}
	if s.Async != nil {
		if err := validPolicy(s.Async.Overflow); err != nil {
			return fmt.Errorf("async: %w", err)
		}
		if err := validDurations(map[string]string{"async.batch_timeout": s.Async.BatchTimeout}); err != nil {
			return err
		}
	}
	return nil
}

func (r *ReexportConfig) Validate() error {
	if r.Addr == "" {
		return errors.New("addr is required")
	}
	if err := validPolicy(r.Overflow); err != nil {
		return err
	}
	return validDurations(map[string]string{"block_timeout": r.BlockTimeout, "keepalive": r.Keepalive})
}

// Duration parses an optional duration string, returning def when empty.
func Duration(s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

func validDurations(fields map[string]string) error {
	for name, v := range fields {
		if _, err := Duration(v, 0); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func validPolicy(s string) error {
	switch strings.ToLower(s) {
	case "", "block", "drop_oldest", "error":
		return nil
	}
	return fmt.Errorf("unsupported overflow policy: %s", s)
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
