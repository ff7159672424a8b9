// Package sink holds the handlers pipelines deliver outputs to.
package sink

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/devblac/chainpipe/internal/codec"
	"github.com/devblac/chainpipe/internal/pipeline"
)

// BatchWriter persists several outputs in one round trip.
type BatchWriter interface {
	WriteBatch(ctx context.Context, outs []*pipeline.Output) error
}

// Closer releases sink resources during shutdown.
type Closer interface {
	Close(ctx context.Context) error
}

// CloserFunc adapts a function to Closer.
type CloserFunc func(ctx context.Context) error

func (f CloserFunc) Close(ctx context.Context) error { return f(ctx) }

type httpSender struct {
	url     string
	method  string
	render  *template.Template
	client  *http.Client
	headers map[string]string
}

// NewWebhookSender builds a generic HTTP sink. Without a template the Output is posted as JSON;
// with one the rendered text is posted as {"text": ...}.
func NewWebhookSender(url, method, tmpl string, headers map[string]string) (pipeline.Handler, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	s := &httpSender{
		url:     url,
		method:  strings.ToUpper(method),
		client:  defaultClient(),
		headers: headers,
	}
	if tmpl != "" {
		t, err := parseTemplate(tmpl)
		if err != nil {
			return nil, err
		}
		s.render = t
	}
	return s, nil
}

// NewSlackSender builds a Slack-compatible webhook sink.
func NewSlackSender(url, tmpl string) (pipeline.Handler, error) {
	return NewWebhookSender(url, http.MethodPost, defaultTemplate(tmpl), map[string]string{
		"Content-Type": "application/json",
	})
}

// NewTeamsSender builds a Teams-compatible webhook sink.
func NewTeamsSender(url, tmpl string) (pipeline.Handler, error) {
	// Teams accepts simple {text: "..."} payloads.
	return NewWebhookSender(url, http.MethodPost, defaultTemplate(tmpl), map[string]string{
		"Content-Type": "application/json",
	})
}

func (s *httpSender) Handle(ctx context.Context, out *pipeline.Output) error {
	var (
		reqBody []byte
		err     error
	)
	if s.render != nil {
		text, err := executeTemplate(s.render, out)
		if err != nil {
			return err
		}
		reqBody, err = codec.Marshal(map[string]string{"text": text})
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
	} else if reqBody, err = codec.Marshal(out); err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink http status %d", resp.StatusCode)
	}
	return nil
}

func defaultTemplate(tmpl string) string {
	if tmpl == "" {
		return "OUTPUT {{.Pipeline}} slot={{.Slot}} {{short_addr .Signature}}"
	}
	return tmpl
}

func parseTemplate(tmpl string) (*template.Template, error) {
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := codec.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"short_addr": func(addr string) string {
			if len(addr) <= 10 {
				return addr
			}
			return addr[:6] + "..." + addr[len(addr)-4:]
		},
	}
	return template.New("msg").Funcs(funcs).Parse(tmpl)
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 8 * time.Second,
	}
}
