package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/devblac/chainpipe/internal/codec"
	"github.com/devblac/chainpipe/internal/config"
	"github.com/devblac/chainpipe/internal/parser"
	"github.com/devblac/chainpipe/internal/source/fixture"
)

const defaultHTTPTimeout = 8 * time.Second

var flagOffline bool

func init() {
	validateCmd.Flags().BoolVar(&flagOffline, "offline", false, "Skip source connectivity checks")
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config, build parsers and ping the source",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d, %d pipeline(s), %d sink(s))\n", cfg.Version, len(cfg.Pipelines), len(cfg.Sinks))

		failures := 0
		for _, p := range cfg.Pipelines {
			if _, err := parser.Build(p.Parser); err != nil {
				failures++
				fmt.Fprintf(out, "- pipeline %s (%s): ERROR %v\n", p.ID, p.Parser.Type, err)
				continue
			}
			fmt.Fprintf(out, "- pipeline %s (%s): OK\n", p.ID, p.Parser.Type)
		}

		if !flagOffline {
			client := &http.Client{Timeout: defaultHTTPTimeout}
			if err := checkSource(cmd.Context(), client, cfg.Source, out); err != nil {
				failures++
				fmt.Fprintf(out, "- source %s (%s): ERROR %v\n", cfg.Source.ID, cfg.Source.Type, err)
			}
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d check(s) failed", failures)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

func checkSource(ctx context.Context, client *http.Client, src config.Source, out io.Writer) error {
	switch strings.ToLower(src.Type) {
	case "evm":
		chainID, err := pingEVM(ctx, client, src.RPCURL)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "- source %s (evm): chainId %s OK\n", src.ID, chainID)
	case "algorand":
		ver, err := pingAlgod(ctx, client, src.AlgodURL)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "- source %s (algorand): algod %s OK\n", src.ID, ver)
	case "fixture":
		f, err := fixture.Open(src.ID, src.Path, src.Loop)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "- source %s (fixture): %d update(s) OK\n", src.ID, f.Len())
	case "bus":
		transport := src.Transport
		if transport == "" {
			transport = "gochannel"
		}
		fmt.Fprintf(out, "- source %s (bus): %s topic %s (not pinged)\n", src.ID, transport, src.Topic)
	default:
		return fmt.Errorf("unsupported type %s", src.Type)
	}
	return nil
}

func pingEVM(ctx context.Context, client *http.Client, url string) (string, error) {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_chainId",
		"params":  []any{},
	}
	body, err := codec.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call eth_chainId: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("rpc status %d", resp.StatusCode)
	}

	var rpcResp struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := codec.Decode(resp.Body, &rpcResp); err != nil {
		return "", fmt.Errorf("decode rpc response: %w", err)
	}

	if rpcResp.Error != nil {
		return "", fmt.Errorf("rpc error: %s", rpcResp.Error.Message)
	}
	if rpcResp.Result == "" {
		return "", fmt.Errorf("empty chainId result")
	}

	return rpcResp.Result, nil
}

func pingAlgod(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	url := strings.TrimRight(baseURL, "/") + "/versions"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call versions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var body struct {
		Versions []string `json:"versions"`
	}
	if err := codec.Decode(resp.Body, &body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(body.Versions) == 0 {
		return "unknown", nil
	}
	return body.Versions[0], nil
}
