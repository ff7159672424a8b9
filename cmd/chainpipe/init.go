package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/devblac/chainpipe/internal/model"
	"github.com/devblac/chainpipe/internal/source/fixture"
)

var flagForce bool

func init() {
	initCmd.Flags().BoolVar(&flagForce, "force", false, "Overwrite existing files")
}

const sampleFixture = "sample-updates.jsonl"

const sampleConfig = `version: 1

global:
  db_path: chainpipe.db
  log_level: info

runtime:
  workers: 4
  buffer_capacity: 1024
  overflow: block
  shutdown_grace: 10s

connection:
  initial_delay: 500ms
  max_delay: 30s
  multiplier: 2
  jitter: 0.2
  failure_threshold: 5
  open_timeout: 60s

source:
  id: sample
  type: fixture
  path: %s

pipelines:
  - id: large-swaps
    parser:
      type: json
      where: ["amount >= 1000"]
    prefilter:
      program_ids: ["swap-program"]
    mode: concurrent
    handler_timeout: 5s
    routing_key: program
    handlers: [console, archive]
    reexport: true

sinks:
  - id: console
    type: log
  - id: archive
    type: jsonl
    path: outputs.jsonl
    async: {capacity: 256, batch_size: 32, batch_timeout: 250ms}

reexport:
  addr: ":8081"
  capacity: 256
  overflow: drop_oldest
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config and fixture",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		dir := filepath.Dir(cfgPath)
		fixturePath := filepath.Join(dir, sampleFixture)

		for _, p := range []string{cfgPath, fixturePath} {
			if _, err := os.Stat(p); err == nil && !flagForce {
				return fmt.Errorf("%s already exists (use --force to overwrite)", p)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}

		if err := os.WriteFile(cfgPath, []byte(fmt.Sprintf(sampleConfig, fixturePath)), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		f, err := os.Create(fixturePath)
		if err != nil {
			return fmt.Errorf("write fixture: %w", err)
		}
		defer f.Close()
		if err := fixture.Write(f, sampleUpdates(time.Now().UTC())); err != nil {
			return fmt.Errorf("write fixture: %w", err)
		}

		fmt.Fprintf(out, "wrote %s and %s\n", cfgPath, fixturePath)
		return nil
	},
}

func sampleUpdates(now time.Time) []*model.Update {
	swaps := []struct {
		sig    string
		amount int
	}{
		{"sig-1", 250},
		{"sig-2", 4200},
		{"sig-3", 1000},
		{"sig-4", 15},
	}
	out := make([]*model.Update, 0, len(swaps)+1)
	for i, s := range swaps {
		out = append(out, &model.Update{
			Kind:       model.KindInstruction,
			Slot:       uint64(100 + i),
			ObservedAt: now,
			Program:    "swap-program",
			Accounts:   []string{"trader-" + s.sig, "pool-1"},
			Signature:  s.sig,
			Raw:        []byte(fmt.Sprintf(`{"pool":"pool-1","amount":%d}`, s.amount)),
		})
	}
	out = append(out, &model.Update{Kind: model.KindBlockMeta, Slot: 103, ObservedAt: now})
	return out
}
