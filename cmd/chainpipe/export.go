package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/devblac/chainpipe/internal/codec"
	"github.com/devblac/chainpipe/internal/config"
	"github.com/devblac/chainpipe/internal/storage"
)

var (
	flagExportPipeline string
	flagExportLimit    int
	flagExportOut      string
)

func init() {
	exportCmd.Flags().StringVar(&flagExportPipeline, "pipeline", "", "Only export outputs of this pipeline")
	exportCmd.Flags().IntVar(&flagExportLimit, "limit", 0, "Maximum number of outputs (0 = all)")
	exportCmd.Flags().StringVarP(&flagExportOut, "out", "o", "", "Write to file instead of stdout")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Dump outputs stored by sqlite sinks as JSONL",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		recs, err := store.ListOutputs(cmd.Context(), flagExportPipeline, flagExportLimit)
		if err != nil {
			return err
		}

		var out io.Writer = cmd.OutOrStdout()
		if flagExportOut != "" {
			f, err := os.Create(flagExportOut)
			if err != nil {
				return fmt.Errorf("create %s: %w", flagExportOut, err)
			}
			defer f.Close()
			out = f
		}
		return writeRecords(out, recs)
	},
}

func writeRecords(w io.Writer, recs []storage.OutputRecord) error {
	bw := bufio.NewWriter(w)
	for _, r := range recs {
		if err := codec.Encode(bw, r); err != nil {
			return err
		}
	}
	return bw.Flush()
}
