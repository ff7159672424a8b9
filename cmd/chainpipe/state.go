package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/devblac/chainpipe/internal/config"
	"github.com/devblac/chainpipe/internal/storage"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show stored source cursors",
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

		cursors, err := store.ListCursors(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(cursors) == 0 {
			fmt.Fprintln(out, "no cursors stored")
			return nil
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SOURCE\tHEIGHT\tHASH\tUPDATED\tAGE")
		for _, c := range cursors {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", c.SourceID, c.Height, shortHash(c.Hash),
				c.UpdatedAt.Format(time.RFC3339), time.Since(c.UpdatedAt).Truncate(time.Second))
		}
		return tw.Flush()
	},
}

func shortHash(h string) string {
	if len(h) <= 14 {
		return h
	}
	return h[:8] + "…" + h[len(h)-4:]
}
