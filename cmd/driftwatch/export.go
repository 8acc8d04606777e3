package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/journal"
	"github.com/spf13/cobra"
)

var (
	flagFormat string
	flagLimit  int
)

func init() {
	exportCmd.Flags().StringVar(&flagFormat, "format", "json", "Output format: json or csv")
	exportCmd.Flags().IntVar(&flagLimit, "limit", 100, "Maximum entries, newest first")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export journaled orphan deletions as json or csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Journal.Path == "" {
			return fmt.Errorf("journal disabled: set journal.path in %s", cfgPath)
		}

		jrn, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer jrn.Close()

		entries, err := jrn.RecentDeletions(cmd.Context(), flagLimit)
		if err != nil {
			return fmt.Errorf("read deletions: %w", err)
		}

		switch flagFormat {
		case "json":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		case "csv":
			w := csv.NewWriter(out)
			if err := w.Write([]string{"pass_id", "chain_id", "safe_block", "high_block", "decision", "rows_removed", "tables_touched", "created_at"}); err != nil {
				return err
			}
			for _, d := range entries {
				row := []string{
					d.PassID,
					strconv.FormatUint(d.ChainID, 10),
					strconv.FormatUint(d.SafeBlock, 10),
					strconv.FormatUint(d.HighBlock, 10),
					d.Decision,
					strconv.FormatUint(d.RowsRemoved, 10),
					strconv.Itoa(d.TablesTouched),
					d.CreatedAt.UTC().Format(time.RFC3339),
				}
				if err := w.Write(row); err != nil {
					return err
				}
			}
			w.Flush()
			return w.Error()
		default:
			return fmt.Errorf("unsupported format %q (json or csv)", flagFormat)
		}
	},
}
