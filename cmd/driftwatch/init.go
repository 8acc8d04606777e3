package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagForce bool

const sampleConfig = `version: 1

process_store:
  host: ${PG_HOST}
  port: 5432
  user: indexer
  password: ${PG_PASSWORD}
  database: indexer
  schema: public
  table: chain_progress
  sslmode: disable

analytics_store:
  addr: ${CH_ADDR}
  username: default
  password: ${CH_PASSWORD}
  database: analytics

batch:
  flush_threshold: 5000

reconcile:
  periodic: true
  interval_ms: 60000
  confirmed_block_threshold: 200

chains:
  - id: 1
    rpc_url: ${ETH_RPC_URL}

tables:
  - origin: ERC20
    event: Transfer
    fields:
      - name: from
        type: String
      - name: to
        type: String
      - name: amount
        type: UInt256

journal:
  path: driftwatch.db

ingest:
  addr: ":8085"
`

func init() {
	initCmd.Flags().BoolVar(&flagForce, "force", false, "Overwrite an existing config file")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold a sample config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !flagForce {
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
		}

		if err := os.WriteFile(cfgPath, []byte(sampleConfig), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", cfgPath, err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgPath)
		fmt.Fprintln(cmd.OutOrStdout(), "fill in PG_HOST, PG_PASSWORD, CH_ADDR, CH_PASSWORD and ETH_RPC_URL (environment or .env), then run: driftwatch validate")
		return nil
	},
}
