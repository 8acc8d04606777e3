package main

import (
	"context"
	"fmt"
	"time"

	"github.com/driftwatch/driftwatch/internal/analytics"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/head"
	"github.com/driftwatch/driftwatch/internal/logging"
	"github.com/driftwatch/driftwatch/internal/progress"
	"github.com/spf13/cobra"
)

const defaultPingTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and ping stores and chain RPCs",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		log := logging.NewWithLevel("error")
		failures := 0

		ctx, cancel := context.WithTimeout(cmd.Context(), defaultPingTimeout)
		if pg, err := progress.Open(ctx, cfg.Process, log); err != nil {
			failures++
			fmt.Fprintf(out, "- process store %s:%d: ERROR %v\n", cfg.Process.Host, cfg.Process.Port, err)
		} else {
			fmt.Fprintf(out, "- process store %s:%d: OK\n", cfg.Process.Host, cfg.Process.Port)
			pg.Close()
		}
		cancel()

		ctx, cancel = context.WithTimeout(cmd.Context(), defaultPingTimeout)
		if ch, err := analytics.Open(ctx, cfg.Analytics, log); err != nil {
			failures++
			fmt.Fprintf(out, "- analytics store %s: ERROR %v\n", cfg.Analytics.Addr, err)
		} else {
			fmt.Fprintf(out, "- analytics store %s: OK\n", cfg.Analytics.Addr)
			_ = ch.Close()
		}
		cancel()

		for _, chain := range cfg.Chains {
			ctx, cancel = context.WithTimeout(cmd.Context(), defaultPingTimeout)
			tip, err := pingChain(ctx, chain.RPCURL)
			cancel()
			if err != nil {
				failures++
				fmt.Fprintf(out, "- chain %d rpc: ERROR %v\n", chain.ID, err)
				continue
			}
			fmt.Fprintf(out, "- chain %d rpc: head %d OK\n", chain.ID, tip)
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d endpoint(s) failed connectivity", failures)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

func pingChain(ctx context.Context, rpcURL string) (uint64, error) {
	cli, err := head.NewRPCClient(rpcURL)
	if err != nil {
		return 0, err
	}
	hdr, err := cli.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("fetch head: %w", err)
	}
	return hdr.Number.Uint64(), nil
}
