package config

import (
	"os"
	"path/filepath"
	"testing"
)

const baseYAML = `
version: 1
process_store:
  host: ${PG_HOST}
  user: indexer
  password: ${PG_PASSWORD}
  database: envio
analytics_store:
  addr: ${CH_ADDR}
chains:
  - id: 1
    rpc_url: ${RPC_URL}
tables:
  - origin: ERC20
    event: Transfer
    fields:
      - { name: from, type: String }
      - { name: to, type: String }
      - { name: value, type: UInt256 }
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

	t.Setenv("PG_HOST", "db.example")
	t.Setenv("PG_PASSWORD", "hunter2")
	t.Setenv("CH_ADDR", "ch.example:9000")
	t.Setenv("RPC_URL", "http://example-rpc")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("expected load to succeed: %v", err)
	}

	if got := cfg.Process.Host; got != "db.example" {
		t.Fatalf("host not interpolated, got %q", got)
	}
	if got := cfg.Chains[0].RPCURL; got != "http://example-rpc" {
		t.Fatalf("rpc_url not interpolated, got %q", got)
	}
}

func TestLoadFailsOnMissingEnv(t *testing.T) {
	cfgPath := writeConfig(t, baseYAML)

	t.Setenv("PG_HOST", "db.example")
	t.Setenv("PG_PASSWORD", "hunter2")
	t.Setenv("CH_ADDR", "ch.example:9000")
	os.Unsetenv("RPC_URL")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("expected missing env to fail")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfgPath := writeConfig(t, baseYAML)

	t.Setenv("PG_HOST", "db.example")
	t.Setenv("PG_PASSWORD", "hunter2")
	t.Setenv("CH_ADDR", "ch.example:9000")
	t.Setenv("RPC_URL", "http://example-rpc")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("expected load to succeed: %v", err)
	}

	if got := cfg.Batch.FlushThreshold; got != DefaultFlushThreshold {
		t.Fatalf("flush threshold default, got %d", got)
	}
	if got := cfg.Reconcile.IntervalMS; got != DefaultIntervalMS {
		t.Fatalf("interval default, got %d", got)
	}
	if got := cfg.Reconcile.ConfirmedBlockThreshold; got != DefaultBlockThreshold {
		t.Fatalf("block threshold default, got %d", got)
	}
	if !cfg.Reconcile.Enabled() {
		t.Fatalf("periodic reconcile should default to enabled")
	}
	if got := cfg.Process.Table; got != DefaultProgressTable {
		t.Fatalf("progress table default, got %q", got)
	}
	if got := cfg.Process.DSN(); got != "host=db.example port=5432 user=indexer password=hunter2 dbname=envio sslmode=disable" {
		t.Fatalf("unexpected dsn: %q", got)
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing version", func(c *Config) { c.Version = 0 }},
		{"missing process host", func(c *Config) { c.Process.Host = "" }},
		{"missing analytics addr", func(c *Config) { c.Analytics.Addr = "" }},
		{"bad schema identifier", func(c *Config) { c.Process.Schema = "pub lic" }},
		{"duplicate chain", func(c *Config) { c.Chains = append(c.Chains, Chain{ID: 1, RPCURL: "http://x"}) }},
		{"chain without rpc", func(c *Config) { c.Chains = append(c.Chains, Chain{ID: 2}) }},
		{"duplicate table", func(c *Config) { c.Tables = append(c.Tables, c.Tables[0]) }},
		{"bad field type", func(c *Config) { c.Tables[0].Fields[0].Type = "String; DROP TABLE x" }},
		{"duplicate field", func(c *Config) {
			c.Tables[0].Fields = append(c.Tables[0].Fields, Field{Name: "From", Type: "String"})
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{
				Version:   1,
				Process:   ProcessStore{Host: "h", User: "u", Database: "d", Schema: "public", Table: "chain_progress", SSLMode: "disable", Port: 5432},
				Analytics: AnalyticsStore{Addr: "ch:9000", Username: "default", Database: "default"},
				Chains:    []Chain{{ID: 1, RPCURL: "http://x"}},
				Tables: []Table{{
					Origin: "ERC20",
					Event:  "Transfer",
					Fields: []Field{{Name: "from", Type: "String"}},
				}},
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
