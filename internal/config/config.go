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
)

// Defaults applied when the YAML omits the corresponding field.
const (
	DefaultFlushThreshold = 5000
	DefaultIntervalMS     = 60000
	DefaultBlockThreshold = 200
	DefaultProgressTable  = "chain_progress"
	DefaultProgressSchema = "public"
	DefaultIngestAddr     = ":8085"
)

// Config holds the YAML configuration.
type Config struct {
	Version   int            `yaml:"version"`
	Process   ProcessStore   `yaml:"process_store"`
	Analytics AnalyticsStore `yaml:"analytics_store"`
	Batch     Batch          `yaml:"batch"`
	Reconcile Reconcile      `yaml:"reconcile"`
	Chains    []Chain        `yaml:"chains"`
	Tables    []Table        `yaml:"tables"`
	Journal   Journal        `yaml:"journal"`
	Ingest    Ingest         `yaml:"ingest"`
}

// ProcessStore points at the Postgres database where the upstream pipeline
// commits its fetch progress.
type ProcessStore struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Schema   string `yaml:"schema"`
	Table    string `yaml:"table"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN renders the keyword/value connection string pgx expects.
func (p ProcessStore) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}

// AnalyticsStore points at the ClickHouse database holding the event tables.
type AnalyticsStore struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type Batch struct {
	FlushThreshold int `yaml:"flush_threshold"`
}

type Reconcile struct {
	Periodic                *bool  `yaml:"periodic,omitempty"`
	IntervalMS              int    `yaml:"interval_ms"`
	ConfirmedBlockThreshold uint64 `yaml:"confirmed_block_threshold"`
}

// Enabled reports whether the periodic loop should run. Omitting the flag
// means enabled.
func (r Reconcile) Enabled() bool {
	return r.Periodic == nil || *r.Periodic
}

func (r Reconcile) Interval() time.Duration {
	return time.Duration(r.IntervalMS) * time.Millisecond
}

// Chain binds a chain id to the RPC endpoint used to resolve its tip.
type Chain struct {
	ID     uint64 `yaml:"id"`
	RPCURL string `yaml:"rpc_url"`
}

// Table declares one destination event table: the emitting contract origin,
// the event name, and the decoded fields in column order.
type Table struct {
	Origin string  `yaml:"origin"`
	Event  string  `yaml:"event"`
	Fields []Field `yaml:"fields"`
}

type Field struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type Journal struct {
	Path string `yaml:"path"`
}

type Ingest struct {
	Addr string `yaml:"addr"`
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, applies defaults, and
// validates.
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

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

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

func (c *Config) applyDefaults() {
	if c.Process.Port == 0 {
		c.Process.Port = 5432
	}
	if c.Process.Schema == "" {
		c.Process.Schema = DefaultProgressSchema
	}
	if c.Process.Table == "" {
		c.Process.Table = DefaultProgressTable
	}
	if c.Process.SSLMode == "" {
		c.Process.SSLMode = "disable"
	}
	if c.Analytics.Username == "" {
		c.Analytics.Username = "default"
	}
	if c.Analytics.Database == "" {
		c.Analytics.Database = "default"
	}
	if c.Batch.FlushThreshold == 0 {
		c.Batch.FlushThreshold = DefaultFlushThreshold
	}
	if c.Reconcile.IntervalMS == 0 {
		c.Reconcile.IntervalMS = DefaultIntervalMS
	}
	if c.Reconcile.ConfirmedBlockThreshold == 0 {
		c.Reconcile.ConfirmedBlockThreshold = DefaultBlockThreshold
	}
	if c.Ingest.Addr == "" {
		c.Ingest.Addr = DefaultIngestAddr
	}
}

var identPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// typePattern admits plain and parameterized ClickHouse column types. Kept
// tight because types are spliced into DDL.
var typePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_(),' ]*$`)

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if c.Process.Host == "" {
		return errors.New("process_store.host is required")
	}
	if c.Process.User == "" {
		return errors.New("process_store.user is required")
	}
	if c.Process.Database == "" {
		return errors.New("process_store.database is required")
	}
	if !identPattern.MatchString(c.Process.Schema) {
		return fmt.Errorf("process_store.schema is not a valid identifier: %s", c.Process.Schema)
	}
	if !identPattern.MatchString(c.Process.Table) {
		return fmt.Errorf("process_store.table is not a valid identifier: %s", c.Process.Table)
	}
	if c.Analytics.Addr == "" {
		return errors.New("analytics_store.addr is required")
	}
	if c.Batch.FlushThreshold < 0 {
		return errors.New("batch.flush_threshold must be positive")
	}
	if c.Reconcile.IntervalMS < 0 {
		return errors.New("reconcile.interval_ms must be positive")
	}

	chainIDs := map[uint64]struct{}{}
	for _, ch := range c.Chains {
		if ch.ID == 0 {
			return errors.New("chain id is required")
		}
		if _, exists := chainIDs[ch.ID]; exists {
			return fmt.Errorf("duplicate chain id: %d", ch.ID)
		}
		chainIDs[ch.ID] = struct{}{}
		if ch.RPCURL == "" {
			return fmt.Errorf("chain %d: rpc_url is required", ch.ID)
		}
	}

	seen := map[string]struct{}{}
	for _, t := range c.Tables {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("table %s/%s: %w", t.Origin, t.Event, err)
		}
		key := t.Origin + "/" + t.Event
		if _, exists := seen[key]; exists {
			return fmt.Errorf("duplicate table: %s", key)
		}
		seen[key] = struct{}{}
	}

	return nil
}

func (t *Table) Validate() error {
	if t.Origin == "" {
		return errors.New("origin is required")
	}
	if !identPattern.MatchString(t.Origin) {
		return errors.New("origin is not a valid identifier")
	}
	if t.Event == "" {
		return errors.New("event is required")
	}
	if !identPattern.MatchString(t.Event) {
		return errors.New("event is not a valid identifier")
	}

	names := map[string]struct{}{}
	for _, f := range t.Fields {
		if f.Name == "" {
			return errors.New("field name is required")
		}
		if !identPattern.MatchString(f.Name) {
			return fmt.Errorf("field %s: not a valid identifier", f.Name)
		}
		if !typePattern.MatchString(f.Type) {
			return fmt.Errorf("field %s: unsupported type %q", f.Name, f.Type)
		}
		lower := strings.ToLower(f.Name)
		if _, exists := names[lower]; exists {
			return fmt.Errorf("duplicate field: %s", f.Name)
		}
		names[lower] = struct{}{}
	}

	return nil
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
