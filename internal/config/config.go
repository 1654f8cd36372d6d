// Package config loads the node configuration: a YAML document layered
// over built-in defaults and validated against an embedded CUE schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource []byte

// Duration is a time.Duration that reads and writes Go duration
// literals ("3s", "1h30m") in YAML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config carries every tunable of the node. All keys are optional in
// the YAML file; absent keys keep their defaults.
type Config struct {
	Store        StoreConfig        `yaml:"store"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Ring         RingConfig         `yaml:"ring"`
	Snapshot     SnapshotConfig     `yaml:"snapshot"`
	Projector    ProjectorConfig    `yaml:"projector"`
	Watcher      WatcherConfig      `yaml:"watcher"`
	Aggregate    AggregateConfig    `yaml:"aggregate"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Cleanup      CleanupConfig      `yaml:"cleanup"`
	Seed         SeedConfig         `yaml:"seed"`
}

// StoreConfig selects the relational database backing the read model,
// snapshots and idempotency bookkeeping.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LedgerConfig locates the event-log database.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

type RingConfig struct {
	Capacity int `yaml:"capacity"`
}

type SnapshotConfig struct {
	Threshold int64 `yaml:"threshold"`
	Retain    int   `yaml:"retain"`
}

type ProjectorConfig struct {
	BatchSize   int      `yaml:"batch_size"`
	FlushPeriod Duration `yaml:"flush_period"`
}

type WatcherConfig struct {
	Period    Duration `yaml:"period"`
	Timeout   Duration `yaml:"timeout"`
	ScanDepth int      `yaml:"scan_depth"`
}

type AggregateConfig struct {
	ReadTimeout Duration `yaml:"read_timeout"`
}

type SubscriptionConfig struct {
	BufferSize int      `yaml:"buffer_size"`
	MaxRetries int      `yaml:"max_retries"`
	AckTimeout Duration `yaml:"ack_timeout"`
}

type CleanupConfig struct {
	Period    Duration `yaml:"period"`
	Retention Duration `yaml:"retention"`
}

// SeedConfig describes the optional bootstrap deposit made on serve
// start. An empty account disables seeding.
type SeedConfig struct {
	Account string `yaml:"account"`
	Amount  string `yaml:"amount"`
}

// ParseAmount returns the seed amount as a decimal.
func (s SeedConfig) ParseAmount() (decimal.Decimal, error) {
	amt, err := decimal.NewFromString(s.Amount)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("seed amount %q: %w", s.Amount, err)
	}
	return amt, nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store:  StoreConfig{Driver: "sqlite3", DSN: "tally.db"},
		Ledger: LedgerConfig{Path: "tally-ledger.db"},
		Ring:   RingConfig{Capacity: 1024},
		Snapshot: SnapshotConfig{
			Threshold: 100,
			Retain:    2,
		},
		Projector: ProjectorConfig{
			BatchSize:   500,
			FlushPeriod: Duration(3 * time.Second),
		},
		Watcher: WatcherConfig{
			Period:    Duration(time.Minute),
			Timeout:   Duration(30 * time.Second),
			ScanDepth: 2000,
		},
		Aggregate: AggregateConfig{
			ReadTimeout: Duration(5 * time.Second),
		},
		Subscription: SubscriptionConfig{
			BufferSize: 50,
			MaxRetries: 10,
			AckTimeout: Duration(10 * time.Second),
		},
		Cleanup: CleanupConfig{
			Period:    Duration(24 * time.Hour),
			Retention: Duration(720 * time.Hour),
		},
		Seed: SeedConfig{Account: "", Amount: "1000"},
	}
}

// Load reads the YAML file at path, validates it against the schema
// and layers it over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := validateTree(tree); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the full configuration against the embedded schema.
// Load validates the file on its own; this covers configs assembled or
// mutated in code.
func (c Config) Validate() error {
	doc, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(doc, &tree); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return validateTree(tree)
}

// ValidationError is one schema violation at a config path.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

func validateTree(tree map[string]any) error {
	if tree == nil {
		tree = map[string]any{}
	}
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("config schema has no #Config: %w", err)
	}
	merged := def.Unify(ctx.Encode(tree))
	if err := merged.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", violations(err))
	}
	return nil
}

// violations flattens a CUE error list into path-tagged errors.
func violations(err error) error {
	split := cueerrors.Errors(err)
	if len(split) == 0 {
		return err
	}
	out := make([]error, 0, len(split))
	for _, e := range split {
		format, args := e.Msg()
		out = append(out, &ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}
	return errors.Join(out...)
}
