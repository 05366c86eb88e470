// Package config loads and validates the engine configuration: namespaces,
// stores, pods and the composite specifications. A Config is built once and
// never mutated; reloading means building a new one.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/cbdstore/internal/rdf"
)

// Default collection names for derived artifacts.
const (
	DefaultViewCollection   = "views"
	DefaultTableCollection  = "table_rows"
	DefaultSearchCollection = "search"
)

// Defaults for the tunables.
const (
	DefaultLockRetries    = 20
	DefaultLockRetryMinMS = 25
	DefaultLockRetryMaxMS = 40
	DefaultMaxJoinDepth   = 16
	DefaultBatchSize      = 100
	DefaultConcurrency    = 4
)

// EnvConfigPath names the environment variable consulted when no explicit
// config path is given.
const EnvConfigPath = "CBD_CONFIG"

// Config is the full engine configuration.
type Config struct {
	Namespaces     map[string]string      `json:"namespaces"`
	DefaultContext string                 `json:"defaultContext"`
	DataDir        string                 `json:"dataDir,omitempty"`
	Locks          LockConfig             `json:"locks"`
	MaxJoinDepth   int                    `json:"maxJoinDepth,omitempty"`
	Stores         map[string]StoreConfig `json:"stores"`
	Dispatch       DispatchConfig         `json:"dispatch"`

	// Source is the file the config came from, empty when parsed from bytes.
	Source string `json:"-"`
}

// LockConfig tunes the lock manager's retry loop.
type LockConfig struct {
	Retries    int `json:"retries,omitempty"`
	RetryMinMS int `json:"retryMinMs,omitempty"`
	RetryMaxMS int `json:"retryMaxMs,omitempty"`
}

// RetryDelay returns the configured sleep bounds.
func (l LockConfig) RetryDelay() (time.Duration, time.Duration) {
	return time.Duration(l.RetryMinMS) * time.Millisecond, time.Duration(l.RetryMaxMS) * time.Millisecond
}

// DispatchConfig tunes the async boundary.
type DispatchConfig struct {
	// Queue is "memory" or "spool".
	Queue       string `json:"queue,omitempty"`
	SpoolDir    string `json:"spoolDir,omitempty"`
	BatchSize   int    `json:"batchSize,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
}

// StoreConfig is one store: a SQLite database holding its pods, its derived
// collections and its transaction log.
type StoreConfig struct {
	// DataSource is the SQLite path, relative to DataDir unless absolute.
	DataSource string               `json:"dataSource"`
	Pods       map[string]PodConfig `json:"pods"`

	Views  []Spec `json:"viewSpecifications,omitempty"`
	Tables []Spec `json:"tableSpecifications,omitempty"`
	Search []Spec `json:"searchDocSpecifications,omitempty"`

	ViewCollection   string `json:"viewCollection,omitempty"`
	TableCollection  string `json:"tableCollection,omitempty"`
	SearchCollection string `json:"searchCollection,omitempty"`

	// Async marks kinds that are discovered and applied by workers instead of
	// inline after a write.
	Async map[OperationKind]bool `json:"async,omitempty"`
}

// PodConfig holds per-pod rules.
type PodConfig struct {
	// Cardinality maps a predicate alias to its maximum number of values.
	Cardinality map[string]int `json:"cardinality,omitempty"`
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	ConfigPath      string            // --config flag value; falls back to $CBD_CONFIG
	DataDirOverride string            // --data-dir flag value
	WorkDir         string            // base for relative paths; os.Getwd() when empty
	Env             map[string]string // environment variables
}

// Load reads, parses and validates a config file. Precedence, highest wins:
// CLI overrides, the file, defaults.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}

		workDir = wd
	}

	path := input.ConfigPath
	if path == "" {
		path = input.Env[EnvConfigPath]
	}

	if path == "" {
		return Config{}, fmt.Errorf("%w: no --config given and $%s unset", ErrConfigFileNotFound, EnvConfigPath)
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}

		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	cfg, err := decode(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	cfg.Source = path

	if input.DataDirOverride != "" {
		cfg.DataDir = input.DataDirOverride
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(path)
	} else if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(workDir, cfg.DataDir)
	}

	return finish(cfg)
}

// Parse builds a validated Config from JSONC bytes.
func Parse(data []byte) (Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return Config{}, err
	}

	return finish(cfg)
}

func decode(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: invalid JSONC: %w", ErrConfigInvalid, err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%w: invalid JSON: %w", ErrConfigInvalid, err)
	}

	return cfg, nil
}

func finish(cfg Config) (Config, error) {
	cfg = applyDefaults(cfg)

	err := validate(cfg)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyDefaults(cfg Config) Config {
	if cfg.Locks.Retries == 0 {
		cfg.Locks.Retries = DefaultLockRetries
	}

	if cfg.Locks.RetryMinMS == 0 {
		cfg.Locks.RetryMinMS = DefaultLockRetryMinMS
	}

	if cfg.Locks.RetryMaxMS == 0 {
		cfg.Locks.RetryMaxMS = DefaultLockRetryMaxMS
	}

	if cfg.MaxJoinDepth == 0 {
		cfg.MaxJoinDepth = DefaultMaxJoinDepth
	}

	if cfg.Dispatch.Queue == "" {
		cfg.Dispatch.Queue = "memory"
	}

	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = DefaultBatchSize
	}

	if cfg.Dispatch.Concurrency == 0 {
		cfg.Dispatch.Concurrency = DefaultConcurrency
	}

	stores := make(map[string]StoreConfig, len(cfg.Stores))

	for name, sc := range cfg.Stores {
		if sc.ViewCollection == "" {
			sc.ViewCollection = DefaultViewCollection
		}

		if sc.TableCollection == "" {
			sc.TableCollection = DefaultTableCollection
		}

		if sc.SearchCollection == "" {
			sc.SearchCollection = DefaultSearchCollection
		}

		if sc.DataSource == "" {
			sc.DataSource = name + ".sqlite"
		}

		stores[name] = sc
	}

	cfg.Stores = stores

	return cfg
}

// Labeller returns a labeller over the configured namespaces.
func (c Config) Labeller() *rdf.Labeller {
	return rdf.NewLabeller(c.Namespaces)
}

// Store returns the named store.
func (c Config) Store(name string) (StoreConfig, error) {
	sc, ok := c.Stores[name]
	if !ok {
		return StoreConfig{}, fmt.Errorf("%w: %q", ErrStoreNotFound, name)
	}

	return sc, nil
}

// StoreNames returns the configured store names, sorted.
func (c Config) StoreNames() []string {
	names := make([]string, 0, len(c.Stores))
	for n := range c.Stores {
		names = append(names, n)
	}

	slices.Sort(names)

	return names
}

// DataSourcePath resolves the SQLite path of a store.
func (c Config) DataSourcePath(store string) (string, error) {
	sc, err := c.Store(store)
	if err != nil {
		return "", err
	}

	if sc.DataSource == ":memory:" || filepath.IsAbs(sc.DataSource) {
		return sc.DataSource, nil
	}

	return filepath.Join(c.DataDir, sc.DataSource), nil
}

// SpoolPath resolves the spool directory, relative to DataDir unless
// absolute. Empty when no spool is configured.
func (c Config) SpoolPath() string {
	if c.Dispatch.SpoolDir == "" || filepath.IsAbs(c.Dispatch.SpoolDir) {
		return c.Dispatch.SpoolDir
	}

	return filepath.Join(c.DataDir, c.Dispatch.SpoolDir)
}

// Specs returns the specs of one kind.
func (sc StoreConfig) Specs(kind OperationKind) []Spec {
	switch kind {
	case KindView:
		return sc.Views
	case KindTable:
		return sc.Tables
	case KindSearch:
		return sc.Search
	default:
		return nil
	}
}

// Collection returns the artifact collection of one kind.
func (sc StoreConfig) Collection(kind OperationKind) string {
	switch kind {
	case KindView:
		return sc.ViewCollection
	case KindTable:
		return sc.TableCollection
	case KindSearch:
		return sc.SearchCollection
	default:
		return ""
	}
}

// KindOfCollection reports which kind stores its artifacts in coll.
func (sc StoreConfig) KindOfCollection(coll string) (OperationKind, bool) {
	for _, k := range Kinds {
		if sc.Collection(k) == coll {
			return k, true
		}
	}

	return "", false
}

// Spec finds a spec by id across all kinds.
func (sc StoreConfig) Spec(id string) (Spec, OperationKind, bool) {
	for _, k := range Kinds {
		for _, s := range sc.Specs(k) {
			if s.ID == id {
				return s, k, true
			}
		}
	}

	return Spec{}, "", false
}

// Enabled reports whether kind has at least one spec.
func (sc StoreConfig) Enabled(kind OperationKind) bool {
	return len(sc.Specs(kind)) > 0
}

// IsAsync reports whether kind is processed by workers.
func (sc StoreConfig) IsAsync(kind OperationKind) bool {
	return sc.Async[kind]
}

// Cardinality returns the cardinality rules of a pod.
func (sc StoreConfig) Cardinality(pod string) (map[string]int, error) {
	pc, ok := sc.Pods[pod]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPodNotFound, pod)
	}

	return pc.Cardinality, nil
}
