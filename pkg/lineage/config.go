package lineage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Format is the on-disk record serialization.
type Format string

const (
	// FormatMsgpack is the compact binary record format, and the default.
	FormatMsgpack Format = "msgpack"

	// FormatJSON names the export format. It is never accepted as the
	// persisted format.
	FormatJSON Format = "json"
)

// DefaultCacheSize is the number of sessions the engine caches by default.
const DefaultCacheSize = 1000

// Config configures an engine. Build one with [NewConfig] or load it with
// [LoadConfig]; the zero value is not usable.
type Config struct {
	// Path is the directory holding the storage files.
	Path string `yaml:"path" json:"path"`

	// CacheSize bounds the session cache, in sessions.
	CacheSize int `yaml:"cache_size" json:"cache_size"`

	// Format is the persisted record format.
	Format Format `yaml:"format" json:"format"`

	// InMemory keeps all data in memory; Path is ignored. For tests.
	InMemory bool `yaml:"in_memory" json:"in_memory"`

	// SyncWrites fsyncs every commit before it is acknowledged.
	SyncWrites bool `yaml:"sync_writes" json:"sync_writes"`

	// Timeout bounds each storage call. Zero means no bound.
	Timeout time.Duration `yaml:"-" json:"timeout"`
}

// ConfigBuilder accumulates configuration. Unset fields keep safe defaults.
type ConfigBuilder struct {
	cfg Config
}

// NewConfig starts a configuration for storage at path.
func NewConfig(path string) *ConfigBuilder {
	return &ConfigBuilder{cfg: Config{
		Path:      path,
		CacheSize: DefaultCacheSize,
		Format:    FormatMsgpack,
	}}
}

// WithCacheSize sets the session cache size. Zero selects the default.
func (b *ConfigBuilder) WithCacheSize(n int) *ConfigBuilder {
	b.cfg.CacheSize = n
	return b
}

// WithFormat sets the persisted record format.
func (b *ConfigBuilder) WithFormat(f Format) *ConfigBuilder {
	b.cfg.Format = f
	return b
}

// WithInMemory keeps all data in memory.
func (b *ConfigBuilder) WithInMemory(on bool) *ConfigBuilder {
	b.cfg.InMemory = on
	return b
}

// WithSyncWrites makes every commit durable before it returns.
func (b *ConfigBuilder) WithSyncWrites(on bool) *ConfigBuilder {
	b.cfg.SyncWrites = on
	return b
}

// WithTimeout bounds each storage call.
func (b *ConfigBuilder) WithTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.Timeout = d
	return b
}

// Build validates and returns the configuration.
func (b *ConfigBuilder) Build() (Config, error) {
	cfg := b.cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.CacheSize == 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.Format == "" {
		c.Format = FormatMsgpack
	}
	return c
}

// Validate reports whether the configuration can be used to open an
// engine. Errors match ErrConfig.
func (c Config) Validate() error {
	if c.CacheSize < 0 {
		return fmt.Errorf("%w: cache size %d is negative", ErrConfig, c.CacheSize)
	}
	switch c.Format {
	case FormatMsgpack, "":
	case FormatJSON:
		return fmt.Errorf("%w: json is an export format and cannot be persisted", ErrConfig)
	default:
		return fmt.Errorf("%w: unknown format %q", ErrConfig, c.Format)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout %v is negative", ErrConfig, c.Timeout)
	}
	if c.InMemory {
		return nil
	}
	if c.Path == "" {
		return fmt.Errorf("%w: storage path is empty", ErrConfig)
	}
	fi, err := os.Stat(c.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Created on open.
		return nil
	case err != nil:
		return fmt.Errorf("%w: storage path %s: %v", ErrConfig, c.Path, err)
	case !fi.IsDir():
		return fmt.Errorf("%w: storage path %s is not a directory", ErrConfig, c.Path)
	}
	return nil
}

// fileConfig is the YAML shape of Config.
type fileConfig struct {
	Path       string `yaml:"path"`
	CacheSize  int    `yaml:"cache_size"`
	Format     Format `yaml:"format"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
	Timeout    string `yaml:"timeout"`
}

// ParseConfig decodes a YAML configuration document:
//
//	path: /var/lib/lineage
//	cache_size: 5000
//	format: msgpack
//	sync_writes: true
//	timeout: 2s
//
// Missing fields take their defaults. The result is validated.
func ParseConfig(data []byte) (Config, error) {
	var fc fileConfig
	if err := yaml.UnmarshalWithOptions(data, &fc, yaml.DisallowUnknownField()); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	b := NewConfig(fc.Path).
		WithCacheSize(fc.CacheSize).
		WithInMemory(fc.InMemory).
		WithSyncWrites(fc.SyncWrites)
	if fc.Format != "" {
		b.WithFormat(fc.Format)
	}
	if fc.Timeout != "" {
		d, err := time.ParseDuration(fc.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("%w: timeout: %v", ErrConfig, err)
		}
		b.WithTimeout(d)
	}
	return b.Build()
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(file string) (Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return ParseConfig(data)
}
