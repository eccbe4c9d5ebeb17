// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

// Package config loads permbase configuration from defaults, an optional
// YAML file, and command-line flags, in that precedence order.
package config

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/permbase/permbase/internal/data"
)

// Config is the full process configuration.
type Config struct {
	Storage StorageConfig `koanf:"storage"`
	Cache   CacheConfig   `koanf:"cache"`
	Sweeper SweeperConfig `koanf:"sweeper"`
	Audit   AuditConfig   `koanf:"audit"`
	Limits  LimitsConfig  `koanf:"limits"`
	Log     LogConfig     `koanf:"log"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is sqlite, postgres, or flatfile.
	Backend string `koanf:"backend"`
	// DSN is the postgres connection string.
	DSN string `koanf:"dsn"`
	// Path is the sqlite database file or flatfile data directory.
	Path string `koanf:"path"`
	// FallbackPath is the sqlite file used when the configured backend fails
	// to initialize. Empty disables the fallback.
	FallbackPath string `koanf:"fallback_path"`
}

// CacheConfig bounds the in-memory caches.
type CacheConfig struct {
	PrincipalSize int `koanf:"principal_size"`
}

// SweeperConfig schedules the expiry sweeper.
type SweeperConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// AuditConfig configures the audit sink.
type AuditConfig struct {
	// Retention is how long audit entries are kept. Zero keeps them forever.
	Retention time.Duration `koanf:"retention"`
	// WALPath is the fallback write-ahead log for failed audit writes.
	WALPath string `koanf:"wal_path"`
}

// LimitsConfig holds anti-abuse limits.
type LimitsConfig struct {
	// MaxSecondaryRanks caps secondary and temporary rank assignments per
	// principal. Zero disables the ceiling.
	MaxSecondaryRanks int `koanf:"max_secondary_ranks"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Format string `koanf:"format"` // json or text
	Level  string `koanf:"level"`  // debug, info, warn, error
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Backend:      data.BackendSQLite,
			Path:         "permbase.db",
			FallbackPath: "permbase-fallback.db",
		},
		Cache: CacheConfig{
			PrincipalSize: 1024,
		},
		Sweeper: SweeperConfig{
			Interval: time.Minute,
		},
		Audit: AuditConfig{
			WALPath: "permbase-audit.wal",
		},
		Log: LogConfig{
			Format: "json",
			Level:  "info",
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (when non-empty), then the given flag set (when non-nil).
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, oops.In("config").With("path", path).Wrap(err)
		}
	}
	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return cfg, oops.In("config").Wrap(err)
		}
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, oops.In("config").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case data.BackendSQLite, data.BackendFlatfile:
		if c.Storage.Path == "" {
			return oops.In("config").
				Code("INVALID_ARGUMENT").
				Errorf("storage.path is required for the %s backend", c.Storage.Backend)
		}
	case data.BackendPostgres:
		if c.Storage.DSN == "" {
			return oops.In("config").
				Code("INVALID_ARGUMENT").
				Errorf("storage.dsn is required for the postgres backend")
		}
	default:
		return oops.In("config").
			Code("INVALID_ARGUMENT").
			Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Cache.PrincipalSize < 0 {
		return oops.In("config").
			Code("INVALID_ARGUMENT").
			Errorf("cache.principal_size must not be negative")
	}
	if c.Sweeper.Interval < 0 {
		return oops.In("config").
			Code("INVALID_ARGUMENT").
			Errorf("sweeper.interval must not be negative")
	}
	if c.Limits.MaxSecondaryRanks < 0 {
		return oops.In("config").
			Code("INVALID_ARGUMENT").
			Errorf("limits.max_secondary_ranks must not be negative")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return oops.In("config").
			Code("INVALID_ARGUMENT").
			Errorf("log.format must be 'json' or 'text', got %q", c.Log.Format)
	}
	return nil
}

// DataOptions converts the storage section into data-layer options.
func (c Config) DataOptions() data.Options {
	return data.Options{
		Backend:            c.Storage.Backend,
		DSN:                c.Storage.DSN,
		Path:               c.Storage.Path,
		FallbackPath:       c.Storage.FallbackPath,
		PrincipalCacheSize: c.Cache.PrincipalSize,
	}
}
