// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads the device configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "POSD_"

// DefaultConfigFile is looked up in the working directory when no file is given.
const DefaultConfigFile = "posd.yaml"

type StoreConfig struct {
	Path string `koanf:"path"`
}

type StateConfig struct {
	Path    string        `koanf:"path"`
	Timeout time.Duration `koanf:"timeout"`
}

type BackendConfig struct {
	URL     string        `koanf:"url"`
	Token   string        `koanf:"token"`
	Timeout time.Duration `koanf:"timeout"`
}

type TenantConfig struct {
	CompanyRef  string `koanf:"company_ref"`
	LocationRef string `koanf:"location_ref"`
}

type SyncConfig struct {
	PageLimit     int           `koanf:"page_limit"`
	DrainInterval time.Duration `koanf:"drain_interval"`
	PullInterval  time.Duration `koanf:"pull_interval"`
	PullCooldown  time.Duration `koanf:"pull_cooldown"`
	BackoffMin    time.Duration `koanf:"backoff_min"`
	BackoffMax    time.Duration `koanf:"backoff_max"`
}

type MaintenanceConfig struct {
	Interval        time.Duration `koanf:"interval"`
	LockPath        string        `koanf:"lock_path"`
	BackupThreshold time.Duration `koanf:"backup_threshold"`
	StaleOrderAge   time.Duration `koanf:"stale_order_age"`
}

type LogConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
}

// Config is the complete device configuration.
type Config struct {
	Store         StoreConfig       `koanf:"store"`
	State         StateConfig       `koanf:"state"`
	Backend       BackendConfig     `koanf:"backend"`
	Tenant        TenantConfig      `koanf:"tenant"`
	Sync          SyncConfig        `koanf:"sync"`
	Maintenance   MaintenanceConfig `koanf:"maintenance"`
	SchemaVersion string            `koanf:"schema_version"`
	AllowList     []string          `koanf:"allow_list"`
	Log           LogConfig         `koanf:"log"`

	// FileUsed is the config file that was read, if any.
	FileUsed string `koanf:"-"`
}

var sections = []string{"store", "state", "backend", "tenant", "sync", "maintenance", "log"}

// Defaults returns the built-in configuration layer.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"store.path":                   "data/pos.db",
		"state.path":                   "data/state.db",
		"state.timeout":                "5s",
		"backend.url":                  "http://localhost:8080",
		"backend.timeout":              "30s",
		"sync.page_limit":              500,
		"sync.drain_interval":          "30s",
		"sync.pull_interval":           "15m",
		"sync.pull_cooldown":           "5m",
		"sync.backoff_min":             "2s",
		"sync.backoff_max":             "5m",
		"maintenance.interval":         "1h",
		"maintenance.lock_path":        "data/maintenance.lock",
		"maintenance.backup_threshold": "24h",
		"maintenance.stale_order_age":  "24h",
		"schema_version":               "1",
		"allow_list":                   []string{"printers"},
		"log.level":                    "info",
		"log.format":                   "text",
		"log.max_size_mb":              10,
		"log.max_backups":              3,
	}
}

// envKey maps POSD_SYNC_DRAIN_INTERVAL to sync.drain_interval.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, sec := range sections {
		if strings.HasPrefix(key, sec+"_") {
			return sec + "." + strings.TrimPrefix(key, sec+"_")
		}
	}
	return key
}

// flagKey maps --sync-drain-interval to sync.drain_interval.
func flagKey(name string) string {
	return envKey(EnvPrefix + strings.ReplaceAll(name, "-", "_"))
}

// Load reads the configuration. Precedence, highest first: explicitly set
// flags, POSD_ environment variables, the config file, defaults.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if cfgFile == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			cfgFile = DefaultConfigFile
		}
	}
	if cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", cfgFile, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed || f.Name == "config" {
				return "", nil
			}
			return flagKey(f.Name), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.FileUsed = cfgFile
	return &cfg, cfg.Validate()
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.State.Path == "" {
		errs = append(errs, errors.New("state.path is required"))
	}
	if c.Maintenance.LockPath == "" {
		errs = append(errs, errors.New("maintenance.lock_path is required"))
	}
	if c.SchemaVersion == "" {
		errs = append(errs, errors.New("schema_version is required"))
	}
	if c.Sync.PageLimit < 1 {
		errs = append(errs, fmt.Errorf("sync.page_limit must be positive, got %d", c.Sync.PageLimit))
	}
	if c.Sync.BackoffMin <= 0 {
		errs = append(errs, errors.New("sync.backoff_min must be positive"))
	}
	if c.Sync.BackoffMax < c.Sync.BackoffMin {
		errs = append(errs, fmt.Errorf("sync.backoff_max (%s) is below sync.backoff_min (%s)", c.Sync.BackoffMax, c.Sync.BackoffMin))
	}
	for name, d := range map[string]time.Duration{
		"sync.drain_interval":          c.Sync.DrainInterval,
		"sync.pull_interval":           c.Sync.PullInterval,
		"sync.pull_cooldown":           c.Sync.PullCooldown,
		"maintenance.interval":         c.Maintenance.Interval,
		"maintenance.backup_threshold": c.Maintenance.BackupThreshold,
		"maintenance.stale_order_age":  c.Maintenance.StaleOrderAge,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
