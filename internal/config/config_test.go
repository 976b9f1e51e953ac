package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "posd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, "data/pos.db", cfg.Store.Path)
	require.Equal(t, 500, cfg.Sync.PageLimit)
	require.Equal(t, 30*time.Second, cfg.Sync.DrainInterval)
	require.Equal(t, 5*time.Minute, cfg.Sync.BackoffMax)
	require.Equal(t, []string{"printers"}, cfg.AllowList)
	require.Empty(t, cfg.FileUsed)
}

func TestLoad_Precedence(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, `
store:
  path: /var/pos/file.db
sync:
  drain_interval: 10s
  page_limit: 50
tenant:
  company_ref: c-file
allow_list: [printers, settings]
`)
	t.Setenv("POSD_SYNC_PAGE_LIMIT", "75")
	t.Setenv("POSD_TENANT_COMPANY_REF", "c-env")
	t.Setenv("POSD_SCHEMA_VERSION", "7")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("tenant-company-ref", "", "")
	flags.Duration("sync-drain-interval", 0, "")
	flags.String("store-path", "", "")
	require.NoError(t, flags.Parse([]string{"--tenant-company-ref", "c-flag"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	require.Equal(t, path, cfg.FileUsed)
	require.Equal(t, "/var/pos/file.db", cfg.Store.Path)
	require.Equal(t, 10*time.Second, cfg.Sync.DrainInterval)
	require.Equal(t, 75, cfg.Sync.PageLimit)
	require.Equal(t, "7", cfg.SchemaVersion)
	require.Equal(t, "c-flag", cfg.Tenant.CompanyRef)
	require.Equal(t, []string{"printers", "settings"}, cfg.AllowList)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("", nil)
	require.NoError(t, err)

	cfg.Store.Path = ""
	cfg.Sync.BackoffMin = time.Minute
	cfg.Sync.BackoffMax = time.Second
	cfg.Sync.PullInterval = -time.Second
	cfg.Log.Format = "xml"
	err = cfg.Validate()
	require.ErrorContains(t, err, "store.path is required")
	require.ErrorContains(t, err, "sync.backoff_max")
	require.ErrorContains(t, err, "sync.pull_interval must not be negative")
	require.ErrorContains(t, err, "log.format")
}

func TestEnvKey(t *testing.T) {
	require.Equal(t, "sync.drain_interval", envKey("POSD_SYNC_DRAIN_INTERVAL"))
	require.Equal(t, "schema_version", envKey("POSD_SCHEMA_VERSION"))
	require.Equal(t, "maintenance.lock_path", flagKey("maintenance-lock-path"))
}
