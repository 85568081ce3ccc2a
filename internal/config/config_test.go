package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	require.Equal(t, 5*time.Second, cfg.ListTimeout)
	require.Equal(t, 30*time.Second, cfg.DownloadTimeout)
	require.Equal(t, 30*time.Second, cfg.UploadTimeout)
	require.Equal(t, 2*time.Second, cfg.ListCacheTTL)
	require.Equal(t, "gofuse", cfg.Backend)
	require.Equal(t, "auto", cfg.LogFormat)
	require.Equal(t, int64(DefaultMaxPendingBytes), cfg.MaxPendingBytes)
	require.False(t, cfg.RangeReads)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("RMWEBFS_ADDRESS", "10.11.99.1")
	t.Setenv("RMWEBFS_LIST_TIMEOUT", "1s")
	t.Setenv("RMWEBFS_RANGE_READS", "true")
	t.Setenv("RMWEBFS_LIST_CACHE_TTL", "bogus")
	t.Setenv("RMWEBFS_BACKEND", "cgofuse")
	t.Setenv("RMWEBFS_MAX_PENDING_BYTES", "1024")

	cfg := Load()
	require.Equal(t, "10.11.99.1", cfg.Address)
	require.Equal(t, time.Second, cfg.ListTimeout)
	require.True(t, cfg.RangeReads)
	require.Equal(t, 2*time.Second, cfg.ListCacheTTL, "invalid values fall back to the default")
	require.Equal(t, "cgofuse", cfg.Backend)
	require.Equal(t, int64(1024), cfg.MaxPendingBytes)
}

func TestRegisterFlags_OverrideEnv(t *testing.T) {
	t.Setenv("RMWEBFS_LOG_LEVEL", "warn")
	cfg := Load()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--log-level", "debug",
		"-o", "allow_other,ro",
		"-o", "noatime",
		"--list-cache-ttl", "0",
		"--backend", "cgofuse",
		"10.11.99.1", "/mnt/tablet",
	}))

	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, []string{"allow_other", "ro", "noatime"}, cfg.MountOptions)
	require.Equal(t, time.Duration(0), cfg.ListCacheTTL)
	require.Equal(t, "cgofuse", cfg.Backend)

	require.NoError(t, cfg.ApplyArgs(fs.Args()))
	require.Equal(t, "10.11.99.1", cfg.Address)
	require.Equal(t, "/mnt/tablet", cfg.MountPoint)
	require.NoError(t, cfg.Validate())
}

func TestApplyArgs(t *testing.T) {
	cfg := Load()
	require.Error(t, cfg.ApplyArgs(nil))

	cfg.Address = ""
	require.Error(t, cfg.ApplyArgs([]string{"/mnt"}))

	cfg.Address = "10.11.99.1"
	require.NoError(t, cfg.ApplyArgs([]string{"/mnt"}))
	require.Equal(t, "/mnt", cfg.MountPoint)

	require.Error(t, cfg.ApplyArgs([]string{"a", "b", "c"}))
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.Address = "10.11.99.1"
	require.Error(t, cfg.Validate(), "mount point missing")

	cfg.MountPoint = "/mnt"
	require.NoError(t, cfg.Validate())

	cfg.ListTimeout = 0
	require.Error(t, cfg.Validate())
	cfg.ListTimeout = time.Second

	cfg.MaxPendingBytes = 0
	require.Error(t, cfg.Validate())
	cfg.MaxPendingBytes = DefaultMaxPendingBytes

	cfg.Backend = "cgofuse"
	require.NoError(t, cfg.Validate())
	cfg.Backend = "winfsp"
	require.Error(t, cfg.Validate())
}
