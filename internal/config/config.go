// Package config loads configuration from environment variables and flags.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// DefaultMaxPendingBytes is the default cap on a pending upload buffer.
const DefaultMaxPendingBytes = 256 << 20

// Backends lists the accepted values of Config.Backend.
var Backends = []string{"gofuse", "cgofuse"}

// Config holds all rmwebfs configuration.
type Config struct {
	// Device
	Address         string
	ListTimeout     time.Duration
	DownloadTimeout time.Duration
	UploadTimeout   time.Duration
	RangeReads      bool
	ConnectAttempts int

	// Filesystem
	MountPoint   string
	MountOptions []string
	Backend      string
	Debug        bool
	ListCacheTTL time.Duration

	// MaxPendingBytes caps the in-memory buffer of one pending upload.
	MaxPendingBytes int64

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics listen address; empty disables the endpoint.
	MetricsAddr string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Address:         envOr("RMWEBFS_ADDRESS", ""),
		ListTimeout:     envDuration("RMWEBFS_LIST_TIMEOUT", 5*time.Second),
		DownloadTimeout: envDuration("RMWEBFS_DOWNLOAD_TIMEOUT", 30*time.Second),
		UploadTimeout:   envDuration("RMWEBFS_UPLOAD_TIMEOUT", 30*time.Second),
		RangeReads:      envBool("RMWEBFS_RANGE_READS", false),
		ConnectAttempts: envInt("RMWEBFS_CONNECT_ATTEMPTS", 3),
		Backend:         envOr("RMWEBFS_BACKEND", "gofuse"),
		ListCacheTTL:    envDuration("RMWEBFS_LIST_CACHE_TTL", 2*time.Second),
		MaxPendingBytes: envInt64("RMWEBFS_MAX_PENDING_BYTES", DefaultMaxPendingBytes),
		LogLevel:        envOr("RMWEBFS_LOG_LEVEL", "info"),
		LogFormat:       envOr("RMWEBFS_LOG_FORMAT", "auto"),
		MetricsAddr:     envOr("RMWEBFS_METRICS_ADDR", ""),
	}
}

// RegisterFlags binds command line flags to cfg. Values already in cfg act as
// the flag defaults, so flags override the environment.
func (cfg *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSliceVarP(&cfg.MountOptions, "options", "o", cfg.MountOptions, "mount options passed to the kernel (repeatable, comma separated)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "log every FUSE request")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (auto, console, json)")
	fs.DurationVar(&cfg.ListTimeout, "list-timeout", cfg.ListTimeout, "timeout for folder listings")
	fs.DurationVar(&cfg.DownloadTimeout, "download-timeout", cfg.DownloadTimeout, "idle timeout for document downloads")
	fs.DurationVar(&cfg.UploadTimeout, "upload-timeout", cfg.UploadTimeout, "timeout for document uploads")
	fs.DurationVar(&cfg.ListCacheTTL, "list-cache-ttl", cfg.ListCacheTTL, "how long folder listings are reused (0 disables)")
	fs.BoolVar(&cfg.RangeReads, "range-reads", cfg.RangeReads, "use HTTP range requests when the device supports them")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	fs.IntVar(&cfg.ConnectAttempts, "connect-attempts", cfg.ConnectAttempts, "attempts to reach the device before mounting")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "FUSE binding (gofuse, cgofuse)")
	fs.Int64Var(&cfg.MaxPendingBytes, "max-pending-bytes", cfg.MaxPendingBytes, "largest file that can be written into the mount")
}

// ApplyArgs fills the address and mount point from positional arguments. With
// a single argument the address must come from the environment.
func (cfg *Config) ApplyArgs(args []string) error {
	switch len(args) {
	case 2:
		cfg.Address, cfg.MountPoint = args[0], args[1]
	case 1:
		if cfg.Address == "" {
			return errors.New("missing device address")
		}
		cfg.MountPoint = args[0]
	case 0:
		return errors.New("missing device address and mount point")
	default:
		return errors.Errorf("unexpected arguments: %v", args[2:])
	}
	return nil
}

// Validate checks the configuration for errors.
func (cfg *Config) Validate() error {
	if cfg.Address == "" {
		return errors.New("device address is required")
	}
	if cfg.MountPoint == "" {
		return errors.New("mount point is required")
	}
	if cfg.ListTimeout <= 0 || cfg.DownloadTimeout <= 0 || cfg.UploadTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if cfg.ListCacheTTL < 0 {
		return errors.New("list cache TTL must not be negative")
	}
	if cfg.ConnectAttempts < 1 {
		return errors.New("connect attempts must be at least 1")
	}
	if cfg.MaxPendingBytes < 1 {
		return errors.New("max pending bytes must be at least 1")
	}
	for _, b := range Backends {
		if cfg.Backend == b {
			return nil
		}
	}
	return errors.Errorf("unknown backend %q", cfg.Backend)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
