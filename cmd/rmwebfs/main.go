// rmwebfs mounts the documents of a tablet's USB web interface as a
// filesystem.
//
// Usage:
//
//	rmwebfs [flags] <address> <mountpoint>
//
// Folders appear as directories and documents as read-only PDF files. New
// files copied into the mount are uploaded when they are closed.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/fruitsalade/rmwebfs/internal/config"
	"github.com/fruitsalade/rmwebfs/internal/logging"
	"github.com/fruitsalade/rmwebfs/internal/metrics"
	"github.com/fruitsalade/rmwebfs/internal/mount"
	"github.com/fruitsalade/rmwebfs/internal/remote"
	"github.com/fruitsalade/rmwebfs/internal/retry"
	"github.com/fruitsalade/rmwebfs/internal/vfs"
)

func main() {
	cfg := config.Load()

	flags := pflag.NewFlagSet("rmwebfs", pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rmwebfs [flags] <address> <mountpoint>\n\nFlags:\n")
		flags.PrintDefaults()
	}
	cfg.RegisterFlags(flags)

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if err := cfg.ApplyArgs(flags.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flags.Usage()
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flags.Usage()
		os.Exit(2)
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if err := run(cfg); err != nil {
		logging.Error("rmwebfs failed", logging.Err(err))
		logging.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logging.Info("starting rmwebfs",
		logging.String("device", remote.BaseURL(cfg.Address)),
		logging.String("mount_point", cfg.MountPoint),
		logging.Duration("list_cache_ttl", cfg.ListCacheTTL),
		logging.Bool("range_reads", cfg.RangeReads),
		logging.String("backend", cfg.Backend),
	)

	client := remote.New(remote.Config{
		Address:         cfg.Address,
		ListTimeout:     cfg.ListTimeout,
		DownloadTimeout: cfg.DownloadTimeout,
		UploadTimeout:   cfg.UploadTimeout,
		RangeReads:      cfg.RangeReads,
	})

	if err := waitReachable(ctx, client, cfg.ConnectAttempts); err != nil {
		return errors.Wrapf(err, "device at %s is not reachable", cfg.Address)
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	session := vfs.NewSession(client, vfs.Config{
		ListCacheTTL:    cfg.ListCacheTTL,
		MaxPendingBytes: cfg.MaxPendingBytes,
	})
	adapter := mount.NewAdapter(ctx, session)

	backend, err := mount.NewBackend(cfg.Backend, adapter, mount.Config{
		MountPoint: cfg.MountPoint,
		Options:    cfg.MountOptions,
		Debug:      cfg.Debug,
		Timeout:    cfg.ListCacheTTL,
	})
	if err != nil {
		return err
	}
	if err := backend.Start(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		backend.Wait()
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info("unmounting", logging.String("signal", sig.String()))
		if err := backend.Stop(); err != nil {
			logging.Error("unmount failed", logging.Err(err))
		}
		<-done
	case <-done:
		logging.Info("filesystem was unmounted externally")
	}

	reportPending(session)
	return nil
}

// waitReachable checks that the device answers before mounting.
func waitReachable(ctx context.Context, client *remote.Client, attempts int) error {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = attempts
	rc.InitialWait = time.Second
	rc.Notify = func(attempt int, err error, wait time.Duration) {
		logging.Warn("device not reachable",
			logging.Int("attempt", attempt),
			logging.Duration("retry_in", wait),
			logging.Err(err),
		)
	}
	return retry.Do(ctx, rc, func() error {
		return retry.Retryable(client.Ping(ctx))
	})
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logging.Info("serving metrics", logging.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Error("metrics server stopped", logging.Err(err))
	}
}

// reportPending warns about files that were written but never uploaded.
func reportPending(session *vfs.Session) {
	pending := session.PendingUploads()
	for _, p := range pending {
		logging.Warn("pending upload discarded",
			logging.String("path", p.Path()),
			logging.String("size", humanize.Bytes(uint64(p.Size))),
		)
	}

	stats := session.Stats()
	logging.Info("session summary",
		logging.Int64("listings", stats.Listings.Load()),
		logging.Int64("downloads", stats.Downloads.Load()),
		logging.String("downloaded", humanize.Bytes(uint64(stats.BytesDownloaded.Load()))),
		logging.Int64("uploads", stats.Uploads.Load()),
		logging.Int64("failed_uploads", stats.FailedUploads.Load()),
		logging.String("uploaded", humanize.Bytes(uint64(stats.BytesUploaded.Load()))),
		logging.Int("discarded", len(pending)),
	)
}
