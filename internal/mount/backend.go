package mount

import (
	"context"
	"os"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fruitsalade/rmwebfs/internal/logging"
)

// Backend mounts an Adapter into the host filesystem.
type Backend interface {
	// Start mounts the filesystem and returns once it is serving.
	Start(ctx context.Context) error

	// Wait blocks until the filesystem is unmounted.
	Wait()

	// Stop unmounts the filesystem.
	Stop() error

	// Name returns a human-readable name for the backend.
	Name() string
}

// Config holds mount configuration.
type Config struct {
	MountPoint string

	// Options are passed to the kernel as -o values. allow_other is
	// recognised and mapped to the matching mount setting.
	Options []string

	// Debug logs every FUSE request.
	Debug bool

	// Timeout is how long the kernel may cache entries and attributes.
	Timeout time.Duration
}

// NewBackend returns the backend called name: "gofuse" or "cgofuse".
func NewBackend(name string, adapter *Adapter, cfg Config) (Backend, error) {
	switch name {
	case "", "gofuse":
		return NewGoFuseBackend(adapter, cfg), nil
	case "cgofuse":
		return newCgoFuseBackend(adapter, cfg)
	}
	return nil, errors.Errorf("unknown backend %q", name)
}

// GoFuseBackend mounts through go-fuse.
type GoFuseBackend struct {
	adapter *Adapter
	cfg     Config
	server  *gofuse.Server
}

var _ Backend = (*GoFuseBackend)(nil)

// NewGoFuseBackend creates a go-fuse backend for adapter.
func NewGoFuseBackend(adapter *Adapter, cfg Config) *GoFuseBackend {
	return &GoFuseBackend{adapter: adapter, cfg: cfg}
}

func (b *GoFuseBackend) Name() string { return "go-fuse" }

// mountOptions translates Config into go-fuse options.
func (b *GoFuseBackend) mountOptions() *fs.Options {
	mo := gofuse.MountOptions{
		FsName: "rmwebfs",
		Name:   "rmwebfs",
		Debug:  b.cfg.Debug,
	}
	for _, opt := range b.cfg.Options {
		switch opt {
		case "":
		case "allow_other":
			mo.AllowOther = true
		case "debug":
			mo.Debug = true
		default:
			mo.Options = append(mo.Options, opt)
		}
	}

	timeout := b.cfg.Timeout
	return &fs.Options{
		MountOptions: mo,
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		UID:          uint32(os.Getuid()),
		GID:          uint32(os.Getgid()),
		Logger:       zap.NewStdLog(logging.L().Named("fuse")),
	}
}

func (b *GoFuseBackend) Start(ctx context.Context) error {
	if err := os.MkdirAll(b.cfg.MountPoint, 0755); err != nil {
		return errors.Wrap(err, "create mount point")
	}

	server, err := fs.Mount(b.cfg.MountPoint, NewRoot(b.adapter), b.mountOptions())
	if err != nil {
		return errors.Wrap(err, "mount")
	}
	b.server = server

	logging.Info("filesystem mounted",
		logging.String("mount_point", b.cfg.MountPoint),
		logging.String("backend", b.Name()),
	)
	return nil
}

func (b *GoFuseBackend) Wait() {
	if b.server != nil {
		b.server.Wait()
	}
}

func (b *GoFuseBackend) Stop() error {
	if b.server == nil {
		return nil
	}
	if n := b.adapter.OpenHandles(); n > 0 {
		logging.Warn("unmounting with open files", logging.Int("open_handles", n))
	}
	if err := b.server.Unmount(); err != nil {
		return errors.Wrap(err, "unmount")
	}
	logging.Info("filesystem unmounted", logging.String("mount_point", b.cfg.MountPoint))
	return nil
}
