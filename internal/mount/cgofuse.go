//go:build cgo && cgofuse

package mount

import (
	"context"
	"os"
	"syscall"

	"github.com/pkg/errors"
	"github.com/winfsp/cgofuse/fuse"

	"github.com/fruitsalade/rmwebfs/internal/logging"
	"github.com/fruitsalade/rmwebfs/internal/vfs"
)

// CgoFuseBackend mounts through cgofuse (libfuse, macFUSE or WinFsp). Every
// callback is forwarded to the Adapter by path.
type CgoFuseBackend struct {
	fuse.FileSystemBase

	adapter *Adapter
	cfg     Config
	host    *fuse.FileSystemHost
	done    chan struct{}

	// initHook runs from Init once the kernel has accepted the mount.
	initHook func()
}

var _ Backend = (*CgoFuseBackend)(nil)
var _ fuse.FileSystemInterface = (*CgoFuseBackend)(nil)

// NewCgoFuseBackend creates a cgofuse backend for adapter.
func NewCgoFuseBackend(adapter *Adapter, cfg Config) *CgoFuseBackend {
	return &CgoFuseBackend{adapter: adapter, cfg: cfg, done: make(chan struct{})}
}

func (b *CgoFuseBackend) Name() string { return "cgofuse" }

// mountArgs builds the libfuse command line options.
func (b *CgoFuseBackend) mountArgs() []string {
	args := []string{"-o", "fsname=rmwebfs", "-o", "subtype=rmwebfs"}
	if b.cfg.Debug {
		args = append(args, "-d")
	}
	for _, opt := range b.cfg.Options {
		switch opt {
		case "":
		case "debug":
			args = append(args, "-d")
		default:
			args = append(args, "-o", opt)
		}
	}
	return args
}

func (b *CgoFuseBackend) Start(ctx context.Context) error {
	if err := os.MkdirAll(b.cfg.MountPoint, 0755); err != nil {
		return errors.Wrap(err, "create mount point")
	}

	b.host = fuse.NewFileSystemHost(b)
	b.host.SetCapReaddirPlus(false)

	// host.Mount blocks until unmounted; Init signals that it is serving.
	ready := make(chan struct{})
	errCh := make(chan error, 1)
	b.initHook = func() { close(ready) }
	go func() {
		defer close(b.done)
		if !b.host.Mount(b.cfg.MountPoint, b.mountArgs()) {
			errCh <- errors.Errorf("mount %s failed", b.cfg.MountPoint)
		}
	}()

	select {
	case <-ready:
	case err := <-errCh:
		return err
	case <-ctx.Done():
		b.host.Unmount()
		return ctx.Err()
	}

	logging.Info("filesystem mounted",
		logging.String("mount_point", b.cfg.MountPoint),
		logging.String("backend", b.Name()),
	)
	return nil
}

func (b *CgoFuseBackend) Wait() {
	if b.host != nil {
		<-b.done
	}
}

func (b *CgoFuseBackend) Stop() error {
	if b.host == nil {
		return nil
	}
	if n := b.adapter.OpenHandles(); n > 0 {
		logging.Warn("unmounting with open files", logging.Int("open_handles", n))
	}
	if !b.host.Unmount() {
		return errors.Errorf("unmount %s failed", b.cfg.MountPoint)
	}
	logging.Info("filesystem unmounted", logging.String("mount_point", b.cfg.MountPoint))
	return nil
}

// cgoErrno converts an adapter errno into the negative value cgofuse expects.
func cgoErrno(errno syscall.Errno) int {
	switch errno {
	case 0:
		return 0
	case syscall.ENOENT:
		return -fuse.ENOENT
	case syscall.ENOTDIR:
		return -fuse.ENOTDIR
	case syscall.EISDIR:
		return -fuse.EISDIR
	case syscall.EEXIST:
		return -fuse.EEXIST
	case syscall.EBADF:
		return -fuse.EBADF
	case syscall.EACCES:
		return -fuse.EACCES
	case syscall.EINVAL:
		return -fuse.EINVAL
	case syscall.EFBIG:
		return -fuse.EFBIG
	case syscall.ERANGE:
		return -fuse.ERANGE
	case ENOATTR:
		return -fuse.ENODATA
	default:
		return -fuse.EIO
	}
}

func fillStat(stat *fuse.Stat_t, attr vfs.Attr) {
	ts := fuse.NewTimespec(attr.ModTime)
	stat.Mtim = ts
	stat.Atim = ts
	stat.Ctim = ts
	stat.Size = attr.Size
	if attr.Mode.IsDir() {
		stat.Mode = fuse.S_IFDIR | uint32(attr.Mode.Perm())
		stat.Nlink = 2
	} else {
		stat.Mode = fuse.S_IFREG | uint32(attr.Mode.Perm())
		stat.Nlink = 1
	}
	stat.Uid = uint32(os.Getuid())
	stat.Gid = uint32(os.Getgid())
}

func (b *CgoFuseBackend) Init() {
	logging.Debug("cgofuse init")
	if b.initHook != nil {
		b.initHook()
	}
}

func (b *CgoFuseBackend) Destroy() {
	logging.Debug("cgofuse destroy")
}

func (b *CgoFuseBackend) Statfs(path string, stat *fuse.Statfs_t) int {
	stat.Bsize = 4096
	stat.Frsize = 4096
	stat.Namemax = 255
	return 0
}

func (b *CgoFuseBackend) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	attr, errno := b.adapter.Getattr(path)
	if errno != 0 {
		return cgoErrno(errno)
	}
	fillStat(stat, attr)
	return 0
}

func (b *CgoFuseBackend) Access(path string, mask uint32) int {
	_, errno := b.adapter.Getattr(path)
	return cgoErrno(errno)
}

func (b *CgoFuseBackend) Opendir(path string) (int, uint64) {
	n, errno := b.adapter.Lookup(path)
	if errno != 0 {
		return cgoErrno(errno), ^uint64(0)
	}
	if _, ok := n.(*vfs.Dir); !ok {
		return -fuse.ENOTDIR, ^uint64(0)
	}
	return 0, 0
}

func (b *CgoFuseBackend) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	nodes, errno := b.adapter.Readdir(path)
	if errno != 0 {
		return cgoErrno(errno)
	}
	fill(".", nil, 0)
	fill("..", nil, 0)
	for _, n := range nodes {
		var st fuse.Stat_t
		fillStat(&st, n.Attr())
		if !fill(n.Name(), &st, 0) {
			break
		}
	}
	return 0
}

func (b *CgoFuseBackend) Releasedir(path string, fh uint64) int {
	return 0
}

func (b *CgoFuseBackend) Open(path string, flags int) (int, uint64) {
	fh, errno := b.adapter.Open(path, uint32(flags))
	if errno != 0 {
		return cgoErrno(errno), ^uint64(0)
	}
	return 0, fh
}

func (b *CgoFuseBackend) Create(path string, flags int, mode uint32) (int, uint64) {
	fh, _, errno := b.adapter.Create(path, uint32(flags), mode)
	if errno != 0 {
		return cgoErrno(errno), ^uint64(0)
	}
	return 0, fh
}

func (b *CgoFuseBackend) Read(path string, buff []byte, ofst int64, fh uint64) int {
	n, errno := b.adapter.Read(fh, buff, ofst)
	if errno != 0 {
		return cgoErrno(errno)
	}
	return n
}

func (b *CgoFuseBackend) Write(path string, buff []byte, ofst int64, fh uint64) int {
	n, errno := b.adapter.Write(fh, buff, ofst)
	if errno != 0 {
		return cgoErrno(errno)
	}
	return n
}

func (b *CgoFuseBackend) Truncate(path string, size int64, fh uint64) int {
	return cgoErrno(b.adapter.Truncate(path, size))
}

func (b *CgoFuseBackend) Flush(path string, fh uint64) int {
	return cgoErrno(b.adapter.Flush(fh))
}

func (b *CgoFuseBackend) Release(path string, fh uint64) int {
	return cgoErrno(b.adapter.Release(fh))
}

func (b *CgoFuseBackend) Fsync(path string, datasync bool, fh uint64) int {
	return 0
}

func (b *CgoFuseBackend) Unlink(path string) int {
	return cgoErrno(b.adapter.Unlink(path))
}

// Chmod, Chown and Utimens are accepted and ignored; the device keeps no
// permissions or client supplied times.
func (b *CgoFuseBackend) Chmod(path string, mode uint32) int {
	return 0
}

func (b *CgoFuseBackend) Chown(path string, uid uint32, gid uint32) int {
	return 0
}

func (b *CgoFuseBackend) Utimens(path string, tmsp []fuse.Timespec) int {
	return 0
}

func (b *CgoFuseBackend) Getxattr(path string, name string) (int, []byte) {
	value, errno := b.adapter.Getxattr(path, name)
	if errno != 0 {
		return cgoErrno(errno), nil
	}
	return 0, []byte(value)
}

func (b *CgoFuseBackend) Listxattr(path string, fill func(name string) bool) int {
	names, errno := b.adapter.Listxattr(path)
	if errno != 0 {
		return cgoErrno(errno)
	}
	for _, name := range names {
		if !fill(name) {
			return -fuse.ERANGE
		}
	}
	return 0
}

func newCgoFuseBackend(adapter *Adapter, cfg Config) (Backend, error) {
	return NewCgoFuseBackend(adapter, cfg), nil
}
