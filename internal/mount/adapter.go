// Package mount exposes a vfs.Session through FUSE.
package mount

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/fruitsalade/rmwebfs/internal/logging"
	"github.com/fruitsalade/rmwebfs/internal/metrics"
	"github.com/fruitsalade/rmwebfs/internal/vfs"
)

// ENOATTR is returned for unknown extended attributes.
const ENOATTR = syscall.Errno(fuse.ENOATTR)

// openHandle is the per-open state of one file.
type openHandle struct {
	mu     sync.Mutex
	path   string
	reader *vfs.Reader
	write  bool
	dirty  bool
}

// Adapter translates path based filesystem callbacks into Session operations
// and maps the results to errno values.
type Adapter struct {
	session *vfs.Session

	// ctx bounds device requests. Request contexts are not used because a
	// download outlives the open call that started it.
	ctx context.Context

	mu      sync.Mutex
	handles map[uint64]*openHandle
	nextFh  atomic.Uint64
}

// NewAdapter creates an adapter for session. Device requests stop when ctx is
// cancelled.
func NewAdapter(ctx context.Context, session *vfs.Session) *Adapter {
	return &Adapter{
		session: session,
		ctx:     ctx,
		handles: make(map[uint64]*openHandle),
	}
}

// Session returns the underlying session.
func (a *Adapter) Session() *vfs.Session {
	return a.session
}

func (a *Adapter) allocFh(h *openHandle) uint64 {
	fh := a.nextFh.Add(1)
	a.mu.Lock()
	a.handles[fh] = h
	a.mu.Unlock()
	return fh
}

func (a *Adapter) getFh(fh uint64) *openHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handles[fh]
}

func (a *Adapter) freeFh(fh uint64) *openHandle {
	a.mu.Lock()
	h := a.handles[fh]
	delete(a.handles, fh)
	a.mu.Unlock()
	return h
}

// OpenHandles returns the number of open file handles.
func (a *Adapter) OpenHandles() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handles)
}

// Getattr returns the attributes of path.
func (a *Adapter) Getattr(path string) (vfs.Attr, syscall.Errno) {
	attr, err := a.session.Stat(a.ctx, path)
	return attr, a.errno("getattr", path, err)
}

// Lookup resolves path.
func (a *Adapter) Lookup(path string) (vfs.Node, syscall.Errno) {
	n, err := a.session.Resolve(a.ctx, path)
	return n, a.errno("lookup", path, err)
}

// Readdir lists the directory at path.
func (a *Adapter) Readdir(path string) ([]vfs.Node, syscall.Errno) {
	nodes, err := a.session.Readdir(a.ctx, path)
	return nodes, a.errno("readdir", path, err)
}

// Open opens path. Documents on the device are read only and pending uploads
// are write only.
func (a *Adapter) Open(path string, flags uint32) (uint64, syscall.Errno) {
	n, err := a.session.Resolve(a.ctx, path)
	if err != nil {
		return 0, a.errno("open", path, err)
	}

	acc := int(flags) & unix.O_ACCMODE
	switch n.(type) {
	case *vfs.Dir:
		return 0, a.errno("open", path, &vfs.Error{Kind: vfs.KindNotAFile, Op: "open", Path: path})

	case *vfs.Pending:
		if acc != unix.O_WRONLY {
			return 0, a.errno("open", path, &vfs.Error{Kind: vfs.KindPermissionDenied, Op: "open", Path: path, Msg: "pending uploads are write only"})
		}
		if int(flags)&unix.O_TRUNC != 0 {
			if err := a.session.Truncate(a.ctx, path, 0); err != nil {
				return 0, a.errno("open", path, err)
			}
		}
		a.errno("open", path, nil)
		return a.allocFh(&openHandle{path: path, write: true}), 0

	default:
		if acc != unix.O_RDONLY {
			return 0, a.errno("open", path, &vfs.Error{Kind: vfs.KindPermissionDenied, Op: "open", Path: path, Msg: "documents are read only"})
		}
		r, err := a.session.Open(a.ctx, path)
		if err != nil {
			return 0, a.errno("open", path, err)
		}
		a.errno("open", path, nil)
		return a.allocFh(&openHandle{path: path, reader: r}), 0
	}
}

// Create registers a pending upload at path and opens it for writing.
func (a *Adapter) Create(path string, flags, mode uint32) (uint64, vfs.Attr, syscall.Errno) {
	p, err := a.session.Create(a.ctx, path, os.FileMode(mode).Perm())
	if err != nil {
		return 0, vfs.Attr{}, a.errno("create", path, err)
	}
	a.errno("create", path, nil)
	return a.allocFh(&openHandle{path: path, write: true}), p.Attr(), 0
}

// Read reads from an open document.
func (a *Adapter) Read(fh uint64, dest []byte, off int64) (int, syscall.Errno) {
	h := a.getFh(fh)
	if h == nil || h.reader == nil {
		return 0, syscall.EBADF
	}
	n, err := h.reader.ReadAt(dest, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		return 0, a.errno("read", h.path, err)
	}
	return n, 0
}

// Write writes into the buffer of an open pending upload.
func (a *Adapter) Write(fh uint64, data []byte, off int64) (int, syscall.Errno) {
	h := a.getFh(fh)
	if h == nil || !h.write {
		return 0, syscall.EBADF
	}
	n, err := a.session.Write(a.ctx, h.path, off, data)
	if err != nil {
		return 0, a.errno("write", h.path, err)
	}
	h.mu.Lock()
	h.dirty = true
	h.mu.Unlock()
	return n, 0
}

// Truncate resizes a pending upload.
func (a *Adapter) Truncate(path string, size int64) syscall.Errno {
	return a.errno("truncate", path, a.session.Truncate(a.ctx, path, size))
}

// Flush commits a written pending upload. A failed commit is reported here so
// it surfaces as the result of close(2).
func (a *Adapter) Flush(fh uint64) syscall.Errno {
	h := a.getFh(fh)
	if h == nil {
		return syscall.EBADF
	}
	return a.commit("flush", h)
}

// Release closes a handle. Written data that was not flushed is committed;
// failures can only be logged at this point.
func (a *Adapter) Release(fh uint64) syscall.Errno {
	h := a.freeFh(fh)
	if h == nil {
		return syscall.EBADF
	}
	if h.reader != nil {
		h.reader.Close()
	}
	if errno := a.commit("release", h); errno != 0 {
		logging.Error("upload on release failed",
			logging.String("path", h.path),
			logging.String("errno", errno.Error()),
		)
	}
	return 0
}

func (a *Adapter) commit(op string, h *openHandle) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.write || !h.dirty {
		return 0
	}

	// A failed commit is not retried by this handle; the entry stays
	// registered until it is written again or unlinked.
	h.dirty = false
	if !a.session.IsPending(h.path) {
		logging.Debug("pending upload unlinked before commit", logging.String("path", h.path))
		return a.errno(op, h.path, nil)
	}
	err := a.session.Commit(a.ctx, h.path)
	if vfs.KindOf(err) == vfs.KindNotFound {
		logging.Debug("pending upload unlinked before commit", logging.String("path", h.path))
		err = nil
	}
	return a.errno(op, h.path, err)
}

// Unlink removes a pending upload. Documents on the device cannot be removed.
func (a *Adapter) Unlink(path string) syscall.Errno {
	return a.errno("unlink", path, a.session.Unlink(a.ctx, path))
}

// Getxattr returns the value of an extended attribute of path.
func (a *Adapter) Getxattr(path, name string) (string, syscall.Errno) {
	n, err := a.session.Resolve(a.ctx, path)
	if err != nil {
		return "", a.errno("getxattr", path, err)
	}
	for _, x := range vfs.Xattrs(n) {
		if x.Name == name {
			return x.Value, 0
		}
	}
	return "", ENOATTR
}

// Listxattr lists the extended attribute names of path.
func (a *Adapter) Listxattr(path string) ([]string, syscall.Errno) {
	n, err := a.session.Resolve(a.ctx, path)
	if err != nil {
		return nil, a.errno("listxattr", path, err)
	}
	attrs := vfs.Xattrs(n)
	names := make([]string, len(attrs))
	for i, x := range attrs {
		names[i] = x.Name
	}
	return names, 0
}

// errno records the outcome of op and maps err to an errno value.
func (a *Adapter) errno(op, path string, err error) syscall.Errno {
	metrics.RecordFSOp(op, err)
	if err == nil {
		return 0
	}

	errno := ToErrno(err)
	switch vfs.KindOf(err) {
	case vfs.KindNotFound:
		logging.Debug("fs op failed", logging.String("op", op), logging.String("path", path), logging.Err(err))
	case vfs.KindUnexpected:
		logging.Error("fs op failed unexpectedly", logging.String("op", op), logging.String("path", path), logging.Err(err))
	default:
		logging.Warn("fs op failed", logging.String("op", op), logging.String("path", path), logging.Err(err))
	}
	return errno
}

// ToErrno maps a session error to an errno value.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch vfs.KindOf(err) {
	case vfs.KindNotFound:
		return syscall.ENOENT
	case vfs.KindNotADirectory:
		return syscall.ENOTDIR
	case vfs.KindNotAFile:
		return syscall.EISDIR
	case vfs.KindAlreadyExists:
		return syscall.EEXIST
	case vfs.KindBadDescriptor:
		return syscall.EBADF
	case vfs.KindPermissionDenied:
		return syscall.EACCES
	case vfs.KindInvalidPath:
		return syscall.EINVAL
	case vfs.KindTooLarge:
		return syscall.EFBIG
	default:
		return syscall.EIO
	}
}
