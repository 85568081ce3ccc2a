package mount

import (
	"context"
	"os"
	"path"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/fruitsalade/rmwebfs/internal/vfs"
)

// Node is a go-fuse inode that delegates to the Adapter by absolute path.
type Node struct {
	fs.Inode

	adapter *Adapter
}

// NewRoot returns the root node of a mount.
func NewRoot(adapter *Adapter) *Node {
	return &Node{adapter: adapter}
}

var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeSetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeCreater = (*Node)(nil)
var _ fs.NodeUnlinker = (*Node)(nil)
var _ fs.NodeGetxattrer = (*Node)(nil)
var _ fs.NodeListxattrer = (*Node)(nil)

// path returns the absolute path of the node within the mount.
func (n *Node) path() string {
	return "/" + n.Path(nil)
}

func (n *Node) child(name string) string {
	return path.Join(n.path(), name)
}

func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	attr, errno := n.adapter.Getattr(n.path())
	if errno != 0 {
		return errno
	}
	fillAttr(&out.Attr, attr)
	return 0
}

// Setattr supports truncation of pending uploads; other changes are ignored.
func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if errno := n.adapter.Truncate(n.path(), int64(size)); errno != 0 {
			return errno
		}
	}
	return n.Getattr(ctx, fh, out)
}

func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	node, errno := n.adapter.Lookup(n.child(name))
	if errno != 0 {
		return nil, errno
	}
	attr := node.Attr()
	fillAttr(&out.Attr, attr)
	return n.NewInode(ctx, &Node{adapter: n.adapter}, fs.StableAttr{Mode: fileType(attr)}), 0
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	nodes, errno := n.adapter.Readdir(n.path())
	if errno != 0 {
		return nil, errno
	}
	entries := make([]gofuse.DirEntry, 0, len(nodes))
	for _, c := range nodes {
		entries = append(entries, gofuse.DirEntry{
			Name: c.Name(),
			Mode: fileType(c.Attr()),
		})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	fh, errno := n.adapter.Open(n.path(), flags)
	if errno != 0 {
		return nil, 0, errno
	}
	return &FileHandle{adapter: n.adapter, fh: fh}, 0, 0
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	fh, attr, errno := n.adapter.Create(n.child(name), flags, mode)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	fillAttr(&out.Attr, attr)
	inode := n.NewInode(ctx, &Node{adapter: n.adapter}, fs.StableAttr{Mode: syscall.S_IFREG})
	return inode, &FileHandle{adapter: n.adapter, fh: fh}, 0, 0
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.adapter.Unlink(n.child(name))
}

func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	value, errno := n.adapter.Getxattr(n.path(), attr)
	if errno != 0 {
		return 0, errno
	}
	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names, errno := n.adapter.Listxattr(n.path())
	if errno != 0 {
		return 0, errno
	}

	var total int
	for _, name := range names {
		total += len(name) + 1
	}
	if len(dest) == 0 {
		return uint32(total), 0
	}
	if len(dest) < total {
		return 0, syscall.ERANGE
	}

	offset := 0
	for _, name := range names {
		copy(dest[offset:], name)
		offset += len(name)
		dest[offset] = 0
		offset++
	}
	return uint32(total), 0
}

// FileHandle is an open file; the state lives in the Adapter's handle table.
type FileHandle struct {
	adapter *Adapter
	fh      uint64
}

var _ fs.FileReader = (*FileHandle)(nil)
var _ fs.FileWriter = (*FileHandle)(nil)
var _ fs.FileFlusher = (*FileHandle)(nil)
var _ fs.FileReleaser = (*FileHandle)(nil)

func (h *FileHandle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	n, errno := h.adapter.Read(h.fh, dest, off)
	if errno != 0 {
		return nil, errno
	}
	return gofuse.ReadResultData(dest[:n]), 0
}

func (h *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, errno := h.adapter.Write(h.fh, data, off)
	return uint32(n), errno
}

func (h *FileHandle) Flush(ctx context.Context) syscall.Errno {
	return h.adapter.Flush(h.fh)
}

func (h *FileHandle) Release(ctx context.Context) syscall.Errno {
	return h.adapter.Release(h.fh)
}

func fileType(attr vfs.Attr) uint32 {
	if attr.Mode.IsDir() {
		return syscall.S_IFDIR
	}
	return syscall.S_IFREG
}

func fillAttr(out *gofuse.Attr, attr vfs.Attr) {
	out.Mode = fileType(attr) | uint32(attr.Mode.Perm())
	out.Size = uint64(attr.Size)
	if !attr.ModTime.IsZero() {
		out.Mtime = uint64(attr.ModTime.Unix())
		out.Mtimensec = uint32(attr.ModTime.Nanosecond())
	}
	out.Atime = out.Mtime
	out.Ctime = out.Mtime
	out.Nlink = 1
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}
