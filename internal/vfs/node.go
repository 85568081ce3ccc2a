package vfs

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/fruitsalade/rmwebfs/internal/remote"
)

// DocumentSuffix is appended to the visible name of every document.
const DocumentSuffix = ".pdf"

const (
	dirMode  = os.ModeDir | 0o755
	fileMode = os.FileMode(0o444)
	newMode  = os.FileMode(0o644)
)

// Extended attribute names exposed for every node.
const (
	XattrID          = "user.rmwebfs.id"
	XattrKind        = "user.rmwebfs.kind"
	XattrVisibleName = "user.rmwebfs.visible_name"
)

// Attr holds the attributes exposed to the filesystem layer.
type Attr struct {
	Mode    os.FileMode
	Size    int64
	ModTime time.Time
}

// Node is one path of the mounted tree: a *Dir, a *File or a *Pending.
type Node interface {
	Path() string
	Name() string
	Attr() Attr
	Kind() string

	node()
}

// Dir is a collection on the device. The root has the empty ID.
type Dir struct {
	path        string
	ID          string
	VisibleName string
	ModTime     time.Time
}

func (d *Dir) Path() string { return d.path }
func (d *Dir) Name() string { return path.Base(d.path) }
func (d *Dir) Kind() string { return "directory" }
func (d *Dir) node()        {}

func (d *Dir) Attr() Attr {
	return Attr{Mode: dirMode, ModTime: d.ModTime}
}

// IsRoot reports whether d is the mount root.
func (d *Dir) IsRoot() bool { return d.path == "/" }

// File is a document persisted on the device.
type File struct {
	path        string
	ID          string
	VisibleName string
	Size        int64
	ModTime     time.Time
}

func (f *File) Path() string { return f.path }
func (f *File) Name() string { return path.Base(f.path) }
func (f *File) Kind() string { return "file" }
func (f *File) node()        {}

func (f *File) Attr() Attr {
	return Attr{Mode: fileMode, Size: f.Size, ModTime: f.ModTime}
}

// Pending is a snapshot of a file that only exists locally until committed.
type Pending struct {
	path    string
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
}

func (p *Pending) Path() string { return p.path }
func (p *Pending) Name() string { return path.Base(p.path) }
func (p *Pending) Kind() string { return "pending" }
func (p *Pending) node()        {}

func (p *Pending) Attr() Attr {
	return Attr{Mode: p.Mode, Size: p.Size, ModTime: p.ModTime}
}

// Xattr is a single extended attribute.
type Xattr struct {
	Name  string
	Value string
}

// Xattrs lists the extended attributes of n.
func Xattrs(n Node) []Xattr {
	var attrs []Xattr
	switch n := n.(type) {
	case *Dir:
		if !n.IsRoot() {
			attrs = append(attrs, Xattr{XattrID, n.ID})
		}
		attrs = append(attrs, Xattr{XattrKind, n.Kind()}, Xattr{XattrVisibleName, n.VisibleName})
	case *File:
		attrs = append(attrs,
			Xattr{XattrID, n.ID},
			Xattr{XattrKind, n.Kind()},
			Xattr{XattrVisibleName, n.VisibleName},
		)
	case *Pending:
		attrs = append(attrs,
			Xattr{XattrKind, n.Kind()},
			Xattr{XattrVisibleName, uploadName(n.Name())},
		)
	}
	return attrs
}

// nodeFromItem converts a listing entry below parent. Items of unknown type
// or without a usable name yield nil.
func nodeFromItem(parent string, it remote.Item) Node {
	name := presentedName(it)
	if name == "" {
		return nil
	}
	switch it.Type {
	case remote.CollectionType:
		return &Dir{
			path:        path.Join(parent, name),
			ID:          it.ID,
			VisibleName: it.VisibleName,
			ModTime:     it.ModTime,
		}
	case remote.DocumentType:
		return &File{
			path:        path.Join(parent, name),
			ID:          it.ID,
			VisibleName: it.VisibleName,
			Size:        it.SizeInBytes,
			ModTime:     it.ModTime,
		}
	}
	return nil
}

// slashReplacement stands in for "/" inside visible names.
const slashReplacement = "\uFF0F"

// presentedName is the name an item has in the mounted tree, or "" when the
// item cannot be presented. Visible names are trimmed and a "/" inside a name
// is replaced by a fullwidth solidus.
func presentedName(it remote.Item) string {
	name := strings.ReplaceAll(strings.TrimSpace(it.VisibleName), "/", slashReplacement)
	switch it.Type {
	case remote.DocumentType:
		if name == "" {
			return ""
		}
		return name + DocumentSuffix
	case remote.CollectionType:
		if name == "" || name == "." || name == ".." {
			return ""
		}
		return name
	}
	return ""
}

// uploadName is the name sent to the device for a file created as base: the
// base name without its extension.
func uploadName(base string) string {
	return strings.TrimSuffix(base, path.Ext(base))
}

// persistedName is the name a file created as base will present once the
// device has stored it.
func persistedName(base string) string {
	return uploadName(base) + DocumentSuffix
}

// collides reports whether a file created as base would clash with a sibling
// presented as name.
func collides(base, name string) bool {
	return name == base || name == persistedName(base)
}

// cleanPath normalizes an absolute slash separated path.
func cleanPath(op, p string) (string, error) {
	if p == "" || !strings.HasPrefix(p, "/") || strings.ContainsRune(p, 0) {
		return "", newError(KindInvalidPath, op, p, "")
	}
	return path.Clean(p), nil
}
