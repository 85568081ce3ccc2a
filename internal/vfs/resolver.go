package vfs

import (
	"context"
	"path"
	"strings"

	"github.com/fruitsalade/rmwebfs/internal/logging"
)

// Resolve returns the node at p. Pending uploads shadow the device tree at
// every level.
func (s *Session) Resolve(ctx context.Context, p string) (Node, error) {
	p, err := cleanPath("resolve", p)
	if err != nil {
		return nil, err
	}
	if p == "/" {
		return s.root, nil
	}
	if pn := s.pendingNode(p); pn != nil {
		return pn, nil
	}

	var cur Node = s.root
	for _, seg := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		dir, ok := cur.(*Dir)
		if !ok {
			return nil, newError(KindNotADirectory, "resolve", p, "")
		}
		children, err := s.children(ctx, dir)
		if err != nil {
			return nil, err
		}
		cur = nil
		for _, c := range children {
			if c.Name() == seg {
				cur = c
				break
			}
		}
		if cur == nil {
			return nil, newError(KindNotFound, "resolve", p, "")
		}
	}
	return cur, nil
}

// Stat returns the attributes of the node at p.
func (s *Session) Stat(ctx context.Context, p string) (Attr, error) {
	n, err := s.Resolve(ctx, p)
	if err != nil {
		return Attr{}, err
	}
	return n.Attr(), nil
}

// Readdir lists the directory at p, including pending uploads below it.
func (s *Session) Readdir(ctx context.Context, p string) ([]Node, error) {
	n, err := s.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	dir, ok := n.(*Dir)
	if !ok {
		return nil, newError(KindNotADirectory, "readdir", n.Path(), "")
	}
	return s.children(ctx, dir)
}

// children merges the device listing of dir with the pending uploads whose
// parent is dir. A pending upload replaces a listed node of the same name.
func (s *Session) children(ctx context.Context, dir *Dir) ([]Node, error) {
	items, err := s.listChildren(ctx, dir.ID)
	if err != nil {
		return nil, err
	}

	pending := s.pendingIn(dir.path)
	nodes := make([]Node, 0, len(items)+len(pending))
	for _, it := range items {
		n := nodeFromItem(dir.path, it)
		if n == nil {
			logging.Debug("skipping item",
				logging.String("id", it.ID),
				logging.String("type", string(it.Type)),
				logging.String("visible_name", it.VisibleName),
			)
			continue
		}
		if _, shadowed := pending[n.Name()]; shadowed {
			continue
		}
		nodes = append(nodes, n)
	}
	for _, name := range sortedKeys(pending) {
		nodes = append(nodes, pending[name])
	}
	return nodes, nil
}

// parentDir resolves the parent of p and requires it to be a directory.
func (s *Session) parentDir(ctx context.Context, op, p string) (*Dir, error) {
	n, err := s.Resolve(ctx, path.Dir(p))
	if err != nil {
		return nil, err
	}
	dir, ok := n.(*Dir)
	if !ok {
		return nil, newError(KindNotADirectory, op, p, "")
	}
	return dir, nil
}
