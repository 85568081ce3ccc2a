package vfs

import (
	"context"
	"os"
	"path"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/fruitsalade/rmwebfs/internal/logging"
	"github.com/fruitsalade/rmwebfs/internal/metrics"
	"github.com/fruitsalade/rmwebfs/internal/remote"
)

// pendingEntry is a registered upload. Fields are guarded by Session.mu.
type pendingEntry struct {
	path       string
	mode       os.FileMode
	buf        []byte
	written    bool
	committing bool
	modTime    time.Time
}

func (e *pendingEntry) snapshot() *Pending {
	return &Pending{path: e.path, Size: int64(len(e.buf)), Mode: e.mode, ModTime: e.modTime}
}

func (s *Session) pendingNode(p string) *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.pending[p]; ok {
		return e.snapshot()
	}
	return nil
}

// pendingIn returns the pending uploads directly below dir, keyed by name.
func (s *Session) pendingIn(dir string) map[string]*Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Pending)
	for p, e := range s.pending {
		if path.Dir(p) == dir {
			out[path.Base(p)] = e.snapshot()
		}
	}
	return out
}

func sortedKeys(m map[string]*Pending) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PendingUploads returns a snapshot of all registered uploads ordered by path.
func (s *Session) PendingUploads() []*Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Pending, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// IsPending reports whether p is a registered upload.
func (s *Session) IsPending(p string) bool {
	p, err := cleanPath("pending", p)
	if err != nil {
		return false
	}
	return s.pendingNode(p) != nil
}

// Create registers an empty pending upload at p. It fails with AlreadyExists
// when a sibling already presents the name the file would get once uploaded.
func (s *Session) Create(ctx context.Context, p string, mode os.FileMode) (*Pending, error) {
	p, err := cleanPath("create", p)
	if err != nil {
		return nil, err
	}
	if p == "/" {
		return nil, newError(KindAlreadyExists, "create", p, "")
	}

	dir, err := s.parentDir(ctx, "create", p)
	if err != nil {
		return nil, err
	}
	siblings, err := s.children(ctx, dir)
	if err != nil {
		return nil, err
	}
	base := path.Base(p)
	for _, c := range siblings {
		name := c.Name()
		if _, ok := c.(*Pending); ok {
			name = persistedName(name)
		}
		if collides(base, name) {
			return nil, newError(KindAlreadyExists, "create", p, "")
		}
	}

	if mode.Perm() == 0 {
		mode = newMode
	}
	e := &pendingEntry{path: p, mode: mode.Perm(), modTime: time.Now()}

	s.mu.Lock()
	for other := range s.pending {
		if path.Dir(other) == path.Dir(p) && persistedName(path.Base(other)) == persistedName(base) {
			s.mu.Unlock()
			return nil, newError(KindAlreadyExists, "create", p, "")
		}
	}
	s.pending[p] = e
	n := len(s.pending)
	s.mu.Unlock()

	metrics.SetPendingUploads(n)
	logging.Debug("pending upload created", logging.String("path", p))
	return e.snapshot(), nil
}

// Write stores data at off in the buffer of the pending upload at p. Writes to
// documents already on the device are rejected, as are writes that would grow
// the buffer past the session's pending size cap.
func (s *Session) Write(ctx context.Context, p string, off int64, data []byte) (int, error) {
	p, err := cleanPath("write", p)
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, newError(KindIO, "write", p, "negative offset")
	}
	if off > s.maxPending || int64(len(data)) > s.maxPending-off {
		return 0, newError(KindTooLarge, "write", p, "")
	}

	s.mu.Lock()
	e, ok := s.pending[p]
	if ok {
		defer s.mu.Unlock()
		if e.committing {
			return 0, newError(KindIO, "write", p, "upload in progress")
		}
		end := off + int64(len(data))
		if end > int64(len(e.buf)) {
			e.buf = grow(e.buf, end)
		}
		copy(e.buf[off:], data)
		e.written = true
		e.modTime = time.Now()
		return len(data), nil
	}
	s.mu.Unlock()

	n, err := s.Resolve(ctx, p)
	if err != nil {
		return 0, err
	}
	switch n.(type) {
	case *Dir:
		return 0, newError(KindNotAFile, "write", p, "")
	default:
		return 0, newError(KindIO, "write", p, "documents on the device cannot be modified")
	}
}

// Truncate resizes the buffer of the pending upload at p.
func (s *Session) Truncate(ctx context.Context, p string, size int64) error {
	p, err := cleanPath("truncate", p)
	if err != nil {
		return err
	}
	if size < 0 {
		return newError(KindIO, "truncate", p, "negative size")
	}
	if size > s.maxPending {
		return newError(KindTooLarge, "truncate", p, "")
	}

	s.mu.Lock()
	e, ok := s.pending[p]
	if ok {
		defer s.mu.Unlock()
		if e.committing {
			return newError(KindIO, "truncate", p, "upload in progress")
		}
		if size > int64(len(e.buf)) {
			e.buf = grow(e.buf, size)
		} else {
			e.buf = e.buf[:size]
		}
		e.modTime = time.Now()
		return nil
	}
	s.mu.Unlock()

	n, err := s.Resolve(ctx, p)
	if err != nil {
		return err
	}
	if _, ok := n.(*Dir); ok {
		return newError(KindNotAFile, "truncate", p, "")
	}
	return newError(KindPermissionDenied, "truncate", p, "")
}

func grow(buf []byte, size int64) []byte {
	if int64(cap(buf)) >= size {
		n := len(buf)
		buf = buf[:size]
		clear(buf[n:])
		return buf
	}
	next := make([]byte, size, max(size, int64(2*cap(buf))))
	copy(next, buf)
	return next
}

// Commit uploads the buffered bytes of the pending upload at p. Nothing is
// sent if nothing was ever written. On failure the entry stays registered
// with its buffer intact.
func (s *Session) Commit(ctx context.Context, p string) error {
	p, err := cleanPath("commit", p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	e, ok := s.pending[p]
	switch {
	case !ok:
		s.mu.Unlock()
		return newError(KindNotFound, "commit", p, "")
	case e.committing:
		s.mu.Unlock()
		return newError(KindIO, "commit", p, "upload in progress")
	case !e.written:
		s.mu.Unlock()
		return nil
	}
	e.committing = true
	data := e.buf
	s.mu.Unlock()

	err = s.upload(ctx, p, data)

	s.mu.Lock()
	e.committing = false
	if err == nil {
		delete(s.pending, p)
	}
	n := len(s.pending)
	s.mu.Unlock()
	metrics.SetPendingUploads(n)

	if err != nil {
		s.stats.FailedUploads.Add(1)
		logging.Warn("upload failed", logging.String("path", p), logging.Err(err))
		return err
	}
	return nil
}

// upload performs the commit handshake. The device stores uploads in the
// folder listed last, so the parent is listed fresh and the upload follows
// under the same lock.
func (s *Session) upload(ctx context.Context, p string, data []byte) error {
	dir, err := s.parentDir(ctx, "commit", p)
	if err != nil {
		return err
	}
	base := path.Base(p)

	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()

	items, err := s.listLocked(ctx, dir.ID)
	if err != nil {
		metrics.RecordCommit("error")
		return err
	}
	for _, it := range items {
		if collides(base, presentedName(it)) {
			metrics.RecordCommit("conflict")
			return newError(KindAlreadyExists, "commit", p, "")
		}
	}

	start := time.Now()
	resp, err := s.store.Upload(ctx, uploadName(base), data)
	s.stats.Uploads.Add(1)
	if err != nil {
		metrics.RecordCommit("error")
		if errors.Is(err, remote.ErrInvalidResponse) {
			return newError(KindIO, "commit", p, "invalid response")
		}
		return wrapError(KindIO, "commit", p, err)
	}

	switch {
	case resp.Error != nil:
		metrics.RecordCommit("rejected")
		return newError(KindIO, "commit", p, *resp.Error)
	case resp.Status == nil:
		metrics.RecordCommit("rejected")
		return newError(KindIO, "commit", p, "unknown error")
	case *resp.Status != remote.UploadSuccess:
		metrics.RecordCommit("rejected")
		return newError(KindIO, "commit", p, *resp.Status)
	}

	s.InvalidateListing(dir.ID)
	s.stats.BytesUploaded.Add(int64(len(data)))
	metrics.RecordCommit("success")
	logging.Info("uploaded document",
		logging.String("path", p),
		logging.String("size", humanize.Bytes(uint64(len(data)))),
		logging.Duration("took", time.Since(start)),
	)
	return nil
}

// Abort drops the pending upload at p without sending it.
func (s *Session) Abort(p string) error {
	p, err := cleanPath("abort", p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	e, ok := s.pending[p]
	switch {
	case !ok:
		s.mu.Unlock()
		return newError(KindNotFound, "abort", p, "")
	case e.committing:
		s.mu.Unlock()
		return newError(KindIO, "abort", p, "upload in progress")
	}
	delete(s.pending, p)
	n := len(s.pending)
	s.mu.Unlock()

	metrics.SetPendingUploads(n)
	logging.Debug("pending upload aborted", logging.String("path", p))
	return nil
}

// Unlink removes p. Only pending uploads can be removed; the device offers
// no way to delete documents.
func (s *Session) Unlink(ctx context.Context, p string) error {
	p, err := cleanPath("unlink", p)
	if err != nil {
		return err
	}
	if s.pendingNode(p) != nil {
		return s.Abort(p)
	}

	n, err := s.Resolve(ctx, p)
	if err != nil {
		return err
	}
	if _, ok := n.(*Dir); ok {
		return newError(KindNotAFile, "unlink", p, "")
	}
	return newError(KindPermissionDenied, "unlink", p, "")
}
