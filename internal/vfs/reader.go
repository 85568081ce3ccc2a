package vfs

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/fruitsalade/rmwebfs/internal/logging"
	"github.com/fruitsalade/rmwebfs/internal/remote"
)

type readerState int

const (
	readerClosed readerState = iota
	readerStreaming
	readerBuffered
)

// Reader serves random access reads of one download. A seekable download is
// read in place; otherwise the first read drains the whole stream into memory
// and all reads are served from that buffer.
type Reader struct {
	mu    sync.Mutex
	path  string
	size  int64
	state readerState

	body   io.ReadCloser
	seeker io.ReadSeeker
	buf    []byte

	// open starts a new download after a failed drain.
	open func() (*remote.Download, error)

	stats *Stats
}

// Open starts a download of the document at p.
func (s *Session) Open(ctx context.Context, p string) (*Reader, error) {
	n, err := s.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}

	var f *File
	switch n := n.(type) {
	case *File:
		f = n
	case *Dir:
		return nil, newError(KindNotAFile, "open", n.Path(), "")
	case *Pending:
		return nil, newError(KindPermissionDenied, "open", n.Path(), "pending uploads are write only")
	}

	dl, err := s.store.Download(ctx, f.ID)
	if err != nil {
		if errors.Is(err, remote.ErrMissingContentLength) {
			return nil, newError(KindBadDescriptor, "open", f.path, "Content-Length missing")
		}
		return nil, wrapError(KindIO, "open", f.path, err)
	}
	s.stats.Downloads.Add(1)

	r := &Reader{
		path:  f.path,
		size:  dl.Size,
		state: readerStreaming,
		body:  dl.Body,
		stats: &s.stats,
		open: func() (*remote.Download, error) {
			return s.store.Download(ctx, f.ID)
		},
	}
	if rs, ok := dl.Seeker(); ok {
		r.seeker = rs
	}
	return r, nil
}

// Size returns the length of the document.
func (r *Reader) Size() int64 {
	return r.size
}

// ReadAt reads up to len(p) bytes at off. Reads past the end are clamped.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == readerClosed {
		return 0, newError(KindBadDescriptor, "read", r.path, "reader closed")
	}
	if off < 0 {
		return 0, newError(KindBadDescriptor, "read", r.path, "negative offset")
	}
	if off >= r.size {
		return 0, io.EOF
	}
	n := int64(len(p))
	if off+n > r.size {
		n = r.size - off
	}

	if r.state == readerStreaming && r.seeker != nil {
		if _, err := r.seeker.Seek(off, io.SeekStart); err != nil {
			return 0, wrapError(KindIO, "read", r.path, err)
		}
		got, err := io.ReadFull(r.seeker, p[:n])
		r.stats.BytesDownloaded.Add(int64(got))
		if err != nil {
			return got, wrapError(KindIO, "read", r.path, err)
		}
		return r.result(got, len(p))
	}

	if r.state == readerStreaming {
		if r.body == nil {
			if err := r.reopen(); err != nil {
				return 0, err
			}
		}
		if err := r.drain(); err != nil {
			return 0, err
		}
	}
	copy(p, r.buf[off:off+n])
	return r.result(int(n), len(p))
}

func (r *Reader) result(n, want int) (int, error) {
	if n < want {
		return n, io.EOF
	}
	return n, nil
}

// reopen replaces a failed stream with a new download. The caller holds mu.
func (r *Reader) reopen() error {
	dl, err := r.open()
	if err != nil {
		return wrapError(KindIO, "read", r.path, err)
	}
	if dl.Size != r.size {
		dl.Body.Close()
		return newError(KindIO, "read", r.path, "document changed on the device")
	}
	r.body = dl.Body
	r.stats.Downloads.Add(1)
	return nil
}

// drain reads the whole stream into memory and closes it. On failure the
// stream is dropped and the next read starts a new download. The caller holds
// mu.
func (r *Reader) drain() error {
	data, err := io.ReadAll(r.body)
	r.body.Close()
	r.body = nil
	r.stats.BytesDownloaded.Add(int64(len(data)))

	if err == nil && int64(len(data)) != r.size {
		err = errors.Errorf("received %d of %d bytes", len(data), r.size)
	}
	if err != nil {
		logging.Warn("download failed", logging.String("path", r.path), logging.Err(err))
		return wrapError(KindIO, "read", r.path, err)
	}

	r.buf = data
	r.state = readerBuffered
	logging.Debug("download buffered", logging.String("path", r.path), logging.Int64("size", r.size))
	return nil
}

// Close releases the download and any buffered bytes. It is safe to call more
// than once.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.body != nil {
		err = r.body.Close()
		r.body = nil
	}
	r.seeker = nil
	r.buf = nil
	r.open = nil
	r.state = readerClosed
	return err
}
