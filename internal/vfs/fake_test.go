package vfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/fruitsalade/rmwebfs/internal/remote"
)

// fakeStore is an in-memory device. Uploads land in the folder listed last.
type fakeStore struct {
	mu       sync.Mutex
	children map[string][]remote.Item
	content  map[string][]byte
	current  string
	nextID   int

	seekable      bool
	noLength      bool
	uploadStatus  *string
	uploadError   *string
	uploadInvalid bool

	// brokenBodies is the number of downloads whose body fails mid stream.
	brokenBodies int

	// delay is spent inside ListChildren and Upload so overlapping device
	// requests are observable through active/maxActive.
	delay     time.Duration
	active    atomic.Int32
	maxActive atomic.Int32

	listCalls     int
	downloadCalls int
	uploads       []string
	closed        int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		children: make(map[string][]remote.Item),
		content:  make(map[string][]byte),
	}
}

func (f *fakeStore) addDir(parent, id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.children[parent] = append(f.children[parent], remote.Item{ID: id, VisibleName: name, Type: remote.CollectionType})
}

func (f *fakeStore) addDoc(parent, id, name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.children[parent] = append(f.children[parent], remote.Item{
		ID:          id,
		VisibleName: name,
		Type:        remote.DocumentType,
		SizeInBytes: int64(len(data)),
	})
	f.content[id] = data
}

// enter marks a device request as in flight until the returned func runs.
func (f *fakeStore) enter() func() {
	n := f.active.Add(1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return func() { f.active.Add(-1) }
}

func (f *fakeStore) ListChildren(ctx context.Context, parentID string) ([]remote.Item, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	f.current = parentID
	items := make([]remote.Item, len(f.children[parentID]))
	copy(items, f.children[parentID])
	return items, nil
}

func (f *fakeStore) Download(ctx context.Context, id string) (*remote.Download, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadCalls++
	if f.noLength {
		return nil, errors.Wrapf(remote.ErrMissingContentLength, "download %q", id)
	}
	data, ok := f.content[id]
	if !ok {
		return nil, &remote.StatusError{Op: "download", Code: 404}
	}
	body := &fakeBody{r: bytes.NewReader(data), store: f}
	if f.brokenBodies > 0 {
		f.brokenBodies--
		body.failAt = int64(len(data) / 2)
		body.broken = true
	}
	if f.seekable {
		return &remote.Download{Body: &seekableBody{body}, Size: int64(len(data))}, nil
	}
	return &remote.Download{Body: body, Size: int64(len(data))}, nil
}

func (f *fakeStore) Upload(ctx context.Context, name string, data []byte) (*remote.UploadResponse, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, name)
	if f.uploadInvalid {
		return nil, errors.Wrapf(remote.ErrInvalidResponse, "upload %q", name)
	}
	if f.uploadStatus != nil || f.uploadError != nil {
		return &remote.UploadResponse{Status: f.uploadStatus, Error: f.uploadError}, nil
	}

	f.nextID++
	id := fmt.Sprintf("up-%d", f.nextID)
	f.children[f.current] = append(f.children[f.current], remote.Item{
		ID:          id,
		VisibleName: name,
		Type:        remote.DocumentType,
		SizeInBytes: int64(len(data)),
	})
	f.content[id] = append([]byte(nil), data...)
	status := remote.UploadSuccess
	return &remote.UploadResponse{Status: &status}, nil
}

func (f *fakeStore) stats() (lists, downloads, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.downloadCalls, f.closed
}

// fakeBody hides Seek so downloads are streamed unless wrapped. A broken body
// fails with io.ErrUnexpectedEOF once failAt bytes have been read.
type fakeBody struct {
	r     *bytes.Reader
	store *fakeStore

	broken bool
	failAt int64
	read   int64
}

func (b *fakeBody) Read(p []byte) (int, error) {
	if b.broken {
		left := b.failAt - b.read
		if left <= 0 {
			return 0, io.ErrUnexpectedEOF
		}
		if int64(len(p)) > left {
			p = p[:left]
		}
	}
	n, err := b.r.Read(p)
	b.read += int64(n)
	return n, err
}

func (b *fakeBody) Close() error {
	b.store.mu.Lock()
	b.store.closed++
	b.store.mu.Unlock()
	return nil
}

type seekableBody struct {
	*fakeBody
}

func (b *seekableBody) Seek(off int64, whence int) (int64, error) {
	return b.r.Seek(off, whence)
}

var _ io.ReadSeeker = (*seekableBody)(nil)

// noStatusStore answers uploads with an empty JSON object.
type noStatusStore struct {
	*fakeStore
}

func (n *noStatusStore) Upload(ctx context.Context, name string, data []byte) (*remote.UploadResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.uploads = append(n.uploads, name)
	return &remote.UploadResponse{}, nil
}

func strPtr(s string) *string { return &s }
