// Package vfs presents the device's collections and documents as a tree of
// paths. A Session resolves paths against fresh or briefly cached listings and
// stages new files locally until they are uploaded in one piece.
package vfs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/rmwebfs/internal/logging"
	"github.com/fruitsalade/rmwebfs/internal/metrics"
	"github.com/fruitsalade/rmwebfs/internal/remote"
)

// Store is the device API a Session works against. *remote.Client implements it.
type Store interface {
	ListChildren(ctx context.Context, parentID string) ([]remote.Item, error)
	Download(ctx context.Context, id string) (*remote.Download, error)
	Upload(ctx context.Context, name string, data []byte) (*remote.UploadResponse, error)
}

var _ Store = (*remote.Client)(nil)

// Config holds session configuration.
type Config struct {
	// ListCacheTTL is how long a folder listing is reused. Zero disables the
	// cache and every resolution lists afresh.
	ListCacheTTL time.Duration

	// ListCacheSize bounds the number of cached folder listings.
	ListCacheSize int

	// MaxPendingBytes caps the buffer of one pending upload. Zero means
	// DefaultMaxPendingBytes.
	MaxPendingBytes int64
}

// DefaultMaxPendingBytes is the pending upload cap used when none is set.
const DefaultMaxPendingBytes = 256 << 20

// Stats tracks session statistics.
type Stats struct {
	Listings        atomic.Int64
	CacheHits       atomic.Int64
	CacheMisses     atomic.Int64
	Downloads       atomic.Int64
	BytesDownloaded atomic.Int64
	Uploads         atomic.Int64
	FailedUploads   atomic.Int64
	BytesUploaded   atomic.Int64
}

// Session owns the pending upload registry and the listing cache for one
// mounted device.
type Session struct {
	store      Store
	root       *Dir
	maxPending int64

	listings *expirable.LRU[string, []remote.Item]
	group    singleflight.Group

	// deviceMu serializes requests that change or depend on the device's
	// current folder: every listing, and a commit's listing plus upload.
	deviceMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingEntry

	stats Stats
}

// NewSession creates a session backed by store.
func NewSession(store Store, cfg Config) *Session {
	s := &Session{
		store:      store,
		root:       &Dir{path: "/"},
		maxPending: cfg.MaxPendingBytes,
		pending:    make(map[string]*pendingEntry),
	}
	if s.maxPending <= 0 {
		s.maxPending = DefaultMaxPendingBytes
	}
	if cfg.ListCacheTTL > 0 {
		size := cfg.ListCacheSize
		if size <= 0 {
			size = 256
		}
		s.listings = expirable.NewLRU[string, []remote.Item](size, nil, cfg.ListCacheTTL)
	}
	return s
}

// Stats returns the session statistics.
func (s *Session) Stats() *Stats {
	return &s.stats
}

// InvalidateListing drops the cached listing of the collection with the given
// ID. The root collection has the empty ID.
func (s *Session) InvalidateListing(id string) {
	if s.listings != nil {
		s.listings.Remove(id)
	}
}

// listChildren returns the children of a collection, from the cache when a
// recent listing exists. Concurrent listings of one collection share a request.
func (s *Session) listChildren(ctx context.Context, id string) ([]remote.Item, error) {
	if s.listings != nil {
		if items, ok := s.listings.Get(id); ok {
			s.stats.CacheHits.Add(1)
			metrics.RecordListingCache(true)
			return items, nil
		}
		s.stats.CacheMisses.Add(1)
		metrics.RecordListingCache(false)
	}

	v, err, shared := s.group.Do(id, func() (interface{}, error) {
		s.deviceMu.Lock()
		defer s.deviceMu.Unlock()
		return s.listLocked(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logging.Debug("shared folder listing", logging.String("id", id))
	}
	return v.([]remote.Item), nil
}

// listLocked lists a collection on the device and caches the result. The
// caller holds deviceMu.
func (s *Session) listLocked(ctx context.Context, id string) ([]remote.Item, error) {
	items, err := s.store.ListChildren(ctx, id)
	s.stats.Listings.Add(1)
	if err != nil {
		return nil, wrapError(KindIO, "list", id, err)
	}
	if s.listings != nil {
		s.listings.Add(id, items)
	}
	return items, nil
}
