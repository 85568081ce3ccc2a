// Package remote talks to the document store of a tablet's USB web interface.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/fruitsalade/rmwebfs/internal/logging"
	"github.com/fruitsalade/rmwebfs/internal/metrics"
)

var (
	// ErrMissingContentLength is returned when a download carries no length.
	ErrMissingContentLength = errors.New("Content-Length missing")

	// ErrInvalidResponse is returned when the device answers with something
	// other than the expected JSON document.
	ErrInvalidResponse = errors.New("invalid response")
)

// StatusError is returned for non-2xx answers.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: device returned %d", e.Op, e.Code)
}

// Config holds client configuration.
type Config struct {
	// Address is the device address, with or without a scheme.
	Address string

	ListTimeout     time.Duration
	DownloadTimeout time.Duration
	UploadTimeout   time.Duration

	// RangeReads enables seekable downloads when the device advertises
	// Accept-Ranges: bytes.
	RangeReads bool
}

// Client issues requests against the device. It holds no document state.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cfg        Config

	mu     sync.RWMutex
	online bool
}

// BaseURL turns an address such as "10.11.99.1" into a base URL.
func BaseURL(address string) string {
	address = strings.TrimSuffix(strings.TrimSpace(address), "/")
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	return address
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.ListTimeout == 0 {
		cfg.ListTimeout = 5 * time.Second
	}
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = 30 * time.Second
	}
	if cfg.UploadTimeout == 0 {
		cfg.UploadTimeout = 30 * time.Second
	}

	return &Client{
		baseURL: BaseURL(cfg.Address),
		httpClient: &http.Client{
			// Per-call deadlines are applied through contexts; a global
			// timeout would cut long streamed downloads short.
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          16,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: cfg.DownloadTimeout,
			},
		},
		cfg:    cfg,
		online: true,
	}
}

// IsOnline returns true if the last request reached the device.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("device is reachable again", logging.String("url", c.baseURL))
		} else {
			logging.Warn("device is unreachable", logging.String("url", c.baseURL))
		}
	}
	c.online = online
}

// Ping checks that the web interface answers.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ListTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		metrics.RecordRemoteRequest("ping", "error", time.Since(start))
		return errors.Wrap(err, "ping")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	metrics.RecordRemoteRequest("ping", statusLabel(resp.StatusCode), time.Since(start))
	if resp.StatusCode != http.StatusOK {
		c.setOnline(false)
		return &StatusError{Op: "ping", Code: resp.StatusCode}
	}

	c.setOnline(true)
	return nil
}

// ListChildren lists the children of a collection. The root collection has
// the empty ID. Listing a collection also makes it the device's upload target.
func (c *Client) ListChildren(ctx context.Context, parentID string) ([]Item, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ListTimeout)
	defer cancel()

	start := time.Now()
	endpoint := c.baseURL + "/documents/" + url.PathEscape(parentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		metrics.RecordRemoteRequest("list", "error", time.Since(start))
		return nil, errors.Wrapf(err, "list %q", parentID)
	}
	defer resp.Body.Close()

	metrics.RecordRemoteRequest("list", statusLabel(resp.StatusCode), time.Since(start))
	c.setOnline(true)

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Op: "list", Code: resp.StatusCode}
	}

	var items []Item
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, errors.Wrapf(err, "decode listing of %q", parentID)
	}
	return items, nil
}

// Download opens a streamed download of a document. The response must carry a
// Content-Length.
func (c *Client) Download(ctx context.Context, id string) (*Download, error) {
	body, resp, err := c.openDownload(ctx, id, 0)
	if err != nil {
		return nil, err
	}

	size := resp.ContentLength
	if c.cfg.RangeReads && resp.Header.Get("Accept-Ranges") == "bytes" {
		logging.Debug("download is seekable", logging.String("id", id), logging.Int64("size", size))
		return &Download{
			Body: &rangeStream{ctx: ctx, c: c, id: id, size: size, body: body},
			Size: size,
		}, nil
	}
	return &Download{Body: body, Size: size}, nil
}

// openDownload issues the GET for a document starting at off. The download
// timeout bounds the wait for the response headers and then each single read
// of the body; an open body left unread does not expire.
func (c *Client) openDownload(ctx context.Context, id string, off int64) (io.ReadCloser, *http.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	idle := time.AfterFunc(c.cfg.DownloadTimeout, cancel)

	start := time.Now()
	endpoint := c.baseURL + "/download/" + url.PathEscape(id) + "/placeholder"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		idle.Stop()
		cancel()
		return nil, nil, err
	}
	// Transparent gzip would hide the length.
	req.Header.Set("Accept-Encoding", "identity")
	if off > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", off))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		idle.Stop()
		cancel()
		c.setOnline(false)
		metrics.RecordRemoteRequest("download", "error", time.Since(start))
		return nil, nil, errors.Wrapf(err, "download %q", id)
	}
	metrics.RecordRemoteRequest("download", statusLabel(resp.StatusCode), time.Since(start))
	c.setOnline(true)

	fail := func(err error) (io.ReadCloser, *http.Response, error) {
		resp.Body.Close()
		idle.Stop()
		cancel()
		return nil, nil, err
	}

	switch {
	case off > 0 && resp.StatusCode != http.StatusPartialContent:
		return fail(&StatusError{Op: "download range", Code: resp.StatusCode})
	case off == 0 && resp.StatusCode != http.StatusOK:
		return fail(&StatusError{Op: "download", Code: resp.StatusCode})
	}

	if resp.ContentLength < 0 {
		logging.Warn("download without Content-Length",
			logging.String("id", id),
			logging.Any("headers", resp.Header),
		)
		return fail(errors.Wrapf(ErrMissingContentLength, "download %q", id))
	}

	idle.Stop()
	return &idleTimeoutBody{rc: resp.Body, timer: idle, timeout: c.cfg.DownloadTimeout, cancel: cancel}, resp, nil
}

// Upload posts a document as a multipart form into the device's current
// collection. A non-JSON answer yields ErrInvalidResponse.
func (c *Client) Upload(ctx context.Context, name string, data []byte) (*UploadResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
	defer cancel()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		metrics.RecordRemoteRequest("upload", "error", time.Since(start))
		return nil, errors.Wrapf(err, "upload %q", name)
	}
	defer resp.Body.Close()

	metrics.RecordRemoteRequest("upload", statusLabel(resp.StatusCode), time.Since(start))
	c.setOnline(true)

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, errors.Wrapf(err, "read upload response for %q", name)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		logging.Warn("upload answered with non-JSON payload",
			logging.String("name", name),
			logging.Int("status", resp.StatusCode),
			logging.String("content_type", resp.Header.Get("Content-Type")),
			logging.String("payload", string(payload)),
		)
		return nil, errors.Wrapf(ErrInvalidResponse, "upload %q", name)
	}

	var result UploadResponse
	if err := json.Unmarshal(payload, &result); err != nil {
		logging.Warn("upload answered with malformed JSON",
			logging.String("name", name),
			logging.String("payload", string(payload)),
			logging.Err(err),
		)
		return nil, errors.Wrapf(ErrInvalidResponse, "upload %q", name)
	}

	metrics.RecordUploadBytes(int64(len(data)))
	return &result, nil
}

func statusLabel(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

// idleTimeoutBody cancels the request when a read does not complete within
// timeout. The timer only runs while a Read is in flight.
type idleTimeoutBody struct {
	rc      io.ReadCloser
	timer   *time.Timer
	timeout time.Duration
	cancel  context.CancelFunc
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.timeout)
	n, err := b.rc.Read(p)
	b.timer.Stop()
	if n > 0 {
		metrics.RecordDownloadBytes(int64(n))
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	err := b.rc.Close()
	b.cancel()
	return err
}
