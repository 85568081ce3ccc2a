package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func testClient(handler http.Handler) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	c := New(Config{
		Address:         ts.URL,
		ListTimeout:     time.Second,
		DownloadTimeout: time.Second,
		UploadTimeout:   time.Second,
	})
	return c, ts
}

func TestBaseURL(t *testing.T) {
	cases := map[string]string{
		"10.11.99.1":          "http://10.11.99.1",
		"10.11.99.1/":         "http://10.11.99.1",
		"http://10.11.99.1":   "http://10.11.99.1",
		"https://tablet:8080": "https://tablet:8080",
	}
	for in, want := range cases {
		require.Equal(t, want, BaseURL(in), "BaseURL(%q)", in)
	}
}

func TestListChildren(t *testing.T) {
	var gotMethod, gotPath string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[
			{"ID":"a1","VissibleName":"Notes","Type":"CollectionType","sizeInBytes":"0"},
			{"ID":"b2","VissibleName":"Paper","Type":"DocumentType","sizeInBytes":"1234","ModifiedClient":"2023-04-05T06:07:08.123Z"}
		]`)
	}))
	defer ts.Close()

	items, err := c.ListChildren(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "/documents/", gotPath)
	require.Len(t, items, 2)
	require.Equal(t, "Notes", items[0].VisibleName)
	require.Equal(t, CollectionType, items[0].Type)
	require.Equal(t, int64(1234), items[1].SizeInBytes)
	require.Equal(t, DocumentType, items[1].Type)
	require.False(t, items[1].ModTime.IsZero(), "ModTime is parsed")
}

func TestListChildren_Subfolder(t *testing.T) {
	var gotPath string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		io.WriteString(w, `[]`)
	}))
	defer ts.Close()

	items, err := c.ListChildren(context.Background(), "abc-123")
	require.NoError(t, err)
	require.Equal(t, "/documents/abc-123", gotPath)
	require.Empty(t, items)
}

func TestListChildren_StatusError(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := c.ListChildren(context.Background(), "")
	var se *StatusError
	require.True(t, errors.As(err, &se), "expected StatusError, got %v", err)
	require.Equal(t, http.StatusInternalServerError, se.Code)
}

func TestListChildren_Unreachable(t *testing.T) {
	c, ts := testClient(http.NotFoundHandler())
	ts.Close()

	_, err := c.ListChildren(context.Background(), "")
	require.Error(t, err)
	require.False(t, c.IsOnline())
}

func TestSizeUnmarshal(t *testing.T) {
	cases := []struct {
		in      string
		want    Size
		wantErr bool
	}{
		{`"42"`, 42, false},
		{`42`, 42, false},
		{`""`, 0, false},
		{`null`, 0, false},
		{`"-1"`, 0, true},
		{`"abc"`, 0, true},
	}
	for _, tc := range cases {
		var s Size
		err := json.Unmarshal([]byte(tc.in), &s)
		if tc.wantErr {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, s, tc.in)
	}
}

func TestDownload(t *testing.T) {
	content := "%PDF-1.4 hello"
	var gotPath, gotEncoding string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotEncoding = r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		io.WriteString(w, content)
	}))
	defer ts.Close()

	dl, err := c.Download(context.Background(), "doc1")
	require.NoError(t, err)
	defer dl.Body.Close()

	require.Equal(t, "/download/doc1/placeholder", gotPath)
	require.Equal(t, "identity", gotEncoding)
	require.Equal(t, int64(len(content)), dl.Size)
	_, ok := dl.Seeker()
	require.False(t, ok, "not seekable without range reads")

	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	require.Equal(t, content, string(data))
}

func TestDownload_MissingContentLength(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Flushing before the body is written forces chunked encoding.
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		io.WriteString(w, "data")
	}))
	defer ts.Close()

	_, err := c.Download(context.Background(), "doc1")
	require.ErrorIs(t, err, ErrMissingContentLength)
}

func TestDownload_FirstReadLongAfterHeaders(t *testing.T) {
	content := strings.Repeat("x", 64<<10)
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		io.WriteString(w, content)
	}))
	defer ts.Close()
	c.cfg.DownloadTimeout = 50 * time.Millisecond

	dl, err := c.Download(context.Background(), "doc1")
	require.NoError(t, err)
	defer dl.Body.Close()

	// The handle sits idle for longer than the timeout before the first read.
	time.Sleep(150 * time.Millisecond)

	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	require.Len(t, data, len(content))
}

func TestDownload_StalledReadTimesOut(t *testing.T) {
	release := make(chan struct{})
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "8")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)
	c.cfg.DownloadTimeout = 50 * time.Millisecond

	dl, err := c.Download(context.Background(), "doc1")
	require.NoError(t, err)
	defer dl.Body.Close()

	start := time.Now()
	_, err = dl.Body.Read(make([]byte, 8))
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestDownload_RangeReads(t *testing.T) {
	content := "0123456789abcdef"
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "doc.pdf", time.Time{}, strings.NewReader(content))
	}))
	defer ts.Close()
	c.cfg.RangeReads = true

	dl, err := c.Download(context.Background(), "doc1")
	require.NoError(t, err)
	defer dl.Body.Close()

	rs, ok := dl.Seeker()
	require.True(t, ok, "seekable download")

	buf := make([]byte, 4)
	_, err = rs.Seek(10, io.SeekStart)
	require.NoError(t, err)
	_, err = io.ReadFull(rs, buf)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(buf))

	_, err = rs.Seek(2, io.SeekStart)
	require.NoError(t, err)
	_, err = io.ReadFull(rs, buf)
	require.NoError(t, err)
	require.Equal(t, "2345", string(buf))
}

func TestDownload_RangeReopensInterruptedBody(t *testing.T) {
	content := strings.Repeat("0123456789", 4096)
	var requests atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) > 1 {
			http.ServeContent(w, r, "doc.pdf", time.Time{}, strings.NewReader(content))
			return
		}
		// The first response drops the connection halfway through the body.
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, content[:len(content)/2])
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		conn.Close()
	}))
	defer ts.Close()
	c.cfg.RangeReads = true

	dl, err := c.Download(context.Background(), "doc1")
	require.NoError(t, err)
	defer dl.Body.Close()
	_, ok := dl.Seeker()
	require.True(t, ok)

	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	require.Equal(t, content, string(data))
	require.Equal(t, int32(2), requests.Load())
}

func TestDownload_RangeReopensOnlyOnce(t *testing.T) {
	content := strings.Repeat("a", 8192)
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Every response drops the connection before the body.
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer ts.Close()
	c.cfg.RangeReads = true

	dl, err := c.Download(context.Background(), "doc1")
	require.NoError(t, err)
	defer dl.Body.Close()

	_, err = dl.Body.Read(make([]byte, 16))
	require.Error(t, err, "a body that fails again after reopening surfaces the error")
}

func TestUpload_Success(t *testing.T) {
	var gotName, gotBody string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/upload" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		gotName, gotBody = hdr.Filename, string(b)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"Upload successful"}`)
	}))
	defer ts.Close()

	resp, err := c.Upload(context.Background(), "New", []byte("%PDF"))
	require.NoError(t, err)
	require.NotNil(t, resp.Status)
	require.Equal(t, UploadSuccess, *resp.Status)
	require.Equal(t, "New", gotName)
	require.Equal(t, "%PDF", gotBody)
}

func TestUpload_ErrorField(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		io.WriteString(w, `{"error":"bad file"}`)
	}))
	defer ts.Close()

	resp, err := c.Upload(context.Background(), "x", []byte("x"))
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	require.Equal(t, "bad file", *resp.Error)
	require.Nil(t, resp.Status)
}

func TestUpload_InvalidResponse(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html>oops</html>")
	}))
	defer ts.Close()

	_, err := c.Upload(context.Background(), "x", []byte("x"))
	require.ErrorIs(t, err, ErrInvalidResponse)
}

func TestPing(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html></html>")
	}))
	defer ts.Close()

	require.NoError(t, c.Ping(context.Background()))
	require.True(t, c.IsOnline())
}
