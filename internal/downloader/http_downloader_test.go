package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/iconidentify/muxgrab/internal/config"
	"github.com/iconidentify/muxgrab/internal/domain"
)

func testConfig() config.DownloadConfig {
	return config.DownloadConfig{
		Timeout:       5 * time.Second,
		RetryDelay:    10 * time.Millisecond,
		MaxRetryDelay: 100 * time.Millisecond,
		MaxAttempts:   3,
		ChunkSize:     4,
		UserAgent:     "test-agent",
	}
}

// rangeServer serves content honouring single byte ranges.
func rangeServer(t *testing.T, content []byte, requests *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			atomic.AddInt32(requests, 1)
		}
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			return
		}
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Write(content)
			return
		}
		var start, end int
		if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if end >= len(content) {
			end = len(content) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : end+1])
	}))
}

func TestNewHTTPDownloader(t *testing.T) {
	dl := NewHTTPDownloader(testConfig(), map[string]string{"Referer": "https://example.com/"}, nil)

	if dl == nil {
		t.Fatal("downloader should not be nil")
	}
	if dl.headers["User-Agent"] != "test-agent" {
		t.Errorf("User-Agent = %q, want %q", dl.headers["User-Agent"], "test-agent")
	}
	if dl.headers["Referer"] != "https://example.com/" {
		t.Errorf("Referer = %q", dl.headers["Referer"])
	}
	if dl.policy.MaxAttempts != 3 {
		t.Errorf("policy.MaxAttempts = %d, want 3", dl.policy.MaxAttempts)
	}
}

func TestHTTPDownloader_Download_Success(t *testing.T) {
	content := []byte("video content data here")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if ua := r.Header.Get("User-Agent"); ua != "test-agent" {
			t.Errorf("User-Agent = %q, want %q", ua, "test-agent")
		}
		w.Header().Set("Content-Length", "23")
		w.Write(content)
	}))
	defer server.Close()

	dl := NewHTTPDownloader(testConfig(), nil, nil)
	reader, size, err := dl.Download(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	defer reader.Close()

	if size != 23 {
		t.Errorf("size = %d, want 23", size)
	}

	data, _ := io.ReadAll(reader)
	if string(data) != string(content) {
		t.Errorf("content = %q, want %q", string(data), string(content))
	}
}

func TestHTTPDownloader_Download_StatusMapping(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantErr      error
		wantAttempts int32
	}{
		{"forbidden is restricted", http.StatusForbidden, domain.ErrAccessRestricted, 1},
		{"unauthorized is restricted", http.StatusUnauthorized, domain.ErrAccessRestricted, 1},
		{"not found", http.StatusNotFound, domain.ErrNotFound, 1},
		{"gone", http.StatusGone, domain.ErrNotFound, 1},
		{"server error retried", http.StatusBadGateway, nil, 3},
		{"bad request not retried", http.StatusBadRequest, nil, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&attempts, 1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			dl := NewHTTPDownloader(testConfig(), nil, nil)
			_, _, err := dl.Download(context.Background(), server.URL)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			var se *StatusError
			if !errors.As(err, &se) || se.Code != tt.status {
				t.Errorf("error should carry status %d, got %v", tt.status, err)
			}
			if got := atomic.LoadInt32(&attempts); got != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", got, tt.wantAttempts)
			}
		})
	}
}

func TestHTTPDownloader_Download_RateLimited(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("success"))
	}))
	defer server.Close()

	dl := NewHTTPDownloader(testConfig(), nil, nil)
	reader, _, err := dl.Download(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Download should succeed after retries: %v", err)
	}
	reader.Close()

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestHTTPDownloader_Download_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte("delayed"))
	}))
	defer server.Close()

	dl := NewHTTPDownloader(testConfig(), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := dl.Download(ctx, server.URL)
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
}

func TestHTTPDownloader_Probe_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("Probe should use HEAD, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", "1024")
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dl := NewHTTPDownloader(testConfig(), nil, nil)
	result, err := dl.Probe(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}

	if !result.Accessible {
		t.Error("Accessible should be true")
	}
	if !result.AcceptsRanges {
		t.Error("AcceptsRanges should be true")
	}
	if result.ContentType != "video/mp4" {
		t.Errorf("ContentType = %q, want %q", result.ContentType, "video/mp4")
	}
	if result.ContentLength != 1024 {
		t.Errorf("ContentLength = %d, want 1024", result.ContentLength)
	}
}

func TestHTTPDownloader_Probe_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	dl := NewHTTPDownloader(testConfig(), nil, nil)
	result, err := dl.Probe(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Probe should not return error: %v", err)
	}

	if result.Accessible {
		t.Error("Accessible should be false for 404")
	}
	if result.Error == "" {
		t.Error("Error should contain status code")
	}
}

// =============================================================================
// DownloadToFile Tests
// =============================================================================

func TestHTTPDownloader_DownloadToFile_Chunked(t *testing.T) {
	content := []byte("0123456789abcdef!")
	var requests int32
	server := rangeServer(t, content, &requests)
	defer server.Close()

	fs := afero.NewMemMapFs()
	dl := NewHTTPDownloader(testConfig(), nil, nil)

	var last, total int64
	n, err := dl.DownloadToFile(context.Background(), server.URL, fs, "/out/video.mp4", int64(len(content)), func(d, t int64) {
		if d < last {
			panic("progress went backwards")
		}
		last, total = d, t
	})
	if err != nil {
		t.Fatalf("DownloadToFile failed: %v", err)
	}

	if n != int64(len(content)) {
		t.Errorf("written = %d, want %d", n, len(content))
	}
	got, _ := afero.ReadFile(fs, "/out/video.mp4")
	if !bytes.Equal(got, content) {
		t.Errorf("file = %q, want %q", got, content)
	}
	// 17 bytes in chunks of 4
	if got := atomic.LoadInt32(&requests); got != 5 {
		t.Errorf("requests = %d, want 5", got)
	}
	if last != int64(len(content)) || total != int64(len(content)) {
		t.Errorf("last progress = %d/%d, want %d/%d", last, total, len(content), len(content))
	}
}

func TestHTTPDownloader_DownloadToFile_ProbesUnknownSize(t *testing.T) {
	content := []byte("probe me please")
	server := rangeServer(t, content, nil)
	defer server.Close()

	fs := afero.NewMemMapFs()
	dl := NewHTTPDownloader(testConfig(), nil, nil)

	n, err := dl.DownloadToFile(context.Background(), server.URL, fs, "/a.m4a", 0, nil)
	if err != nil {
		t.Fatalf("DownloadToFile failed: %v", err)
	}
	if n != int64(len(content)) {
		t.Errorf("written = %d, want %d", n, len(content))
	}
}

func TestHTTPDownloader_DownloadToFile_RangeIgnored(t *testing.T) {
	content := []byte("no ranges here")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(content)
	}))
	defer server.Close()

	fs := afero.NewMemMapFs()
	dl := NewHTTPDownloader(testConfig(), nil, nil)

	var last int64
	n, err := dl.DownloadToFile(context.Background(), server.URL, fs, "/v.mp4", int64(len(content)), func(d, _ int64) { last = d })
	if err != nil {
		t.Fatalf("DownloadToFile failed: %v", err)
	}
	if n != int64(len(content)) {
		t.Errorf("written = %d, want %d", n, len(content))
	}
	got, _ := afero.ReadFile(fs, "/v.mp4")
	if !bytes.Equal(got, content) {
		t.Errorf("file = %q, want %q", got, content)
	}
	if last != int64(len(content)) {
		t.Errorf("last progress = %d, want %d", last, len(content))
	}
}

func TestHTTPDownloader_DownloadToFile_ChunkRetried(t *testing.T) {
	content := []byte("abcdefgh")
	var failed int32
	inner := rangeServer(t, content, nil)
	defer inner.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Fail the second chunk once.
		if strings.HasPrefix(r.Header.Get("Range"), "bytes=4-") && atomic.CompareAndSwapInt32(&failed, 0, 1) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		resp, err := http.DefaultClient.Do(mustProxyRequest(t, r, inner.URL))
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		for k, v := range resp.Header {
			w.Header()[k] = v
		}
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}))
	defer server.Close()

	fs := afero.NewMemMapFs()
	dl := NewHTTPDownloader(testConfig(), nil, nil)

	if _, err := dl.DownloadToFile(context.Background(), server.URL, fs, "/v.mp4", int64(len(content)), nil); err != nil {
		t.Fatalf("DownloadToFile failed: %v", err)
	}
	got, _ := afero.ReadFile(fs, "/v.mp4")
	if !bytes.Equal(got, content) {
		t.Errorf("file = %q, want %q", got, content)
	}
	if atomic.LoadInt32(&failed) != 1 {
		t.Error("second chunk should have failed once")
	}
}

func TestHTTPDownloader_DownloadToFile_Forbidden(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	fs := afero.NewMemMapFs()
	dl := NewHTTPDownloader(testConfig(), nil, nil)

	_, err := dl.DownloadToFile(context.Background(), server.URL, fs, "/v.mp4", 8, nil)
	if !errors.Is(err, domain.ErrAccessRestricted) {
		t.Errorf("error = %v, want %v", err, domain.ErrAccessRestricted)
	}
}

func mustProxyRequest(t *testing.T, r *http.Request, target string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target+r.URL.Path, nil)
	if err != nil {
		t.Fatalf("build proxy request: %v", err)
	}
	req.Header = r.Header.Clone()
	return req
}

// =============================================================================
// progressReader Tests
// =============================================================================

type blockingBody struct {
	closed chan struct{}
}

func (b *blockingBody) Read(p []byte) (int, error) {
	<-b.closed
	return 0, errors.New("use of closed body")
}

func (b *blockingBody) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

func TestProgressReader_Stall(t *testing.T) {
	body := &blockingBody{closed: make(chan struct{})}
	pr := newProgressReader(body, 100, 20*time.Millisecond, testLogger(), nil)
	defer pr.Close()

	_, err := pr.Read(make([]byte, 8))
	if err == nil || !strings.Contains(err.Error(), "stalled") {
		t.Errorf("Read() error = %v, want stall error", err)
	}
}

func TestProgressReader_ReportsProgress(t *testing.T) {
	var got []int64
	pr := newProgressReader(io.NopCloser(strings.NewReader("abcdef")), 6, 0, testLogger(), func(n int64) {
		got = append(got, n)
	})

	buf := make([]byte, 4)
	pr.Read(buf)
	pr.Read(buf)
	pr.Close()

	if len(got) != 2 || got[0] != 4 || got[1] != 6 {
		t.Errorf("progress = %v, want [4 6]", got)
	}
}
