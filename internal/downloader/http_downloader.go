package downloader

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/iconidentify/muxgrab/internal/config"
	"github.com/iconidentify/muxgrab/internal/domain"
)

var (
	errRateLimited  = errors.New("rate limited")
	errRangeIgnored = errors.New("server ignored range request")
)

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// TransportOptions configures the outbound HTTP transport.
type TransportOptions struct {
	Proxy              string
	IPVersion          int // 0 for any, 4 or 6
	InsecureSkipVerify bool
	HeaderTimeout      time.Duration
}

// NewTransport builds an http.Transport honouring proxy, IP family and TLS options.
func NewTransport(opts TransportOptions) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}

	network := "tcp"
	switch opts.IPVersion {
	case 4:
		network = "tcp4"
	case 6:
		network = "tcp6"
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		ResponseHeaderTimeout: opts.HeaderTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
	}

	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in
	}

	return transport, nil
}

// HTTPDownloader implements Downloader using ranged HTTP requests.
type HTTPDownloader struct {
	// client is used for short requests (Probe) with overall timeout
	client *http.Client
	// streamClient is used for streaming downloads without overall timeout
	streamClient *http.Client
	headers      map[string]string
	cfg          config.DownloadConfig
	policy       RetryPolicy
	logger       *slog.Logger
}

// NewHTTPDownloader creates a new HTTP stream downloader. A nil transport
// gets a default one with a response header timeout.
func NewHTTPDownloader(cfg config.DownloadConfig, headers map[string]string, transport http.RoundTripper) *HTTPDownloader {
	if transport == nil {
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 30 * time.Second,
		}
	}

	h := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		h[k] = v
	}
	if cfg.UserAgent != "" {
		h["User-Agent"] = cfg.UserAgent
	}

	return &HTTPDownloader{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		// No Timeout here; stalls are caught per read instead.
		streamClient: &http.Client{
			Transport: transport,
		},
		headers: h,
		cfg:     cfg,
		policy:  PolicyFrom(cfg),
		logger:  slog.Default(),
	}
}

// SetLogger sets the logger for download progress reporting.
func (d *HTTPDownloader) SetLogger(logger *slog.Logger) {
	d.logger = logger
}

func (d *HTTPDownloader) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Download fetches url with retry logic.
// Returns a progress-tracking reader for large file streaming.
func (d *HTTPDownloader) Download(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	type result struct {
		body io.ReadCloser
		size int64
	}

	res, err := retry(ctx, d.policy, func() (result, error) {
		body, size, err := d.downloadOnce(ctx, rawURL)
		return result{body, size}, err
	}, d.logRetry(rawURL))
	if err != nil {
		return nil, 0, fmt.Errorf("download failed after retries: %w", err)
	}
	return res.body, res.size, nil
}

func (d *HTTPDownloader) downloadOnce(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	req, err := d.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, 0, err
	}

	resp, err := d.streamClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, statusError(resp.StatusCode)
	}

	return newProgressReader(resp.Body, resp.ContentLength, d.cfg.ReadTimeout, d.logger, nil), resp.ContentLength, nil
}

// Probe checks URL accessibility without downloading full content.
func (d *HTTPDownloader) Probe(ctx context.Context, rawURL string) (*ProbeResult, error) {
	req, err := d.newRequest(ctx, http.MethodHead, rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &ProbeResult{
			Accessible: false,
			Error:      err.Error(),
		}, nil
	}
	defer resp.Body.Close()

	result := &ProbeResult{
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		Accessible:    resp.StatusCode == http.StatusOK,
	}

	if !result.Accessible {
		result.Error = fmt.Sprintf("status code %d", resp.StatusCode)
	}

	return result, nil
}

// DownloadToFile writes url to path in chunks of cfg.ChunkSize using range
// requests. Each chunk is retried on its own. When the size is unknown, or
// the server ignores ranges, the body is streamed in one request instead.
func (d *HTTPDownloader) DownloadToFile(ctx context.Context, rawURL string, fs afero.Fs, path string, size int64, progress ProgressFunc) (int64, error) {
	if progress == nil {
		progress = func(int64, int64) {}
	}

	f, err := fs.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if size <= 0 {
		if probe, err := d.Probe(ctx, rawURL); err == nil && probe.Accessible && probe.ContentLength > 0 {
			size = probe.ContentLength
		}
	}
	if size <= 0 || d.cfg.ChunkSize <= 0 {
		return d.copyStream(ctx, rawURL, f, progress)
	}

	var written int64
	for written < size {
		start := written
		end := min(start+d.cfg.ChunkSize, size) - 1

		chunk, err := retry(ctx, d.policy, func() ([]byte, error) {
			return d.fetchRange(ctx, rawURL, start, end)
		}, d.logRetry(rawURL))
		if errors.Is(err, errRangeIgnored) && start == 0 {
			d.logger.Debug("range not supported, streaming whole body", "path", path)
			return d.copyStream(ctx, rawURL, f, progress)
		}
		if err != nil {
			return written, fmt.Errorf("download bytes %d-%d: %w", start, end, err)
		}
		if len(chunk) == 0 {
			return written, fmt.Errorf("download bytes %d-%d: %w", start, end, io.ErrUnexpectedEOF)
		}

		if _, err := f.Write(chunk); err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		written += int64(len(chunk))
		progress(written, size)
	}

	d.logger.Debug("stream downloaded",
		"path", path,
		"size", humanize.Bytes(uint64(written)),
	)
	return written, nil
}

func (d *HTTPDownloader) fetchRange(ctx context.Context, rawURL string, start, end int64) ([]byte, error) {
	req, err := d.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := d.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		return nil, errRangeIgnored
	default:
		return nil, statusError(resp.StatusCode)
	}

	want := end - start + 1
	body := newProgressReader(resp.Body, want, d.cfg.ReadTimeout, d.logger, nil)
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, want))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

func (d *HTTPDownloader) copyStream(ctx context.Context, rawURL string, w io.Writer, progress ProgressFunc) (int64, error) {
	body, size, err := d.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	if pr, ok := body.(*progressReader); ok {
		pr.onProgress = func(n int64) { progress(n, size) }
	}

	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("copy body: %w", err)
	}
	return n, nil
}

func statusError(code int) error {
	se := &StatusError{Code: code}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %w", domain.ErrAccessRestricted, se)
	case code == http.StatusNotFound || code == http.StatusGone:
		return fmt.Errorf("%w: %w", domain.ErrNotFound, se)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", errRateLimited, se)
	default:
		return se
	}
}

func (d *HTTPDownloader) logRetry(rawURL string) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		d.logger.Warn("stream request failed, retrying",
			"url", redactURL(rawURL),
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}
}

// redactURL drops the query, which carries signed stream tokens.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "(invalid url)"
	}
	return u.Scheme + "://" + u.Host + u.Path
}

// progressReader wraps an io.ReadCloser to track download progress and
// abort the transfer when no data arrives for readTimeout.
type progressReader struct {
	reader      io.ReadCloser
	total       int64
	downloaded  int64
	readTimeout time.Duration
	watchdog    *time.Timer
	stalled     atomic.Bool
	lastLog     time.Time
	logger      *slog.Logger
	onProgress  func(downloaded int64)
	mu          sync.Mutex
	closed      bool
}

func newProgressReader(r io.ReadCloser, total int64, readTimeout time.Duration, logger *slog.Logger, onProgress func(int64)) *progressReader {
	p := &progressReader{
		reader:      r,
		total:       total,
		readTimeout: readTimeout,
		lastLog:     time.Now(),
		logger:      logger,
		onProgress:  onProgress,
	}
	if readTimeout > 0 {
		p.watchdog = time.AfterFunc(readTimeout, func() {
			p.stalled.Store(true)
			_ = r.Close()
		})
	}
	return p
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.reader.Read(buf)

	if p.stalled.Load() {
		return n, fmt.Errorf("download stalled: no data received for %v", p.readTimeout)
	}

	p.mu.Lock()
	if n > 0 {
		p.downloaded += int64(n)
		if p.watchdog != nil {
			p.watchdog.Reset(p.readTimeout)
		}
		if time.Since(p.lastLog) > 30*time.Second {
			p.logProgress()
			p.lastLog = time.Now()
		}
	}
	downloaded := p.downloaded
	onProgress := p.onProgress
	p.mu.Unlock()

	if n > 0 && onProgress != nil {
		onProgress(downloaded)
	}

	return n, err
}

func (p *progressReader) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.watchdog != nil {
		p.watchdog.Stop()
	}
	p.mu.Unlock()

	if p.stalled.Load() {
		return nil
	}
	return p.reader.Close()
}

func (p *progressReader) logProgress() {
	if p.total > 0 {
		pct := float64(p.downloaded) / float64(p.total) * 100
		p.logger.Info("download progress",
			"downloaded", humanize.Bytes(uint64(p.downloaded)),
			"total", humanize.Bytes(uint64(p.total)),
			"percent", fmt.Sprintf("%.1f%%", pct),
		)
	} else {
		p.logger.Info("download progress",
			"downloaded", humanize.Bytes(uint64(p.downloaded)),
		)
	}
}
