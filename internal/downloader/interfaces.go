package downloader

import (
	"context"
	"io"

	"github.com/spf13/afero"
)

// ProgressFunc is called as bytes arrive. total is zero or negative when unknown.
type ProgressFunc func(downloaded, total int64)

// Downloader fetches remote media streams.
type Downloader interface {
	// Download fetches url, returns content reader and size (-1 if unknown).
	// Caller is responsible for closing the reader.
	Download(ctx context.Context, url string) (io.ReadCloser, int64, error)

	// Probe checks URL accessibility without downloading full content.
	Probe(ctx context.Context, url string) (*ProbeResult, error)

	// DownloadToFile writes url to path on fs and returns the bytes written.
	// size may be zero when the caller does not know it.
	DownloadToFile(ctx context.Context, url string, fs afero.Fs, path string, size int64, progress ProgressFunc) (int64, error)
}

// ProbeResult contains information about a stream URL.
type ProbeResult struct {
	ContentType   string
	ContentLength int64
	AcceptsRanges bool
	Accessible    bool
	Error         string
}
