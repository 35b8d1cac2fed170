// Package extractor talks to the external systems that list stream formats
// and fetch, download and mux a chosen pair of streams.
package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/iconidentify/muxgrab/internal/config"
	"github.com/iconidentify/muxgrab/internal/domain"
	"github.com/iconidentify/muxgrab/internal/downloader"
	"github.com/iconidentify/muxgrab/pkg/ffmpeg"
)

// Backend names.
const (
	BackendYtdlp  = "ytdlp"
	BackendNative = "native"
)

// Extractor lists formats for a resource and fetches a selection into a
// single muxed file.
type Extractor interface {
	// Name identifies the backend.
	Name() string

	// ListFormats performs one metadata query and writes nothing to disk.
	ListFormats(ctx context.Context, rawURL string) (*domain.Listing, error)

	// FetchAndMux downloads both streams named by req.Selector, muxes them
	// into req.Container and returns the path of the produced file.
	FetchAndMux(ctx context.Context, req FetchRequest) (string, error)
}

// FetchRequest describes one fetch-and-mux call.
type FetchRequest struct {
	URL            string
	Selector       string // "<videoID>+<audioID>"
	Container      string
	OutputTemplate string // directory plus "%(title)s.%(ext)s"
	Progress       *domain.ProgressTracker
}

// Options are applied to every outbound request a backend makes.
type Options struct {
	BinaryPath          string
	Headers             map[string]string
	IPVersion           int
	Proxy               string
	NoCheckCertificates bool
	FragmentRetries     int
	SocketTimeout       time.Duration
	ProgressInterval    time.Duration
}

// OptionsFromConfig builds Options from configuration.
func OptionsFromConfig(ext config.ExtractorConfig, fetch config.FetchConfig) Options {
	return Options{
		BinaryPath:          ext.BinaryPath,
		Headers:             ext.Headers,
		IPVersion:           ext.IPVersion,
		Proxy:               ext.Proxy,
		NoCheckCertificates: ext.NoCheckCertificates,
		FragmentRetries:     ext.FragmentRetries,
		SocketTimeout:       ext.SocketTimeout,
		ProgressInterval:    fetch.ProgressInterval,
	}
}

// New builds the backend named in cfg.Extractor.Backend.
func New(cfg *config.Config, fs afero.Fs, logger *slog.Logger) (Extractor, error) {
	opts := OptionsFromConfig(cfg.Extractor, cfg.Fetch)

	switch cfg.Extractor.Backend {
	case BackendYtdlp:
		return NewYtdlpExtractor(opts, logger), nil

	case BackendNative:
		transport, err := downloader.NewTransport(downloader.TransportOptions{
			Proxy:              opts.Proxy,
			IPVersion:          opts.IPVersion,
			InsecureSkipVerify: opts.NoCheckCertificates,
			HeaderTimeout:      opts.SocketTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("build transport: %w", err)
		}

		proc, err := ffmpeg.NewProcessor(cfg.Extractor.FFmpegPath, cfg.Extractor.FFprobePath)
		if err != nil {
			return nil, fmt.Errorf("native backend: %w", err)
		}

		dl := downloader.NewHTTPDownloader(cfg.Download, opts.Headers, transport)
		dl.SetLogger(logger)

		return NewNativeExtractor(NewYouTubeClient(transport), dl, proc, fs, logger), nil

	default:
		return nil, fmt.Errorf("unknown extractor backend %q", cfg.Extractor.Backend)
	}
}

// ValidateURL checks that raw is an absolute http(s) URL with a host.
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: empty", domain.ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", domain.ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", domain.ErrInvalidURL)
	}
	return nil
}

// ParseSelector splits a "<video>+<audio>" selector.
func ParseSelector(selector string) (videoID, audioID string, err error) {
	videoID, audioID, ok := strings.Cut(selector, "+")
	if !ok || videoID == "" || audioID == "" || strings.Contains(audioID, "+") {
		return "", "", fmt.Errorf("%w: malformed selector %q", domain.ErrFetchFailed, selector)
	}
	return videoID, audioID, nil
}

var (
	restrictedPatterns = []string{
		"private video",
		"video is private",
		"sign in to confirm your age",
		"age-restricted",
		"age restricted",
		"inappropriate for some users",
		"confirm you're not a bot",
		"confirm you’re not a bot",
		"members-only",
		"join this channel",
		"not available in your country",
		"geo restriction",
		"geo-restricted",
		"blocked it in your country",
		"login required",
		"requires authentication",
		"http error 403",
		"403: forbidden",
		"drm protected",
	}
	notFoundPatterns = []string{
		"video unavailable",
		"this video has been removed",
		"this video is no longer available",
		"does not exist",
		"http error 404",
		"404: not found",
		"http error 410",
	}
	invalidPatterns = []string{
		"unsupported url",
		"is not a valid url",
	}
)

// ClassifyMessage maps backend error text onto the error taxonomy. It
// returns nil when nothing more specific than a generic failure applies.
func ClassifyMessage(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, restrictedPatterns):
		return domain.ErrAccessRestricted
	case containsAny(lower, notFoundPatterns):
		return domain.ErrNotFound
	case containsAny(lower, invalidPatterns):
		return domain.ErrInvalidURL
	default:
		return nil
	}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// classify wraps err with the most specific sentinel found in its text,
// falling back to generic.
func classify(err error, detail string, generic error) error {
	if sentinel := ClassifyMessage(detail + "\n" + err.Error()); sentinel != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return fmt.Errorf("%w: %w", generic, err)
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeFilename reduces s to a portable file name stem.
func SafeFilename(s string) string {
	out := unsafeFilenameChars.ReplaceAllString(strings.TrimSpace(s), "_")
	out = strings.Trim(out, "._-")
	if len(out) > 150 {
		out = out[:150]
	}
	if out == "" {
		return "video"
	}
	return out
}

// ExpandTemplate fills the %(title)s and %(ext)s placeholders.
func ExpandTemplate(tmpl, title, ext string) string {
	r := strings.NewReplacer("%(title)s", SafeFilename(title), "%(ext)s", ext)
	return r.Replace(tmpl)
}
