package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/samber/lo"
	"github.com/samber/mo"

	"github.com/iconidentify/muxgrab/internal/domain"
)

// runFunc executes a prepared yt-dlp command. args are appended after the
// command's flags and end with the URL.
type runFunc func(ctx context.Context, cmd *ytdlp.Command, args ...string) (*ytdlp.Result, error)

func runCommand(ctx context.Context, cmd *ytdlp.Command, args ...string) (*ytdlp.Result, error) {
	return cmd.Run(ctx, args...)
}

// YtdlpExtractor drives the yt-dlp binary.
type YtdlpExtractor struct {
	opts   Options
	logger *slog.Logger
	run    runFunc
}

// NewYtdlpExtractor creates a yt-dlp backed extractor.
func NewYtdlpExtractor(opts Options, logger *slog.Logger) *YtdlpExtractor {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 500 * time.Millisecond
	}
	return &YtdlpExtractor{
		opts:   opts,
		logger: logger,
		run:    runCommand,
	}
}

// Name identifies the backend.
func (e *YtdlpExtractor) Name() string {
	return BackendYtdlp
}

// command returns a yt-dlp command carrying the shared options.
func (e *YtdlpExtractor) command() *ytdlp.Command {
	cmd := ytdlp.New().NoPlaylist().NoWarnings()

	if e.opts.BinaryPath != "" {
		cmd.SetExecutable(e.opts.BinaryPath)
	}

	switch e.opts.IPVersion {
	case 4:
		cmd.ForceIPv4()
	case 6:
		cmd.ForceIPv6()
	}
	if e.opts.Proxy != "" {
		cmd.Proxy(e.opts.Proxy)
	}
	if e.opts.NoCheckCertificates {
		cmd.NoCheckCertificates()
	}
	if e.opts.SocketTimeout > 0 {
		cmd.SocketTimeout(e.opts.SocketTimeout.Seconds())
	}

	return cmd
}

// args returns the trailing arguments for a run against rawURL.
//
// The builder keeps a single --add-headers value, so headers are passed as
// raw arguments, one flag per header, sorted for a stable argument list.
func (e *YtdlpExtractor) args(rawURL string) []string {
	keys := lo.Keys(e.opts.Headers)
	sort.Strings(keys)

	args := make([]string, 0, 2*len(keys)+1)
	for _, k := range keys {
		args = append(args, "--add-headers", k+":"+e.opts.Headers[k])
	}
	return append(args, rawURL)
}

// ListFormats dumps the resource's metadata as JSON and parses its formats.
func (e *YtdlpExtractor) ListFormats(ctx context.Context, rawURL string) (*domain.Listing, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}

	cmd := e.command().DumpSingleJSON().SkipDownload()

	res, err := e.run(ctx, cmd, e.args(rawURL)...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("list formats: %w", ctx.Err())
		}
		return nil, classify(err, stderrOf(res), domain.ErrRetrievalFailed)
	}
	if res == nil || strings.TrimSpace(res.Stdout) == "" {
		return nil, fmt.Errorf("%w: empty metadata output", domain.ErrRetrievalFailed)
	}

	listing, err := ParseListing([]byte(res.Stdout), rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRetrievalFailed, err)
	}

	e.logger.Debug("formats listed",
		"url", rawURL,
		"title", listing.Title,
		"formats", len(listing.Descriptors),
	)
	return listing, nil
}

// FetchAndMux downloads and merges the selected streams with yt-dlp.
func (e *YtdlpExtractor) FetchAndMux(ctx context.Context, req FetchRequest) (string, error) {
	if _, _, err := ParseSelector(req.Selector); err != nil {
		return "", err
	}

	tracker := req.Progress
	if tracker == nil {
		tracker = domain.NewProgressTracker(2, nil)
	}

	cmd := e.command().
		ForceOverwrites().
		RestrictFilenames().
		Format(req.Selector).
		MergeOutputFormat(req.Container).
		Output(req.OutputTemplate)

	if e.opts.FragmentRetries > 0 {
		cmd.FragmentRetries(strconv.Itoa(e.opts.FragmentRetries))
	}

	cmd.ProgressFunc(e.opts.ProgressInterval, func(update ytdlp.ProgressUpdate) {
		reportProgress(tracker, update)
	})

	res, err := e.run(ctx, cmd, e.args(req.URL)...)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("fetch: %w", ctx.Err())
		}
		return "", classify(err, stderrOf(res), domain.ErrFetchFailed)
	}

	tracker.Merging()

	return outputPath(res), nil
}

func reportProgress(tracker *domain.ProgressTracker, update ytdlp.ProgressUpdate) {
	total := mo.None[int64]()
	if update.TotalBytes > 0 {
		total = mo.Some(int64(update.TotalBytes))
	}

	rate := mo.None[float64]()
	if !update.Started.IsZero() {
		if elapsed := time.Since(update.Started).Seconds(); elapsed > 0 {
			rate = mo.Some(float64(update.DownloadedBytes) / elapsed)
		}
	}

	// Each stream is written to its own intermediate file.
	tracker.Update(update.Filename, int64(update.DownloadedBytes), total, rate)

	// yt-dlp merges straight after the second stream completes.
	if p := tracker.Last(); p.Stream == 2 && p.Fraction >= 1 {
		tracker.Merging()
	}
}

func outputPath(res *ytdlp.Result) string {
	if res == nil {
		return ""
	}
	info, err := res.GetExtractedInfo()
	if err != nil || len(info) == 0 || info[0].Filename == nil {
		return ""
	}
	return *info[0].Filename
}

func stderrOf(res *ytdlp.Result) string {
	if res == nil {
		return ""
	}
	return res.Stderr
}

// infoJSON is the subset of yt-dlp's --dump-single-json output we read.
type infoJSON struct {
	ID         string       `json:"id"`
	Title      string       `json:"title"`
	WebpageURL string       `json:"webpage_url"`
	Formats    []formatJSON `json:"formats"`
}

type formatJSON struct {
	FormatID       string   `json:"format_id"`
	Ext            string   `json:"ext"`
	VCodec         *string  `json:"vcodec"`
	ACodec         *string  `json:"acodec"`
	Height         *int     `json:"height"`
	FPS            *float64 `json:"fps"`
	ABR            *float64 `json:"abr"`
	TBR            *float64 `json:"tbr"`
	Filesize       *float64 `json:"filesize"`
	FilesizeApprox *float64 `json:"filesize_approx"`
	FormatNote     string   `json:"format_note"`
}

// ParseListing decodes yt-dlp JSON metadata into a Listing.
func ParseListing(data []byte, rawURL string) (*domain.Listing, error) {
	var info infoJSON
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	if info.Formats == nil {
		return nil, errors.New("metadata has no formats")
	}

	return &domain.Listing{
		URL:         rawURL,
		Title:       info.Title,
		Descriptors: lo.Map(info.Formats, func(f formatJSON, _ int) domain.StreamDescriptor { return f.descriptor() }),
		FetchedAt:   time.Now(),
	}, nil
}

func (f formatJSON) descriptor() domain.StreamDescriptor {
	vcodec := lo.FromPtr(f.VCodec)
	acodec := lo.FromPtr(f.ACodec)
	kind := domain.KindFromCodecs(vcodec, acodec)

	d := domain.StreamDescriptor{
		ID:         f.FormatID,
		Kind:       kind,
		Container:  f.Ext,
		VideoCodec: vcodec,
		AudioCodec: acodec,
		Note:       f.FormatNote,
	}

	if kind == domain.MediaVideoOnly || kind == domain.MediaCombined {
		if f.Height != nil && *f.Height > 0 {
			d.Height = mo.Some(*f.Height)
		}
		if f.FPS != nil && *f.FPS > 0 {
			d.FPS = mo.Some(*f.FPS)
		}
	}

	if kind == domain.MediaAudioOnly || kind == domain.MediaCombined {
		switch {
		case f.ABR != nil && *f.ABR > 0:
			d.AudioBitrate = mo.Some(*f.ABR)
		case kind == domain.MediaAudioOnly && f.TBR != nil && *f.TBR > 0:
			d.AudioBitrate = mo.Some(*f.TBR)
		}
	}

	switch {
	case f.Filesize != nil && *f.Filesize > 0:
		d.Size = mo.Some(int64(*f.Filesize))
	case f.FilesizeApprox != nil && *f.FilesizeApprox > 0:
		d.Size = mo.Some(int64(*f.FilesizeApprox))
		d.SizeApprox = true
	}

	return d
}
