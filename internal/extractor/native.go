package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kkdai/youtube/v2"
	"github.com/samber/lo"
	"github.com/samber/mo"
	"github.com/spf13/afero"

	"github.com/iconidentify/muxgrab/internal/domain"
	"github.com/iconidentify/muxgrab/internal/downloader"
	"github.com/iconidentify/muxgrab/pkg/ffmpeg"
)

// VideoClient resolves video metadata and stream URLs.
type VideoClient interface {
	GetVideoContext(ctx context.Context, id string) (*youtube.Video, error)
	GetStreamURLContext(ctx context.Context, video *youtube.Video, format *youtube.Format) (string, error)
}

// Muxer combines separate video and audio files and inspects the result.
type Muxer interface {
	Mux(ctx context.Context, req ffmpeg.MuxRequest) error
	Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error)
}

// NewYouTubeClient returns a client sharing the given transport.
func NewYouTubeClient(transport http.RoundTripper) *youtube.Client {
	return &youtube.Client{
		HTTPClient: &http.Client{Transport: transport},
	}
}

// NativeExtractor resolves streams itself, downloads them in chunks and
// muxes them with ffmpeg.
type NativeExtractor struct {
	client VideoClient
	dl     downloader.Downloader
	muxer  Muxer
	fs     afero.Fs
	logger *slog.Logger
}

// NewNativeExtractor creates a native extractor.
func NewNativeExtractor(client VideoClient, dl downloader.Downloader, muxer Muxer, fs afero.Fs, logger *slog.Logger) *NativeExtractor {
	return &NativeExtractor{
		client: client,
		dl:     dl,
		muxer:  muxer,
		fs:     fs,
		logger: logger,
	}
}

// Name identifies the backend.
func (e *NativeExtractor) Name() string {
	return BackendNative
}

// ListFormats fetches video metadata and converts its formats.
func (e *NativeExtractor) ListFormats(ctx context.Context, rawURL string) (*domain.Listing, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}

	video, err := e.client.GetVideoContext(ctx, rawURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("list formats: %w", ctx.Err())
		}
		return nil, classifyYouTubeError(err, domain.ErrRetrievalFailed)
	}

	return &domain.Listing{
		URL:   rawURL,
		Title: video.Title,
		Descriptors: lo.Map(video.Formats, func(f youtube.Format, _ int) domain.StreamDescriptor {
			return formatDescriptor(f)
		}),
		FetchedAt: time.Now(),
	}, nil
}

// FetchAndMux re-resolves the video so stream URLs are fresh, downloads
// the two selected streams and muxes them. Intermediate files are removed
// whether or not the mux succeeds.
func (e *NativeExtractor) FetchAndMux(ctx context.Context, req FetchRequest) (string, error) {
	videoID, audioID, err := ParseSelector(req.Selector)
	if err != nil {
		return "", err
	}

	tracker := req.Progress
	if tracker == nil {
		tracker = domain.NewProgressTracker(2, nil)
	}

	video, err := e.client.GetVideoContext(ctx, req.URL)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("fetch: %w", ctx.Err())
		}
		return "", classifyYouTubeError(err, domain.ErrFetchFailed)
	}

	vf, ok := findFormat(video, videoID)
	if !ok {
		return "", fmt.Errorf("%w: video format %s no longer offered", domain.ErrFetchFailed, videoID)
	}
	af, ok := findFormat(video, audioID)
	if !ok {
		return "", fmt.Errorf("%w: audio format %s no longer offered", domain.ErrFetchFailed, audioID)
	}

	output := ExpandTemplate(req.OutputTemplate, video.Title, req.Container)
	dir := filepath.Dir(output)
	stem := strings.TrimSuffix(filepath.Base(output), filepath.Ext(output))
	videoPath := filepath.Join(dir, stem+".f"+videoID+"."+mimeExt(vf.MimeType, false))
	audioPath := filepath.Join(dir, stem+".f"+audioID+"."+mimeExt(af.MimeType, true))

	defer func() {
		_ = e.fs.Remove(videoPath)
		_ = e.fs.Remove(audioPath)
	}()

	if err := e.downloadStream(ctx, video, vf, videoPath, "video", tracker); err != nil {
		return "", err
	}
	if err := e.downloadStream(ctx, video, af, audioPath, "audio", tracker); err != nil {
		return "", err
	}

	tracker.Merging()

	if err := e.muxer.Mux(ctx, ffmpeg.MuxRequest{
		VideoPath:  videoPath,
		AudioPath:  audioPath,
		OutputPath: output,
		Container:  req.Container,
	}); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("mux: %w", ctx.Err())
		}
		return "", fmt.Errorf("%w: %w", domain.ErrFetchFailed, err)
	}

	if err := e.verify(ctx, output); err != nil {
		_ = e.fs.Remove(output)
		return "", err
	}

	e.logger.Debug("streams muxed", "output", output, "selector", req.Selector)
	return output, nil
}

// verify probes the muxed file for one video and one audio stream.
func (e *NativeExtractor) verify(ctx context.Context, path string) error {
	info, err := e.muxer.Probe(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("probe: %w", ctx.Err())
		}
		return fmt.Errorf("%w: %w", domain.ErrFetchFailed, err)
	}
	if !info.HasVideo || !info.HasAudio {
		return fmt.Errorf("%w: muxed file has video=%t audio=%t", domain.ErrFetchFailed, info.HasVideo, info.HasAudio)
	}
	e.logger.Debug("muxed file probed",
		"video_codec", info.VideoCodec,
		"audio_codec", info.AudioCodec,
		"height", info.Height,
	)
	return nil
}

func (e *NativeExtractor) downloadStream(ctx context.Context, video *youtube.Video, f *youtube.Format, path, key string, tracker *domain.ProgressTracker) error {
	streamURL, err := e.client.GetStreamURLContext(ctx, video, f)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("resolve %s stream: %w", key, ctx.Err())
		}
		return classifyYouTubeError(err, domain.ErrFetchFailed)
	}

	started := time.Now()
	_, err = e.dl.DownloadToFile(ctx, streamURL, e.fs, path, f.ContentLength, func(downloaded, total int64) {
		t := mo.None[int64]()
		if total > 0 {
			t = mo.Some(total)
		}
		rate := mo.None[float64]()
		if elapsed := time.Since(started).Seconds(); elapsed > 0 {
			rate = mo.Some(float64(downloaded) / elapsed)
		}
		tracker.Update(key, downloaded, t, rate)
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("download %s stream: %w", key, ctx.Err())
		}
		if errors.Is(err, domain.ErrAccessRestricted) || errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("download %s stream: %w", key, err)
		}
		return fmt.Errorf("%w: download %s stream: %w", domain.ErrFetchFailed, key, err)
	}
	return nil
}

func findFormat(video *youtube.Video, id string) (*youtube.Format, bool) {
	itag, err := strconv.Atoi(id)
	if err != nil {
		return nil, false
	}
	for i := range video.Formats {
		if video.Formats[i].ItagNo == itag {
			return &video.Formats[i], true
		}
	}
	return nil, false
}

// formatDescriptor converts a YouTube format. The codecs come from the
// mime type, e.g. `video/mp4; codecs="avc1.640028"`.
func formatDescriptor(f youtube.Format) domain.StreamDescriptor {
	mediaType, codecs := splitMime(f.MimeType)
	isAudio := strings.HasPrefix(mediaType, "audio/")

	var vcodec, acodec string
	switch {
	case isAudio:
		vcodec = "none"
		acodec = lo.NthOr(codecs, 0, "unknown")
	case len(codecs) >= 2:
		vcodec, acodec = codecs[0], codecs[1]
	default:
		vcodec = lo.NthOr(codecs, 0, "unknown")
		acodec = "none"
		if f.AudioChannels > 0 {
			acodec = "unknown"
		}
	}

	kind := domain.KindFromCodecs(vcodec, acodec)
	d := domain.StreamDescriptor{
		ID:         strconv.Itoa(f.ItagNo),
		Kind:       kind,
		Container:  mimeExt(f.MimeType, isAudio),
		VideoCodec: vcodec,
		AudioCodec: acodec,
		Note:       f.QualityLabel,
	}

	if kind != domain.MediaAudioOnly && f.Height > 0 {
		d.Height = mo.Some(f.Height)
	}
	if kind != domain.MediaAudioOnly && f.FPS > 0 {
		d.FPS = mo.Some(float64(f.FPS))
	}
	if kind != domain.MediaVideoOnly {
		bitrate := f.AverageBitrate
		if bitrate <= 0 {
			bitrate = f.Bitrate
		}
		if bitrate > 0 {
			d.AudioBitrate = mo.Some(float64(bitrate) / 1000)
		}
	}
	if f.ContentLength > 0 {
		d.Size = mo.Some(f.ContentLength)
	}

	return d
}

func splitMime(mime string) (string, []string) {
	mediaType, params, _ := strings.Cut(mime, ";")
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))

	_, list, ok := strings.Cut(params, "codecs=")
	if !ok {
		return mediaType, nil
	}
	list = strings.Trim(strings.TrimSpace(list), `"`)

	codecs := lo.FilterMap(strings.Split(list, ","), func(c string, _ int) (string, bool) {
		c = strings.TrimSpace(c)
		return c, c != ""
	})
	return mediaType, codecs
}

func mimeExt(mime string, audio bool) string {
	mediaType, _ := splitMime(mime)
	_, sub, _ := strings.Cut(mediaType, "/")
	switch {
	case sub == "mp4" && audio:
		return "m4a"
	case sub == "":
		return "bin"
	default:
		return sub
	}
}

func classifyYouTubeError(err error, generic error) error {
	switch {
	case errors.Is(err, youtube.ErrLoginRequired),
		errors.Is(err, youtube.ErrVideoPrivate),
		errors.Is(err, youtube.ErrNotPlayableInEmbed):
		return fmt.Errorf("%w: %w", domain.ErrAccessRestricted, err)
	case errors.Is(err, youtube.ErrInvalidCharactersInVideoID),
		errors.Is(err, youtube.ErrVideoIDMinLength):
		return fmt.Errorf("%w: %w", domain.ErrInvalidURL, err)
	}

	var statusErr *youtube.ErrPlayabiltyStatus
	if errors.As(err, &statusErr) {
		if strings.EqualFold(statusErr.Status, "ERROR") {
			return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
		}
		return fmt.Errorf("%w: %w", domain.ErrAccessRestricted, err)
	}

	var codeErr youtube.ErrUnexpectedStatusCode
	if errors.As(err, &codeErr) {
		switch int(codeErr) {
		case http.StatusForbidden, http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", domain.ErrAccessRestricted, err)
		case http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
		}
	}

	return classify(err, "", generic)
}
