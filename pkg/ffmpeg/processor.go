// Package ffmpeg wraps the ffmpeg and ffprobe binaries for muxing and
// inspecting media files.
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNotInstalled is returned when a required binary cannot be found.
var ErrNotInstalled = errors.New("ffmpeg not installed")

// Processor runs ffmpeg and ffprobe.
type Processor struct {
	ffmpegPath  string
	ffprobePath string
}

// NewProcessor resolves the given binaries through PATH.
// Empty names default to "ffmpeg" and "ffprobe".
func NewProcessor(ffmpeg, ffprobe string) (*Processor, error) {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}

	ffmpegPath, err := exec.LookPath(ffmpeg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotInstalled, ffmpeg, err)
	}

	ffprobePath, err := exec.LookPath(ffprobe)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotInstalled, ffprobe, err)
	}

	return &Processor{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
	}, nil
}

// MediaInfo contains metadata about a media file.
type MediaInfo struct {
	Duration   float64 // seconds
	Width      int
	Height     int
	HasVideo   bool
	HasAudio   bool
	VideoCodec string
	AudioCodec string
	Bitrate    int64
	FrameRate  float64
	FormatName string
}

// Probe extracts metadata from a media file.
//
// A muxed file should report both HasVideo and HasAudio; a missing stream
// usually means the mux dropped one of its inputs.
func (p *Processor) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe: %w", err)
	}

	return ParseProbeOutput(output)
}

type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	BitRate    string `json:"bit_rate"`
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
}

type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

// ParseProbeOutput decodes ffprobe's JSON output.
func ParseProbeOutput(data []byte) (*MediaInfo, error) {
	var parsed probeOutput
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	info := &MediaInfo{FormatName: parsed.Format.FormatName}

	if dur, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil {
		info.Duration = dur
	}
	if br, err := strconv.ParseInt(parsed.Format.BitRate, 10, 64); err == nil {
		info.Bitrate = br
	}

	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "audio":
			info.HasAudio = true
			if info.AudioCodec == "" {
				info.AudioCodec = s.CodecName
			}
		case "video":
			info.HasVideo = true
			if info.VideoCodec == "" {
				info.VideoCodec = s.CodecName
			}
			if info.Width == 0 && s.Width > 0 {
				info.Width = s.Width
			}
			if info.Height == 0 && s.Height > 0 {
				info.Height = s.Height
			}
			if info.FrameRate == 0 {
				info.FrameRate = parseFrameRate(s.AvgFrameRate)
			}
		}
	}

	return info, nil
}

func parseFrameRate(rate string) float64 {
	num, den, ok := strings.Cut(rate, "/")
	if !ok {
		return 0
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// MuxRequest describes one video+audio combine operation.
type MuxRequest struct {
	VideoPath  string
	AudioPath  string
	OutputPath string
	Container  string // mp4, mkv, webm, ...
}

// MuxArgs builds the ffmpeg argument list for req. The video stream is
// always copied. Audio is copied unless the container is mp4-family, where
// it is re-encoded to AAC so opus or vorbis sources stay playable.
func MuxArgs(req MuxRequest) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", req.VideoPath,
		"-i", req.AudioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
	}

	switch strings.ToLower(req.Container) {
	case "mp4", "m4v", "mov":
		args = append(args, "-c:a", "aac", "-movflags", "+faststart")
	default:
		args = append(args, "-c:a", "copy")
	}

	return append(args, req.OutputPath)
}

// Mux combines a video-only and an audio-only file into req.OutputPath.
func (p *Processor) Mux(ctx context.Context, req MuxRequest) error {
	if req.VideoPath == "" || req.AudioPath == "" || req.OutputPath == "" {
		return fmt.Errorf("mux: video, audio and output paths are required")
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.ffmpegPath, MuxArgs(req)...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("mux: %w: %s", err, lastLine(msg))
		}
		return fmt.Errorf("mux: %w", err)
	}
	return nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
