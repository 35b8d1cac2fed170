package domain

import (
	"strings"
	"time"

	"github.com/samber/mo"
)

// MediaKind tells which elementary streams a descriptor carries.
type MediaKind string

const (
	MediaVideoOnly MediaKind = "video-only"
	MediaAudioOnly MediaKind = "audio-only"
	MediaCombined  MediaKind = "combined"
	MediaUnknown   MediaKind = "unknown"
)

// KindFromCodecs derives the MediaKind from the video and audio codec names.
// Only "none" marks a stream as absent. An empty codec is unknown: a stream
// with one unknown codec may still carry that media, so it is neither
// video-only nor audio-only.
func KindFromCodecs(vcodec, acodec string) MediaKind {
	v := codecState(vcodec)
	a := codecState(acodec)

	switch {
	case v == codecPresent && a == codecPresent:
		return MediaCombined
	case v == codecPresent && a == codecAbsent:
		return MediaVideoOnly
	case v == codecAbsent && a == codecPresent:
		return MediaAudioOnly
	default:
		return MediaUnknown
	}
}

const (
	codecUnknown = iota
	codecAbsent
	codecPresent
)

func codecState(codec string) int {
	switch c := strings.ToLower(strings.TrimSpace(codec)); c {
	case "":
		return codecUnknown
	case "none":
		return codecAbsent
	default:
		return codecPresent
	}
}

// StreamDescriptor describes one fetchable stream variant of a resource.
// Descriptors are values; nothing in this module mutates one after listing.
type StreamDescriptor struct {
	ID           string
	Kind         MediaKind
	Container    string
	VideoCodec   string
	AudioCodec   string
	Height       mo.Option[int]
	FPS          mo.Option[float64]
	AudioBitrate mo.Option[float64] // kbps
	Size         mo.Option[int64]
	SizeApprox   bool
	Note         string
}

// Listing is the set of descriptors fetched for one resource URL.
type Listing struct {
	URL         string
	Title       string
	Descriptors []StreamDescriptor
	FetchedAt   time.Time
}

// Fresh reports whether the listing is younger than ttl.
// A zero ttl means listings never expire.
func (l *Listing) Fresh(now time.Time, ttl time.Duration) bool {
	if l == nil {
		return false
	}
	if ttl <= 0 {
		return true
	}
	return now.Sub(l.FetchedAt) < ttl
}

// ResolutionChoice is one entry of the resolution picker.
type ResolutionChoice struct {
	Height     int
	Label      string
	Descriptor StreamDescriptor
}

// SelectionChoice pairs the chosen video stream with the resolved audio stream.
type SelectionChoice struct {
	Video StreamDescriptor
	Audio StreamDescriptor
}

// FormatSelector returns the backend instruction to fetch both streams and merge them.
func (c SelectionChoice) FormatSelector() string {
	return c.Video.ID + "+" + c.Audio.ID
}

// OutputArtifact is a produced file awaiting delivery.
type OutputArtifact struct {
	Path      string
	Name      string
	MediaType string
	Size      int64
	Workspace string
}

// MediaTypeFor returns the MIME type for a container extension.
func MediaTypeFor(ext string) string {
	switch strings.TrimPrefix(strings.ToLower(ext), ".") {
	case "mp4", "m4v":
		return "video/mp4"
	case "webm":
		return "video/webm"
	case "mkv":
		return "video/x-matroska"
	case "mov":
		return "video/quicktime"
	default:
		return "application/octet-stream"
	}
}
