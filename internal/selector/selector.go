// Package selector turns a format listing into resolution choices and
// resolves a chosen resolution into a video+audio pair.
package selector

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/samber/lo"

	"github.com/iconidentify/muxgrab/internal/domain"
)

// Partition splits descriptors into video-only streams with a known height
// and audio-only streams. Combined and unknown descriptors are dropped.
func Partition(ds []domain.StreamDescriptor) (videoOnly, audioOnly []domain.StreamDescriptor) {
	videoOnly = lo.Filter(ds, func(d domain.StreamDescriptor, _ int) bool {
		return d.Kind == domain.MediaVideoOnly && d.Height.IsPresent()
	})
	audioOnly = lo.Filter(ds, func(d domain.StreamDescriptor, _ int) bool {
		return d.Kind == domain.MediaAudioOnly
	})
	return videoOnly, audioOnly
}

// SortByHeight returns a copy of ds ordered by descending height.
// Descriptors of equal height keep their input order.
func SortByHeight(ds []domain.StreamDescriptor) []domain.StreamDescriptor {
	out := append([]domain.StreamDescriptor(nil), ds...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Height.OrElse(0) > out[j].Height.OrElse(0)
	})
	return out
}

// Dedup keeps the first descriptor seen for each height.
func Dedup(ds []domain.StreamDescriptor) []domain.StreamDescriptor {
	return lo.UniqBy(ds, func(d domain.StreamDescriptor) int {
		return d.Height.OrElse(0)
	})
}

// BestAudio returns the audio descriptor with the highest bitrate.
// A missing bitrate ranks as zero; on a tie the earlier descriptor wins.
func BestAudio(audioOnly []domain.StreamDescriptor) (domain.StreamDescriptor, error) {
	if len(audioOnly) == 0 {
		return domain.StreamDescriptor{}, domain.ErrNoAudioAvailable
	}
	return lo.MaxBy(audioOnly, func(a, b domain.StreamDescriptor) bool {
		return a.AudioBitrate.OrElse(0) > b.AudioBitrate.OrElse(0)
	}), nil
}

// Choices builds the resolution picker entries for a listing, highest first.
func Choices(listing *domain.Listing) ([]domain.ResolutionChoice, error) {
	if listing == nil {
		return nil, domain.ErrNoSuitableFormat
	}

	videoOnly, _ := Partition(listing.Descriptors)
	videoOnly = Dedup(SortByHeight(videoOnly))
	if len(videoOnly) == 0 {
		return nil, domain.ErrNoSuitableFormat
	}

	return lo.Map(videoOnly, func(d domain.StreamDescriptor, _ int) domain.ResolutionChoice {
		return domain.ResolutionChoice{
			Height:     d.Height.OrElse(0),
			Label:      Label(d),
			Descriptor: d,
		}
	}), nil
}

// Select resolves height against the listing into a video+audio pair.
// The height must be one that Choices would offer.
func Select(listing *domain.Listing, height int) (domain.SelectionChoice, error) {
	if listing == nil {
		return domain.SelectionChoice{}, domain.ErrNoSuitableFormat
	}

	videoOnly, audioOnly := Partition(listing.Descriptors)
	videoOnly = Dedup(SortByHeight(videoOnly))

	video, ok := lo.Find(videoOnly, func(d domain.StreamDescriptor) bool {
		return d.Height.OrElse(0) == height
	})
	if !ok {
		return domain.SelectionChoice{}, fmt.Errorf("%w: no video-only stream at %dp", domain.ErrNoSuitableFormat, height)
	}

	audio, err := BestAudio(audioOnly)
	if err != nil {
		return domain.SelectionChoice{}, err
	}

	return domain.SelectionChoice{Video: video, Audio: audio}, nil
}

// Label renders a descriptor as "1080p (mp4) - 12.5 MB". Sizes are in
// mebibytes rounded to two decimals. Approximate sizes are not marked.
func Label(d domain.StreamDescriptor) string {
	head := fmt.Sprintf("%dp (%s)", d.Height.OrElse(0), d.Container)

	size, ok := d.Size.Get()
	if !ok || size <= 0 {
		return head + " - Unknown size"
	}

	mb := math.Round(float64(size)/(1024*1024)*100) / 100
	return head + " - " + strconv.FormatFloat(mb, 'f', -1, 64) + " MB"
}
