package selector

import (
	"errors"
	"testing"

	"github.com/samber/mo"

	"github.com/iconidentify/muxgrab/internal/domain"
)

func video(id string, height int) domain.StreamDescriptor {
	return domain.StreamDescriptor{
		ID:         id,
		Kind:       domain.MediaVideoOnly,
		Container:  "mp4",
		VideoCodec: "avc1",
		AudioCodec: "none",
		Height:     mo.Some(height),
	}
}

func audio(id string, kbps float64) domain.StreamDescriptor {
	return domain.StreamDescriptor{
		ID:           id,
		Kind:         domain.MediaAudioOnly,
		Container:    "m4a",
		VideoCodec:   "none",
		AudioCodec:   "mp4a",
		AudioBitrate: mo.Some(kbps),
	}
}

func ids(ds []domain.StreamDescriptor) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// =============================================================================
// Partition Tests
// =============================================================================

func TestPartition(t *testing.T) {
	noHeight := video("nh", 0)
	noHeight.Height = mo.None[int]()

	combined := video("18", 360)
	combined.Kind = domain.MediaCombined

	unknown := domain.StreamDescriptor{ID: "sb0", Kind: domain.MediaUnknown}

	input := []domain.StreamDescriptor{
		video("137", 1080), audio("140", 128), noHeight, combined, unknown, audio("251", 160), video("136", 720),
	}

	videoOnly, audioOnly := Partition(input)

	if got, want := ids(videoOnly), []string{"137", "136"}; !equalIDs(got, want) {
		t.Errorf("videoOnly = %v, want %v", got, want)
	}
	if got, want := ids(audioOnly), []string{"140", "251"}; !equalIDs(got, want) {
		t.Errorf("audioOnly = %v, want %v", got, want)
	}

	seen := make(map[string]bool)
	for _, d := range append(videoOnly, audioOnly...) {
		if seen[d.ID] {
			t.Errorf("descriptor %q appears in both partitions", d.ID)
		}
		seen[d.ID] = true
	}
}

func TestPartition_Empty(t *testing.T) {
	videoOnly, audioOnly := Partition(nil)
	if len(videoOnly) != 0 || len(audioOnly) != 0 {
		t.Errorf("Partition(nil) = %v, %v, want empty", videoOnly, audioOnly)
	}
}

// =============================================================================
// Sort and Dedup Tests
// =============================================================================

func TestSortByHeight_Stable(t *testing.T) {
	input := []domain.StreamDescriptor{
		video("a", 360), video("b", 1080), video("c", 720), video("d", 1080),
	}

	got := SortByHeight(input)

	if want := []string{"b", "d", "c", "a"}; !equalIDs(ids(got), want) {
		t.Errorf("SortByHeight() = %v, want %v", ids(got), want)
	}
	if input[0].ID != "a" {
		t.Error("SortByHeight() modified its input")
	}
}

func TestDedup_KeepsFirst(t *testing.T) {
	input := SortByHeight([]domain.StreamDescriptor{
		video("a", 360), video("b", 1080), video("c", 720), video("d", 1080),
	})

	got := Dedup(input)

	if want := []string{"b", "c", "a"}; !equalIDs(ids(got), want) {
		t.Errorf("Dedup() = %v, want %v", ids(got), want)
	}
}

// =============================================================================
// BestAudio Tests
// =============================================================================

func TestBestAudio(t *testing.T) {
	noRate := audio("x", 0)
	noRate.AudioBitrate = mo.None[float64]()

	tests := []struct {
		name    string
		input   []domain.StreamDescriptor
		wantID  string
		wantErr error
	}{
		{"highest wins", []domain.StreamDescriptor{audio("a", 128), audio("b", 256), audio("c", 160)}, "b", nil},
		{"tie keeps first", []domain.StreamDescriptor{audio("a", 160), audio("b", 160)}, "a", nil},
		{"missing bitrate ranks lowest", []domain.StreamDescriptor{noRate, audio("b", 48)}, "b", nil},
		{"only missing bitrate", []domain.StreamDescriptor{noRate}, "x", nil},
		{"empty", nil, "", domain.ErrNoAudioAvailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BestAudio(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("BestAudio() error = %v, want %v", err, tt.wantErr)
			}
			if got.ID != tt.wantID {
				t.Errorf("BestAudio() = %q, want %q", got.ID, tt.wantID)
			}
		})
	}
}

// =============================================================================
// Choices and Select Tests
// =============================================================================

func TestChoices(t *testing.T) {
	big := video("137", 1080)
	big.Size = mo.Some[int64](10 * 1024 * 1024)

	approx := video("136", 720)
	approx.Size = mo.Some[int64](5 * 1024 * 1024)
	approx.SizeApprox = true

	listing := &domain.Listing{Descriptors: []domain.StreamDescriptor{
		approx, audio("140", 128), big, video("248", 1080),
	}}

	choices, err := Choices(listing)
	if err != nil {
		t.Fatalf("Choices() error = %v", err)
	}
	if len(choices) != 2 {
		t.Fatalf("len(choices) = %d, want 2", len(choices))
	}

	want := []struct {
		height int
		label  string
		id     string
	}{
		{1080, "1080p (mp4) - 10 MB", "137"},
		{720, "720p (mp4) - 5 MB", "136"},
	}
	for i, w := range want {
		if choices[i].Height != w.height {
			t.Errorf("choices[%d].Height = %d, want %d", i, choices[i].Height, w.height)
		}
		if choices[i].Label != w.label {
			t.Errorf("choices[%d].Label = %q, want %q", i, choices[i].Label, w.label)
		}
		if choices[i].Descriptor.ID != w.id {
			t.Errorf("choices[%d].Descriptor.ID = %q, want %q", i, choices[i].Descriptor.ID, w.id)
		}
	}
}

func TestChoices_NoVideo(t *testing.T) {
	listing := &domain.Listing{Descriptors: []domain.StreamDescriptor{audio("140", 128)}}
	if _, err := Choices(listing); !errors.Is(err, domain.ErrNoSuitableFormat) {
		t.Errorf("Choices() error = %v, want %v", err, domain.ErrNoSuitableFormat)
	}
	if _, err := Choices(nil); !errors.Is(err, domain.ErrNoSuitableFormat) {
		t.Errorf("Choices(nil) error = %v, want %v", err, domain.ErrNoSuitableFormat)
	}
}

func TestLabel(t *testing.T) {
	tests := []struct {
		name   string
		size   int64
		approx bool
		want   string
	}{
		{"whole", 10 * 1024 * 1024, false, "1080p (mp4) - 10 MB"},
		{"one decimal", 12*1024*1024 + 512*1024, false, "1080p (mp4) - 12.5 MB"},
		{"rounded", 12939428, false, "1080p (mp4) - 12.34 MB"},
		{"approximate is unmarked", 12*1024*1024 + 512*1024, true, "1080p (mp4) - 12.5 MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := video("137", 1080)
			d.Size = mo.Some(tt.size)
			d.SizeApprox = tt.approx
			if got := Label(d); got != tt.want {
				t.Errorf("Label() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLabel_UnknownSize(t *testing.T) {
	d := video("137", 1080)
	d.Container = "webm"
	if got, want := Label(d), "1080p (webm) - Unknown size"; got != want {
		t.Errorf("Label() = %q, want %q", got, want)
	}
}

func TestSelect(t *testing.T) {
	listing := &domain.Listing{Descriptors: []domain.StreamDescriptor{
		video("v1080", 1080), video("v720", 720), audio("a128", 128), audio("a160", 160),
	}}

	choice, err := Select(listing, 1080)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got, want := choice.FormatSelector(), "v1080+a160"; got != want {
		t.Errorf("FormatSelector() = %q, want %q", got, want)
	}
}

func TestSelect_Errors(t *testing.T) {
	tests := []struct {
		name    string
		listing *domain.Listing
		height  int
		wantErr error
	}{
		{
			name:    "height not offered",
			listing: &domain.Listing{Descriptors: []domain.StreamDescriptor{video("v", 720), audio("a", 128)}},
			height:  1080,
			wantErr: domain.ErrNoSuitableFormat,
		},
		{
			name:    "no audio",
			listing: &domain.Listing{Descriptors: []domain.StreamDescriptor{video("v", 720)}},
			height:  720,
			wantErr: domain.ErrNoAudioAvailable,
		},
		{
			name:    "nil listing",
			listing: nil,
			height:  720,
			wantErr: domain.ErrNoSuitableFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Select(tt.listing, tt.height); !errors.Is(err, tt.wantErr) {
				t.Errorf("Select() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
