package domain

import (
	"sync"

	"github.com/samber/mo"
)

// Phase is the coarse stage of a fetch.
type Phase string

const (
	PhaseDownloading Phase = "downloading"
	PhaseMerging     Phase = "merging"
	PhaseFinished    Phase = "finished"
)

// Progress is an immutable snapshot of a running fetch.
type Progress struct {
	Phase      Phase
	Stream     int // 1-based index of the stream being downloaded
	Downloaded int64
	Total      mo.Option[int64]
	Rate       mo.Option[float64] // bytes per second
	Fraction   float64            // overall, across all streams
}

// ProgressFunc receives progress snapshots. It may be nil.
type ProgressFunc func(Progress)

// ProgressTracker folds per-stream byte counts into one overall fraction
// that never decreases. Samples with missing totals or rates are accepted.
type ProgressTracker struct {
	mu      sync.Mutex
	streams int
	index   int
	key     string
	last    Progress
	fn      ProgressFunc
}

// NewProgressTracker creates a tracker for a fetch made of the given number of streams.
func NewProgressTracker(streams int, fn ProgressFunc) *ProgressTracker {
	if streams < 1 {
		streams = 1
	}
	return &ProgressTracker{
		streams: streams,
		fn:      fn,
		last:    Progress{Phase: PhaseDownloading, Stream: 1},
	}
}

// Update records a sample for the stream identified by key. A new key moves
// the tracker on to the next stream.
func (t *ProgressTracker) Update(key string, downloaded int64, total mo.Option[int64], rate mo.Option[float64]) {
	t.mu.Lock()

	if t.last.Phase != PhaseDownloading {
		t.mu.Unlock()
		return
	}

	if key != t.key {
		if t.key != "" && t.index < t.streams-1 {
			t.index++
		}
		t.key = key
	}

	if downloaded < 0 {
		downloaded = 0
	}

	streamFrac := 0.0
	if tot, ok := total.Get(); ok && tot > 0 {
		streamFrac = float64(downloaded) / float64(tot)
		if streamFrac > 1 {
			streamFrac = 1
		}
	}

	fraction := (float64(t.index) + streamFrac) / float64(t.streams)
	if fraction < t.last.Fraction {
		fraction = t.last.Fraction
	}

	t.last = Progress{
		Phase:      PhaseDownloading,
		Stream:     t.index + 1,
		Downloaded: downloaded,
		Total:      total,
		Rate:       rate,
		Fraction:   fraction,
	}
	snapshot := t.last
	t.mu.Unlock()

	t.emit(snapshot)
}

// Merging marks the download done and the mux step started.
func (t *ProgressTracker) Merging() {
	t.mu.Lock()
	if t.last.Phase == PhaseFinished {
		t.mu.Unlock()
		return
	}
	t.last.Phase = PhaseMerging
	t.last.Rate = mo.None[float64]()
	snapshot := t.last
	t.mu.Unlock()

	t.emit(snapshot)
}

// Finish reports completion.
func (t *ProgressTracker) Finish() {
	t.mu.Lock()
	t.last.Phase = PhaseFinished
	t.last.Fraction = 1
	t.last.Rate = mo.None[float64]()
	snapshot := t.last
	t.mu.Unlock()

	t.emit(snapshot)
}

// Last returns the most recent snapshot.
func (t *ProgressTracker) Last() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *ProgressTracker) emit(p Progress) {
	if t.fn != nil {
		t.fn(p)
	}
}
