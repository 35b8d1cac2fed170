// Package workspace manages the per-request temporary directories that
// fetched media is written into before delivery.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/iconidentify/muxgrab/internal/domain"
)

// OutputName is the backend output template used inside a workspace.
// Each workspace holds one request, so the title alone is unique.
const OutputName = "%(title)s.%(ext)s"

// partialSuffixes marks files a backend leaves behind mid-transfer.
var partialSuffixes = []string{".part", ".ytdl", ".temp", ".tmp"}

// Manager creates and removes workspaces under a single root directory.
type Manager struct {
	fs        afero.Afero
	root      string
	minFree   uint64
	freeSpace func(path string) (uint64, bool)
	logger    *slog.Logger
}

// NewManager creates a manager rooted at root. minFree of zero disables the
// free space check.
func NewManager(fs afero.Fs, root string, minFree uint64, logger *slog.Logger) *Manager {
	m := &Manager{
		fs:      afero.Afero{Fs: fs},
		root:    filepath.Clean(root),
		minFree: minFree,
		logger:  logger,
	}
	if _, ok := fs.(*afero.OsFs); ok {
		m.freeSpace = freeDiskSpace
	}
	return m
}

// SetFreeSpaceFunc overrides how free space is measured.
func (m *Manager) SetFreeSpaceFunc(fn func(path string) (uint64, bool)) {
	m.freeSpace = fn
}

// Init creates the root directory.
func (m *Manager) Init() error {
	if err := m.fs.MkdirAll(m.root, 0o755); err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}
	return nil
}

// Root returns the root directory.
func (m *Manager) Root() string {
	return m.root
}

// Fs returns the filesystem workspaces live on.
func (m *Manager) Fs() afero.Fs {
	return m.fs.Fs
}

// FreeSpace reports free bytes under the root, if measurable.
func (m *Manager) FreeSpace() (uint64, bool) {
	if m.freeSpace == nil {
		return 0, false
	}
	return m.freeSpace(m.root)
}

// CheckSpace returns ErrStorageFull when free space is below the minimum.
func (m *Manager) CheckSpace() error {
	if m.minFree == 0 {
		return nil
	}
	free, ok := m.FreeSpace()
	if !ok {
		return nil
	}
	if free < m.minFree {
		return fmt.Errorf("%w: %s free, %s required", domain.ErrStorageFull,
			humanize.IBytes(free), humanize.IBytes(m.minFree))
	}
	return nil
}

// Create makes a new, empty workspace directory.
func (m *Manager) Create() (*Dir, error) {
	id := uuid.New().String()
	path := filepath.Join(m.root, id)

	if err := m.fs.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	return &Dir{ID: id, Path: path, fs: m.fs}, nil
}

// Sweep removes workspaces last modified more than maxAge ago and returns
// how many were removed. Entries that are not workspaces are left alone.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := m.fs.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read workspace root: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || uuid.Validate(e.Name()) != nil {
			continue
		}
		if e.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.root, e.Name())
		if err := m.fs.RemoveAll(path); err != nil {
			m.logger.Warn("failed to remove stale workspace", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Count returns the number of workspaces currently on disk.
func (m *Manager) Count() int {
	entries, err := m.fs.ReadDir(m.root)
	if err != nil {
		return 0
	}
	return lo.CountBy(entries, func(e os.FileInfo) bool {
		return e.IsDir() && uuid.Validate(e.Name()) == nil
	})
}

// Release removes the workspace holding a. Paths outside the root are
// refused. Releasing twice is not an error.
func (m *Manager) Release(a domain.OutputArtifact) error {
	if a.Workspace == "" {
		return nil
	}
	ws := filepath.Clean(a.Workspace)
	if filepath.Dir(ws) != m.root || uuid.Validate(filepath.Base(ws)) != nil {
		return fmt.Errorf("release %s: not a workspace under %s", ws, m.root)
	}
	if err := m.fs.RemoveAll(ws); err != nil {
		return fmt.Errorf("release workspace: %w", err)
	}
	return nil
}

// Deliver moves the artifact into destDir and returns the new path.
// The artifact's workspace is left for the caller to remove.
func (m *Manager) Deliver(a domain.OutputArtifact, destDir string) (string, error) {
	if err := m.fs.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create destination: %w", err)
	}
	dest := filepath.Join(destDir, a.Name)

	if err := m.fs.Rename(a.Path, dest); err == nil {
		return dest, nil
	}

	// Rename fails across devices; fall back to copying.
	src, err := m.fs.Open(a.Path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer src.Close()

	dst, err := m.fs.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create destination file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = m.fs.Remove(dest)
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close destination file: %w", err)
	}
	return dest, nil
}

// Dir is one request's workspace.
type Dir struct {
	ID   string
	Path string
	fs   afero.Afero
}

// Template returns the backend output template inside this workspace.
func (d *Dir) Template() string {
	return d.Join(OutputName)
}

// Join returns name resolved inside this workspace.
func (d *Dir) Join(name string) string {
	return filepath.Join(d.Path, filepath.Base(name))
}

// Files lists complete regular files in the workspace.
func (d *Dir) Files() ([]os.FileInfo, error) {
	entries, err := d.fs.ReadDir(d.Path)
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}
	return lo.Filter(entries, func(e os.FileInfo, _ int) bool {
		return e.Mode().IsRegular() && !isPartial(e.Name())
	}), nil
}

// Artifact resolves the fetched output. reported is the path the backend
// claims to have written; when it is empty or absent the largest file with
// the container extension is used instead. A missing or empty file yields
// ErrFileMissingPostFetch.
func (d *Dir) Artifact(reported, container string) (domain.OutputArtifact, error) {
	if reported != "" && d.contains(reported) {
		if info, err := d.fs.Stat(reported); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
			return d.artifact(reported, info.Size()), nil
		}
	}

	files, err := d.Files()
	if err != nil {
		return domain.OutputArtifact{}, fmt.Errorf("%w: %w", domain.ErrFileMissingPostFetch, err)
	}

	ext := "." + strings.TrimPrefix(strings.ToLower(container), ".")
	candidates := lo.Filter(files, func(e os.FileInfo, _ int) bool {
		return e.Size() > 0 && strings.EqualFold(filepath.Ext(e.Name()), ext)
	})
	if len(candidates) == 0 {
		return domain.OutputArtifact{}, fmt.Errorf("%w: no %s file in workspace", domain.ErrFileMissingPostFetch, ext)
	}

	best := lo.MaxBy(candidates, func(a, b os.FileInfo) bool { return a.Size() > b.Size() })
	return d.artifact(d.Join(best.Name()), best.Size()), nil
}

func (d *Dir) artifact(path string, size int64) domain.OutputArtifact {
	return domain.OutputArtifact{
		Path:      path,
		Name:      filepath.Base(path),
		MediaType: domain.MediaTypeFor(filepath.Ext(path)),
		Size:      size,
		Workspace: d.Path,
	}
}

func (d *Dir) contains(path string) bool {
	rel, err := filepath.Rel(d.Path, filepath.Clean(path))
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

// Remove deletes the workspace and everything in it. It is safe to call
// more than once.
func (d *Dir) Remove() error {
	if d == nil {
		return nil
	}
	if err := d.fs.RemoveAll(d.Path); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

func isPartial(name string) bool {
	lower := strings.ToLower(name)
	return lo.SomeBy(partialSuffixes, func(s string) bool { return strings.HasSuffix(lower, s) })
}
