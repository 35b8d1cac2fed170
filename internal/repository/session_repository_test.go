package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iconidentify/muxgrab/internal/domain"
)

func TestNewInMemorySessionRepository(t *testing.T) {
	repo := NewInMemorySessionRepository()

	if repo == nil {
		t.Fatal("repo should not be nil")
	}
	if repo.sessions == nil {
		t.Error("sessions map should be initialized")
	}
}

func TestInMemorySessionRepository_CreateGet(t *testing.T) {
	repo := NewInMemorySessionRepository()
	ctx := context.Background()

	s := domain.NewSession("s-1", "https://example.com/v")
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.Create(ctx, s); err == nil {
		t.Error("second Create with same ID should fail")
	}

	got, err := repo.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != s.URL {
		t.Errorf("URL = %q, want %q", got.URL, s.URL)
	}

	// Mutating the caller's copy does not leak into the store.
	s.State = domain.SessionFailed
	got.State = domain.SessionFailed
	again, _ := repo.Get(ctx, "s-1")
	if again.State != domain.SessionIdle {
		t.Errorf("stored State = %q, want %q", again.State, domain.SessionIdle)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Get(missing) error = %v, want %v", err, domain.ErrSessionNotFound)
	}
}

func TestInMemorySessionRepository_Update(t *testing.T) {
	repo := NewInMemorySessionRepository()
	ctx := context.Background()
	_ = repo.Create(ctx, domain.NewSession("s-1", "https://example.com/v"))

	got, err := repo.Update(ctx, "s-1", func(s *domain.Session) error {
		return s.MarkListing()
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got.State != domain.SessionListing {
		t.Errorf("State = %q, want %q", got.State, domain.SessionListing)
	}

	// A failing update leaves the stored session untouched.
	_, err = repo.Update(ctx, "s-1", func(s *domain.Session) error {
		s.URL = "changed"
		return s.MarkFetching(720)
	})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("Update error = %v, want %v", err, domain.ErrInvalidTransition)
	}
	stored, _ := repo.Get(ctx, "s-1")
	if stored.URL != "https://example.com/v" || stored.State != domain.SessionListing {
		t.Errorf("failed update leaked: URL=%q State=%q", stored.URL, stored.State)
	}

	if _, err := repo.Update(ctx, "missing", func(*domain.Session) error { return nil }); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Update(missing) error = %v, want %v", err, domain.ErrSessionNotFound)
	}
}

func TestInMemorySessionRepository_UpdateSerializesFetch(t *testing.T) {
	repo := NewInMemorySessionRepository()
	ctx := context.Background()

	s := domain.NewSession("s-1", "https://example.com/v")
	_ = s.MarkListing()
	_ = s.MarkReady(&domain.Listing{}, nil)
	_ = repo.Create(ctx, s)

	var wg sync.WaitGroup
	var mu sync.Mutex
	started, busy := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Update(ctx, "s-1", func(s *domain.Session) error {
				return s.MarkFetching(720)
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started++
			case errors.Is(err, domain.ErrSessionBusy):
				busy++
			}
		}()
	}
	wg.Wait()

	if started != 1 || busy != 9 {
		t.Errorf("started = %d, busy = %d, want 1 and 9", started, busy)
	}
}

func TestInMemorySessionRepository_Delete(t *testing.T) {
	repo := NewInMemorySessionRepository()
	ctx := context.Background()
	_ = repo.Create(ctx, domain.NewSession("s-1", "u"))

	if err := repo.Delete(ctx, "s-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := repo.Delete(ctx, "s-1"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("second Delete error = %v, want %v", err, domain.ErrSessionNotFound)
	}
}

func TestInMemorySessionRepository_Expire(t *testing.T) {
	repo := NewInMemorySessionRepository()
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)

	stale := domain.NewSession("stale", "u")
	stale.UpdatedAt = old
	_ = repo.Create(ctx, stale)

	fetching := domain.NewSession("fetching", "u")
	_ = fetching.MarkListing()
	_ = fetching.MarkReady(&domain.Listing{}, nil)
	_ = fetching.MarkFetching(720)
	fetching.UpdatedAt = old
	_ = repo.Create(ctx, fetching)

	_ = repo.Create(ctx, domain.NewSession("fresh", "u"))

	expired, err := repo.Expire(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if len(expired) != 1 || expired[0] != "stale" {
		t.Errorf("expired = %v, want [stale]", expired)
	}
	if _, err := repo.Get(ctx, "fetching"); err != nil {
		t.Error("in-flight session should survive expiry")
	}
	if _, err := repo.Get(ctx, "fresh"); err != nil {
		t.Error("fresh session should survive expiry")
	}
}

func TestInMemorySessionRepository_Stats(t *testing.T) {
	repo := NewInMemorySessionRepository()
	ctx := context.Background()

	_ = repo.Create(ctx, domain.NewSession("idle", "u"))

	ready := domain.NewSession("ready", "u")
	_ = ready.MarkListing()
	_ = ready.MarkReady(&domain.Listing{}, nil)
	_ = repo.Create(ctx, ready)

	failed := domain.NewSession("failed", "u")
	_ = failed.MarkListing()
	_ = failed.MarkFailed(domain.ErrNotFound)
	_ = repo.Create(ctx, failed)

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 3 || stats.Idle != 1 || stats.Ready != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
