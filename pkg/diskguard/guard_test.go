package diskguard

import (
	"errors"
	"log/slog"
	"testing"

	"hostbeat/pkg/storage"
)

func newTestGuard(minBytes int64, minPercent float64) *Guard {
	return New("/data", func() (int64, float64) { return minBytes, minPercent }, slog.Default())
}

func TestCheck_AbsoluteThreshold(t *testing.T) {
	g := newTestGuard(1<<30, 0)

	g.probe = func(string) (uint64, uint64, error) { return 2 << 30, 100 << 30, nil }
	if err := g.Check(); err != nil {
		t.Fatalf("expected admission with 2 GiB free, got %v", err)
	}

	g.probe = func(string) (uint64, uint64, error) { return 512 << 20, 100 << 30, nil }
	if err := g.Check(); !errors.Is(err, storage.ErrInsufficientStorage) {
		t.Fatalf("expected ErrInsufficientStorage below the absolute floor, got %v", err)
	}
}

func TestCheck_RelativeThreshold(t *testing.T) {
	g := newTestGuard(0, 5)

	// 3% free violates the 5% floor even with plenty of absolute bytes.
	g.probe = func(string) (uint64, uint64, error) { return 3 << 30, 100 << 30, nil }
	if err := g.Check(); !errors.Is(err, storage.ErrInsufficientStorage) {
		t.Fatalf("expected ErrInsufficientStorage below the relative floor, got %v", err)
	}

	g.probe = func(string) (uint64, uint64, error) { return 10 << 30, 100 << 30, nil }
	if err := g.Check(); err != nil {
		t.Fatalf("expected admission at 10%% free, got %v", err)
	}
}

func TestCheck_RecoveryClearsTripState(t *testing.T) {
	g := newTestGuard(1<<30, 0)

	g.probe = func(string) (uint64, uint64, error) { return 100 << 20, 100 << 30, nil }
	if err := g.Check(); err == nil {
		t.Fatal("expected trip")
	}
	if h := g.Health(); !h.Tripped || h.TripStartedAt == nil {
		t.Errorf("health must report the trip, got %+v", h)
	}

	g.probe = func(string) (uint64, uint64, error) { return 10 << 30, 100 << 30, nil }
	if err := g.Check(); err != nil {
		t.Fatalf("expected admission after space recovered, got %v", err)
	}
	if h := g.Health(); h.Tripped {
		t.Errorf("trip state must clear on recovery, got %+v", h)
	}
}

func TestCheck_TripStartPersistsAcrossRejections(t *testing.T) {
	g := newTestGuard(1<<30, 0)
	g.probe = func(string) (uint64, uint64, error) { return 100 << 20, 100 << 30, nil }

	if err := g.Check(); err == nil {
		t.Fatal("expected trip")
	}
	first := g.Health().TripStartedAt
	if first == nil {
		t.Fatal("expected trip start marker")
	}
	if err := g.Check(); err == nil {
		t.Fatal("expected continued rejection")
	}
	second := g.Health().TripStartedAt
	if second == nil || !second.Equal(*first) {
		t.Errorf("trip start must mark the incident, not each rejection: %v vs %v", first, second)
	}
}

func TestCheck_ProbeFailureAdmits(t *testing.T) {
	g := newTestGuard(1<<30, 5)
	g.probe = func(string) (uint64, uint64, error) { return 0, 0, errors.New("statfs: permission denied") }

	if err := g.Check(); err != nil {
		t.Fatalf("a probe failure must admit the write, got %v", err)
	}
}
