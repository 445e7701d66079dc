// Package diskguard is the write-admission safety valve: it rejects writes
// while free disk space sits under either an absolute or a relative
// threshold, so ingestion cannot run the host out of disk.
package diskguard

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hostbeat/pkg/storage"
)

// Limits supplies the live thresholds; wired to the config manager so a
// reload takes effect on the next check.
type Limits func() (minFreeBytes int64, minFreePercent float64)

// Health is the storage-health snapshot exposed to callers.
type Health struct {
	FreeBytes     uint64     `json:"free_bytes"`
	TotalBytes    uint64     `json:"total_bytes"`
	FreePercent   float64    `json:"free_percent"`
	Tripped       bool       `json:"disk_guard_tripped"`
	TripStartedAt *time.Time `json:"trip_started_at,omitempty"`
}

// Guard checks free space on every call: the trip state is re-evaluated per
// check, not cached; only the incident start marker persists so the
// transition is logged exactly once per incident rather than once per
// rejected write.
type Guard struct {
	path   string
	limits Limits
	log    *slog.Logger

	// probe is swappable for tests.
	probe func(path string) (free, total uint64, err error)

	mu            sync.Mutex
	tripStartedAt time.Time // zero when not tripped
}

// New creates a guard over the filesystem containing path.
func New(path string, limits Limits, logger *slog.Logger) *Guard {
	return &Guard{path: path, limits: limits, log: logger, probe: freeSpace}
}

// Check admits or rejects a write. Returns storage.ErrInsufficientStorage
// (retryable once space recovers) while either threshold is violated. A
// probe failure admits the write; refusing all ingestion because statfs
// hiccuped would be worse than briefly overshooting the threshold.
func (g *Guard) Check() error {
	free, total, err := g.probe(g.path)
	if err != nil {
		g.log.Warn("disk space probe failed", "path", g.path, "err", err)
		return nil
	}
	minBytes, minPercent := g.limits()
	freePercent := 0.0
	if total > 0 {
		freePercent = float64(free) / float64(total) * 100
	}
	violated := (minBytes > 0 && free < uint64(minBytes)) ||
		(minPercent > 0 && freePercent < minPercent)

	g.mu.Lock()
	defer g.mu.Unlock()
	if violated {
		if g.tripStartedAt.IsZero() {
			g.tripStartedAt = time.Now()
			g.log.Error("disk guard tripped, rejecting writes",
				"free_bytes", free, "free_percent", fmt.Sprintf("%.2f", freePercent),
				"min_free_bytes", minBytes, "min_free_percent", minPercent)
		}
		return fmt.Errorf("free space %d bytes (%.2f%%): %w", free, freePercent, storage.ErrInsufficientStorage)
	}
	if !g.tripStartedAt.IsZero() {
		g.log.Info("disk guard recovered, accepting writes",
			"free_bytes", free, "tripped_for", time.Since(g.tripStartedAt).Round(time.Second))
		g.tripStartedAt = time.Time{}
	}
	return nil
}

// Health reports the current free-space picture without mutating trip state.
func (g *Guard) Health() Health {
	free, total, err := g.probe(g.path)
	h := Health{FreeBytes: free, TotalBytes: total}
	if err == nil && total > 0 {
		h.FreePercent = float64(free) / float64(total) * 100
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.tripStartedAt.IsZero() {
		h.Tripped = true
		t := g.tripStartedAt
		h.TripStartedAt = &t
	}
	return h
}
