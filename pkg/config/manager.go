package config

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// Manager serves the current configuration snapshot and hot-reloads it when
// the file changes on disk. Readers call Current on every use, so a reload
// takes effect without restarting the process.
type Manager struct {
	path string
	log  *slog.Logger
	cur  atomic.Pointer[Config]

	mtime time.Time
	poll  time.Duration
}

// NewManager loads the initial snapshot. The path may not exist yet, in
// which case defaults apply until a file appears.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path, log: logger, poll: 10 * time.Second}
	m.cur.Store(&cfg)
	if info, err := os.Stat(path); err == nil {
		m.mtime = info.ModTime()
	}
	return m, nil
}

// Current returns the live snapshot.
func (m *Manager) Current() Config {
	return *m.cur.Load()
}

// Watch polls the file's mtime and swaps in a fresh snapshot on change. An
// invalid file is rejected and the previous snapshot stays live. Runs until
// ctx is cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			info, err := os.Stat(m.path)
			if err != nil {
				continue
			}
			if !info.ModTime().After(m.mtime) {
				continue
			}
			m.mtime = info.ModTime()
			cfg, err := Load(m.path)
			if err != nil {
				m.log.Error("config reload rejected", "path", m.path, "err", err)
				continue
			}
			m.cur.Store(&cfg)
			m.log.Info("config reloaded", "path", m.path)
		}
	}
}
