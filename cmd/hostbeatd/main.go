package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"hostbeat/pkg/config"
	"hostbeat/pkg/diskguard"
	"hostbeat/pkg/server"
	"hostbeat/pkg/storage"
	badgerstore "hostbeat/pkg/storage/badger"
	"hostbeat/pkg/storage/memory"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 30 * time.Second
	shutdownTimeout    = 30 * time.Second
	gcInterval         = 10 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "hostbeat.yaml", "path to the configuration file")
		listen     = flag.String("listen", "", "listen address (overrides config)")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	mgr, err := config.NewManager(*configPath, logger.With("module", "config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Current()
	addr := cfg.Listen
	if *listen != "" {
		addr = *listen
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	guard := diskguard.New(cfg.DataDir, func() (int64, float64) {
		dg := mgr.Current().DiskGuard
		return dg.MinFreeBytes, dg.MinFreePercent
	}, logger.With("module", "diskguard"))

	engine := server.New(store, mgr, guard, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      engine.Router(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return engine.Run(ctx) })

	if bs, ok := store.(*badgerstore.Storage); ok {
		g.Go(func() error { return runBadgerGC(ctx, bs, logger) })
	}

	g.Go(func() error {
		logger.Info("listening", "addr", addr, "backend", cfg.Backend)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("exited cleanly")
	return nil
}

func openStore(cfg config.Config, logger *slog.Logger) (storage.Storage, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nil
	case "badger":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return badgerstore.New(badgerstore.Config{
			Path:   cfg.DataDir,
			Logger: logger.With("module", "badger"),
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// runBadgerGC reclaims value-log space periodically. Badger's LSM layout
// accumulates dead versions until GC rewrites the log files.
func runBadgerGC(ctx context.Context, store *badgerstore.Storage, logger *slog.Logger) error {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			if err := store.RunGC(0.5); err != nil {
				logger.Debug("badger gc: nothing to reclaim", "took", time.Since(start))
			} else {
				logger.Info("badger gc: space reclaimed", "took", time.Since(start))
			}
		}
	}
}
