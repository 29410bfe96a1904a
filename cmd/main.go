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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Suprimir/gihon/internal/archive"
	"github.com/Suprimir/gihon/internal/archive/blobcache"
	"github.com/Suprimir/gihon/internal/config"
	"github.com/Suprimir/gihon/internal/library"
	"github.com/Suprimir/gihon/internal/logging"
	"github.com/Suprimir/gihon/internal/metrics"
	"github.com/Suprimir/gihon/internal/server"
	"github.com/Suprimir/gihon/internal/viewer"
	"github.com/Suprimir/gihon/internal/viewer/pagecache"
	"github.com/Suprimir/gihon/internal/viewer/prefetch"
)

type configLoader interface {
	Load(context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(context.Context) error
}

type settingsWatcher interface {
	Stop()
}

var newConfigLoader = func(envPrefix, configFile string) configLoader {
	return config.NewLoader(envPrefix, configFile)
}

var newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

var watchSettings = func(ctx context.Context, store *config.SettingsStore, onChange func(config.Settings), onError func(error)) (settingsWatcher, error) {
	w, err := store.Watch(ctx, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func main() {
	var (
		configFile = flag.String("config", "", "path to daemon configuration file")
		envPrefix  = flag.String("env-prefix", config.DefaultEnvPrefix, "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	blobs := buildBlobCache(logger.With(slog.String("agent", "cache_factory")), cfg.BlobCache)

	var reader *archive.CachingReader
	lib, err := library.New(cfg.Library.Dir, library.Options{
		Logger: logger,
		Forget: func(ctx context.Context, document string) { reader.Forget(ctx, document) },
	})
	if err != nil {
		return err
	}
	reader = archive.NewCachingReader(archive.NewZipReader(lib.Resolve), blobs, logger, recorder)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := reader.Close(shutdownCtx); err != nil {
			logger.Error("blob cache shutdown failed", slog.Any("error", err))
		}
	}()

	pages := pagecache.New(pagecache.Options{
		MaxBytes:   cfg.Viewer.Cache.MaxBytes,
		MaxEntries: cfg.Viewer.Cache.MaxEntries,
		Shards:     cfg.Viewer.Cache.Shards,
		OnEvict:    func(pagecache.Key) { recorder.ObserveEviction() },
	})
	sched := prefetch.New(reader, pages, prefetch.Options{
		MaxConcurrent: cfg.Viewer.Prefetch.MaxConcurrent,
		Logger:        logger,
		Metrics:       recorder,
	})
	defer sched.Close()

	session := viewer.New(reader, pages, sched, viewer.Options{Logger: logger, Metrics: recorder})
	defer session.Close()

	settings := config.NewSettingsStore(cfg.Library.SettingsFile)
	if err := session.SetLookahead(initialLookahead(logger, settings, cfg.Viewer.PreloadOffset)); err != nil {
		return err
	}

	watcher, err := watchSettings(ctx, settings, func(s config.Settings) {
		if err := session.SetLookahead(s.PreloadOffset); err != nil {
			logger.Warn("settings change rejected", slog.Any("error", err))
		}
	}, func(err error) {
		logger.Warn("settings watcher error", slog.Any("error", err))
	})
	if err != nil {
		logger.Error("settings watcher setup failed", slog.Any("error", err))
	} else {
		defer watcher.Stop()
	}

	handler := server.NewHandler(server.API{
		Library:  lib,
		Pages:    reader,
		Viewer:   session,
		Settings: settings,
		Metrics:  recorder,
		Logger:   logger,
	})

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// initialLookahead prefers a saved settings file over the daemon default.
func initialLookahead(logger *slog.Logger, store *config.SettingsStore, fallback int) int {
	if _, err := os.Stat(store.Path()); err != nil {
		return fallback
	}
	s, err := store.Read()
	if err != nil {
		logger.Warn("settings file unreadable, using defaults", slog.String("path", store.Path()), slog.Any("error", err))
		return config.DefaultPreloadOffset
	}
	return s.PreloadOffset
}

func buildBlobCache(logger *slog.Logger, cfg config.BlobCacheConfig) blobcache.Cache {
	ttl := cfg.TTL()
	switch cfg.NormalizedBackend() {
	case "memory":
		logger.Info("using memory blob cache", slog.Duration("ttl", ttl), slog.Int64("max_bytes", cfg.MaxBytes))
		return blobcache.NewMemory(ttl, cfg.MaxBytes)
	case "redis":
		blobs, err := blobcache.NewRedis(blobcache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: blobcache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
			TTL: ttl,
		})
		if err != nil {
			logger.Error("redis blob cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory blob cache")
			return blobcache.NewMemory(ttl, cfg.MaxBytes)
		}
		logger.Info("using redis blob cache", slog.String("address", cfg.Redis.Address))
		return blobs
	default:
		logger.Info("blob cache disabled")
		return nil
	}
}
