package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// MaxPreloadOffset is the largest accepted viewer lookahead.
	MaxPreloadOffset = 5
	// DefaultPreloadOffset is the lookahead used when nothing is configured.
	DefaultPreloadOffset = 1
)

// Config holds every daemon-level option.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Library   LibraryConfig   `koanf:"library"`
	Viewer    ViewerConfig    `koanf:"viewer"`
	BlobCache BlobCacheConfig `koanf:"blobCache"`
}

// ServerConfig collects the HTTP listener and logging knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// LibraryConfig locates the comic library and the user settings file.
type LibraryConfig struct {
	Dir          string `koanf:"dir"`
	SettingsFile string `koanf:"settingsFile"`
}

// ViewerConfig sizes the page cache and the prefetch scheduler.
type ViewerConfig struct {
	PreloadOffset int                  `koanf:"preloadOffset"`
	Cache         ViewerCacheConfig    `koanf:"cache"`
	Prefetch      ViewerPrefetchConfig `koanf:"prefetch"`
}

type ViewerCacheConfig struct {
	MaxBytes   int64 `koanf:"maxBytes"`
	MaxEntries int   `koanf:"maxEntries"`
	Shards     int   `koanf:"shards"`
}

type ViewerPrefetchConfig struct {
	MaxConcurrent int `koanf:"maxConcurrent"`
}

// BlobCacheConfig selects the shared decoded-page tier that sits below the page cache.
type BlobCacheConfig struct {
	Backend    string               `koanf:"backend"`
	TTLSeconds int                  `koanf:"ttlSeconds"`
	MaxBytes   int64                `koanf:"maxBytes"`
	Redis      BlobCacheRedisConfig `koanf:"redis"`
}

type BlobCacheRedisConfig struct {
	Address  string             `koanf:"address"`
	Username string             `koanf:"username"`
	Password string             `koanf:"password"`
	DB       int                `koanf:"db"`
	TLS      BlobCacheTLSConfig `koanf:"tls"`
}

type BlobCacheTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// TTL returns the configured blob lifetime.
func (c BlobCacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// NormalizedBackend returns the backend name lower-cased, with "" meaning none.
func (c BlobCacheConfig) NormalizedBackend() string {
	backend := strings.TrimSpace(strings.ToLower(c.Backend))
	if backend == "" {
		return "none"
	}
	return backend
}

// Validate enforces invariants that keep the daemon predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Library.Dir) == "" {
		return errors.New("config: library.dir required")
	}
	if strings.TrimSpace(c.Library.SettingsFile) == "" {
		return errors.New("config: library.settingsFile required")
	}
	if err := ValidatePreloadOffset(c.Viewer.PreloadOffset); err != nil {
		return err
	}
	if c.Viewer.Cache.MaxBytes <= 0 {
		return fmt.Errorf("config: viewer.cache.maxBytes invalid: %d", c.Viewer.Cache.MaxBytes)
	}
	if c.Viewer.Cache.MaxEntries < 0 {
		return fmt.Errorf("config: viewer.cache.maxEntries invalid: %d", c.Viewer.Cache.MaxEntries)
	}
	if c.Viewer.Cache.Shards <= 0 {
		return fmt.Errorf("config: viewer.cache.shards invalid: %d", c.Viewer.Cache.Shards)
	}
	if c.Viewer.Prefetch.MaxConcurrent <= 0 {
		return fmt.Errorf("config: viewer.prefetch.maxConcurrent invalid: %d", c.Viewer.Prefetch.MaxConcurrent)
	}
	if c.BlobCache.TTLSeconds < 0 {
		return fmt.Errorf("config: blobCache.ttlSeconds invalid: %d", c.BlobCache.TTLSeconds)
	}
	if c.BlobCache.MaxBytes < 0 {
		return fmt.Errorf("config: blobCache.maxBytes invalid: %d", c.BlobCache.MaxBytes)
	}
	switch c.BlobCache.NormalizedBackend() {
	case "none", "memory":
	case "redis":
		if strings.TrimSpace(c.BlobCache.Redis.Address) == "" {
			return errors.New("config: blobCache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: blobCache.backend unsupported: %s", c.BlobCache.Backend)
	}
	return nil
}

// ValidatePreloadOffset reports whether offset is an accepted lookahead.
func ValidatePreloadOffset(offset int) error {
	if offset < 0 || offset > MaxPreloadOffset {
		return fmt.Errorf("config: preloadOffset must be between 0 and %d, got %d", MaxPreloadOffset, offset)
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "127.0.0.1",
				Port:    7878,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Library: LibraryConfig{
			Dir:          "./comics",
			SettingsFile: "./config.json",
		},
		Viewer: ViewerConfig{
			PreloadOffset: DefaultPreloadOffset,
			Cache: ViewerCacheConfig{
				MaxBytes: 256 << 20,
				Shards:   16,
			},
			Prefetch: ViewerPrefetchConfig{
				MaxConcurrent: 4,
			},
		},
		BlobCache: BlobCacheConfig{
			Backend:    "none",
			TTLSeconds: 600,
			MaxBytes:   64 << 20,
		},
	}
}
