package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the environment prefix the daemon reads overrides from.
const DefaultEnvPrefix = "GIHON"

// envCanonical restores the camelCase keys that environment variables cannot express.
var envCanonical = map[string]string{
	"library.settingsfile":          "library.settingsFile",
	"viewer.preloadoffset":          "viewer.preloadOffset",
	"viewer.cache.maxbytes":         "viewer.cache.maxBytes",
	"viewer.cache.maxentries":       "viewer.cache.maxEntries",
	"viewer.prefetch.maxconcurrent": "viewer.prefetch.maxConcurrent",
	"blobcache.backend":             "blobCache.backend",
	"blobcache.ttlseconds":          "blobCache.ttlSeconds",
	"blobcache.maxbytes":            "blobCache.maxBytes",
	"blobcache.redis.address":       "blobCache.redis.address",
	"blobcache.redis.username":      "blobCache.redis.username",
	"blobcache.redis.password":      "blobCache.redis.password",
	"blobcache.redis.db":            "blobCache.redis.db",
	"blobcache.redis.tls.enabled":   "blobCache.redis.tls.enabled",
	"blobcache.redis.tls.cafile":    "blobCache.redis.tls.caFile",
}

// Loader hydrates the daemon configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator. Files are merged in order; an empty
// envPrefix disables environment overrides.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective configuration.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (GIHON_SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := envCanonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported config file extension %s", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"library": map[string]any{
			"dir":          cfg.Library.Dir,
			"settingsFile": cfg.Library.SettingsFile,
		},
		"viewer": map[string]any{
			"preloadOffset": cfg.Viewer.PreloadOffset,
			"cache": map[string]any{
				"maxBytes":   cfg.Viewer.Cache.MaxBytes,
				"maxEntries": cfg.Viewer.Cache.MaxEntries,
				"shards":     cfg.Viewer.Cache.Shards,
			},
			"prefetch": map[string]any{
				"maxConcurrent": cfg.Viewer.Prefetch.MaxConcurrent,
			},
		},
		"blobCache": map[string]any{
			"backend":    cfg.BlobCache.Backend,
			"ttlSeconds": cfg.BlobCache.TTLSeconds,
			"maxBytes":   cfg.BlobCache.MaxBytes,
			"redis": map[string]any{
				"address":  cfg.BlobCache.Redis.Address,
				"username": cfg.BlobCache.Redis.Username,
				"password": cfg.BlobCache.Redis.Password,
				"db":       cfg.BlobCache.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.BlobCache.Redis.TLS.Enabled,
					"caFile":  cfg.BlobCache.Redis.TLS.CAFile,
				},
			},
		},
	}
}
