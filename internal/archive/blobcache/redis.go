package blobcache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
	TTL      time.Duration
}

type redisCache struct {
	client valkey.Client
	ttl    time.Duration
}

// NewRedis connects to a redis/valkey server and verifies it with PING.
func NewRedis(cfg RedisConfig) (Cache, error) {
	if cfg.Address == "" {
		return nil, errors.New("blobcache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("blobcache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("blobcache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("blobcache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("blobcache: redis ping: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisCache{client: client, ttl: ttl}, nil
}

func (c *redisCache) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	resp := c.client.Do(ctx, c.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("blobcache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("blobcache: redis get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("blobcache: redis unmarshal: %w", err)
	}
	return entry, true, nil
}

func (c *redisCache) Store(ctx context.Context, key string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	if entry.ExpiresAt.IsZero() || entry.ExpiresAt.Before(entry.StoredAt) {
		entry.ExpiresAt = entry.StoredAt.Add(c.ttl)
	}
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("blobcache: redis marshal: %w", err)
	}
	cmd := c.client.B().Set().Key(key).Value(string(payload)).Px(ttl).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("blobcache: redis set: %w", err)
	}
	return nil
}

// DeletePrefix walks the keyspace with SCAN so large libraries never block the server.
func (c *redisCache) DeletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	pattern := escapeGlob(prefix) + "*"
	var cursor uint64
	for {
		resp := c.client.Do(ctx, c.client.B().Scan().Cursor(cursor).Match(pattern).Count(256).Build())
		entry, err := resp.AsScanEntry()
		if err != nil {
			return fmt.Errorf("blobcache: redis scan: %w", err)
		}
		if len(entry.Elements) > 0 {
			if err := c.client.Do(ctx, c.client.B().Del().Key(entry.Elements...).Build()).Error(); err != nil {
				return fmt.Errorf("blobcache: redis del: %w", err)
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// Size counts the page keys with SCAN; other keys sharing the database are
// not included.
func (c *redisCache) Size(ctx context.Context) (int64, error) {
	pattern := escapeGlob(keyNamespace) + "*"
	var (
		cursor uint64
		total  int64
	)
	for {
		resp := c.client.Do(ctx, c.client.B().Scan().Cursor(cursor).Match(pattern).Count(256).Build())
		entry, err := resp.AsScanEntry()
		if err != nil {
			return 0, fmt.Errorf("blobcache: redis scan: %w", err)
		}
		total += int64(len(entry.Elements))
		cursor = entry.Cursor
		if cursor == 0 {
			return total, nil
		}
	}
}

func (c *redisCache) Close(context.Context) error {
	c.client.Close()
	return nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
