package blobcache

import (
	"context"
	"strconv"
	"time"
)

// Entry is one encoded page kept by the shared blob tier.
type Entry struct {
	ContentType string    `json:"contentType"`
	Data        []byte    `json:"data"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Cache stores page payloads across viewer sessions. Backends must be safe
// for concurrent use.
type Cache interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	DeletePrefix(ctx context.Context, prefix string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

const keyNamespace = "gihon:page:"

// DocumentPrefix returns the key prefix shared by every page of document.
func DocumentPrefix(document string) string {
	return keyNamespace + document + ":"
}

// PageKey returns the key of one page.
func PageKey(document string, index int) string {
	return DocumentPrefix(document) + strconv.Itoa(index)
}
