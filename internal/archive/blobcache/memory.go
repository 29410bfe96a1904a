package blobcache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

const (
	defaultTTL = 10 * time.Minute
	// DefaultMemoryBytes bounds the memory backend when no limit is given.
	DefaultMemoryBytes int64 = 64 << 20
)

// memoryCache keeps entries in store order. Every Store sweeps expired entries
// from the old end and then drops the oldest entries until the payload fits
// maxBytes.
type memoryCache struct {
	ttl      time.Duration
	maxBytes int64

	mu      sync.Mutex
	bytes   int64
	entries map[string]*list.Element
	order   *list.List // front is the oldest store
}

type memoryItem struct {
	key   string
	entry Entry
}

// NewMemory returns an in-process backend whose entries expire after ttl and
// whose payloads never exceed maxBytes in total.
func NewMemory(ttl time.Duration, maxBytes int64) Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMemoryBytes
	}
	return &memoryCache{
		ttl:      ttl,
		maxBytes: maxBytes,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *memoryCache) Lookup(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	item := el.Value.(*memoryItem)
	if time.Now().After(item.entry.ExpiresAt) {
		c.removeLocked(el)
		return Entry{}, false, nil
	}
	return cloneEntry(item.entry), true, nil
}

func (c *memoryCache) Store(_ context.Context, key string, entry Entry) error {
	now := time.Now()
	if entry.StoredAt.IsZero() {
		entry.StoredAt = now.UTC()
	}
	if entry.ExpiresAt.IsZero() || entry.ExpiresAt.Before(entry.StoredAt) {
		entry.ExpiresAt = entry.StoredAt.Add(c.ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
	c.sweepLocked(now)
	size := int64(len(entry.Data))
	if size > c.maxBytes || !now.Before(entry.ExpiresAt) {
		return nil
	}
	for c.bytes+size > c.maxBytes {
		c.removeLocked(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(&memoryItem{key: key, entry: cloneEntry(entry)})
	c.bytes += size
	return nil
}

// sweepLocked drops expired entries from the old end. Entries carrying their
// own earlier deadline deeper in the list are left for Lookup to discard.
func (c *memoryCache) sweepLocked(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Before(el.Value.(*memoryItem).entry.ExpiresAt) {
			return
		}
		c.removeLocked(el)
	}
}

func (c *memoryCache) removeLocked(el *list.Element) {
	item := el.Value.(*memoryItem)
	c.order.Remove(el)
	delete(c.entries, item.key)
	c.bytes -= int64(len(item.entry.Data))
}

func (c *memoryCache) DeletePrefix(_ context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(el)
		}
	}
	return nil
}

// Size returns the number of entries held, expired ones included until the
// next sweep.
func (c *memoryCache) Size(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.entries)), nil
}

func (c *memoryCache) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.bytes = 0
	return nil
}

func cloneEntry(in Entry) Entry {
	out := in
	if in.Data != nil {
		out.Data = make([]byte, len(in.Data))
		copy(out.Data, in.Data)
	}
	return out
}
