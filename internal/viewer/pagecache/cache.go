// Package pagecache holds decoded pages of open documents.
//
// The cache is bounded by a byte budget and optionally by an entry count.
//
// The byte budget is split evenly across independently locked shards and each
// shard evicts its own least recently used unpinned entry until it is back
// within its share. Recency is therefore only approximate for bytes: an insert
// can evict a page from a full shard while the cache as a whole is under
// budget.
//
// The entry count is cache-wide. When it is exceeded the globally least
// recently used unpinned page is evicted, whichever shard holds it.
//
// Pinned entries (the page on screen) are never evicted; the cache may exceed
// either bound while only pinned entries are left to evict.
//
// Every document has an epoch that Clear bumps. PutAt only inserts while the
// caller's epoch is still current, which is how results of decodes started
// before a document switch are discarded.
package pagecache

import (
	"container/list"
	"hash/maphash"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/Suprimir/gihon/internal/archive"
)

const (
	// DefaultMaxBytes bounds the cache when Options.MaxBytes is not set.
	DefaultMaxBytes int64 = 256 << 20
	// DefaultShards is the shard count when Options.Shards is not set.
	DefaultShards = 16
)

// Key addresses one page of one document.
type Key struct {
	Document string
	Index    int
}

// noKey matches no cached page.
var noKey = Key{Index: -1}

func (k Key) String() string {
	return k.Document + "#" + strconv.Itoa(k.Index)
}

// Options configures a Cache.
type Options struct {
	// MaxBytes is the total payload budget. Values <= 0 select DefaultMaxBytes.
	MaxBytes int64
	// MaxEntries optionally bounds the number of pages. Zero means unbounded.
	MaxEntries int
	// Shards is the number of independently locked partitions.
	Shards int
	// OnEvict is called outside any lock for every page evicted to stay in budget.
	OnEvict func(Key)
}

// Cache is safe for concurrent use.
type Cache struct {
	shards  []*shard
	seed    maphash.Seed
	epochs  sync.Map // document -> *atomic.Uint64
	onEvict func(Key)

	maxEntries int
	count      atomic.Int64
	clock      atomic.Uint64

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type shard struct {
	mu       sync.Mutex
	maxBytes int64
	bytes    int64
	count    *atomic.Int64
	items    map[Key]*list.Element
	lru      *list.List
	pins     map[Key]int
}

type entry struct {
	key  Key
	img  archive.Image
	used uint64
}

// New builds a cache from opts.
func New(opts Options) *Cache {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	n := opts.Shards
	if n <= 0 {
		n = DefaultShards
	}

	shardBytes := maxBytes / int64(n)
	if shardBytes < 1 {
		shardBytes = 1
	}
	maxEntries := opts.MaxEntries
	if maxEntries < 0 {
		maxEntries = 0
	}

	c := &Cache{
		shards:     make([]*shard, n),
		seed:       maphash.MakeSeed(),
		onEvict:    opts.OnEvict,
		maxEntries: maxEntries,
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			maxBytes: shardBytes,
			count:    &c.count,
			items:    make(map[Key]*list.Element),
			lru:      list.New(),
			pins:     make(map[Key]int),
		}
	}
	return c
}

func (c *Cache) shardFor(key Key) *shard {
	if len(c.shards) == 1 {
		return c.shards[0]
	}
	var h maphash.Hash
	h.SetSeed(c.seed)
	_, _ = h.WriteString(key.Document)
	var buf [8]byte
	idx := uint64(key.Index)
	for i := range buf {
		buf[i] = byte(idx >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return c.shards[h.Sum64()%uint64(len(c.shards))]
}

// Get returns the cached page. The returned Data is shared with the cache and
// must not be modified. A hit refreshes the page's recency.
func (c *Cache) Get(document string, index int) (archive.Image, bool) {
	key := Key{Document: document, Index: index}
	s := c.shardFor(key)
	s.mu.Lock()
	el, ok := s.items[key]
	var img archive.Image
	if ok {
		ent := el.Value.(*entry)
		ent.used = c.clock.Add(1)
		img = ent.img
		s.lru.MoveToFront(el)
	}
	s.mu.Unlock()
	if !ok {
		c.misses.Add(1)
		return archive.Image{}, false
	}
	c.hits.Add(1)
	return img, true
}

// Contains reports whether the page is cached without touching recency or stats.
func (c *Cache) Contains(document string, index int) bool {
	key := Key{Document: document, Index: index}
	s := c.shardFor(key)
	s.mu.Lock()
	_, ok := s.items[key]
	s.mu.Unlock()
	return ok
}

// Put inserts or replaces a page. The cache stores its own copy of img.Data.
func (c *Cache) Put(document string, index int, img archive.Image) {
	key := Key{Document: document, Index: index}
	owned := img.Clone()
	s := c.shardFor(key)
	s.mu.Lock()
	evicted := s.insertLocked(key, owned, c.clock.Add(1))
	s.mu.Unlock()
	evicted = append(evicted, c.trimEntries(key)...)
	c.reportEvictions(evicted)
}

// PutAt inserts the page only while epoch is the document's current epoch and
// reports whether it did. The epoch is read under the shard lock, so a
// concurrent Clear either rejects the insert or sweeps it.
func (c *Cache) PutAt(epoch uint64, document string, index int, img archive.Image) bool {
	key := Key{Document: document, Index: index}
	owned := img.Clone()
	s := c.shardFor(key)
	s.mu.Lock()
	if c.Epoch(document) != epoch {
		s.mu.Unlock()
		return false
	}
	evicted := s.insertLocked(key, owned, c.clock.Add(1))
	s.mu.Unlock()
	evicted = append(evicted, c.trimEntries(key)...)
	c.reportEvictions(evicted)
	return true
}

// Epoch returns the current epoch of document.
func (c *Cache) Epoch(document string) uint64 {
	v, ok := c.epochs.Load(document)
	if !ok {
		return 0
	}
	return v.(*atomic.Uint64).Load()
}

// Clear drops every page and pin of document and invalidates its epoch. It
// returns the number of pages removed.
func (c *Cache) Clear(document string) int {
	v, _ := c.epochs.LoadOrStore(document, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)

	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, el := range s.items {
			if key.Document != document {
				continue
			}
			s.removeLocked(el)
			removed++
		}
		for key := range s.pins {
			if key.Document == document {
				delete(s.pins, key)
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Pin protects a page from eviction until the matching Unpin. Pins are
// counted and may be taken before the page is inserted.
func (c *Cache) Pin(document string, index int) {
	key := Key{Document: document, Index: index}
	s := c.shardFor(key)
	s.mu.Lock()
	s.pins[key]++
	s.mu.Unlock()
}

// Unpin releases one pin. The cache is trimmed back into its bounds if the
// released page was the only thing keeping it over.
func (c *Cache) Unpin(document string, index int) {
	key := Key{Document: document, Index: index}
	s := c.shardFor(key)
	s.mu.Lock()
	if n, ok := s.pins[key]; ok {
		if n <= 1 {
			delete(s.pins, key)
		} else {
			s.pins[key] = n - 1
		}
	}
	evicted := s.evictLocked(noKey)
	s.mu.Unlock()
	evicted = append(evicted, c.trimEntries(noKey)...)
	c.reportEvictions(evicted)
}

// Len returns the number of cached pages.
func (c *Cache) Len() int {
	return int(c.count.Load())
}

// DocumentLen returns the number of cached pages of document.
func (c *Cache) DocumentLen(document string) int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key := range s.items {
			if key.Document == document {
				total++
			}
		}
		s.mu.Unlock()
	}
	return total
}

// Indices returns the cached page indices of document in no particular order.
func (c *Cache) Indices(document string) []int {
	var out []int
	for _, s := range c.shards {
		s.mu.Lock()
		for key := range s.items {
			if key.Document == document {
				out = append(out, key.Index)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Bytes returns the payload bytes held.
func (c *Cache) Bytes() int64 {
	var total int64
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.bytes
		s.mu.Unlock()
	}
	return total
}

// Stats returns lookup and eviction counters.
func (c *Cache) Stats() (hits, misses, evictions int64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}

func (c *Cache) reportEvictions(keys []Key) {
	if len(keys) == 0 {
		return
	}
	c.evictions.Add(int64(len(keys)))
	if c.onEvict == nil {
		return
	}
	for _, k := range keys {
		c.onEvict(k)
	}
}

// trimEntries evicts the least recently used unpinned pages across all shards,
// sparing keep, until the cache holds at most maxEntries pages.
func (c *Cache) trimEntries(keep Key) []Key {
	if c.maxEntries == 0 {
		return nil
	}
	var evicted []Key
	for c.count.Load() > int64(c.maxEntries) {
		victim, s, ok := c.oldestEvictable(keep)
		if !ok {
			break
		}
		s.mu.Lock()
		if el, present := s.items[victim]; present && s.pins[victim] == 0 {
			s.removeLocked(el)
			evicted = append(evicted, victim)
		}
		s.mu.Unlock()
	}
	return evicted
}

// oldestEvictable compares the least recently used unpinned entry of every
// shard and returns the oldest one.
func (c *Cache) oldestEvictable(keep Key) (Key, *shard, bool) {
	var (
		victim Key
		used   uint64
		owner  *shard
	)
	for _, s := range c.shards {
		s.mu.Lock()
		for el := s.lru.Back(); el != nil; el = el.Prev() {
			ent := el.Value.(*entry)
			if ent.key == keep || s.pins[ent.key] > 0 {
				continue
			}
			if owner == nil || ent.used < used {
				victim, used, owner = ent.key, ent.used, s
			}
			break
		}
		s.mu.Unlock()
	}
	return victim, owner, owner != nil
}

func (s *shard) insertLocked(key Key, img archive.Image, tick uint64) []Key {
	if el, ok := s.items[key]; ok {
		ent := el.Value.(*entry)
		s.bytes += img.Size() - ent.img.Size()
		ent.img = img
		ent.used = tick
		s.lru.MoveToFront(el)
	} else {
		s.items[key] = s.lru.PushFront(&entry{key: key, img: img, used: tick})
		s.bytes += img.Size()
		s.count.Add(1)
	}
	return s.evictLocked(key)
}

// evictLocked removes least recently used entries, skipping pinned ones and
// keep, until the shard is within its byte share or nothing evictable is left.
func (s *shard) evictLocked(keep Key) []Key {
	var evicted []Key
	el := s.lru.Back()
	for el != nil && s.bytes > s.maxBytes {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if ent.key != keep && s.pins[ent.key] == 0 {
			s.removeLocked(el)
			evicted = append(evicted, ent.key)
		}
		el = prev
	}
	return evicted
}

func (s *shard) removeLocked(el *list.Element) {
	ent := el.Value.(*entry)
	s.lru.Remove(el)
	delete(s.items, ent.key)
	s.bytes -= ent.img.Size()
	s.count.Add(-1)
}
