package region

import (
	"sync"

	"github.com/deploymenttheory/go-switchfs/internal/interfaces"
)

// SectorCache is an LRU cache of decrypted sectors keyed by their absolute
// offset in the backing image. It is safe for concurrent use.
type SectorCache struct {
	mu      sync.Mutex
	entries map[int64]*cacheEntry
	head    *cacheEntry // most recently used
	tail    *cacheEntry // least recently used
	maxSize int
	bytes   uint64

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	offset int64
	data   []byte
	prev   *cacheEntry
	next   *cacheEntry
}

var _ interfaces.SectorCache = (*SectorCache)(nil)

// NewSectorCache creates a cache holding at most maxSectors sectors.
// A non-positive size yields a cache that stores nothing.
func NewSectorCache(maxSectors int) *SectorCache {
	return &SectorCache{
		entries: make(map[int64]*cacheEntry),
		maxSize: maxSectors,
	}
}

// Get returns a copy of the sector at offset, or nil if it is not cached.
func (c *SectorCache) Get(offset int64) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[offset]
	if !ok {
		c.misses++
		return nil
	}
	c.hits++
	c.moveToFront(entry)

	result := make([]byte, len(entry.data))
	copy(result, entry.data)
	return result
}

// Put adds or replaces the sector at offset.
func (c *SectorCache) Put(offset int64, data []byte) {
	if c.maxSize <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[offset]; ok {
		c.bytes -= uint64(len(entry.data))
		entry.data = append(entry.data[:0], data...)
		c.bytes += uint64(len(entry.data))
		c.moveToFront(entry)
		return
	}

	entry := &cacheEntry{
		offset: offset,
		data:   append([]byte(nil), data...),
	}
	c.addToFront(entry)
	c.entries[offset] = entry
	c.bytes += uint64(len(entry.data))

	for len(c.entries) > c.maxSize {
		c.evictLRU()
	}
}

// Clear removes every sector and resets the statistics.
func (c *SectorCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[int64]*cacheEntry)
	c.head = nil
	c.tail = nil
	c.bytes = 0
	c.hits = 0
	c.misses = 0
}

// Len returns the number of cached sectors.
func (c *SectorCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Statistics returns hit and occupancy counters.
func (c *SectorCache) Statistics() interfaces.SectorCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := interfaces.SectorCacheStats{
		Hits:        c.hits,
		Misses:      c.misses,
		Entries:     len(c.entries),
		MaxEntries:  c.maxSize,
		BytesCached: c.bytes,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRatio = float64(c.hits) / float64(total) * 100
	}
	return stats
}

func (c *SectorCache) moveToFront(entry *cacheEntry) {
	if entry == c.head {
		return
	}
	c.removeEntry(entry)
	c.addToFront(entry)
}

func (c *SectorCache) addToFront(entry *cacheEntry) {
	entry.prev = nil
	entry.next = c.head

	if c.head != nil {
		c.head.prev = entry
	}
	c.head = entry

	if c.tail == nil {
		c.tail = entry
	}
}

func (c *SectorCache) removeEntry(entry *cacheEntry) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		c.head = entry.next
	}

	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		c.tail = entry.prev
	}
}

func (c *SectorCache) evictLRU() {
	if c.tail == nil {
		return
	}
	entry := c.tail
	c.removeEntry(entry)
	delete(c.entries, entry.offset)
	c.bytes -= uint64(len(entry.data))
}
