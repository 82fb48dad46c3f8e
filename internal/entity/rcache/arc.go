// Package rcache provides the Adaptive Replacement Cache (ARC) used by the
// entity resolver (C4) to hold its FRN->entity_id and path->entity_id
// lookup tables in memory.
//
// ARC dynamically balances between recency-based (LRU-like) and
// frequency-based eviction, which suits the resolver's workload: a burst of
// renames/copies repeatedly touches the same handful of paths (frequency),
// while a directory walk touches a long tail of FRNs exactly once
// (recency). A single fixed policy underserves one or the other.
//
// The algorithm maintains four lists:
//   - T1: Recent cache misses (recency)
//   - T2: Frequent items (frequency)
//   - B1: Ghost entries evicted from T1 (adaptation history)
//   - B2: Ghost entries evicted from T2 (adaptation history)
package rcache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// Entry represents a cache entry with metadata for the ARC algorithm.
type Entry struct {
	Key         string
	Value       interface{}
	Size        int64
	Timestamp   time.Time
	AccessCount int64
	LastAccess  time.Time
	listType    listType
}

type listType int

const (
	listT1 listType = iota
	listT2
	listB1
	listB2
)

// arcList represents one of the four ARC lists with efficient operations.
type arcList struct {
	list     *list.List
	entries  map[string]*list.Element
	maxSize  int
	totalMem int64
}

// Cache implements the ARC algorithm with memory awareness.
type Cache struct {
	mu sync.RWMutex

	t1, t2, b1, b2 *arcList

	c int // target cache size (T1 + T2)
	p int // adaptation parameter (balance between T1 and T2)

	maxMemory     int64
	currentMemory int64

	maxSize      int
	ttl          time.Duration
	sizeAware    bool
	adaptEnabled bool

	hits           int64
	misses         int64
	evictions      int64
	adaptations    int64
	memoryPressure float64

	stopCleanup     chan struct{}
	cleanupInterval time.Duration
}

// Config configures an ARC Cache.
type Config struct {
	MaxSize         int           // maximum number of entries
	MaxMemory       int64         // maximum memory usage in bytes
	TTL             time.Duration // time-to-live for entries (0 = no expiry)
	SizeAware       bool          // enable size-aware eviction
	AdaptEnabled    bool          // enable ARC adaptation
	CleanupInterval time.Duration // background cleanup interval
}

// DefaultConfig returns a configuration sized for the entity resolver's FRN
// and path caches.
func DefaultConfig() Config {
	return Config{
		MaxSize:         50000,
		MaxMemory:       64 * 1024 * 1024,
		TTL:             0,
		SizeAware:       true,
		AdaptEnabled:    true,
		CleanupInterval: 5 * time.Minute,
	}
}

// New creates a new Cache with the given configuration.
func New(config Config) *Cache {
	c := &Cache{
		c:               config.MaxSize,
		p:               config.MaxSize / 2,
		maxMemory:       config.MaxMemory,
		maxSize:         config.MaxSize,
		ttl:             config.TTL,
		sizeAware:       config.SizeAware,
		adaptEnabled:    config.AdaptEnabled,
		stopCleanup:     make(chan struct{}),
		cleanupInterval: config.CleanupInterval,
	}

	c.t1 = newArcList(config.MaxSize / 2)
	c.t2 = newArcList(config.MaxSize / 2)
	c.b1 = newArcList(config.MaxSize)
	c.b2 = newArcList(config.MaxSize)

	if c.cleanupInterval > 0 {
		go c.cleanupLoop()
	}

	return c
}

func newArcList(maxSize int) *arcList {
	return &arcList{
		list:    list.New(),
		entries: make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

// Get retrieves a value from the cache and updates ARC metadata.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, found := c.t1.entries[key]; found {
		entry := elem.Value.(*Entry)

		if c.isExpired(entry) {
			c.removeFromList(c.t1, key)
			atomic.AddInt64(&c.misses, 1)
			return nil, false
		}

		c.removeFromList(c.t1, key)
		c.addToListFront(c.t2, key, entry)
		entry.listType = listT2
		entry.AccessCount++
		entry.LastAccess = time.Now()

		atomic.AddInt64(&c.hits, 1)
		return entry.Value, true
	}

	if elem, found := c.t2.entries[key]; found {
		entry := elem.Value.(*Entry)

		if c.isExpired(entry) {
			c.removeFromList(c.t2, key)
			atomic.AddInt64(&c.misses, 1)
			return nil, false
		}

		c.t2.list.MoveToFront(elem)
		entry.AccessCount++
		entry.LastAccess = time.Now()

		atomic.AddInt64(&c.hits, 1)
		return entry.Value, true
	}

	if c.adaptEnabled {
		if _, found := c.b1.entries[key]; found {
			c.adaptForRecency()
			c.removeFromList(c.b1, key)
		} else if _, found := c.b2.entries[key]; found {
			c.adaptForFrequency()
			c.removeFromList(c.b2, key)
		}
	}

	atomic.AddInt64(&c.misses, 1)
	return nil, false
}

// Set stores a value in the cache using ARC replacement logic.
func (c *Cache) Set(key string, value interface{}, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeKey(key)

	entry := &Entry{
		Key:         key,
		Value:       value,
		Size:        size,
		Timestamp:   time.Now(),
		AccessCount: 1,
		LastAccess:  time.Now(),
		listType:    listT1,
	}

	if c.sizeAware {
		c.ensureMemoryLimit(size)
	}
	c.ensureSizeLimit()

	c.addToListFront(c.t1, key, entry)
	atomic.AddInt64(&c.currentMemory, size)

	c.updateMemoryPressure()
}

// Delete removes a key from the cache, if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeKey(key)
}

func (c *Cache) removeKey(key string) {
	for _, l := range []*arcList{c.t1, c.t2, c.b1, c.b2} {
		if elem, found := l.entries[key]; found {
			entry := elem.Value.(*Entry)
			atomic.AddInt64(&c.currentMemory, -entry.Size)
			c.removeFromList(l, key)
			return
		}
	}
}

func (c *Cache) ensureMemoryLimit(newSize int64) {
	if c.maxMemory <= 0 {
		return
	}
	targetMemory := c.maxMemory - newSize

	for c.currentMemory > targetMemory {
		var largestEntry *Entry
		var largestList *arcList
		var largestKey string

		for _, l := range []*arcList{c.t1, c.t2} {
			for key, elem := range l.entries {
				entry := elem.Value.(*Entry)
				if largestEntry == nil || entry.Size > largestEntry.Size {
					largestEntry = entry
					largestList = l
					largestKey = key
				}
			}
		}

		if largestEntry == nil {
			break
		}

		c.evictEntry(largestList, largestKey)
	}
}

func (c *Cache) ensureSizeLimit() {
	totalSize := c.t1.list.Len() + c.t2.list.Len()

	for totalSize > 0 && totalSize >= c.c {
		if c.t1.list.Len() > c.p {
			c.evictFromT1()
		} else {
			c.evictFromT2()
		}
		totalSize = c.t1.list.Len() + c.t2.list.Len()
	}
}

func (c *Cache) evictFromT1() {
	if c.t1.list.Len() == 0 {
		return
	}
	elem := c.t1.list.Back()
	entry := elem.Value.(*Entry)
	key := entry.Key

	c.removeFromList(c.t1, key)
	c.addGhostEntry(c.b1, key)
	atomic.AddInt64(&c.currentMemory, -entry.Size)
	atomic.AddInt64(&c.evictions, 1)
}

func (c *Cache) evictFromT2() {
	if c.t2.list.Len() == 0 {
		return
	}
	elem := c.t2.list.Back()
	entry := elem.Value.(*Entry)
	key := entry.Key

	c.removeFromList(c.t2, key)
	c.addGhostEntry(c.b2, key)
	atomic.AddInt64(&c.currentMemory, -entry.Size)
	atomic.AddInt64(&c.evictions, 1)
}

func (c *Cache) evictEntry(l *arcList, key string) {
	if elem, found := l.entries[key]; found {
		entry := elem.Value.(*Entry)
		atomic.AddInt64(&c.currentMemory, -entry.Size)
		c.removeFromList(l, key)
		atomic.AddInt64(&c.evictions, 1)
	}
}

func (c *Cache) addGhostEntry(l *arcList, key string) {
	for l.list.Len() >= l.maxSize && l.maxSize > 0 {
		elem := l.list.Back()
		ghostEntry := elem.Value.(*Entry)
		c.removeFromList(l, ghostEntry.Key)
	}

	ghostEntry := &Entry{
		Key:       key,
		Value:     nil,
		Timestamp: time.Now(),
	}

	c.addToListFront(l, key, ghostEntry)
}

func (c *Cache) adaptForRecency() {
	delta := 1
	if c.b1.list.Len() > 0 && c.b2.list.Len() > 0 && c.b1.list.Len() >= c.b2.list.Len() {
		delta = c.b1.list.Len() / c.b2.list.Len()
	}
	c.p = minInt(c.c, c.p+delta)
	atomic.AddInt64(&c.adaptations, 1)
}

func (c *Cache) adaptForFrequency() {
	delta := 1
	if c.b1.list.Len() > 0 && c.b2.list.Len() > 0 && c.b2.list.Len() >= c.b1.list.Len() {
		delta = c.b2.list.Len() / c.b1.list.Len()
	}
	c.p = maxInt(0, c.p-delta)
	atomic.AddInt64(&c.adaptations, 1)
}

func (c *Cache) addToListFront(l *arcList, key string, entry *Entry) {
	elem := l.list.PushFront(entry)
	l.entries[key] = elem
	l.totalMem += entry.Size
}

func (c *Cache) removeFromList(l *arcList, key string) {
	if elem, found := l.entries[key]; found {
		entry := elem.Value.(*Entry)
		l.list.Remove(elem)
		delete(l.entries, key)
		l.totalMem -= entry.Size
	}
}

func (c *Cache) isExpired(entry *Entry) bool {
	if c.ttl <= 0 {
		return false
	}
	return time.Since(entry.Timestamp) > c.ttl
}

func (c *Cache) updateMemoryPressure() {
	if c.maxMemory > 0 {
		c.memoryPressure = float64(c.currentMemory) / float64(c.maxMemory)
	}
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanupExpired()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *Cache) cleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl <= 0 {
		return
	}

	now := time.Now()
	var expiredKeys []string

	for _, l := range []*arcList{c.t1, c.t2, c.b1, c.b2} {
		for key, elem := range l.entries {
			entry := elem.Value.(*Entry)
			if now.Sub(entry.Timestamp) > c.ttl {
				expiredKeys = append(expiredKeys, key)
			}
		}
	}

	for _, key := range expiredKeys {
		c.removeKey(key)
	}
}

// Stats provides comprehensive statistics about ARC performance.
type Stats struct {
	Hits           int64
	Misses         int64
	HitRatio       float64
	Evictions      int64
	Adaptations    int64
	T1Size         int
	T2Size         int
	B1Size         int
	B2Size         int
	CurrentMemory  int64
	MaxMemory      int64
	MemoryPressure float64
	AdaptParam     int
	TargetSize     int
}

// GetStats returns current cache statistics.
func (c *Cache) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	total := hits + misses

	hitRatio := float64(0)
	if total > 0 {
		hitRatio = float64(hits) / float64(total)
	}

	return Stats{
		Hits:           hits,
		Misses:         misses,
		HitRatio:       hitRatio,
		Evictions:      atomic.LoadInt64(&c.evictions),
		Adaptations:    atomic.LoadInt64(&c.adaptations),
		T1Size:         c.t1.list.Len(),
		T2Size:         c.t2.list.Len(),
		B1Size:         c.b1.list.Len(),
		B2Size:         c.b2.list.Len(),
		CurrentMemory:  c.currentMemory,
		MaxMemory:      c.maxMemory,
		MemoryPressure: c.memoryPressure,
		AdaptParam:     c.p,
		TargetSize:     c.c,
	}
}

// Clear removes all entries from the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range []*arcList{c.t1, c.t2, c.b1, c.b2} {
		l.list.Init()
		l.entries = make(map[string]*list.Element)
		l.totalMem = 0
	}

	atomic.StoreInt64(&c.hits, 0)
	atomic.StoreInt64(&c.misses, 0)
	atomic.StoreInt64(&c.evictions, 0)
	atomic.StoreInt64(&c.adaptations, 0)
	c.currentMemory = 0
	c.memoryPressure = 0
	c.p = c.c / 2
}

// Close stops background cleanup and releases resources.
func (c *Cache) Close() {
	close(c.stopCleanup)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
