package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// CacheManager is an LRU cache of prepared (resized and normalized) images
// keyed by file path. It is safe for use by concurrent loader workers.
type CacheManager struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List
	maxSize  int
	itemSize int // float32 elements per image

	// Statistics
	hits     int64
	misses   int64
	rejected int64
}

type cacheEntry struct {
	key  string
	data []float32
}

// NewCacheManager creates a cache holding up to maxSize images of itemSize values
func NewCacheManager(maxSize int, itemSize int) *CacheManager {
	return &CacheManager{
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		maxSize:  maxSize,
		itemSize: itemSize,
	}
}

// Get retrieves an item from the cache. Callers must not modify the result.
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.entries[key]; ok {
		cm.lru.MoveToFront(elem)
		cm.hits++
		return elem.Value.(*cacheEntry).data, true
	}
	cm.misses++
	return nil, false
}

// Put adds an item to the cache, evicting the least recently used items
// when full. Items of the wrong size are not stored.
func (cm *CacheManager) Put(key string, data []float32) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.maxSize <= 0 || (cm.itemSize > 0 && len(data) != cm.itemSize) {
		cm.rejected++
		return
	}
	if elem, ok := cm.entries[key]; ok {
		cm.lru.MoveToFront(elem)
		return
	}

	cm.entries[key] = cm.lru.PushFront(&cacheEntry{key: key, data: data})
	for cm.lru.Len() > cm.maxSize {
		oldest := cm.lru.Back()
		cm.lru.Remove(oldest)
		delete(cm.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:     cm.lru.Len(),
		MaxSize:  cm.maxSize,
		Hits:     cm.hits,
		Misses:   cm.misses,
		Rejected: cm.rejected,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// Clear empties the cache; statistics stay cumulative
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.entries = make(map[string]*list.Element)
	cm.lru = list.New()
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size     int
	MaxSize  int
	Hits     int64
	Misses   int64
	Rejected int64
	HitRate  float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
