package ingestion

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wonj1012/blockchain-simulator/internal/observability"
)

// KeyStore is the durable tier of deduplication: the block log.
type KeyStore interface {
	IsDuplicate(key string) (bool, error)
}

// Deduplicator implements two-tier deduplication of idempotency keys.
// Tier 1 is an in-memory LRU holding keys accepted by this process,
// including those still in the mempool; tier 2 asks the block log about
// keys committed before a restart or evicted from the LRU.
type Deduplicator struct {
	mu      sync.Mutex
	lru     *KeyLRU
	store   KeyStore
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewDeduplicator builds a deduplicator. store may be nil when no block
// log is configured.
func NewDeduplicator(capacity int, store KeyStore, metrics *observability.Metrics, logger zerolog.Logger) *Deduplicator {
	return &Deduplicator{
		lru:     NewKeyLRU(capacity),
		store:   store,
		metrics: metrics,
		logger:  logger,
	}
}

// Admit reports whether key is new and, if so, records it. Two concurrent
// Admit calls for the same key never both succeed.
func (d *Deduplicator) Admit(key string) bool {
	d.mu.Lock()
	seen := d.lru.Contains(key)
	d.mu.Unlock()
	if seen {
		d.recordDuplicate("lru")
		return false
	}

	if d.store != nil {
		start := time.Now()
		dup, err := d.store.IsDuplicate(key)
		if d.metrics != nil {
			d.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
		}
		switch {
		case err != nil:
			// a block log outage must not stop intake
			d.logger.Warn().Err(err).Str("key", key).Msg("tier-2 dedup lookup failed, assuming new")
		case dup:
			d.recordDuplicate("postgres")
			d.add(key)
			return false
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lru.Contains(key) {
		d.recordDuplicate("lru")
		return false
	}
	d.addLocked(key)
	return true
}

// Release forgets a key admitted for a transaction that never reached the
// mempool, so the submitter can retry it.
func (d *Deduplicator) Release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lru.Remove(key)
	d.updateSize()
}

// Warm preloads keys, oldest first, e.g. the newest keys of the block log.
func (d *Deduplicator) Warm(keys []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		d.addLocked(k)
	}
}

func (d *Deduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lru.Size()
}

func (d *Deduplicator) add(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addLocked(key)
}

func (d *Deduplicator) addLocked(key string) {
	if d.lru.Add(key) && d.metrics != nil {
		d.metrics.DedupLRUEvictions.Inc()
	}
	d.updateSize()
}

func (d *Deduplicator) updateSize() {
	if d.metrics != nil {
		d.metrics.DedupLRUSize.Set(float64(d.lru.Size()))
	}
}

func (d *Deduplicator) recordDuplicate(tier string) {
	if d.metrics != nil {
		d.metrics.IngestDuplicates.WithLabelValues(tier).Inc()
	}
}

// --- LRU Implementation ---

// KeyLRU is an LRU set of idempotency keys. Not safe for concurrent use;
// Deduplicator serializes access.
type KeyLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List

	evictions int64
}

func NewKeyLRU(capacity int) *KeyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &KeyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks if key exists (promotes to front).
func (lru *KeyLRU) Contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts or promotes key and reports whether an entry was evicted.
func (lru *KeyLRU) Add(key string) bool {
	if elem, ok := lru.cache[key]; ok {
		lru.order.MoveToFront(elem)
		return false
	}
	lru.cache[key] = lru.order.PushFront(key)
	if lru.order.Len() <= lru.capacity {
		return false
	}
	oldest := lru.order.Back()
	lru.order.Remove(oldest)
	delete(lru.cache, oldest.Value.(string))
	lru.evictions++
	return true
}

func (lru *KeyLRU) Remove(key string) {
	if elem, ok := lru.cache[key]; ok {
		lru.order.Remove(elem)
		delete(lru.cache, key)
	}
}

func (lru *KeyLRU) Size() int {
	return lru.order.Len()
}

func (lru *KeyLRU) Evictions() int64 {
	return lru.evictions
}
