package board

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opentutor/backend/internal/models"
)

const cacheKeyLastSeq = "lastseq"

func cacheKeyAfter(seq int64) string  { return "after:" + strconv.FormatInt(seq, 10) }
func cacheKeyRecent(limit int) string { return "recent:" + strconv.Itoa(limit) }

type cacheEntry struct {
	ops        []models.Operation
	seq        int64
	insertedAt time.Time
}

// Cache is a TTL-bounded read cache over hot room queries, sharded by room so
// a write invalidates exactly one room's entries. It is never the system of
// record: misses fall through to the store and evictions lose nothing.
type Cache struct {
	mu     sync.RWMutex
	rooms  map[uuid.UUID]map[string]cacheEntry
	gens   map[uuid.UUID]uint64 // bumped on every invalidation
	ttl    time.Duration
	maxOps int // results larger than this are not cached

	sweepMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCache creates a query cache with the given entry TTL and payload cap.
func NewCache(ttl time.Duration, maxOps int) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if maxOps <= 0 {
		maxOps = 1000
	}
	return &Cache{
		rooms:  make(map[uuid.UUID]map[string]cacheEntry),
		gens:   make(map[uuid.UUID]uint64),
		ttl:    ttl,
		maxOps: maxOps,
	}
}

// generation returns the room's invalidation counter. Readers capture it
// before querying the store and pass it to put; a write that lands in
// between bumps the counter, so the pre-write result is discarded instead
// of resurrecting stale data.
func (c *Cache) generation(roomID uuid.UUID) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[roomID]
}

func (c *Cache) getOps(roomID uuid.UUID, key string) ([]models.Operation, bool) {
	entry, ok := c.get(roomID, key)
	if !ok {
		return nil, false
	}
	return entry.ops, true
}

func (c *Cache) putOps(roomID uuid.UUID, key string, ops []models.Operation, gen uint64) {
	if len(ops) > c.maxOps {
		return
	}
	c.put(roomID, key, cacheEntry{ops: ops, insertedAt: time.Now()}, gen)
}

func (c *Cache) getLastSeq(roomID uuid.UUID) (int64, bool) {
	entry, ok := c.get(roomID, cacheKeyLastSeq)
	if !ok {
		return 0, false
	}
	return entry.seq, true
}

func (c *Cache) putLastSeq(roomID uuid.UUID, seq int64, gen uint64) {
	c.put(roomID, cacheKeyLastSeq, cacheEntry{seq: seq, insertedAt: time.Now()}, gen)
}

func (c *Cache) get(roomID uuid.UUID, key string) (cacheEntry, bool) {
	c.mu.RLock()
	entry, ok := c.rooms[roomID][key]
	c.mu.RUnlock()
	if !ok {
		return cacheEntry{}, false
	}
	if time.Since(entry.insertedAt) >= c.ttl {
		// expired entries are treated as absent and removed lazily
		c.mu.Lock()
		if cur, still := c.rooms[roomID][key]; still && cur.insertedAt.Equal(entry.insertedAt) {
			delete(c.rooms[roomID], key)
			if len(c.rooms[roomID]) == 0 {
				delete(c.rooms, roomID)
			}
		}
		c.mu.Unlock()
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *Cache) put(roomID uuid.UUID, key string, entry cacheEntry, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[roomID] != gen {
		// an invalidation happened after this result was read from the store
		return
	}
	if c.rooms[roomID] == nil {
		c.rooms[roomID] = make(map[string]cacheEntry)
	}
	c.rooms[roomID][key] = entry
}

// InvalidateRoom drops every cached entry for a room and bumps its
// generation, so in-flight reads cannot re-populate pre-write data. Called
// on every successful append or clear.
func (c *Cache) InvalidateRoom(roomID uuid.UUID) {
	c.mu.Lock()
	c.gens[roomID]++
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

// Len returns the total number of cached entries across rooms.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, entries := range c.rooms {
		n += len(entries)
	}
	return n
}

// StartSweep begins a periodic purge of expired entries to bound memory.
// Call StopSweep to release the goroutine.
func (c *Cache) StartSweep(interval time.Duration) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.sweepLoop(ctx, interval)
}

// StopSweep stops the periodic purge.
func (c *Cache) StopSweep() {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.cancel = nil
	<-c.done
}

func (c *Cache) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.removeExpired(time.Now())
		}
	}
}

func (c *Cache) removeExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for roomID, entries := range c.rooms {
		for key, entry := range entries {
			if now.Sub(entry.insertedAt) >= c.ttl {
				delete(entries, key)
			}
		}
		if len(entries) == 0 {
			delete(c.rooms, roomID)
		}
	}
}
