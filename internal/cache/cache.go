// Package cache memoizes subgraph results in a bounded LRU store.
//
// Entries are keyed by the structure of the computing subgraph and the
// contents of the leaves it read (see KeyBuilder). A cache attached to a
// graph drops entries when nodes they depend on are removed or refined,
// and everything recorded for a graph when it is compacted.
package cache

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/born-ml/dataflow/internal/graph"
	"github.com/born-ml/dataflow/internal/tensor"
)

// errCacheInvalidated marks an entry that outlived its graph's layout. It
// is handled as a miss and never returned to callers.
var errCacheInvalidated = errors.New("cache entry invalidated")

// Dep names a graph node a cached result depends on.
type Dep struct {
	Graph uuid.UUID
	Node  graph.NodeID
}

type entry struct {
	value *tensor.RawTensor
	deps  []Dep
	graph uuid.UUID
	gen   uint64
}

// Stats counts cache activity since creation.
type Stats struct {
	Len           int
	Capacity      int
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Invalidations uint64
}

// HitRate is the percentage of lookups that hit.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

func (s Stats) String() string {
	return fmt.Sprintf("cache: %d/%d entries, hits %d, misses %d, evictions %d, invalidations %d, hit rate %.1f%%",
		s.Len, s.Capacity, s.Hits, s.Misses, s.Evictions, s.Invalidations, s.HitRate())
}

// Option configures New.
type Option func(*Cache)

// WithLogger sets the logger for invalidation events.
func WithLogger(l logr.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// Cache is a bounded LRU result cache safe for concurrent use.
type Cache struct {
	// mu guards everything below, including every call into lru so the
	// eviction callback runs with mu held.
	mu       sync.Mutex
	lru      *lru.Cache[Key, *entry]
	capacity int
	index    map[Dep]map[Key]struct{}
	gens     map[uuid.UUID]uint64
	removing bool
	stats    Stats

	group singleflight.Group
	log   logr.Logger
}

// New creates a cache holding at most capacity entries.
func New(capacity int, opts ...Option) (*Cache, error) {
	c := &Cache{
		capacity: capacity,
		index:    make(map[Dep]map[Key]struct{}),
		gens:     make(map[uuid.UUID]uint64),
		log:      logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	l, err := lru.NewWithEvict[Key, *entry](capacity, c.onEvict)
	if err != nil {
		return nil, errors.Wrapf(err, "cache capacity %d", capacity)
	}
	c.lru = l
	return c, nil
}

// onEvict runs inside lru calls, which are only made with c.mu held. The
// callback also fires for explicit removals, which set c.removing.
func (c *Cache) onEvict(key Key, e *entry) {
	c.unindex(key, e)
	if !c.removing {
		c.stats.Evictions++
	}
}

func (c *Cache) unindex(key Key, e *entry) {
	for _, d := range e.deps {
		keys := c.index[d]
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.index, d)
		}
	}
}

func (c *Cache) remove(key Key) {
	c.removing = true
	c.lru.Remove(key)
	c.removing = false
}

// lookup returns errCacheInvalidated for entries recorded before their
// graph was last compacted, after dropping them.
func (c *Cache) lookup(key Key) (*tensor.RawTensor, bool, error) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if e.gen != c.gens[e.graph] {
		c.remove(key)
		c.stats.Invalidations++
		return nil, false, errCacheInvalidated
	}
	return e.value, true, nil
}

// Get returns the cached value for key. The returned tensor is shared and
// must not be modified.
func (c *Cache) Get(key Key) (*tensor.RawTensor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok, _ := c.lookup(key)
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	return v, ok
}

// Peek is Get without touching recency or statistics.
func (c *Cache) Peek(key Key) (*tensor.RawTensor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(key)
	if !ok || e.gen != c.gens[e.graph] {
		return nil, false
	}
	return e.value, true
}

// Put stores value under key. deps are the nodes whose removal must drop
// the entry; they should all belong to one graph.
func (c *Cache) Put(key Key, deps []Dep, value *tensor.RawTensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, deps, value, c.gens[graphOf(deps)])
}

func (c *Cache) putLocked(key Key, deps []Dep, value *tensor.RawTensor, gen uint64) {
	g := graphOf(deps)
	if gen != c.gens[g] {
		// The graph was compacted while the value was computed.
		return
	}
	if old, ok := c.lru.Peek(key); ok {
		c.unindex(key, old)
	}
	e := &entry{value: value, deps: append([]Dep(nil), deps...), graph: g, gen: gen}
	for _, d := range e.deps {
		keys := c.index[d]
		if keys == nil {
			keys = make(map[Key]struct{})
			c.index[d] = keys
		}
		keys[key] = struct{}{}
	}
	c.lru.Add(key, e)
}

func graphOf(deps []Dep) uuid.UUID {
	if len(deps) == 0 {
		return uuid.Nil
	}
	return deps[0].Graph
}

// GetOrCompute returns the cached value for key, or runs compute, stores
// its result and returns it. Concurrent calls for one key share a single
// compute. Errors from compute are returned and nothing is stored.
func (c *Cache) GetOrCompute(key Key, deps []Dep, compute func() (*tensor.RawTensor, error)) (*tensor.RawTensor, error) {
	c.mu.Lock()
	v, ok, _ := c.lookup(key)
	gen := c.gens[graphOf(deps)]
	if ok {
		c.stats.Hits++
		c.mu.Unlock()
		return v, nil
	}
	c.stats.Misses++
	c.mu.Unlock()

	res, err, _ := c.group.Do(string(key), func() (any, error) {
		c.mu.Lock()
		v, ok, _ := c.lookup(key)
		c.mu.Unlock()
		if ok {
			return v, nil
		}
		t, err := compute()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.putLocked(key, deps, t, gen)
		c.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*tensor.RawTensor), nil
}

// Invalidate drops every entry depending on one of the given nodes of
// graph id and returns how many were dropped.
func (c *Cache) Invalidate(id uuid.UUID, nodes ...graph.NodeID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for _, n := range nodes {
		for key := range c.index[Dep{Graph: id, Node: n}] {
			c.remove(key)
			dropped++
		}
	}
	c.stats.Invalidations += uint64(dropped)
	return dropped
}

// invalidateGraph drops every entry of graph id and retires the current
// generation so in-flight computes are not stored.
func (c *Cache) invalidateGraph(id uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[id]++
	var stale []Key
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && e.graph == id {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		c.remove(key)
	}
	c.stats.Invalidations += uint64(len(stale))
	return len(stale)
}

// Attach subscribes the cache to g's mutations. The returned function
// unsubscribes.
func (c *Cache) Attach(g *graph.Graph) (detach func()) {
	return g.Observe(graph.ObserverFunc(func(m graph.Mutation) {
		var n int
		switch m.Kind {
		case graph.MutationAdded, graph.MutationRemoved:
			n = c.Invalidate(m.Graph, m.Nodes...)
		case graph.MutationCompacted:
			n = c.invalidateGraph(m.Graph)
		}
		if n > 0 {
			c.log.V(3).Info("Invalidated cache entries", "graph", m.Graph, "mutation", m.Kind, "epoch", m.Epoch, "entries", n)
		}
	}))
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge drops every entry. Statistics are kept.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removing = true
	c.lru.Purge()
	c.removing = false
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Len = c.lru.Len()
	s.Capacity = c.capacity
	return s
}
