package embedding

import (
	"container/list"
	"context"
	"sync"
)

// lruCache is an LRU cache of embeddings keyed by text.
type lruCache struct {
	capacity int
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List
}

type lruEntry struct {
	text string
	vec  []float32
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *lruCache) get(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[text]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*lruEntry).vec, true
}

func (c *lruCache) set(text string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[text]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*lruEntry).vec = vec
		return
	}
	c.entries[text] = c.order.PushFront(&lruEntry{text: text, vec: vec})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).text)
	}
}

// Cached decorates an Embedder with an LRU cache keyed by text. Repeated
// queries for the same text skip the provider entirely.
type Cached struct {
	inner Embedder
	cache *lruCache
}

var _ Embedder = (*Cached)(nil)

// NewCached wraps inner with a cache of the given capacity. A capacity of
// zero or less disables caching by falling back to a capacity of 1.
func NewCached(inner Embedder, capacity int) *Cached {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cached{inner: inner, cache: newLRUCache(capacity)}
}

// Embed returns the cached embedding when present, otherwise delegates.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.get(text); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.set(text, vec)
	return vec, nil
}

// EmbedBatch embeds each text through the cache.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}

// Dimensions returns the wrapped embedder's dimension.
func (c *Cached) Dimensions() int {
	return c.inner.Dimensions()
}

// Close closes the wrapped embedder.
func (c *Cached) Close() error {
	return c.inner.Close()
}
