package embedding

import (
	"context"
	"fmt"
	"sync"
)

// EmbeddingCache holds the most recently used vectors keyed by the exact text embedded.
type EmbeddingCache struct {
	mu       sync.Mutex
	capacity int
	nodes    map[string]*lruNode
	// head is the most recently used node, tail the eviction candidate.
	head, tail *lruNode
}

type lruNode struct {
	key        string
	vec        []float32
	prev, next *lruNode
}

// NewEmbeddingCache creates a cache that keeps at most capacity vectors.
func NewEmbeddingCache(capacity int) *EmbeddingCache {
	return &EmbeddingCache{capacity: capacity, nodes: make(map[string]*lruNode, capacity)}
}

func (c *EmbeddingCache) unlink(n *lruNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (c *EmbeddingCache) pushFront(n *lruNode) {
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

// Get returns the vector for key. A hit marks the entry as most recently used.
func (c *EmbeddingCache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[key]
	if !ok {
		return nil, false
	}
	if n != c.head {
		c.unlink(n)
		c.pushFront(n)
	}
	return n.vec, true
}

// Set stores the vector for key and drops the least recently used entry past capacity.
func (c *EmbeddingCache) Set(key string, vec []float32) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[key]; ok {
		n.vec = vec
		c.unlink(n)
		c.pushFront(n)
		return
	}
	n := &lruNode{key: key, vec: vec}
	c.nodes[key] = n
	c.pushFront(n)
	if len(c.nodes) > c.capacity {
		victim := c.tail
		c.unlink(victim)
		delete(c.nodes, victim.key)
	}
}

// Len returns the number of cached vectors.
func (c *EmbeddingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// Cached fronts an Embedder with an EmbeddingCache. Batches forward only the texts
// the cache misses, in a single call to the wrapped embedder.
type Cached struct {
	inner Embedder
	cache *EmbeddingCache
}

// NewCached wraps inner with a cache of the given capacity.
func NewCached(inner Embedder, capacity int) *Cached {
	return &Cached{inner: inner, cache: NewEmbeddingCache(capacity)}
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return v, nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, v)
	return v, nil
}

func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missing []string
		slots   = make(map[string][]int)
	)
	for i, text := range texts {
		if v, ok := c.cache.Get(text); ok {
			out[i] = v
			continue
		}
		if _, dup := slots[text]; !dup {
			missing = append(missing, text)
		}
		slots[text] = append(slots[text], i)
	}
	if len(missing) == 0 {
		return out, nil
	}
	vecs, err := c.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missing))
	}
	for j, text := range missing {
		c.cache.Set(text, vecs[j])
		for _, i := range slots[text] {
			out[i] = vecs[j]
		}
	}
	return out, nil
}

func (c *Cached) Dimensions() int {
	return c.inner.Dimensions()
}

func (c *Cached) Close() error {
	return c.inner.Close()
}
