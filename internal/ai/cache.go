package ai

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"sync"
)

// Cache stores the last successful record per key. Get reports a miss for
// any backend failure; Set is best-effort.
type Cache interface {
	Get(ctx context.Context, key string) (*NormalizedRecord, bool)
	Set(ctx context.Context, key string, rec NormalizedRecord)
}

// MemoryCache is a process-lifetime map without eviction.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]NormalizedRecord
}

// NewMemoryCache creates an empty in-process cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]NormalizedRecord)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*NormalizedRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return &rec, true
}

func (c *MemoryCache) Set(_ context.Context, key string, rec NormalizedRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = rec
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TieredCache reads tiers in order and backfills faster tiers on a lower hit.
type TieredCache struct {
	tiers []Cache
}

// NewTieredCache chains caches, fastest first. Nil tiers are skipped.
func NewTieredCache(tiers ...Cache) *TieredCache {
	t := &TieredCache{}
	for _, c := range tiers {
		if c != nil {
			t.tiers = append(t.tiers, c)
		}
	}
	return t
}

func (t *TieredCache) Get(ctx context.Context, key string) (*NormalizedRecord, bool) {
	for i, c := range t.tiers {
		rec, ok := c.Get(ctx, key)
		if !ok {
			continue
		}
		for j := 0; j < i; j++ {
			t.tiers[j].Set(ctx, key, *rec)
		}
		return rec, true
	}
	return nil, false
}

func (t *TieredCache) Set(ctx context.Context, key string, rec NormalizedRecord) {
	for _, c := range t.tiers {
		c.Set(ctx, key, rec)
	}
}

// Image fingerprint modes.
const (
	ImageKeyPrefix = "prefix"
	ImageKeyDigest = "digest"
)

// DefaultImageKeyPrefixLen is how many base64 characters fingerprint an image
// in prefix mode.
const DefaultImageKeyPrefixLen = 2048

func cacheKey(op Operation, canonical string) string {
	return string(op) + ":" + canonical
}

func textKey(op Operation, text string) string {
	return cacheKey(op, strings.TrimSpace(text))
}

// imageKey fingerprints image bytes. Prefix mode reuses the first n characters
// of the base64 payload and can collide for images sharing a header; digest
// mode hashes the whole payload.
func imageKey(op Operation, data []byte, mode string, n int) string {
	if mode == ImageKeyDigest {
		sum := sha256.Sum256(data)
		return cacheKey(op, "sha256:"+hex.EncodeToString(sum[:]))
	}
	if n <= 0 {
		n = DefaultImageKeyPrefixLen
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	if len(encoded) > n {
		encoded = encoded[:n]
	}
	return cacheKey(op, encoded)
}
