package store

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"pollenisator/internal/models"
)

// MaxCacheTTL bounds how long a cached read may be served.
const MaxCacheTTL = 30 * time.Second

// cachedCollections are the hot collections whose single-result reads are
// cached.
var cachedCollections = map[string]bool{
	models.CollPorts:          true,
	models.CollHosts:          true,
	models.CollCheckInstances: true,
	models.CollCommands:       true,
}

// Cache is a read-through cache of single-document finds.
type Cache struct {
	lru *expirable.LRU[string, Document]
}

func NewCache(size int, ttl time.Duration) *Cache {
	if ttl <= 0 || ttl > MaxCacheTTL {
		ttl = MaxCacheTTL
	}
	if size <= 0 {
		size = 1024
	}
	return &Cache{lru: expirable.NewLRU[string, Document](size, nil, ttl)}
}

// Cacheable reports whether reads on coll go through the cache.
func Cacheable(coll string) bool {
	return cachedCollections[coll]
}

func nsPrefix(db, coll string) string {
	return db + "|" + coll + "|"
}

// cacheKey identifies a normalized filter. Id-only filters get a readable key
// so writes can drop them directly.
func cacheKey(db, coll string, f Filter) string {
	if len(f) == 1 {
		if id, ok := f["_id"].(string); ok {
			return nsPrefix(db, coll) + "id:" + id
		}
	}
	raw, _ := json.Marshal(keyable(f))
	sum := sha1.Sum(raw)
	return nsPrefix(db, coll) + "q:" + hex.EncodeToString(sum[:])
}

func keyable(f Filter) map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		if in, ok := v.(In); ok {
			out[k] = map[string]any{"$in": []any(in)}
			continue
		}
		out[k] = v
	}
	return out
}

func (c *Cache) Get(db, coll string, f Filter) (Document, bool) {
	doc, ok := c.lru.Get(cacheKey(db, coll, f))
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

func (c *Cache) Put(db, coll string, f Filter, doc Document) {
	c.lru.Add(cacheKey(db, coll, f), doc.Clone())
}

// Invalidate drops the id keys of the written documents and every
// non-id key of the collection.
func (c *Cache) Invalidate(db, coll string, ids []string) {
	prefix := nsPrefix(db, coll)
	for _, id := range ids {
		c.lru.Remove(prefix + "id:" + id)
	}
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix+"q:") {
			c.lru.Remove(key)
		}
	}
}

// DropNamespace forgets every entry of db.
func (c *Cache) DropNamespace(db string) {
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, db+"|") {
			c.lru.Remove(key)
		}
	}
}

func (c *Cache) Len() int {
	return c.lru.Len()
}
