// Package cache holds validated credentials for a short, bounded time so the
// proxy can skip the store round-trip on repeat requests.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nyatishield/nyati/internal/model"
)

// DefaultTTL is how long a validated key is trusted without re-checking the
// store. A key revoked in the store may keep validating for up to this long.
const DefaultTTL = 30 * time.Second

// Entry is what the resolver needs to answer a cache hit.
type Entry struct {
	KeyID      string
	OwnerID    string
	TargetURL  string
	Tier       model.Tier
	Salt       string
	SecretHash string
	ExpiresAt  time.Time
}

// Cache is a size-bounded TTL map from presented credential to Entry. It is
// safe for concurrent use. Credentials are indexed by their SHA-256 digest so
// plaintext keys are not retained in memory.
type Cache struct {
	lru *expirable.LRU[string, Entry]
	ttl time.Duration
}

// New returns a cache holding at most size entries for ttl each.
func New(size int, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		lru: expirable.NewLRU[string, Entry](size, nil, ttl),
		ttl: ttl,
	}
}

// Get returns the unexpired entry for plaintext.
func (c *Cache) Get(plaintext string) (Entry, bool) {
	return c.lru.Get(index(plaintext))
}

// Put stores e for plaintext, refreshing the TTL if already present.
func (c *Cache) Put(plaintext string, e Entry) {
	e.ExpiresAt = time.Now().Add(c.ttl)
	c.lru.Add(index(plaintext), e)
}

// Remove drops the entry for plaintext.
func (c *Cache) Remove(plaintext string) {
	c.lru.Remove(index(plaintext))
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// TTL reports the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func index(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
