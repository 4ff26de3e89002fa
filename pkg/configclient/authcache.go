package configclient

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/incidentfox/incidentfox/pkg/models"
)

// identityEntry holds one cached admin identity with its fetch time.
type identityEntry struct {
	identity  *models.AdminIdentity
	fetchedAt time.Time
}

// identityCache is a thread-safe TTL cache for admin-token lookups.
// Expired entries are cleaned up lazily on Get; no background goroutine.
type identityCache struct {
	mu      sync.RWMutex
	entries map[string]*identityEntry
	ttl     time.Duration
}

func newIdentityCache(ttl time.Duration) *identityCache {
	return &identityCache{
		entries: make(map[string]*identityEntry),
		ttl:     ttl,
	}
}

// Get returns a cached identity if present and not expired.
func (c *identityCache) Get(key string) (*models.AdminIdentity, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Since(entry.fetchedAt) > c.ttl {
		// Expired. Re-check under the write lock: a concurrent Set may
		// have replaced the entry with a fresh one in between.
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && time.Since(current.fetchedAt) > c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.identity, true
}

// Set stores an identity with the current timestamp.
func (c *identityCache) Set(key string, identity *models.AdminIdentity) {
	c.mu.Lock()
	c.entries[key] = &identityEntry{
		identity:  identity,
		fetchedAt: time.Now(),
	}
	c.mu.Unlock()
}

// tokenDigest derives the cache key for a bearer token. Raw tokens are
// never used as map keys so a heap dump cannot leak them.
func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
