package auth

import (
	"sync"
	"time"
)

// SafetyBuffer is how long before expiry a cached token stops being handed out.
const SafetyBuffer = 5 * time.Minute

type CacheKey struct {
	Identity string
	Scope    string
}

type CachedToken struct {
	AccessToken string
	// ExpiresAt is milliseconds since the Unix epoch.
	ExpiresAt int64
}

func (t CachedToken) UsableAt(now time.Time) bool {
	if t.AccessToken == "" {
		return false
	}
	return now.Add(SafetyBuffer).UnixMilli() < t.ExpiresAt
}

// CacheBackend holds the raw entries of a TokenCache. Implementations do not
// need their own locking; TokenCache serializes every call.
type CacheBackend interface {
	Load(key CacheKey) (CachedToken, bool)
	Store(key CacheKey, token CachedToken)
	Delete(key CacheKey)
	Keys() []CacheKey
}

type memoryBackend map[CacheKey]CachedToken

func NewMemoryBackend() CacheBackend {
	return memoryBackend{}
}

func (m memoryBackend) Load(key CacheKey) (CachedToken, bool) {
	tok, ok := m[key]
	return tok, ok
}

func (m memoryBackend) Store(key CacheKey, token CachedToken) {
	m[key] = token
}

func (m memoryBackend) Delete(key CacheKey) {
	delete(m, key)
}

func (m memoryBackend) Keys() []CacheKey {
	keys := make([]CacheKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	return keys
}

// TokenCache maps (identity, scope) to delegated access tokens. It is local to
// the process; separate replicas each run their own exchanges.
type TokenCache struct {
	mu      sync.Mutex
	backend CacheBackend
	now     func() time.Time
}

// NewTokenCache returns a cache on the given backend and clock. Nil arguments
// select an in-memory backend and time.Now.
func NewTokenCache(backend CacheBackend, now func() time.Time) *TokenCache {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if now == nil {
		now = time.Now
	}
	return &TokenCache{backend: backend, now: now}
}

func (c *TokenCache) Now() time.Time {
	return c.now()
}

func (c *TokenCache) Get(key CacheKey) (CachedToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.backend.Load(key)
	if !ok {
		return CachedToken{}, false
	}
	if !tok.UsableAt(c.now()) {
		c.backend.Delete(key)
		return CachedToken{}, false
	}
	return tok, true
}

func (c *TokenCache) Put(key CacheKey, token CachedToken) {
	c.mu.Lock()
	c.backend.Store(key, token)
	c.mu.Unlock()
}

// Invalidate drops cached tokens. An empty identity clears the whole cache, an
// empty scope clears every scope cached for the identity.
func (c *TokenCache) Invalidate(identity, scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.backend.Keys() {
		switch {
		case identity == "":
		case key.Identity != identity:
			continue
		case scope != "" && key.Scope != scope:
			continue
		}
		c.backend.Delete(key)
	}
}

func (c *TokenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.backend.Keys())
}
