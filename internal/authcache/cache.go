package authcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Auth modes.
const (
	// ModePassthrough admits any key the upstream accepts.
	ModePassthrough = "passthrough"
	// ModeBoth requires the admin allow-list and upstream validity.
	ModeBoth = "both"
)

// Default TTLs, overridable via configuration and the admin surface.
const (
	DefaultValidTTL   = 300 * time.Second
	DefaultInvalidTTL = 60 * time.Second
)

// Entry is one cached validation verdict, keyed by hash(api key). Raw
// keys are never stored.
type Entry struct {
	KeyHash     string    `json:"key_hash"`
	Valid       bool      `json:"valid"`
	ValidatedAt time.Time `json:"validated_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// Validator checks a raw API key against the configured upstream.
type Validator func(ctx context.Context, apiKey string) (bool, error)

// Config is the runtime-adjustable part of the cache.
type Config struct {
	Mode       string        `json:"mode"`
	ValidTTL   time.Duration `json:"valid_ttl"`
	InvalidTTL time.Duration `json:"invalid_ttl"`
}

// Cache maps hashed API keys to validation verdicts so most requests are
// admitted or rejected without a remote round trip. Concurrent misses for
// the same key validate exactly once via singleflight.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	allow    map[string]bool
	cfg      Config
	validate Validator
	group    singleflight.Group
	clock    func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTLs overrides the valid/invalid entry lifetimes.
func WithTTLs(valid, invalid time.Duration) Option {
	return func(c *Cache) {
		if valid > 0 {
			c.cfg.ValidTTL = valid
		}
		if invalid > 0 {
			c.cfg.InvalidTTL = invalid
		}
	}
}

// WithMode sets the initial auth mode.
func WithMode(mode string) Option {
	return func(c *Cache) { c.cfg.Mode = mode }
}

// WithAllowList seeds the admin allow-list with raw keys.
func WithAllowList(keys []string) Option {
	return func(c *Cache) {
		for _, key := range keys {
			c.allow[HashKey(key)] = true
		}
	}
}

func withClock(clock func() time.Time) Option {
	return func(c *Cache) { c.clock = clock }
}

// New creates a cache backed by the given upstream validator.
func New(validate Validator, opts ...Option) *Cache {
	c := &Cache{
		entries:  map[string]*Entry{},
		allow:    map[string]bool{},
		validate: validate,
		clock:    time.Now,
		cfg: Config{
			Mode:       ModePassthrough,
			ValidTTL:   DefaultValidTTL,
			InvalidTTL: DefaultInvalidTTL,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HashKey is the cache key derivation: hex sha256 of the raw API key.
func HashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Check admits or rejects a raw API key. A fresh cached entry decides
// without remote validation; a miss or expired entry validates upstream
// under singleflight and inserts the verdict.
func (c *Cache) Check(ctx context.Context, apiKey string) (bool, error) {
	hash := HashKey(apiKey)
	now := c.clock()

	c.mu.Lock()
	cfg := c.cfg
	if cfg.Mode == ModeBoth && !c.allow[hash] {
		c.mu.Unlock()
		return false, nil
	}
	if entry, ok := c.entries[hash]; ok && !c.expired(entry, now) {
		entry.LastUsedAt = now
		valid := entry.Valid
		c.mu.Unlock()
		return valid, nil
	}
	c.mu.Unlock()

	result, err, _ := c.group.Do(hash, func() (any, error) {
		valid, err := c.validate(ctx, apiKey)
		if err != nil {
			return false, err
		}
		at := c.clock()
		c.mu.Lock()
		c.entries[hash] = &Entry{KeyHash: hash, Valid: valid, ValidatedAt: at, LastUsedAt: at}
		c.mu.Unlock()
		logrus.Debugf("validated credential %s: valid=%v", hash[:8], valid)
		return valid, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

func (c *Cache) expired(entry *Entry, now time.Time) bool {
	ttl := c.cfg.ValidTTL
	if !entry.Valid {
		ttl = c.cfg.InvalidTTL
	}
	return now.Sub(entry.ValidatedAt) >= ttl
}

// Invalidate removes one entry by key hash, reporting whether it existed.
func (c *Cache) Invalidate(keyHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[keyHash]; !ok {
		return false
	}
	delete(c.entries, keyHash)
	return true
}

// InvalidateKey removes the entry for a raw API key. Called when an
// upstream 401 proves the credential that was used is no longer good.
func (c *Cache) InvalidateKey(apiKey string) bool {
	return c.Invalidate(HashKey(apiKey))
}

// InvalidateAll drops every entry and returns how many were dropped.
func (c *Cache) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = map[string]*Entry{}
	return n
}

// Entries returns a snapshot of all cached entries.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, *entry)
	}
	return out
}

// Configuration returns the current runtime config.
func (c *Cache) Configuration() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Update applies a partial runtime config change from the admin surface.
// Zero values leave the corresponding setting untouched.
func (c *Cache) Update(mode string, validTTL, invalidTTL time.Duration) Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mode == ModePassthrough || mode == ModeBoth {
		c.cfg.Mode = mode
	}
	if validTTL > 0 {
		c.cfg.ValidTTL = validTTL
	}
	if invalidTTL > 0 {
		c.cfg.InvalidTTL = invalidTTL
	}
	return c.cfg
}
