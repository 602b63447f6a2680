// Package scancache implements the content-addressed Scan Cache (C8):
// single-flight build coordination keyed by a fingerprint over
// repository path, commit SHA, handler version, and option hash (spec
// §4.8). It is grounded on golang.org/x/sync/singleflight, which
// already exists in the dependency pack, and deliberately does not
// reach for a distributed cache — the spec's consistency model
// ("a stale artifact still matches its own fingerprint by construction")
// only needs process-local dedup.
package scancache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Artifact is the opaque result blob of spec §3's Scan Cache Entry.
type Artifact struct {
	SchemaVersion int             `json:"schemaVersion"`
	Data          json.RawMessage `json:"data"`
}

type entry struct {
	artifact       Artifact
	repositoryPath string
	createdAt      time.Time
	ttl            time.Duration
}

func (e entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.After(e.createdAt.Add(e.ttl))
}

// Cache is the Scan Cache of spec §4.8. Its single-flight group
// guarantees that N concurrent builders for the same fingerprint result
// in exactly one underlying build (spec §8 "Single-flight" law).
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	group      singleflight.Group
	defaultTTL time.Duration
	now        func() time.Time

	onHit         func(fingerprint string)
	onMiss        func(fingerprint string)
	onInvalidated func(fingerprint string)
}

// New builds a Cache with the given default TTL (spec config
// cache.ttlMs, per-type — callers that want per-type TTLs construct one
// Cache per job type, or pass an explicit ttl to Put).
func New(defaultTTL time.Duration) *Cache {
	return &Cache{
		entries:    make(map[string]entry),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// OnHit/OnMiss/OnInvalidated wire cache:hit, cache:miss, and
// cache:invalidated event emission (spec §4.1 taxonomy) without the
// cache importing the engine's event bus directly.
func (c *Cache) OnHit(fn func(fingerprint string))         { c.onHit = fn }
func (c *Cache) OnMiss(fn func(fingerprint string))        { c.onMiss = fn }
func (c *Cache) OnInvalidated(fn func(fingerprint string)) { c.onInvalidated = fn }

// Get returns the cached artifact for fingerprint, if present and not
// expired. A miss lazily evicts any expired entry it finds (spec §4.8
// "past TTL entries are lazily evicted on next access").
func (c *Cache) Get(fingerprint string) (Artifact, bool) {
	c.mu.Lock()
	e, ok := c.entries[fingerprint]
	if ok && e.expired(c.now()) {
		delete(c.entries, fingerprint)
		ok = false
	}
	c.mu.Unlock()

	if ok && c.onHit != nil {
		c.onHit(fingerprint)
	}
	if !ok && c.onMiss != nil {
		c.onMiss(fingerprint)
	}
	return e.artifact, ok
}

// Put stores an artifact under fingerprint with the given TTL (0 uses
// the cache's default). repositoryPath is recorded so
// InvalidateByRepository can later find every fingerprint derived from
// that path without needing the fingerprint to literally encode it.
func (c *Cache) Put(fingerprint, repositoryPath string, artifact Artifact, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	c.entries[fingerprint] = entry{artifact: artifact, repositoryPath: repositoryPath, createdAt: c.now(), ttl: ttl}
	c.mu.Unlock()
}

// Invalidate removes the entry for fingerprint, if any, and reports
// whether anything was removed (spec §4.8 invalidate(fingerprint)).
func (c *Cache) Invalidate(fingerprint string) bool {
	c.mu.Lock()
	_, ok := c.entries[fingerprint]
	delete(c.entries, fingerprint)
	c.mu.Unlock()
	if ok && c.onInvalidated != nil {
		c.onInvalidated(fingerprint)
	}
	return ok
}

// InvalidateByRepository removes every entry recorded under
// repositoryPath, the mechanism behind `invalidate(repositoryPath)`
// (spec §4.8). Fingerprints are content hashes, not path-prefixed, so
// this is a linear scan over the (small, in-memory) entry set rather
// than a prefix match.
func (c *Cache) InvalidateByRepository(repositoryPath string) int {
	c.mu.Lock()
	var removed []string
	for fp, e := range c.entries {
		if e.repositoryPath == repositoryPath {
			removed = append(removed, fp)
		}
	}
	for _, fp := range removed {
		delete(c.entries, fp)
	}
	c.mu.Unlock()
	if c.onInvalidated != nil {
		for _, fp := range removed {
			c.onInvalidated(fp)
		}
	}
	return len(removed)
}

// Builder produces a fresh Artifact for a cache miss.
type Builder func() (Artifact, error)

// Acquire implements the single-flight contract of spec §4.8: at most
// one concurrent call to build runs per fingerprint; every other
// concurrent caller for the same fingerprint waits and receives the
// leader's result (or its error) without invoking build itself.
func (c *Cache) Acquire(fingerprint, repositoryPath string, build Builder) (Artifact, error, bool) {
	v, err, shared := c.group.Do(fingerprint, func() (any, error) {
		artifact, err := build()
		if err != nil {
			return Artifact{}, err
		}
		c.Put(fingerprint, repositoryPath, artifact, 0)
		return artifact, nil
	})
	if err != nil {
		return Artifact{}, err, shared
	}
	return v.(Artifact), nil, shared
}

// Fingerprint hashes the inputs enumerated in spec §4.8 into the cache
// key: repositoryPath, commitSha, handlerVersion, and an option hash.
func Fingerprint(repositoryPath, commitSha, handlerVersion string, options any) string {
	h := sha256.New()
	h.Write([]byte(repositoryPath))
	h.Write([]byte{0})
	h.Write([]byte(commitSha))
	h.Write([]byte{0})
	h.Write([]byte(handlerVersion))
	h.Write([]byte{0})
	if options != nil {
		if b, err := json.Marshal(options); err == nil {
			h.Write(b)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
