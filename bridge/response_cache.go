package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Fingerprint identifies a cached response. It is namespaced by provider and
// operation so entries from different providers never collide.
type Fingerprint struct {
	Server    string
	Operation string
	Hash      string
}

func (f Fingerprint) String() string {
	return f.Server + "/" + f.Operation + "/" + f.Hash
}

// NewFingerprint hashes the identifying subset of params. When keyFields is
// empty every parameter participates.
func NewFingerprint(server, operation string, params map[string]any, keyFields []string) (Fingerprint, error) {
	subset := params
	if len(keyFields) > 0 {
		subset = make(map[string]any, len(keyFields))
		for _, field := range keyFields {
			if value, ok := params[field]; ok {
				subset[field] = value
			}
		}
	}
	if subset == nil {
		subset = map[string]any{}
	}

	// encoding/json sorts map keys, which makes the encoding canonical.
	payload, err := json.Marshal(struct {
		Server    string         `json:"server"`
		Operation string         `json:"operation"`
		Params    map[string]any `json:"params"`
	}{server, operation, subset})
	if err != nil {
		return Fingerprint{}, fmt.Errorf("bridge: fingerprint params: %w", err)
	}
	sum := sha256.Sum256(payload)
	return Fingerprint{Server: server, Operation: operation, Hash: hex.EncodeToString(sum[:])}, nil
}

// CacheEntry is one stored response.
type CacheEntry struct {
	Fingerprint Fingerprint
	Payload     []byte
	InsertedAt  time.Time
}

// ResponseStore is an optional durable tier behind the in-memory cache.
type ResponseStore interface {
	Load(ctx context.Context, fp Fingerprint) (CacheEntry, bool, error)
	Save(ctx context.Context, entry CacheEntry) error
	Clear(ctx context.Context, server string) error
	Close() error
}

// ResponseCacheConfig configures a ResponseCache.
type ResponseCacheConfig struct {
	// SoftCap bounds entries per provider; the least recently used entry is
	// evicted past it. Zero means unbounded.
	SoftCap int
	Store   ResponseStore
	Logger  *slog.Logger
	Now     func() time.Time
}

// ResponseCache memoizes idempotent responses per provider.
type ResponseCache struct {
	softCap int
	store   ResponseStore
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	shards map[string]*responseShard
}

// responseShard holds one provider's entries: an LRU when a soft cap is set,
// a plain map otherwise.
type responseShard struct {
	mu      sync.Mutex
	bounded *simplelru.LRU[string, CacheEntry]
	entries map[string]CacheEntry
}

func newResponseShard(softCap int) *responseShard {
	if softCap > 0 {
		// NewLRU only fails for a non-positive size.
		bounded, _ := simplelru.NewLRU[string, CacheEntry](softCap, nil)
		return &responseShard{bounded: bounded}
	}
	return &responseShard{entries: map[string]CacheEntry{}}
}

// get and the methods below require mu.
func (s *responseShard) get(key string) (CacheEntry, bool) {
	if s.bounded != nil {
		return s.bounded.Get(key)
	}
	entry, ok := s.entries[key]
	return entry, ok
}

func (s *responseShard) add(key string, entry CacheEntry) {
	if s.bounded != nil {
		s.bounded.Add(key, entry)
		return
	}
	s.entries[key] = entry
}

func (s *responseShard) purge() {
	if s.bounded != nil {
		s.bounded.Purge()
		return
	}
	clear(s.entries)
}

func (s *responseShard) size() int {
	if s.bounded != nil {
		return s.bounded.Len()
	}
	return len(s.entries)
}

// NewResponseCache creates a response cache.
func NewResponseCache(cfg ResponseCacheConfig) *ResponseCache {
	if cfg.SoftCap < 0 {
		cfg.SoftCap = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &ResponseCache{
		softCap: cfg.SoftCap,
		store:   cfg.Store,
		logger:  cfg.Logger,
		now:     cfg.Now,
		shards:  map[string]*responseShard{},
	}
}

func (c *ResponseCache) shard(server string) *responseShard {
	c.mu.RLock()
	shard, ok := c.shards[server]
	c.mu.RUnlock()
	if ok {
		return shard
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if shard, ok := c.shards[server]; ok {
		return shard
	}
	shard = newResponseShard(c.softCap)
	c.shards[server] = shard
	return shard
}

// Get returns the entry for fp, consulting the durable tier on a miss.
func (c *ResponseCache) Get(ctx context.Context, fp Fingerprint) (CacheEntry, bool) {
	shard := c.shard(fp.Server)
	key := fp.String()

	shard.mu.Lock()
	if entry, ok := shard.get(key); ok {
		shard.mu.Unlock()
		return cloneEntry(entry), true
	}
	shard.mu.Unlock()

	if c.store == nil {
		return CacheEntry{}, false
	}
	entry, ok, err := c.store.Load(ctx, fp)
	if err != nil {
		c.logger.Warn("response store load failed", "server", fp.Server, "operation", fp.Operation, "error", err)
		return CacheEntry{}, false
	}
	if !ok {
		return CacheEntry{}, false
	}
	c.insert(shard, entry)
	return cloneEntry(entry), true
}

// Put stores payload under fp and writes it through to the durable tier.
func (c *ResponseCache) Put(ctx context.Context, fp Fingerprint, payload []byte) CacheEntry {
	entry := CacheEntry{
		Fingerprint: fp,
		Payload:     append([]byte(nil), payload...),
		InsertedAt:  c.now(),
	}
	c.insert(c.shard(fp.Server), entry)

	if c.store != nil {
		if err := c.store.Save(ctx, entry); err != nil {
			c.logger.Warn("response store save failed", "server", fp.Server, "operation", fp.Operation, "error", err)
		}
	}
	return cloneEntry(entry)
}

func (c *ResponseCache) insert(shard *responseShard, entry CacheEntry) {
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.add(entry.Fingerprint.String(), entry)
}

// Clear drops every entry for server in memory and in the durable tier.
func (c *ResponseCache) Clear(ctx context.Context, server string) error {
	shard := c.shard(server)
	shard.mu.Lock()
	shard.purge()
	shard.mu.Unlock()

	if c.store == nil {
		return nil
	}
	if err := c.store.Clear(ctx, server); err != nil {
		return fmt.Errorf("bridge: clear response store for %q: %w", server, err)
	}
	return nil
}

// Len returns the number of in-memory entries for server.
func (c *ResponseCache) Len(server string) int {
	shard := c.shard(server)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.size()
}

// Close closes the durable tier, if any.
func (c *ResponseCache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

func cloneEntry(entry CacheEntry) CacheEntry {
	entry.Payload = append([]byte(nil), entry.Payload...)
	return entry
}
