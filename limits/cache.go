package limits

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity bounds the number of distinct api_key_id entries the
// cache's secondary index holds at once.
const DefaultCapacity = 1024

const (
	storeSection     = "triggered_limits"
	storePayloadKey  = "payload"
	storeChecksumKey = "checksum"
)

// Store is the subset of the configuration store the cache needs to
// persist and restore the [triggered_limits] section. internal/config's
// Store satisfies this without either package importing the other's
// concrete types.
type Store interface {
	GetSection(section string) map[string]string
	ReplaceSection(section string, values map[string]string) error
}

// Cache holds the full triggered-limit set plus a bounded secondary index
// from api_key_id to that key's limits. Reads never block each other;
// ReplaceAll takes the single writer lock. Each Tracker owns its own Cache.
type Cache struct {
	mu    sync.RWMutex
	store Store
	all   []TriggeredLimit
	index *lru.Cache[string, []TriggeredLimit]

	stale bool
}

// New constructs a Cache backed by store. A nil store is valid for
// in-process-only use (ReplaceAll/Check/Notify work; LoadFromStoreIfEmpty
// becomes a no-op).
func New(store Store, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	idx, _ := lru.New[string, []TriggeredLimit](capacity)
	return &Cache{store: store, index: idx}
}

// ReplaceAll atomically swaps the cached limit set and persists it to the
// store, if one was configured.
func (c *Cache) ReplaceAll(limits []TriggeredLimit) error {
	grouped := make(map[string][]TriggeredLimit)
	for _, l := range limits {
		grouped[l.APIKeyID] = append(grouped[l.APIKeyID], l)
	}

	c.mu.Lock()
	c.all = append([]TriggeredLimit(nil), limits...)
	c.index.Purge()
	for key, ls := range grouped {
		c.index.Add(key, ls)
	}
	c.stale = false
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	return c.persist(limits)
}

// Notify is called by the HTTP transport with the authoritative limits
// list returned by a server response.
func (c *Cache) Notify(limits []TriggeredLimit) error {
	return c.ReplaceAll(limits)
}

// Check returns the first matching limit whose ThresholdType is LIMIT for
// the given effective scoping fields, or nil if none matches. A miss in
// the secondary index (including one caused by LRU eviction) is treated
// as "no cached limits yet", never as an error.
func (c *Cache) Check(apiKeyID, serviceKey, customerKey string) *TriggeredLimit {
	c.mu.RLock()
	defer c.mu.RUnlock()

	candidates, ok := c.index.Peek(apiKeyID)
	if !ok {
		return nil
	}
	for i := range candidates {
		l := candidates[i]
		if l.ThresholdType == ThresholdLimit && l.Matches(apiKeyID, serviceKey, customerKey) {
			out := l
			return &out
		}
	}
	return nil
}

// Warnings returns every matching WARNING-level limit for the given
// effective scoping fields, for callers that want to surface soft
// thresholds without blocking.
func (c *Cache) Warnings(apiKeyID, serviceKey, customerKey string) []TriggeredLimit {
	c.mu.RLock()
	defer c.mu.RUnlock()

	candidates, ok := c.index.Peek(apiKeyID)
	if !ok {
		return nil
	}
	var out []TriggeredLimit
	for _, l := range candidates {
		if l.ThresholdType == ThresholdWarning && l.Matches(apiKeyID, serviceKey, customerKey) {
			out = append(out, l)
		}
	}
	return out
}

// LoadFromStoreIfEmpty populates the cache from the store's persisted
// [triggered_limits] blob when the in-memory set is empty. A checksum
// mismatch is treated as an empty cache; Stale reports true afterward so
// the caller knows to schedule a refresh via (E).FetchLimits.
func (c *Cache) LoadFromStoreIfEmpty() error {
	c.mu.RLock()
	empty := len(c.all) == 0
	c.mu.RUnlock()
	if !empty || c.store == nil {
		return nil
	}

	section := c.store.GetSection(storeSection)
	payloadB64 := section[storePayloadKey]
	wantChecksum := section[storeChecksumKey]
	if payloadB64 == "" {
		return nil
	}

	raw, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		c.markStale()
		return nil
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != wantChecksum {
		c.markStale()
		return nil
	}

	var limits []TriggeredLimit
	if err := json.Unmarshal(raw, &limits); err != nil {
		c.markStale()
		return nil
	}

	grouped := make(map[string][]TriggeredLimit)
	for _, l := range limits {
		grouped[l.APIKeyID] = append(grouped[l.APIKeyID], l)
	}
	c.mu.Lock()
	c.all = limits
	c.index.Purge()
	for key, ls := range grouped {
		c.index.Add(key, ls)
	}
	c.mu.Unlock()
	return nil
}

func (c *Cache) markStale() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// Stale reports whether the last LoadFromStoreIfEmpty call found a
// checksum mismatch and so left the cache empty; callers use this signal
// to trigger an immediate FetchLimits.
func (c *Cache) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stale
}

func (c *Cache) persist(limits []TriggeredLimit) error {
	raw, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("limits: marshal for persistence: %w", err)
	}
	sum := sha256.Sum256(raw)
	return c.store.ReplaceSection(storeSection, map[string]string{
		storePayloadKey:  base64.StdEncoding.EncodeToString(raw),
		storeChecksumKey: hex.EncodeToString(sum[:]),
	})
}
