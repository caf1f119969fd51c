package detector

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/courier-mta/courier/internal/cache"
	"github.com/courier-mta/courier/internal/metrics"
	"github.com/courier-mta/courier/internal/store"
)

// CacheConfig holds the per-tier TTLs
type CacheConfig struct {
	MemoryTTL     time.Duration
	SharedTTL     time.Duration
	PersistentTTL time.Duration
}

// DefaultCacheConfig returns the standard tier TTLs
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		MemoryTTL:     5 * time.Minute,
		SharedTTL:     time.Hour,
		PersistentTTL: 24 * time.Hour,
	}
}

type memoryEntry struct {
	result    *Result
	expiresAt time.Time
}

// LayeredCache is the three-tier read-through cache in front of the
// detector: in-process map, shared cache, persistent store. Two concurrent
// readers of different tiers are safe; the tiers tolerate duplicate
// write-through.
type LayeredCache struct {
	config   *CacheConfig
	detector *Detector
	shared   cache.Cache
	records  store.Store
	logger   *slog.Logger

	mu     sync.RWMutex
	memory map[string]memoryEntry
}

// NewLayeredCache builds the cache around a detector and its two outer tiers
func NewLayeredCache(config *CacheConfig, det *Detector, shared cache.Cache, records store.Store) *LayeredCache {
	if config == nil {
		config = DefaultCacheConfig()
	}

	return &LayeredCache{
		config:   config,
		detector: det,
		shared:   shared,
		records:  records,
		logger:   slog.Default().With("component", "detection-cache"),
		memory:   make(map[string]memoryEntry),
	}
}

const sharedKeyPrefix = "detect:"

// Detect resolves a domain through the tiers, invoking the detector only on
// a full miss and writing the result through every tier.
func (c *LayeredCache) Detect(ctx context.Context, input string) (*Result, error) {
	domain := NormalizeDomain(input)

	if result := c.fromMemory(domain); result != nil {
		metrics.DetectionCacheHits.WithLabelValues("memory").Inc()
		return result, nil
	}

	if result := c.fromShared(ctx, domain); result != nil {
		metrics.DetectionCacheHits.WithLabelValues("shared").Inc()
		c.putMemory(domain, result)
		return result, nil
	}

	if result := c.fromPersistent(ctx, domain); result != nil {
		metrics.DetectionCacheHits.WithLabelValues("persistent").Inc()
		c.putMemory(domain, result)
		c.putShared(ctx, domain, result)
		return result, nil
	}

	metrics.DetectionCacheMisses.Inc()

	result, err := c.detector.Detect(ctx, domain)
	if err != nil {
		return nil, err
	}

	c.putMemory(domain, result)
	c.putShared(ctx, domain, result)
	c.putPersistent(ctx, domain, result)

	return result, nil
}

// Invalidate drops one domain from every tier
func (c *LayeredCache) Invalidate(ctx context.Context, input string) {
	domain := NormalizeDomain(input)

	c.mu.Lock()
	delete(c.memory, domain)
	c.mu.Unlock()

	if c.shared != nil {
		if err := c.shared.Delete(ctx, sharedKeyPrefix+domain); err != nil && err != cache.ErrNotFound {
			c.logger.Warn("failed to invalidate shared tier", "domain", domain, "error", err)
		}
	}

	if c.records != nil {
		if err := c.records.DeleteDetection(ctx, domain); err != nil {
			c.logger.Warn("failed to invalidate persistent tier", "domain", domain, "error", err)
		}
	}
}

// InvalidateAll drops every cached detection
func (c *LayeredCache) InvalidateAll(ctx context.Context) {
	c.mu.Lock()
	c.memory = make(map[string]memoryEntry)
	c.mu.Unlock()

	if c.records != nil {
		if err := c.records.DeleteAllDetections(ctx); err != nil {
			c.logger.Warn("failed to flush persistent tier", "error", err)
		}
	}
	// Shared tier entries age out on their own TTL; a full shared flush
	// would also clear unrelated counters living in the same store.
}

// MemorySize returns the current in-process tier population
func (c *LayeredCache) MemorySize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.memory)
}

func (c *LayeredCache) fromMemory(domain string) *Result {
	c.mu.RLock()
	entry, ok := c.memory[domain]
	c.mu.RUnlock()

	if !ok {
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.memory, domain)
		c.mu.Unlock()
		return nil
	}
	return entry.result
}

func (c *LayeredCache) putMemory(domain string, result *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory[domain] = memoryEntry{
		result:    result,
		expiresAt: time.Now().Add(c.config.MemoryTTL),
	}
}

func (c *LayeredCache) fromShared(ctx context.Context, domain string) *Result {
	if c.shared == nil {
		return nil
	}

	raw, err := c.shared.Get(ctx, sharedKeyPrefix+domain)
	if err != nil {
		if err != cache.ErrNotFound {
			c.logger.Warn("shared tier read failed", "domain", domain, "error", err)
		}
		return nil
	}

	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		c.logger.Warn("shared tier entry corrupt, dropping", "domain", domain, "error", err)
		_ = c.shared.Delete(ctx, sharedKeyPrefix+domain)
		return nil
	}
	return &result
}

func (c *LayeredCache) putShared(ctx context.Context, domain string, result *Result) {
	if c.shared == nil {
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.shared.Set(ctx, sharedKeyPrefix+domain, string(raw), c.config.SharedTTL); err != nil {
		c.logger.Warn("shared tier write failed", "domain", domain, "error", err)
	}
}

func (c *LayeredCache) fromPersistent(ctx context.Context, domain string) *Result {
	if c.records == nil {
		return nil
	}

	record, err := c.records.GetDetection(ctx, domain)
	if err != nil {
		if err != store.ErrNotFound {
			c.logger.Warn("persistent tier read failed", "domain", domain, "error", err)
		}
		return nil
	}

	return &Result{
		Domain:     record.Domain,
		Provider:   Provider(record.Provider),
		Confidence: Confidence(record.Confidence),
		Score:      record.Score,
		Signals: Signals{
			MXHosts: splitHosts(record.MXHosts),
			Banner:  record.Banner,
		},
		DetectedAt: record.DetectedAt,
	}
}

func (c *LayeredCache) putPersistent(ctx context.Context, domain string, result *Result) {
	if c.records == nil {
		return
	}

	record := &store.DetectionRecord{
		Domain:     domain,
		Provider:   string(result.Provider),
		Confidence: string(result.Confidence),
		Score:      result.Score,
		MXHosts:    joinHosts(result.Signals.MXHosts),
		Banner:     result.Signals.Banner,
		DetectedAt: result.DetectedAt,
		ExpiresAt:  time.Now().Add(c.config.PersistentTTL),
	}
	if err := c.records.PutDetection(ctx, record); err != nil {
		c.logger.Warn("persistent tier write failed", "domain", domain, "error", err)
	}
}

func joinHosts(hosts []string) string {
	return strings.Join(hosts, ",")
}

func splitHosts(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
