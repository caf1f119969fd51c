package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/courier-mta/courier/internal/store"
)

// TransportCache reuses constructed transports for a bounded lifetime so that
// OAuth token sources and their refreshed tokens survive across deliveries.
// Entries are dropped early when a send fails with an authentication or
// connection error.
type TransportCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	cfg     *Config
	logger  *slog.Logger
}

type cacheEntry struct {
	transport Transport
	createdAt time.Time
}

// NewTransportCache builds a cache with the given entry lifetime
func NewTransportCache(ttl time.Duration, cfg *Config) *TransportCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &TransportCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		cfg:     cfg,
		logger:  slog.Default().With("component", "transport-cache"),
	}
}

// Get returns a live transport for the sender, building one if the cached
// entry is missing or past its lifetime
func (c *TransportCache) Get(ctx context.Context, sender *store.Sender) (Transport, error) {
	c.mu.Lock()
	if entry, ok := c.entries[sender.ID]; ok {
		if time.Since(entry.createdAt) < c.ttl {
			c.mu.Unlock()
			return entry.transport, nil
		}
		delete(c.entries, sender.ID)
	}
	c.mu.Unlock()

	transport, err := New(ctx, sender, c.cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[sender.ID] = &cacheEntry{transport: transport, createdAt: time.Now()}
	c.mu.Unlock()

	return transport, nil
}

// Evict drops the cached transport for a sender
func (c *TransportCache) Evict(senderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, senderID)
}

// EvictOnError drops the cached transport when the error indicates stale
// credentials or a dead connection. Returns true when an eviction happened.
func (c *TransportCache) EvictOnError(senderID string, err error) bool {
	if !IsAuthError(err) {
		return false
	}
	c.logger.Warn("Evicting transport after auth or connection error",
		"sender_id", senderID, "error", err)
	c.Evict(senderID)
	return true
}

// Size returns the number of cached transports
func (c *TransportCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
