package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryItem struct {
	value      string
	expiration int64 // Unix nanoseconds, 0 = no expiry
}

// Memory implements the Cache interface in-process. Used for tests and for
// single-node deployments without a shared store.
type Memory struct {
	items     map[string]memoryItem
	mu        sync.RWMutex
	connected bool
	stopChan  chan struct{}
}

// NewMemory creates a new in-memory cache
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]memoryItem),
	}
}

// Connect initializes the memory cache and starts the janitor
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	m.stopChan = make(chan struct{})
	go m.janitor()

	m.connected = true
	return nil
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.deleteExpired()
		case <-m.stopChan:
			return
		}
	}
}

// Close stops the janitor and clears the cache
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	close(m.stopChan)
	m.items = make(map[string]memoryItem)
	m.connected = false
	return nil
}

// IsConnected returns true if the cache is connected
func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Type returns the type of this cache
func (m *Memory) Type() string {
	return "memory"
}

// Get retrieves a value from the cache
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return "", ErrNotConnected
	}

	item, found := m.items[key]
	if !found {
		return "", ErrNotFound
	}

	if item.expiration > 0 && time.Now().UnixNano() > item.expiration {
		return "", ErrNotFound
	}

	return item.value, nil
}

// Set stores a value in the cache
func (m *Memory) Set(_ context.Context, key string, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	m.items[key] = memoryItem{
		value:      value,
		expiration: expiryNanos(expiration),
	}
	return nil
}

// Delete removes a value from the cache
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	if _, found := m.items[key]; !found {
		return ErrNotFound
	}

	delete(m.items, key)
	return nil
}

// Exists checks if a key exists in the cache
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Increment increments a numeric value
func (m *Memory) Increment(_ context.Context, key string, amount int64) (int64, error) {
	return m.incrementLocked(key, amount, -1)
}

// Decrement decrements a numeric value
func (m *Memory) Decrement(ctx context.Context, key string, amount int64) (int64, error) {
	return m.Increment(ctx, key, -amount)
}

// IncrementWithTTL increments a counter, stamping the window expiry when the
// increment created the key
func (m *Memory) IncrementWithTTL(_ context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	return m.incrementLocked(key, amount, ttl)
}

// incrementLocked performs the increment under the write lock. A ttl < 0
// means existing expiry (or none) is preserved.
func (m *Memory) incrementLocked(key string, amount int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	var current int64
	expiration := int64(0)

	item, found := m.items[key]
	if found && (item.expiration == 0 || time.Now().UnixNano() <= item.expiration) {
		parsed, err := strconv.ParseInt(item.value, 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
		expiration = item.expiration
	} else if ttl >= 0 {
		expiration = expiryNanos(ttl)
	}

	current += amount
	m.items[key] = memoryItem{
		value:      strconv.FormatInt(current, 10),
		expiration: expiration,
	}

	return current, nil
}

// Expire sets an expiration time on a key
func (m *Memory) Expire(_ context.Context, key string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	item, found := m.items[key]
	if !found {
		return ErrNotFound
	}

	item.expiration = expiryNanos(expiration)
	m.items[key] = item
	return nil
}

// FlushAll removes all keys from the cache
func (m *Memory) FlushAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	m.items = make(map[string]memoryItem)
	return nil
}

func (m *Memory) deleteExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixNano()
	for key, item := range m.items {
		if item.expiration > 0 && now > item.expiration {
			delete(m.items, key)
		}
	}
}

func expiryNanos(expiration time.Duration) int64 {
	if expiration <= 0 {
		return 0
	}
	return time.Now().Add(expiration).UnixNano()
}
