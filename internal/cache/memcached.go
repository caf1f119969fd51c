package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements the Cache interface for Memcached
type Memcached struct {
	client    *memcache.Client
	config    Config
	connected bool
}

// NewMemcached creates a new Memcached cache
func NewMemcached(config Config) *Memcached {
	if config.Port == 0 {
		config.Port = 11211
	}
	return &Memcached{
		config: config,
	}
}

// Connect establishes a connection to the Memcached server
func (m *Memcached) Connect() error {
	if m.connected {
		return nil
	}

	host := m.config.Host
	if host == "" {
		host = "localhost"
	}

	m.client = memcache.New(fmt.Sprintf("%s:%d", host, m.config.Port))
	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.connected = true
	return nil
}

// Close releases the client. The memcache client has no explicit close.
func (m *Memcached) Close() error {
	m.client = nil
	m.connected = false
	return nil
}

// IsConnected returns true if connected to Memcached
func (m *Memcached) IsConnected() bool {
	return m.connected
}

// Type returns the type of this cache
func (m *Memcached) Type() string {
	return "memcached"
}

// Get retrieves a value from Memcached
func (m *Memcached) Get(_ context.Context, key string) (string, error) {
	if !m.connected {
		return "", ErrNotConnected
	}

	item, err := m.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return "", ErrNotFound
	} else if err != nil {
		return "", err
	}

	return string(item.Value), nil
}

// Set stores a value in Memcached
func (m *Memcached) Set(_ context.Context, key string, value string, expiration time.Duration) error {
	if !m.connected {
		return ErrNotConnected
	}

	return m.client.Set(&memcache.Item{
		Key:        key,
		Value:      []byte(value),
		Expiration: int32(expiration.Seconds()),
	})
}

// Delete removes a value from Memcached
func (m *Memcached) Delete(_ context.Context, key string) error {
	if !m.connected {
		return ErrNotConnected
	}

	err := m.client.Delete(key)
	if err == memcache.ErrCacheMiss {
		return ErrNotFound
	}
	return err
}

// Exists checks if a key exists in Memcached
func (m *Memcached) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Increment increments a numeric value in Memcached. Memcached increments
// only existing keys, so a miss seeds the counter.
func (m *Memcached) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	return m.IncrementWithTTL(ctx, key, amount, 0)
}

// Decrement decrements a numeric value in Memcached
func (m *Memcached) Decrement(_ context.Context, key string, amount int64) (int64, error) {
	if !m.connected {
		return 0, ErrNotConnected
	}

	val, err := m.client.Decrement(key, uint64(amount))
	if err == memcache.ErrCacheMiss {
		return 0, ErrNotFound
	}
	return int64(val), err
}

// IncrementWithTTL increments a counter, seeding it with the window expiry
// when the key does not exist yet
func (m *Memcached) IncrementWithTTL(_ context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	if !m.connected {
		return 0, ErrNotConnected
	}

	val, err := m.client.Increment(key, uint64(amount))
	if err == nil {
		return int64(val), nil
	}
	if err != memcache.ErrCacheMiss {
		return 0, err
	}

	// First hit in the window: seed and retry once in case of a race
	addErr := m.client.Add(&memcache.Item{
		Key:        key,
		Value:      []byte(fmt.Sprintf("%d", amount)),
		Expiration: int32(ttl.Seconds()),
	})
	if addErr == nil {
		return amount, nil
	}
	if addErr != memcache.ErrNotStored {
		return 0, addErr
	}

	val, err = m.client.Increment(key, uint64(amount))
	if err != nil {
		return 0, err
	}
	return int64(val), nil
}

// Expire resets a key's expiration by touching it
func (m *Memcached) Expire(_ context.Context, key string, expiration time.Duration) error {
	if !m.connected {
		return ErrNotConnected
	}

	err := m.client.Touch(key, int32(expiration.Seconds()))
	if err == memcache.ErrCacheMiss {
		return ErrNotFound
	}
	return err
}

// FlushAll removes all keys from Memcached
func (m *Memcached) FlushAll(_ context.Context) error {
	if !m.connected {
		return ErrNotConnected
	}

	return m.client.FlushAll()
}
