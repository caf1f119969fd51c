package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	// Server identification and ops API
	Server struct {
		Hostname   string `toml:"hostname"`
		ListenOps  string `toml:"listen_ops"`
		InstanceID string `toml:"instance_id"`
	} `toml:"server"`

	// Logging configuration
	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"` // "text" or "json"
	} `toml:"logging"`

	// Shared cache / counter store
	Cache struct {
		Type     string `toml:"type"` // "redis", "memcached", "memory"
		Host     string `toml:"host"`
		Port     int    `toml:"port"`
		Password string `toml:"password"`
		Database int    `toml:"database"`
	} `toml:"cache"`

	// Persistent store
	Database struct {
		DSN             string `toml:"dsn"`
		MaxOpenConns    int    `toml:"max_open_conns"`
		MaxIdleConns    int    `toml:"max_idle_conns"`
		ConnMaxLifetime int    `toml:"conn_max_lifetime_seconds"`
	} `toml:"database"`

	// Durable queue directories and worker pools
	Queue struct {
		Dir             string `toml:"dir"`
		RouterWorkers   int    `toml:"router_workers"`
		DeliveryWorkers int    `toml:"delivery_workers"`
		PollInterval    int    `toml:"poll_interval_ms"`
	} `toml:"queue"`

	// MTA detection
	Detector struct {
		ProbePort      int `toml:"probe_port"`
		ProbeTimeoutMs int `toml:"probe_timeout_ms"`
		MemoryTTL      int `toml:"memory_ttl_seconds"`
		SharedTTL      int `toml:"shared_ttl_seconds"`
		PersistentTTL  int `toml:"persistent_ttl_seconds"`
	} `toml:"detector"`

	// Sender health evaluation
	Health struct {
		Schedule      string   `toml:"schedule"` // cron spec
		BatchSize     int      `toml:"batch_size"`
		DNSTimeoutMs  int      `toml:"dns_timeout_ms"`
		DNSBLZones    []string `toml:"dnsbl_zones"`
		DKIMSelectors []string `toml:"dkim_selectors"`
	} `toml:"health"`

	// Rate limiting and warmup
	RateLimit struct {
		ProviderWindowSeconds int  `toml:"provider_window_seconds"`
		RequeueDelayMs        int  `toml:"requeue_delay_ms"`
		WarmupEnabled         bool `toml:"warmup_enabled"`
	} `toml:"ratelimit"`

	// Delivery transports
	Transport struct {
		CacheTTL      int    `toml:"cache_ttl_seconds"`
		SendTimeoutMs int    `toml:"send_timeout_ms"`
		GraphEndpoint string `toml:"graph_endpoint"`
		JitterCeilMs  int    `toml:"jitter_ceil_ms"`
	} `toml:"transport"`

	// Metrics configuration
	Metrics struct {
		Enabled bool `toml:"enabled"`
	} `toml:"metrics"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Hostname = "localhost"
	cfg.Server.ListenOps = ":8025"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Cache.Type = "redis"
	cfg.Cache.Host = "localhost"
	cfg.Cache.Port = 6379

	cfg.Database.DSN = "courier:courier@tcp(localhost:3306)/courier?parseTime=true"
	cfg.Database.MaxOpenConns = 25
	cfg.Database.MaxIdleConns = 5
	cfg.Database.ConnMaxLifetime = 300

	cfg.Queue.Dir = "/var/spool/courier"
	cfg.Queue.RouterWorkers = 5
	cfg.Queue.DeliveryWorkers = 10
	cfg.Queue.PollInterval = 250

	cfg.Detector.ProbePort = 25
	cfg.Detector.ProbeTimeoutMs = 4000
	cfg.Detector.MemoryTTL = 300
	cfg.Detector.SharedTTL = 3600
	cfg.Detector.PersistentTTL = 86400

	cfg.Health.Schedule = "0 * * * *"
	cfg.Health.BatchSize = 5
	cfg.Health.DNSTimeoutMs = 5000
	cfg.Health.DNSBLZones = []string{
		"zen.spamhaus.org",
		"bl.spamcop.net",
		"b.barracudacentral.org",
		"dnsbl.sorbs.net",
	}
	cfg.Health.DKIMSelectors = []string{
		"default", "google", "selector1", "selector2",
		"k1", "s1", "s2", "mail", "dkim", "zoho",
	}

	cfg.RateLimit.ProviderWindowSeconds = 60
	cfg.RateLimit.RequeueDelayMs = 4500
	cfg.RateLimit.WarmupEnabled = true

	cfg.Transport.CacheTTL = 1800
	cfg.Transport.SendTimeoutMs = 30000
	cfg.Transport.GraphEndpoint = "https://graph.microsoft.com/v1.0"
	cfg.Transport.JitterCeilMs = 1500

	cfg.Metrics.Enabled = true

	return cfg
}

// LoadConfig loads the configuration from the given path, falling back to
// well-known locations and finally to defaults when no file is found.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, candidate := range []string{
			"courier.toml",
			"/etc/courier/courier.toml",
			filepath.Join(os.Getenv("HOME"), ".courier", "courier.toml"),
		} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	switch c.Cache.Type {
	case "redis", "memcached", "memory":
	default:
		return fmt.Errorf("unsupported cache type: %s", c.Cache.Type)
	}

	if c.Queue.RouterWorkers <= 0 {
		return fmt.Errorf("queue.router_workers must be positive, got %d", c.Queue.RouterWorkers)
	}
	if c.Queue.DeliveryWorkers <= 0 {
		return fmt.Errorf("queue.delivery_workers must be positive, got %d", c.Queue.DeliveryWorkers)
	}
	if c.Detector.ProbeTimeoutMs <= 0 {
		return fmt.Errorf("detector.probe_timeout_ms must be positive, got %d", c.Detector.ProbeTimeoutMs)
	}
	if c.Health.BatchSize <= 0 {
		return fmt.Errorf("health.batch_size must be positive, got %d", c.Health.BatchSize)
	}

	return nil
}

// EnsureQueueDirectory creates the queue spool directories if missing
func (c *Config) EnsureQueueDirectory() error {
	for _, sub := range []string{"route", "delivery"} {
		dir := filepath.Join(c.Queue.Dir, sub)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create queue directory %s: %w", dir, err)
		}
	}
	return nil
}

// ProbeTimeout returns the banner probe timeout as a duration
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Detector.ProbeTimeoutMs) * time.Millisecond
}
