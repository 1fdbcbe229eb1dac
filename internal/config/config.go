package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreMemory    = "memory"
	StoreSQLite    = "sqlite"
	StoreCassandra = "cassandra"
	StoreREST      = "rest"
)

// Queue persistence backends.
const (
	QueueMemory = "memory"
	QueueFile   = "file"
	QueueRedis  = "redis"
)

// Config holds all configuration for the application
type Config struct {
	Host     string
	Port     string
	LogLevel string
	LogFile  string
	// UserID is the identity used when a request carries none.
	UserID string

	Store     string
	SQLite    SQLiteConfig
	Cassandra CassandraConfig
	REST      RESTConfig

	Queue QueueConfig
	Redis RedisConfig
}

// SQLiteConfig holds the SQLite store settings
type SQLiteConfig struct {
	Path string
}

// CassandraConfig holds Cassandra-specific configuration
type CassandraConfig struct {
	Hosts       []string
	Keyspace    string
	Username    string
	Password    string
	Consistency string
	Timeout     time.Duration
}

// RESTConfig holds the PostgREST endpoint settings
type RESTConfig struct {
	URL     string
	Key     string
	Timeout time.Duration
}

// QueueConfig holds the pending-queue settings
type QueueConfig struct {
	Backend   string
	Path      string
	Key       string
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load loads configuration from environment variables, then overlays the
// TOML file named by RESULTSYNC_CONFIG when it is set.
func Load() (*Config, error) {
	cfg, err := loadEnv()
	if err != nil {
		return nil, err
	}

	if path := os.Getenv("RESULTSYNC_CONFIG"); path != "" {
		file, err := LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("invalid RESULTSYNC_CONFIG: %w", err)
		}
		file.apply(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnv() (*Config, error) {
	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB value: %w", err)
	}

	cassandraTimeout, err := strconv.Atoi(getEnv("CASSANDRA_TIMEOUT_SECONDS", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid CASSANDRA_TIMEOUT_SECONDS value: %w", err)
	}

	restTimeout, err := strconv.Atoi(getEnv("RESULTSYNC_REST_TIMEOUT_SECONDS", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid RESULTSYNC_REST_TIMEOUT_SECONDS value: %w", err)
	}

	baseMs, err := strconv.Atoi(getEnv("RESULTSYNC_BACKOFF_BASE_MS", "1000"))
	if err != nil {
		return nil, fmt.Errorf("invalid RESULTSYNC_BACKOFF_BASE_MS value: %w", err)
	}
	maxMs, err := strconv.Atoi(getEnv("RESULTSYNC_BACKOFF_MAX_MS", "30000"))
	if err != nil {
		return nil, fmt.Errorf("invalid RESULTSYNC_BACKOFF_MAX_MS value: %w", err)
	}

	return &Config{
		Host:     getEnv("HOST", "0.0.0.0"),
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),
		UserID:   getEnv("RESULTSYNC_USER_ID", ""),
		Store:    strings.ToLower(getEnv("RESULTSYNC_STORE", StoreMemory)),
		SQLite: SQLiteConfig{
			Path: getEnv("RESULTSYNC_SQLITE_PATH", "resultsync.db"),
		},
		Cassandra: CassandraConfig{
			Hosts:       parseHosts(getEnv("CASSANDRA_HOSTS", "localhost:9042")),
			Keyspace:    getEnv("CASSANDRA_KEYSPACE", "resultsync"),
			Username:    getEnv("CASSANDRA_USERNAME", ""),
			Password:    getEnv("CASSANDRA_PASSWORD", ""),
			Consistency: getEnv("CASSANDRA_CONSISTENCY", "QUORUM"),
			Timeout:     time.Duration(cassandraTimeout) * time.Second,
		},
		REST: RESTConfig{
			URL:     getEnv("RESULTSYNC_REST_URL", ""),
			Key:     getEnv("RESULTSYNC_REST_KEY", ""),
			Timeout: time.Duration(restTimeout) * time.Second,
		},
		Queue: QueueConfig{
			Backend:   strings.ToLower(getEnv("RESULTSYNC_QUEUE", QueueMemory)),
			Path:      getEnv("RESULTSYNC_QUEUE_PATH", "resultsync-queue.json"),
			Key:       getEnv("RESULTSYNC_QUEUE_KEY", "resultsync:pending"),
			BaseDelay: time.Duration(baseMs) * time.Millisecond,
			MaxDelay:  time.Duration(maxMs) * time.Millisecond,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
	}, nil
}

// Validate checks the settings each backend needs.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite, StoreCassandra:
	case StoreREST:
		if c.REST.URL == "" {
			return fmt.Errorf("RESULTSYNC_REST_URL is required when RESULTSYNC_STORE=rest")
		}
	default:
		return fmt.Errorf("invalid RESULTSYNC_STORE value: %q", c.Store)
	}

	switch c.Queue.Backend {
	case QueueMemory, QueueFile, QueueRedis:
	default:
		return fmt.Errorf("invalid RESULTSYNC_QUEUE value: %q", c.Queue.Backend)
	}

	if c.Queue.BaseDelay <= 0 {
		return fmt.Errorf("RESULTSYNC_BACKOFF_BASE_MS must be positive")
	}
	if c.Queue.MaxDelay < c.Queue.BaseDelay {
		return fmt.Errorf("RESULTSYNC_BACKOFF_MAX_MS must be >= RESULTSYNC_BACKOFF_BASE_MS")
	}
	return nil
}

// Address returns the full address (host:port)
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseHosts parses a comma-separated list of hosts
func parseHosts(hostsStr string) []string {
	if hostsStr == "" {
		return []string{"localhost:9042"}
	}
	parts := strings.Split(hostsStr, ",")
	hosts := make([]string, 0, len(parts))
	for _, part := range parts {
		host := strings.TrimSpace(part)
		if host != "" {
			hosts = append(hosts, host)
		}
	}
	if len(hosts) == 0 {
		return []string{"localhost:9042"}
	}
	return hosts
}
