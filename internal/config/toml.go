package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileConfig represents the TOML configuration file. Unset keys leave the
// environment value in place.
type FileConfig struct {
	Server    ServerSection    `toml:"server"`
	Store     StoreSection     `toml:"store"`
	Cassandra CassandraSection `toml:"cassandra"`
	Queue     QueueSection     `toml:"queue"`
	Redis     RedisSection     `toml:"redis"`
}

// ServerSection maps process-level settings.
type ServerSection struct {
	Host     *string `toml:"host"`
	Port     *int    `toml:"port"`
	LogLevel *string `toml:"log-level"`
	LogFile  *string `toml:"log-file"`
	UserID   *string `toml:"user-id"`
}

// StoreSection maps the results backend settings.
type StoreSection struct {
	Backend    *string `toml:"backend"`
	SQLitePath *string `toml:"sqlite-path"`
	RESTURL    *string `toml:"rest-url"`
	RESTKey    *string `toml:"rest-key"`
}

// CassandraSection maps the Cassandra settings.
type CassandraSection struct {
	Hosts          []string `toml:"hosts"`
	Keyspace       *string  `toml:"keyspace"`
	Username       *string  `toml:"username"`
	Password       *string  `toml:"password"`
	Consistency    *string  `toml:"consistency"`
	TimeoutSeconds *int     `toml:"timeout-seconds"`
}

// QueueSection maps the pending-queue settings.
type QueueSection struct {
	Backend       *string `toml:"backend"`
	Path          *string `toml:"path"`
	Key           *string `toml:"key"`
	BackoffBaseMs *int    `toml:"backoff-base-ms"`
	BackoffMaxMs  *int    `toml:"backoff-max-ms"`
}

// RedisSection maps the Redis connection settings.
type RedisSection struct {
	Addr     *string `toml:"addr"`
	Password *string `toml:"password"`
	DB       *int    `toml:"db"`
}

// LoadFile reads a TOML config from the given path. Missing file is not an error.
func LoadFile(path string) (FileConfig, error) {
	if path == "" {
		return FileConfig{}, fmt.Errorf("config path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, nil
		}
		return FileConfig{}, fmt.Errorf("failed to stat config: %w", err)
	}
	var cfg FileConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

func (f FileConfig) apply(c *Config) {
	setString(&c.Host, f.Server.Host)
	if f.Server.Port != nil {
		c.Port = fmt.Sprint(*f.Server.Port)
	}
	setString(&c.LogLevel, f.Server.LogLevel)
	setString(&c.LogFile, f.Server.LogFile)
	setString(&c.UserID, f.Server.UserID)

	if f.Store.Backend != nil {
		c.Store = strings.ToLower(*f.Store.Backend)
	}
	setString(&c.SQLite.Path, f.Store.SQLitePath)
	setString(&c.REST.URL, f.Store.RESTURL)
	setString(&c.REST.Key, f.Store.RESTKey)

	if len(f.Cassandra.Hosts) > 0 {
		c.Cassandra.Hosts = parseHosts(strings.Join(f.Cassandra.Hosts, ","))
	}
	setString(&c.Cassandra.Keyspace, f.Cassandra.Keyspace)
	setString(&c.Cassandra.Username, f.Cassandra.Username)
	setString(&c.Cassandra.Password, f.Cassandra.Password)
	setString(&c.Cassandra.Consistency, f.Cassandra.Consistency)
	if f.Cassandra.TimeoutSeconds != nil {
		c.Cassandra.Timeout = time.Duration(*f.Cassandra.TimeoutSeconds) * time.Second
	}

	if f.Queue.Backend != nil {
		c.Queue.Backend = strings.ToLower(*f.Queue.Backend)
	}
	setString(&c.Queue.Path, f.Queue.Path)
	setString(&c.Queue.Key, f.Queue.Key)
	if f.Queue.BackoffBaseMs != nil {
		c.Queue.BaseDelay = time.Duration(*f.Queue.BackoffBaseMs) * time.Millisecond
	}
	if f.Queue.BackoffMaxMs != nil {
		c.Queue.MaxDelay = time.Duration(*f.Queue.BackoffMaxMs) * time.Millisecond
	}

	setString(&c.Redis.Addr, f.Redis.Addr)
	setString(&c.Redis.Password, f.Redis.Password)
	if f.Redis.DB != nil {
		c.Redis.DB = *f.Redis.DB
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
