// Package config loads the service's environment-variable configuration,
// in the teacher's style of explicit getenv-with-default helpers (see
// internal/database/db.go in the teacher repo) rather than a struct tag
// based binder.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-configurable option listed in the
// spec's "Environment configuration" table.
type Config struct {
	Host net.IP
	Port int

	InactivityTimeout time.Duration
	QueryTimeout      time.Duration

	ContainerMemoryMB int
	MaxDBSizeMB       int
	MaxHostsPerDialect int

	MetadataDBPath string

	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2Bucket          string
	BackupOnExpiry    bool

	ReaperInterval time.Duration
}

// FromEnv parses Config from the process environment, applying the same
// defaults as original_source/src/config.rs::Config::from_env.
func FromEnv() *Config {
	cfg := &Config{
		Host:               parseIP(getenv("HOST", "0.0.0.0")),
		Port:               getenvInt("PORT", 8080),
		InactivityTimeout:  time.Duration(getenvInt("INACTIVITY_TIMEOUT_SECS", 1800)) * time.Second,
		QueryTimeout:       time.Duration(getenvInt("QUERY_TIMEOUT_SECS", 60)) * time.Second,
		ContainerMemoryMB:  getenvInt("CONTAINER_MEMORY_MB", 512),
		MaxDBSizeMB:        getenvInt("MAX_DB_SIZE_MB", 10),
		MaxHostsPerDialect: getenvInt("MAX_HOSTS_PER_DIALECT", 4),
		MetadataDBPath:     getenv("METADATA_DB_PATH", "/data/metadata.db"),
		R2AccountID:        getenv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:      getenv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey:  getenv("R2_SECRET_ACCESS_KEY", ""),
		R2Bucket:           getenv("R2_BUCKET", "db-sandbox-backups"),
		BackupOnExpiry:     getenvBool("BACKUP_ON_EXPIRY", true),
	}

	// Reaper wakes every inactivity_timeout/10, per spec §4.6 (one
	// second if that is zero).
	interval := cfg.InactivityTimeout / 10
	if interval <= 0 {
		interval = time.Second
	}
	cfg.ReaperInterval = interval

	return cfg
}

// HasR2Credentials reports whether enough R2 configuration is present
// to actually talk to object storage. This is independent of
// BackupOnExpiry, which only controls whether the reaper triggers a
// backup before reaping an instance — callers still need a working
// object store for on-demand Backup/Download/Restore even when
// BackupOnExpiry is false.
func (c *Config) HasR2Credentials() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2SecretAccessKey != ""
}

// Addr formats the host:port the HTTP server should bind.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host.String(), c.Port)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}

func parseIP(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		return net.ParseIP("0.0.0.0")
	}
	return ip
}
