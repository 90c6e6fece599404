// Package config loads service configuration from the environment, with an
// optional .env file for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Storage StorageConfig
	Cache   CacheConfig
	Redis   RedisConfig
	CORS    CORSConfig
	Metrics MetricsConfig
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string
	Format string
}

// StorageArea names one index and the directory its objects live in.
type StorageArea struct {
	Name string
	Path string
}

// StorageConfig configures the storage areas and their shared quotas.
type StorageConfig struct {
	// Areas come from STORAGE_AREAS as comma-separated name=path pairs.
	Areas []StorageArea
	// MaxStudies is the study-table capacity per index.
	MaxStudies int
	// MaxStudyBytes is the per-study byte budget, 0 for unlimited.
	MaxStudyBytes int64
	// QuotaDeletesFiles disables physical deletion on eviction when false.
	QuotaDeletesFiles bool
}

// CacheConfig configures query-result caching.
type CacheConfig struct {
	Enabled bool
	Type    string // "memory" or "redis"
	TTL     time.Duration
}

// RedisConfig configures the redis cache backend.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// CORSConfig configures cross-origin access to the HTTP API.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool
}

// Load reads configuration from the environment. A .env file in the working
// directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8042),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Storage: StorageConfig{
			MaxStudies:        getEnvInt("STORAGE_MAX_STUDIES", 500),
			MaxStudyBytes:     int64(getEnvInt("STORAGE_MAX_STUDY_BYTES", 0)),
			QuotaDeletesFiles: getEnvBool("STORAGE_QUOTA_DELETES_FILES", true),
		},
		Cache: CacheConfig{
			Enabled: getEnvBool("CACHE_ENABLED", true),
			Type:    getEnv("CACHE_TYPE", "memory"),
			TTL:     getEnvDuration("CACHE_TTL", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvList("CORS_ALLOWED_HEADERS", []string{"Accept", "Content-Type", "X-Storage-Area"}),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
	}

	areas, err := parseAreas(getEnv("STORAGE_AREAS", "main="+getEnv("STORAGE_PATH", "./data")))
	if err != nil {
		return nil, err
	}
	cfg.Storage.Areas = areas

	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if len(c.Storage.Areas) == 0 {
		return fmt.Errorf("no storage areas configured")
	}
	if c.Storage.MaxStudies <= 0 {
		return fmt.Errorf("invalid study table capacity %d", c.Storage.MaxStudies)
	}
	if c.Cache.Enabled && c.Cache.Type != "memory" && c.Cache.Type != "redis" {
		return fmt.Errorf("unknown cache type %q", c.Cache.Type)
	}
	return nil
}

func parseAreas(s string) ([]StorageArea, error) {
	var areas []StorageArea
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, path, ok := strings.Cut(pair, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("invalid storage area %q, want name=path", pair)
		}
		areas = append(areas, StorageArea{Name: name, Path: path})
	}
	return areas, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
