package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Coordination
	CoordinationBackend string
	EtcdEndpoints       []string
	EtcdUsername        string
	EtcdPassword        string
	SessionTTL          int
	DialTimeout         time.Duration
	ConnectAttempts     int
	RetryInterval       time.Duration
	LeaseIdentifier     string

	// API
	APIPort          string
	AuthEnabled      bool
	JWTSecret        string
	RateLimitPerMin  int
	RateLimitBurst   int
	MaxLockTimeout   time.Duration
	ResourcePrefixes []string

	// Event sinks
	RedisHost        string
	RedisPort        string
	RedisPassword    string
	HistoryEnabled   bool
	HistoryRetention time.Duration
	DBHost           string
	DBPort           string
	DBUser           string
	DBPassword       string
	DBName           string
	NATSURL          string

	// Reaper
	ReaperEnabled   bool
	ReaperSchedule  string
	ReaperMaxAge    time.Duration
	ReaperResources []string
	ArchiveBackend  string
	ArchivePath     string
	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string

	// Observability
	LogLevel        string
	LogEncoding     string
	TracingEnabled  bool
	TracingExporter string
	TracingEndpoint string
	TracingSampling float64
}

func LoadConfig() *Config {
	return &Config{
		CoordinationBackend: getEnv("COORDINATION_BACKEND", "etcd"),
		EtcdEndpoints:       getEnvAsList("ETCD_ENDPOINTS", []string{"localhost:2379"}),
		EtcdUsername:        getEnv("ETCD_USERNAME", ""),
		EtcdPassword:        getEnv("ETCD_PASSWORD", ""),
		SessionTTL:          getEnvAsInt("SESSION_TTL", 15),
		DialTimeout:         getEnvAsDuration("DIAL_TIMEOUT", 5*time.Second),
		ConnectAttempts:     getEnvAsInt("CONNECT_ATTEMPTS", 3),
		RetryInterval:       getEnvAsDuration("RETRY_INTERVAL", 100*time.Millisecond),
		LeaseIdentifier:     getEnv("LEASE_IDENTIFIER", ""),

		APIPort:          getEnv("API_PORT", "8080"),
		AuthEnabled:      getEnvAsBool("AUTH_ENABLED", false),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		RateLimitPerMin:  getEnvAsInt("RATE_LIMIT_PER_MINUTE", 600),
		RateLimitBurst:   getEnvAsInt("RATE_LIMIT_BURST", 50),
		MaxLockTimeout:   getEnvAsDuration("MAX_LOCK_TIMEOUT", 10*time.Minute),
		ResourcePrefixes: getEnvAsList("RESOURCE_PREFIXES", nil),

		RedisHost:        getEnv("REDIS_HOST", ""),
		RedisPort:        getEnv("REDIS_PORT", "6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		HistoryEnabled:   getEnvAsBool("HISTORY_ENABLED", false),
		HistoryRetention: getEnvAsDuration("HISTORY_RETENTION", 30*24*time.Hour),
		DBHost:           getEnv("DB_HOST", "localhost"),
		DBPort:           getEnv("DB_PORT", "5432"),
		DBUser:           getEnv("DB_USER", "leasegate"),
		DBPassword:       getEnv("DB_PASSWORD", "password"),
		DBName:           getEnv("DB_NAME", "leasegate"),
		NATSURL:          getEnv("NATS_URL", ""),

		ReaperEnabled:   getEnvAsBool("REAPER_ENABLED", false),
		ReaperSchedule:  getEnv("REAPER_SCHEDULE", "@every 1m"),
		ReaperMaxAge:    getEnvAsDuration("REAPER_MAX_AGE", 24*time.Hour),
		ReaperResources: getEnvAsList("REAPER_RESOURCES", nil),
		ArchiveBackend:  getEnv("ARCHIVE_BACKEND", "local"),
		ArchivePath:     getEnv("ARCHIVE_PATH", "/var/lib/leasegate/archive"),
		ArchiveBucket:   getEnv("ARCHIVE_BUCKET", ""),
		ArchiveRegion:   getEnv("ARCHIVE_REGION", "us-east-1"),
		ArchiveEndpoint: getEnv("ARCHIVE_ENDPOINT", ""),

		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogEncoding:     getEnv("LOG_ENCODING", "json"),
		TracingEnabled:  getEnvAsBool("TRACING_ENABLED", false),
		TracingExporter: getEnv("TRACING_EXPORTER", "otlp"),
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingSampling: getEnvAsFloat("TRACING_SAMPLING", 1.0),
	}
}

// RedisAddr returns host:port, or "" when no redis host is configured.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return c.RedisHost + ":" + c.RedisPort
}

// PostgresDSN builds the history store connection string.
func (c *Config) PostgresDSN() string {
	return "host=" + c.DBHost +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" port=" + c.DBPort +
		" sslmode=disable"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsList splits a comma separated value, dropping empty items.
func getEnvAsList(key string, fallback []string) []string {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
