package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// Collaboration timing and capacity knobs
	IdleTimeout    time.Duration // connections idle longer than this are reaped
	ReapInterval   time.Duration // how often the idle reaper sweeps
	PresenceWindow time.Duration // presence records older than this are stale
	OpLogCap       int           // trailing operations kept in memory per document
	SnapshotOps    int           // recent operations included in a state snapshot
	SendBuffer     int           // per-connection outbound message buffer

	// Observability
	JaegerEndpoint string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "docsync"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		IdleTimeout:    getEnvDuration("COLLAB_IDLE_TIMEOUT", 5*time.Minute),
		ReapInterval:   getEnvDuration("COLLAB_REAP_INTERVAL", 60*time.Second),
		PresenceWindow: getEnvDuration("COLLAB_PRESENCE_WINDOW", 5*time.Minute),
		OpLogCap:       getEnvInt("COLLAB_OPLOG_CAP", 10),
		SnapshotOps:    getEnvInt("COLLAB_SNAPSHOT_OPS", 10),
		SendBuffer:     getEnvInt("COLLAB_SEND_BUFFER", 256),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	if cfg.OpLogCap <= 0 {
		return nil, fmt.Errorf("COLLAB_OPLOG_CAP must be positive")
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
