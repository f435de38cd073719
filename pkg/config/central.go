package config

import (
	"net"
	"time"
)

// CentralConfig holds runtime configuration for the heartbeat central server.
type CentralConfig struct {
	Environment        string
	Host               string
	Port               string
	DatabaseURL        string
	MigrationsDir      string
	SecretToken        string
	Debug              bool
	StorageTimeout     time.Duration
	StatsWindowSamples int
	HeartbeatPageLimit int
	HeartbeatPageMax   int
	TaskClaimLimit     int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	MQTTBrokerURL      string
	MQTTClientID       string
	MQTTHeartbeatTopic string
}

// LoadCentralConfig constructs a CentralConfig from environment variables.
func LoadCentralConfig() CentralConfig {
	return CentralConfig{
		Environment:   GetString("APP_ENV", "development"),
		Host:          GetString("HOST", "0.0.0.0"),
		Port:          GetString("PORT", "8000"),
		DatabaseURL:   GetString("DATABASE_URL", ""),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		SecretToken:   GetString("SECRET_TOKEN", ""),
		Debug:         GetBool("DEBUG", false),
		// Every storage call runs under this deadline; exceeding it surfaces
		// to the caller as a retryable 503.
		StorageTimeout: GetSeconds("STORAGE_TIMEOUT_SECONDS", 5*time.Second),
		// Stats aggregates cover the most recent N heartbeat samples.
		StatsWindowSamples: GetInt("STATS_WINDOW_SAMPLES", 100),
		HeartbeatPageLimit: GetInt("HEARTBEAT_PAGE_LIMIT", 100),
		HeartbeatPageMax:   GetInt("HEARTBEAT_PAGE_MAX", 1000),
		TaskClaimLimit:     GetInt("TASK_CLAIM_LIMIT", 50),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		MQTTBrokerURL:      GetString("MQTT_BROKER_URL", ""),
		MQTTClientID:       GetString("MQTT_CLIENT_ID", "heartbeat-central"),
		MQTTHeartbeatTopic: GetString("MQTT_HEARTBEAT_TOPIC", "fleet/heartbeat/#"),
	}
}

// Addr returns the bind address assembled from HOST and PORT.
func (c CentralConfig) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}
