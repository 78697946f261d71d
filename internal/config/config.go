// Package config holds the typed runtime configuration for the
// server. Loading it from a CLI flag, environment variables, or a
// YAML file is an external concern (see spec §6); this package
// defines the destination shape plus the env-var (FromEnv) and YAML
// file (Load) paths used by the process entrypoint.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AdapterKind selects the cluster fan-out implementation (spec §4.F,
// design note "Dynamic driver selection" — chosen once at startup,
// never switched at runtime).
type AdapterKind string

const (
	AdapterLocal AdapterKind = "local"
	AdapterRedis AdapterKind = "redis"
	AdapterNATS  AdapterKind = "nats"
)

// Config is the full set of values the server needs once config
// loading (out of scope per spec §1) has produced them.
type Config struct {
	BindAddr string `yaml:"bind_addr"`
	TLSCert  string `yaml:"tls_cert"`
	TLSKey   string `yaml:"tls_key"`

	Adapter    AdapterKind `yaml:"adapter"`
	RedisAddr  string      `yaml:"redis_addr"`
	NATSURL    string      `yaml:"nats_url"`
	TopicPrefix string     `yaml:"topic_prefix"`

	ActivityTimeout    time.Duration `yaml:"activity_timeout"`
	PingGrace          time.Duration `yaml:"ping_grace"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`

	WebhookBatchDuration time.Duration `yaml:"webhook_batch_duration"`
	WebhookMaxAttempts   int           `yaml:"webhook_max_attempts"`
	WebhookTimeout       time.Duration `yaml:"webhook_timeout"`

	MaxClientEventPayloadBytes int `yaml:"max_client_event_payload_bytes"`
	MaxEventPayloadBytes       int `yaml:"max_event_payload_bytes"`
	MaxChannelNameLength       int `yaml:"max_channel_name_length"`
	MaxPresenceMembersPerChannel int `yaml:"max_presence_members_per_channel"`
	OutboundQueueSize          int `yaml:"outbound_queue_size"`

	AppRegistryBackend string `yaml:"app_registry_backend"`
	PostgresDSN        string `yaml:"postgres_dsn"`
	AppCacheTTL        time.Duration `yaml:"app_cache_ttl"`

	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`
}

// Default returns the configuration baseline the spec calls out
// explicit defaults for (activity timeout 120s, webhook batching
// 50ms, 10 KiB payload caps, and so on).
func Default() *Config {
	return &Config{
		BindAddr:           ":8080",
		Adapter:            AdapterLocal,
		TopicPrefix:        "pulsehub",
		ActivityTimeout:    120 * time.Second,
		PingGrace:          30 * time.Second,
		HandshakeTimeout:   10 * time.Second,
		RequestTimeout:     5 * time.Second,
		ShutdownGrace:      10 * time.Second,
		HeartbeatInterval:  2 * time.Second,
		WebhookBatchDuration: 50 * time.Millisecond,
		WebhookMaxAttempts:   5,
		WebhookTimeout:       10 * time.Second,
		MaxClientEventPayloadBytes:   10 * 1024,
		MaxEventPayloadBytes:         10 * 1024,
		MaxChannelNameLength:         200,
		MaxPresenceMembersPerChannel: 100,
		OutboundQueueSize:            64,
		AppRegistryBackend:           "memory",
		AppCacheTTL:                  60 * time.Second,
		LogLevel:                     "info",
		LogPretty:                    false,
	}
}

// Load reads a YAML config file on top of Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv reads overrides from environment variables on top of
// Default, following the same getEnv/getEnvInt convention the rest of
// this project's ancestry uses for process configuration.
func FromEnv() *Config {
	cfg := Default()
	cfg.BindAddr = getEnv("BIND_ADDR", cfg.BindAddr)
	cfg.TLSCert = getEnv("TLS_CERT_FILE", cfg.TLSCert)
	cfg.TLSKey = getEnv("TLS_KEY_FILE", cfg.TLSKey)
	cfg.Adapter = AdapterKind(getEnv("ADAPTER", string(cfg.Adapter)))
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.TopicPrefix = getEnv("TOPIC_PREFIX", cfg.TopicPrefix)
	cfg.AppRegistryBackend = getEnv("APP_REGISTRY_BACKEND", cfg.AppRegistryBackend)
	cfg.PostgresDSN = getEnv("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = getEnvBool("LOG_PRETTY", cfg.LogPretty)
	cfg.WebhookMaxAttempts = getEnvInt("WEBHOOK_MAX_ATTEMPTS", cfg.WebhookMaxAttempts)
	cfg.MaxClientEventPayloadBytes = getEnvInt("MAX_CLIENT_EVENT_PAYLOAD_BYTES", cfg.MaxClientEventPayloadBytes)
	cfg.MaxEventPayloadBytes = getEnvInt("MAX_EVENT_PAYLOAD_BYTES", cfg.MaxEventPayloadBytes)
	cfg.OutboundQueueSize = getEnvInt("OUTBOUND_QUEUE_SIZE", cfg.OutboundQueueSize)
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
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

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
