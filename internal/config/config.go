package config

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"
)

// Config holds all configuration for the easygrid application.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	HTTPAddr    string `json:"http_addr"`
	DatabaseURL string `json:"database_url,omitempty"`
	RedisAddr   string `json:"redis_addr,omitempty"`

	// AuthTokens configures the static identity validator. Format:
	//   token=identity:cap|cap,token=identity:cap
	AuthTokens string `json:"-"`

	AuthTimeout       time.Duration `json:"-"`
	AuthTimeoutStr    string        `json:"auth_timeout"`
	PingInterval      time.Duration `json:"-"`
	PingIntervalStr   string        `json:"ping_interval"`
	SessionSendBuffer int           `json:"session_send_buffer"`

	MaxInFlight  int `json:"max_in_flight"`
	MaxPerWorker int `json:"max_per_worker"`
	QueueLimit   int `json:"queue_limit"`
	MaxAttempts  int `json:"max_attempts"`

	AckTimeout     time.Duration `json:"-"`
	AckTimeoutStr  string        `json:"ack_timeout"`
	ExecTimeout    time.Duration `json:"-"`
	ExecTimeoutStr string        `json:"exec_timeout"`
	CancelGrace    time.Duration `json:"-"`
	CancelGraceStr string        `json:"cancel_grace"`

	RetryBase    time.Duration `json:"-"`
	RetryBaseStr string        `json:"retry_base"`
	RetryMax     time.Duration `json:"-"`
	RetryMaxStr  string        `json:"retry_max"`

	MessagesPerWindow       int           `json:"messages_per_window"`
	RateWindow              time.Duration `json:"-"`
	RateWindowStr           string        `json:"rate_window"`
	MaxConcurrentExecutions int           `json:"max_concurrent_executions"`

	// CircuitBreakerThreshold: explicit 0 falls back to the breaker default.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	RetentionSchedule  string        `json:"retention_schedule"`
	RetentionWindow    time.Duration `json:"-"`
	RetentionWindowStr string        `json:"retention_window"`

	RouterBufferSize int `json:"router_buffer_size"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`
	DrainTimeout           time.Duration `json:"-"`
	DrainTimeoutStr        string        `json:"drain_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		HTTPAddr:                   os.Getenv("HTTP_ADDR"),
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		AuthTokens:                 os.Getenv("AUTH_TOKENS"),
		AuthTimeoutStr:             os.Getenv("AUTH_TIMEOUT"),
		PingIntervalStr:            os.Getenv("PING_INTERVAL"),
		AckTimeoutStr:              os.Getenv("ACK_TIMEOUT"),
		ExecTimeoutStr:             os.Getenv("EXEC_TIMEOUT"),
		CancelGraceStr:             os.Getenv("CANCEL_GRACE"),
		RetryBaseStr:               os.Getenv("RETRY_BASE"),
		RetryMaxStr:                os.Getenv("RETRY_MAX"),
		RateWindowStr:              os.Getenv("RATE_WINDOW"),
		CircuitBreakerCooldownStr:  os.Getenv("CIRCUIT_BREAKER_COOLDOWN"),
		RetentionSchedule:          os.Getenv("RETENTION_SCHEDULE"),
		RetentionWindowStr:         os.Getenv("RETENTION_WINDOW"),
		DBConnMaxLifetimeStr:       os.Getenv("DB_CONN_MAX_LIFETIME"),
		HTTPShutdownTimeoutStr:     os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		DrainTimeoutStr:            os.Getenv("DRAIN_TIMEOUT"),
		MetricsEnabled:             os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:                os.Getenv("METRICS_PATH"),
		MetricsPort:                os.Getenv("METRICS_PORT"),
		LeaderRetryIntervalStr:     os.Getenv("LEADER_RETRY_INTERVAL"),
		LeaderHeartbeatIntervalStr: os.Getenv("LEADER_HEARTBEAT_INTERVAL"),
	}

	cfg.SessionSendBuffer = intEnv("SESSION_SEND_BUFFER", 256)
	cfg.MaxInFlight = intEnv("MAX_IN_FLIGHT", 10)
	cfg.MaxPerWorker = intEnv("MAX_PER_WORKER", 4)
	cfg.QueueLimit = intEnv("QUEUE_LIMIT", 1000)
	cfg.MaxAttempts = intEnv("MAX_ATTEMPTS", 3)
	cfg.MessagesPerWindow = intEnv("MESSAGES_PER_WINDOW", 120)
	cfg.MaxConcurrentExecutions = intEnv("MAX_CONCURRENT_EXECUTIONS", 10)
	cfg.RouterBufferSize = intEnv("ROUTER_BUFFER_SIZE", 64)
	cfg.DBMaxOpenConns = intEnv("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = intEnv("DB_MAX_IDLE_CONNS", 5)

	if cbThreshStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := parseInt(cbThreshStr); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", cbThreshStr)
		}
	}
	if cfg.CircuitBreakerThreshold == 0 && os.Getenv("CIRCUIT_BREAKER_THRESHOLD") == "" {
		cfg.CircuitBreakerThreshold = 5
	}

	if lockKeyStr := os.Getenv("LEADER_LOCK_KEY"); lockKeyStr != "" {
		if n, err := parseInt(lockKeyStr); err == nil && n > 0 {
			cfg.LeaderLockKey = int64(n)
		} else {
			log.Printf("config: invalid LEADER_LOCK_KEY %q (must be a positive integer), using default 918273", lockKeyStr)
		}
	}
	if cfg.LeaderLockKey == 0 {
		cfg.LeaderLockKey = 918273
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.AuthTimeoutStr == "" {
		cfg.AuthTimeoutStr = "10s"
	}
	if cfg.PingIntervalStr == "" {
		cfg.PingIntervalStr = "20s"
	}
	if cfg.AckTimeoutStr == "" {
		cfg.AckTimeoutStr = "10s"
	}
	if cfg.ExecTimeoutStr == "" {
		cfg.ExecTimeoutStr = "5m"
	}
	if cfg.CancelGraceStr == "" {
		cfg.CancelGraceStr = "10s"
	}
	if cfg.RetryBaseStr == "" {
		cfg.RetryBaseStr = "500ms"
	}
	if cfg.RetryMaxStr == "" {
		cfg.RetryMaxStr = "30s"
	}
	if cfg.RateWindowStr == "" {
		cfg.RateWindowStr = "1m"
	}
	if cfg.CircuitBreakerCooldownStr == "" {
		cfg.CircuitBreakerCooldownStr = "30s"
	}
	if cfg.RetentionSchedule == "" {
		cfg.RetentionSchedule = "*/5 * * * *"
	}
	if cfg.RetentionWindowStr == "" {
		cfg.RetentionWindowStr = "24h"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.DrainTimeoutStr == "" {
		cfg.DrainTimeoutStr = "30s"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}
	if cfg.LeaderRetryIntervalStr == "" {
		cfg.LeaderRetryIntervalStr = "5s"
	}
	if cfg.LeaderHeartbeatIntervalStr == "" {
		cfg.LeaderHeartbeatIntervalStr = "2s"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.AuthTimeoutStr); err == nil {
		cfg.AuthTimeout = d
	}
	if d, err := time.ParseDuration(cfg.PingIntervalStr); err == nil {
		cfg.PingInterval = d
	}
	if d, err := time.ParseDuration(cfg.AckTimeoutStr); err == nil {
		cfg.AckTimeout = d
	}
	if d, err := time.ParseDuration(cfg.ExecTimeoutStr); err == nil {
		cfg.ExecTimeout = d
	}
	if d, err := time.ParseDuration(cfg.CancelGraceStr); err == nil {
		cfg.CancelGrace = d
	}
	if d, err := time.ParseDuration(cfg.RetryBaseStr); err == nil {
		cfg.RetryBase = d
	}
	if d, err := time.ParseDuration(cfg.RetryMaxStr); err == nil {
		cfg.RetryMax = d
	}
	if d, err := time.ParseDuration(cfg.RateWindowStr); err == nil {
		cfg.RateWindow = d
	}
	if d, err := time.ParseDuration(cfg.CircuitBreakerCooldownStr); err == nil {
		cfg.CircuitBreakerCooldown = d
	}
	if d, err := time.ParseDuration(cfg.RetentionWindowStr); err == nil {
		cfg.RetentionWindow = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxLifetimeStr); err == nil {
		cfg.DBConnMaxLifetime = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DrainTimeoutStr); err == nil {
		cfg.DrainTimeout = d
	}
	if d, err := time.ParseDuration(cfg.LeaderRetryIntervalStr); err == nil {
		cfg.LeaderRetryInterval = d
	}
	if d, err := time.ParseDuration(cfg.LeaderHeartbeatIntervalStr); err == nil {
		cfg.LeaderHeartbeatInterval = d
	}

	return cfg
}

// intEnv reads a positive integer environment variable with a default.
func intEnv(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := parseInt(s)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s %q (must be a positive integer), using default %d", key, s, def)
		return def
	}
	return n
}

// parseInt parses a string as an integer.
func parseInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		HTTPAddr                string `json:"http_addr"`
		DatabaseURL             string `json:"database_url,omitempty"`
		RedisAddr               string `json:"redis_addr,omitempty"`
		AuthTokens              string `json:"auth_tokens"`
		AuthTimeout             string `json:"auth_timeout"`
		PingInterval            string `json:"ping_interval"`
		SessionSendBuffer       int    `json:"session_send_buffer"`
		MaxInFlight             int    `json:"max_in_flight"`
		MaxPerWorker            int    `json:"max_per_worker"`
		QueueLimit              int    `json:"queue_limit"`
		MaxAttempts             int    `json:"max_attempts"`
		AckTimeout              string `json:"ack_timeout"`
		ExecTimeout             string `json:"exec_timeout"`
		CancelGrace             string `json:"cancel_grace"`
		RetryBase               string `json:"retry_base"`
		RetryMax                string `json:"retry_max"`
		MessagesPerWindow       int    `json:"messages_per_window"`
		RateWindow              string `json:"rate_window"`
		MaxConcurrentExecutions int    `json:"max_concurrent_executions"`
		CircuitBreakerThreshold int    `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string `json:"circuit_breaker_cooldown"`
		RetentionSchedule       string `json:"retention_schedule"`
		RetentionWindow         string `json:"retention_window"`
		RouterBufferSize        int    `json:"router_buffer_size"`
		DBMaxOpenConns          int    `json:"db_max_open_conns"`
		DBMaxIdleConns          int    `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string `json:"db_conn_max_lifetime"`
		HTTPShutdownTimeout     string `json:"http_shutdown_timeout"`
		DrainTimeout            string `json:"drain_timeout"`
		MetricsEnabled          bool   `json:"metrics_enabled"`
		MetricsPath             string `json:"metrics_path"`
		MetricsPort             string `json:"metrics_port"`
		LeaderLockKey           int64  `json:"leader_lock_key"`
		LeaderRetryInterval     string `json:"leader_retry_interval"`
		LeaderHeartbeatInterval string `json:"leader_heartbeat_interval"`
	}{
		HTTPAddr:                c.HTTPAddr,
		DatabaseURL:             maskSecret(c.DatabaseURL),
		RedisAddr:               c.RedisAddr,
		AuthTokens:              maskTokens(c.AuthTokens),
		AuthTimeout:             c.AuthTimeoutStr,
		PingInterval:            c.PingIntervalStr,
		SessionSendBuffer:       c.SessionSendBuffer,
		MaxInFlight:             c.MaxInFlight,
		MaxPerWorker:            c.MaxPerWorker,
		QueueLimit:              c.QueueLimit,
		MaxAttempts:             c.MaxAttempts,
		AckTimeout:              c.AckTimeoutStr,
		ExecTimeout:             c.ExecTimeoutStr,
		CancelGrace:             c.CancelGraceStr,
		RetryBase:               c.RetryBaseStr,
		RetryMax:                c.RetryMaxStr,
		MessagesPerWindow:       c.MessagesPerWindow,
		RateWindow:              c.RateWindowStr,
		MaxConcurrentExecutions: c.MaxConcurrentExecutions,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldownStr,
		RetentionSchedule:       c.RetentionSchedule,
		RetentionWindow:         c.RetentionWindowStr,
		RouterBufferSize:        c.RouterBufferSize,
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetimeStr,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeoutStr,
		DrainTimeout:            c.DrainTimeoutStr,
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		MetricsPort:             c.MetricsPort,
		LeaderLockKey:           c.LeaderLockKey,
		LeaderRetryInterval:     c.LeaderRetryIntervalStr,
		LeaderHeartbeatInterval: c.LeaderHeartbeatIntervalStr,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}

// maskTokens masks token values but preserves identity names so a config
// dump shows who is configured without leaking credentials.
func maskTokens(s string) string {
	if s == "" {
		return ""
	}
	entries := strings.Split(s, ",")
	for i, entry := range entries {
		if _, rest, ok := strings.Cut(entry, "="); ok {
			entries[i] = "***=" + rest
		} else {
			entries[i] = "***"
		}
	}
	return strings.Join(entries, ",")
}
