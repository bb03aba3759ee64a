// Package config loads and validates server configuration from layered
// sources: built-in defaults, a YAML config file, an optional local override
// file, and finally environment variables. Later layers win field-by-field.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the validated server configuration.
type Config struct {
	// HTTP server
	Host           string   `yaml:"host"`
	Port           string   `yaml:"port"`
	SSLEnabled     bool     `yaml:"ssl_enabled"`
	SSLCertFile    string   `yaml:"ssl_cert_file"`
	SSLKeyFile     string   `yaml:"ssl_key_file"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Storage / bus
	RedisEnabled  bool   `yaml:"redis_enabled"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`

	// Auth
	JWTSecret             string `yaml:"jwt_secret"`
	JWTAlgorithm          string `yaml:"jwt_algorithm"`
	AccessTokenTTLMinutes int    `yaml:"access_token_ttl_minutes"`
	RefreshTokenTTLDays   int    `yaml:"refresh_token_ttl_days"`
	AuthIssuerDomain      string `yaml:"auth_issuer_domain"`
	AuthAudience          string `yaml:"auth_audience"`
	APITokenPrefix        string `yaml:"api_token_prefix"`

	// Project identification
	AllowDefaultFallback bool `yaml:"allow_default_fallback"`

	// Session lifecycle
	StaleThresholdSeconds      int `yaml:"stale_threshold_seconds"`
	DisconnectThresholdSeconds int `yaml:"disconnect_threshold_seconds"`
	SweepIntervalSeconds       int `yaml:"sweep_interval_seconds"`

	// Queues
	QueueCapacity         int     `yaml:"queue_capacity"`
	QueueWarningThreshold float64 `yaml:"queue_warning_threshold"`

	// Discussion coordinator
	ConsensusThreshold       float64 `yaml:"consensus_threshold"`
	DiscussionTimeoutSeconds int     `yaml:"discussion_timeout_seconds"`

	// Rate limits (ulule/limiter formatted, e.g. "300-M")
	RateLimitHTTP string `yaml:"rate_limit_http"`

	// Observability
	LogLevel          string `yaml:"log_level"`
	LogFormat         string `yaml:"log_format"`
	OTLPCollectorAddr string `yaml:"otlp_collector_addr"`
	DevelopmentMode   bool   `yaml:"development_mode"`
}

// Defaults returns the base configuration layer.
func Defaults() *Config {
	return &Config{
		Host:                       "0.0.0.0",
		Port:                       "8700",
		AllowedOrigins:             []string{"http://localhost:3000"},
		JWTAlgorithm:               "HS256",
		AccessTokenTTLMinutes:      30,
		RefreshTokenTTLDays:        7,
		APITokenPrefix:             "am",
		AllowDefaultFallback:       true,
		StaleThresholdSeconds:      60,
		DisconnectThresholdSeconds: 300,
		SweepIntervalSeconds:       30,
		QueueCapacity:              100,
		QueueWarningThreshold:      0.8,
		ConsensusThreshold:         0.75,
		DiscussionTimeoutSeconds:   300,
		RateLimitHTTP:              "300-M",
		LogLevel:                   "info",
		LogFormat:                  "json",
	}
}

// Load builds the configuration from all layers and validates it.
// File layers are optional; a missing file is skipped silently except when
// AGENTMESH_CONFIG names a file explicitly.
func Load() (*Config, error) {
	cfg := Defaults()

	path := os.Getenv("AGENTMESH_CONFIG")
	explicit := path != ""
	if path == "" {
		path = "config.yaml"
	}
	if err := applyFile(cfg, path, explicit); err != nil {
		return nil, err
	}
	if err := applyFile(cfg, "config.local.yaml", false); err != nil {
		return nil, err
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logLoaded(cfg)
	return cfg, nil
}

// applyFile overlays one YAML layer onto cfg. Absent fields in the file leave
// the current values untouched, which gives the deep-merge semantics.
func applyFile(cfg *Config, path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	slog.Info("Loaded configuration layer", "path", path)
	return nil
}

// applyEnv overlays environment variables, the highest-priority layer.
func applyEnv(cfg *Config) {
	setString(&cfg.Host, "HOST")
	setString(&cfg.Port, "PORT")
	setBool(&cfg.SSLEnabled, "SSL_ENABLED")
	setString(&cfg.SSLCertFile, "SSL_CERT_FILE")
	setString(&cfg.SSLKeyFile, "SSL_KEY_FILE")
	if v, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok && v != "" {
		cfg.AllowedOrigins = strings.Split(v, ",")
	}

	setBool(&cfg.RedisEnabled, "REDIS_ENABLED")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")

	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.JWTAlgorithm, "JWT_ALGORITHM")
	setInt(&cfg.AccessTokenTTLMinutes, "ACCESS_TOKEN_TTL_MINUTES")
	setInt(&cfg.RefreshTokenTTLDays, "REFRESH_TOKEN_TTL_DAYS")
	setString(&cfg.AuthIssuerDomain, "AUTH_ISSUER_DOMAIN")
	setString(&cfg.AuthAudience, "AUTH_AUDIENCE")
	setString(&cfg.APITokenPrefix, "API_TOKEN_PREFIX")

	setBool(&cfg.AllowDefaultFallback, "ALLOW_DEFAULT_FALLBACK")

	setInt(&cfg.StaleThresholdSeconds, "STALE_THRESHOLD_SECONDS")
	setInt(&cfg.DisconnectThresholdSeconds, "DISCONNECT_THRESHOLD_SECONDS")
	setInt(&cfg.SweepIntervalSeconds, "SWEEP_INTERVAL_SECONDS")

	setInt(&cfg.QueueCapacity, "QUEUE_CAPACITY")
	setFloat(&cfg.QueueWarningThreshold, "QUEUE_WARNING_THRESHOLD")

	setFloat(&cfg.ConsensusThreshold, "CONSENSUS_THRESHOLD")
	setInt(&cfg.DiscussionTimeoutSeconds, "DISCUSSION_TIMEOUT_SECONDS")

	setString(&cfg.RateLimitHTTP, "RATE_LIMIT_HTTP")

	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setString(&cfg.OTLPCollectorAddr, "OTLP_COLLECTOR_ADDR")
	setBool(&cfg.DevelopmentMode, "DEVELOPMENT_MODE")
}

// Validate checks all fields and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", c.Port))
	}

	if c.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(c.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(c.JWTSecret)))
	}
	if c.JWTAlgorithm != "HS256" && c.JWTAlgorithm != "HS384" && c.JWTAlgorithm != "HS512" {
		errs = append(errs, fmt.Sprintf("JWT_ALGORITHM must be one of HS256, HS384, HS512 (got '%s')", c.JWTAlgorithm))
	}

	if c.SSLEnabled {
		if c.SSLCertFile == "" || c.SSLKeyFile == "" {
			errs = append(errs, "SSL_CERT_FILE and SSL_KEY_FILE are required when SSL_ENABLED=true")
		}
	}

	if c.RedisEnabled && c.RedisAddr != "" && !isValidHostPort(c.RedisAddr) {
		errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", c.RedisAddr))
	}

	if c.StaleThresholdSeconds <= 0 {
		errs = append(errs, "STALE_THRESHOLD_SECONDS must be positive")
	}
	if c.DisconnectThresholdSeconds < c.StaleThresholdSeconds {
		errs = append(errs, fmt.Sprintf("DISCONNECT_THRESHOLD_SECONDS (%d) must be >= STALE_THRESHOLD_SECONDS (%d)",
			c.DisconnectThresholdSeconds, c.StaleThresholdSeconds))
	}
	if c.SweepIntervalSeconds <= 0 {
		errs = append(errs, "SWEEP_INTERVAL_SECONDS must be positive")
	}

	if c.QueueCapacity <= 0 {
		errs = append(errs, "QUEUE_CAPACITY must be positive")
	}
	if c.QueueWarningThreshold <= 0 || c.QueueWarningThreshold > 1 {
		errs = append(errs, fmt.Sprintf("QUEUE_WARNING_THRESHOLD must be in (0, 1] (got %v)", c.QueueWarningThreshold))
	}

	if c.ConsensusThreshold <= 0 || c.ConsensusThreshold > 1 {
		errs = append(errs, fmt.Sprintf("CONSENSUS_THRESHOLD must be in (0, 1] (got %v)", c.ConsensusThreshold))
	}
	if c.DiscussionTimeoutSeconds <= 0 {
		errs = append(errs, "DISCUSSION_TIMEOUT_SECONDS must be positive")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("LOG_LEVEL must be one of debug, info, warn, error (got '%s')", c.LogLevel))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("LOG_FORMAT must be 'json' or 'console' (got '%s')", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

// logLoaded logs the effective configuration with secrets redacted.
func logLoaded(c *Config) {
	slog.Info("Configuration loaded",
		"host", c.Host,
		"port", c.Port,
		"ssl_enabled", c.SSLEnabled,
		"redis_enabled", c.RedisEnabled,
		"redis_addr", c.RedisAddr,
		"jwt_secret", redactSecret(c.JWTSecret),
		"jwt_algorithm", c.JWTAlgorithm,
		"stale_threshold_s", c.StaleThresholdSeconds,
		"disconnect_threshold_s", c.DisconnectThresholdSeconds,
		"queue_capacity", c.QueueCapacity,
		"consensus_threshold", c.ConsensusThreshold,
		"rate_limit_http", c.RateLimitHTTP,
		"log_level", c.LogLevel,
		"development_mode", c.DevelopmentMode,
	)
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
