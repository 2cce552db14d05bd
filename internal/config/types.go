package config

import (
	"time"

	"github.com/gatekeep/llm-gatekeeper/internal/detect"
)

// Config represents the main configuration structure.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Security   SecurityConfig   `yaml:"security" mapstructure:"security"`
	Recognizer RecognizerConfig `yaml:"recognizer" mapstructure:"recognizer"`
	Audit      AuditConfig      `yaml:"audit" mapstructure:"audit"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Upstream   UpstreamConfig   `yaml:"upstream" mapstructure:"upstream"`
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`
	Dashboard  DashboardConfig  `yaml:"dashboard" mapstructure:"dashboard"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// SecurityConfig contains the scanning policy and custom pattern definitions.
type SecurityConfig struct {
	EnablePII        bool                   `yaml:"enable_pii" mapstructure:"enable_pii"`
	EnableSecrets    bool                   `yaml:"enable_secrets" mapstructure:"enable_secrets"`
	BlockOnDetection bool                   `yaml:"block_on_detection" mapstructure:"block_on_detection"`
	BlockThreshold   float64                `yaml:"block_threshold" mapstructure:"block_threshold"`
	ScanResponses    bool                   `yaml:"scan_responses" mapstructure:"scan_responses"`
	CustomPatterns   []detect.CustomPattern `yaml:"custom_patterns" mapstructure:"custom_patterns"`
}

// Policy converts the security section into the per-request policy value.
func (c SecurityConfig) Policy() detect.Policy {
	return detect.Policy{
		EnablePII:        c.EnablePII,
		EnableSecrets:    c.EnableSecrets,
		BlockOnDetection: c.BlockOnDetection,
		BlockThreshold:   c.BlockThreshold,
		ScanResponses:    c.ScanResponses,
	}
}

// RecognizerConfig contains entity recognizer configuration.
type RecognizerConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	ModelPath     string        `yaml:"model_path" mapstructure:"model_path"`
	VocabPath     string        `yaml:"vocab_path" mapstructure:"vocab_path"`
	ScanTimeout   time.Duration `yaml:"scan_timeout" mapstructure:"scan_timeout"`
	MaxConcurrent int           `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// AuditConfig contains audit recorder configuration.
type AuditConfig struct {
	File struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
	Postgres struct {
		Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
		DatabaseURL  string        `yaml:"database_url" mapstructure:"database_url"`
		MaxOpenConns int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
		MaxIdleConns int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
		ConnLifetime time.Duration `yaml:"conn_lifetime" mapstructure:"conn_lifetime"`
	} `yaml:"postgres" mapstructure:"postgres"`
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
}

// CacheConfig contains the verdict cache configuration.
type CacheConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	DefaultTTL     time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
}

// UpstreamConfig contains the provider client configuration.
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey         string        `yaml:"api_key" mapstructure:"api_key"`
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RequestsPerMin int           `yaml:"requests_per_min" mapstructure:"requests_per_min"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// DashboardConfig contains the websocket dashboard configuration.
type DashboardConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	Path            string `yaml:"path" mapstructure:"path"`
	BroadcastScans  bool   `yaml:"broadcast_scans" mapstructure:"broadcast_scans"`
	BroadcastSystem bool   `yaml:"broadcast_system" mapstructure:"broadcast_system"`
}

// GetDefaults returns a configuration with sensible defaults.
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Security: SecurityConfig{
			EnablePII:        true,
			EnableSecrets:    true,
			BlockOnDetection: true,
			BlockThreshold:   detect.DefaultBlockThreshold,
			ScanResponses:    false,
		},
		Recognizer: RecognizerConfig{
			Enabled:       true,
			ModelPath:     "models/ner.onnx",
			VocabPath:     "models/vocab.txt",
			ScanTimeout:   300 * time.Millisecond,
			MaxConcurrent: 4,
		},
		Cache: CacheConfig{
			Enabled:        false,
			RedisURL:       "redis://localhost:6379/0",
			KeyPrefix:      "gatekeeper",
			DefaultTTL:     time.Hour,
			MaxConnections: 10,
			MinIdleConns:   2,
		},
		Upstream: UpstreamConfig{
			BaseURL:        "https://api.deepseek.com",
			Timeout:        60 * time.Second,
			RequestsPerMin: 600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Dashboard: DashboardConfig{
			Enabled:         true,
			Path:            "/ws",
			BroadcastScans:  true,
			BroadcastSystem: true,
		},
	}

	cfg.Audit.File.Enabled = true
	cfg.Audit.File.Path = "logs/audit.jsonl"
	cfg.Audit.Postgres.MaxOpenConns = 10
	cfg.Audit.Postgres.MaxIdleConns = 2
	cfg.Audit.Postgres.ConnLifetime = 30 * time.Minute
	cfg.Audit.QueueSize = 1024

	return cfg
}
