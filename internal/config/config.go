package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/gatekeep/llm-gatekeeper/internal/detect"
)

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	config := GetDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/llm-gatekeeper/")
	viper.AddConfigPath("$HOME/.llm-gatekeeper/")

	viper.SetEnvPrefix("GATEKEEPER")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// The detection flags have well-known unprefixed names used by the
	// deployment tooling alongside the GATEKEEPER_* forms.
	_ = viper.BindEnv("security.enable_pii", "GATEKEEPER_SECURITY_ENABLE_PII", "ENABLE_PII_DETECTION")
	_ = viper.BindEnv("security.enable_secrets", "GATEKEEPER_SECURITY_ENABLE_SECRETS", "ENABLE_SECRET_DETECTION")
	_ = viper.BindEnv("security.block_on_detection", "GATEKEEPER_SECURITY_BLOCK_ON_DETECTION", "BLOCK_ON_DETECTION")
	_ = viper.BindEnv("upstream.api_key", "GATEKEEPER_UPSTREAM_API_KEY", "DEEPSEEK_API_KEY")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validateConfig validates the loaded configuration.
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Security.BlockThreshold < 0 || config.Security.BlockThreshold > 1 {
		return fmt.Errorf("invalid block threshold: %g (must be in [0,1])", config.Security.BlockThreshold)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if config.Recognizer.Enabled && config.Recognizer.ScanTimeout <= 0 {
		return fmt.Errorf("invalid recognizer scan timeout: %s", config.Recognizer.ScanTimeout)
	}

	if config.Audit.Postgres.Enabled && config.Audit.Postgres.DatabaseURL == "" {
		return fmt.Errorf("audit postgres sink enabled without database_url")
	}

	for i := range config.Security.CustomPatterns {
		if err := normalizeCustomPattern(&config.Security.CustomPatterns[i]); err != nil {
			return err
		}
	}

	return nil
}

// normalizeCustomPattern resolves the wire-form severity name and rejects
// incomplete definitions before they reach the registry.
func normalizeCustomPattern(p *detect.CustomPattern) error {
	if p.Name == "" || p.Regex == "" {
		return fmt.Errorf("custom pattern requires name and regex (name=%q)", p.Name)
	}

	switch strings.ToLower(p.SeverityName) {
	case "secret":
		p.Severity = detect.SeveritySecret
	case "pii", "":
		p.Severity = detect.SeverityPII
	default:
		return fmt.Errorf("custom pattern %q: invalid severity %q (must be secret or pii)", p.Name, p.SeverityName)
	}

	// Custom rules live in the CUSTOM: namespace so their severity is
	// carried from registration, not the built-in taxonomy.
	if p.EntityType == "" {
		p.EntityType = string(detect.CustomType(p.Name))
	}

	return nil
}

// Watch starts watching the configuration file for changes. The callback
// receives the re-validated configuration; invalid edits are dropped.
func Watch(callback func(*Config)) {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := viper.Unmarshal(newConfig); err != nil {
			return
		}
		if err := validateConfig(newConfig); err != nil {
			return
		}
		callback(newConfig)
	})
}
