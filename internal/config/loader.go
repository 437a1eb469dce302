package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// WorkerNamePattern is the allowed character set for worker identifiers.
var WorkerNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Load reads and parses configuration from a file. A directory path resolves to
// <dir>/config.yaml. A .env file next to the config is loaded first; variables
// already present in the environment win.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	envPath := filepath.Join(filepath.Dir(absPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML config bytes, interpolates ${VAR} references, applies
// defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := interpolateEnv(string(data))

	// Booleans cannot be defaulted after decoding, so seed them before.
	cfg := Config{Gateway: GatewayConfig{CacheEnabled: true}}
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	applyConfigDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.PIDFile == "" {
		cfg.Service.PIDFile = defaults.Service.PIDFile
	}

	gw := &cfg.Gateway
	if len(gw.Models) == 0 {
		gw.Models = defaults.Gateway.Models
	}
	if gw.TokenLimit == 0 {
		gw.TokenLimit = defaults.Gateway.TokenLimit
	}
	if gw.Timeout == 0 {
		gw.Timeout = defaults.Gateway.Timeout
	}
	if gw.CacheTTL == 0 {
		gw.CacheTTL = defaults.Gateway.CacheTTL
	}
	if gw.CacheMax == 0 {
		gw.CacheMax = defaults.Gateway.CacheMax
	}
	if gw.Retry.MaxAttempts == 0 {
		gw.Retry.MaxAttempts = defaults.Gateway.Retry.MaxAttempts
	}
	if gw.Retry.BaseDelay == 0 {
		gw.Retry.BaseDelay = defaults.Gateway.Retry.BaseDelay
	}
	if gw.Retry.MaxDelay == 0 {
		gw.Retry.MaxDelay = defaults.Gateway.Retry.MaxDelay
	}
	if gw.Retry.Multiplier == 0 {
		gw.Retry.Multiplier = defaults.Gateway.Retry.Multiplier
	}
	if gw.Breaker.FailureThreshold == 0 {
		gw.Breaker.FailureThreshold = defaults.Gateway.Breaker.FailureThreshold
	}
	if gw.Breaker.ResetTimeout == 0 {
		gw.Breaker.ResetTimeout = defaults.Gateway.Breaker.ResetTimeout
	}
	if gw.Breaker.SuccessThreshold == 0 {
		gw.Breaker.SuccessThreshold = defaults.Gateway.Breaker.SuccessThreshold
	}

	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = defaults.Backend.BaseURL
	}

	if cfg.Engine.AbortPriority == 0 {
		cfg.Engine.AbortPriority = defaults.Engine.AbortPriority
	}
	if cfg.Engine.DefaultPriority == 0 {
		cfg.Engine.DefaultPriority = defaults.Engine.DefaultPriority
	}

	if cfg.Memory.Path == "" {
		cfg.Memory.Path = defaults.Memory.Path
	}
	if cfg.Memory.Retention == 0 {
		cfg.Memory.Retention = defaults.Memory.Retention
	}

	if cfg.Workers == nil {
		cfg.Workers = defaults.Workers
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Extract variable name from ${VAR}
		varName := envVarPattern.FindStringSubmatch(match)[1]

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}

		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	gw := cfg.Gateway
	for i, m := range gw.Models {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("gateway.models[%d] is empty", i)
		}
	}
	if gw.TokenLimit < 0 {
		return fmt.Errorf("gateway.token_limit must not be negative")
	}
	if gw.Timeout < 0 {
		return fmt.Errorf("gateway.timeout must not be negative")
	}
	if gw.Retry.MaxAttempts < 1 {
		return fmt.Errorf("gateway.retry.max_attempts must be at least 1")
	}
	if gw.Retry.Multiplier < 1 {
		return fmt.Errorf("gateway.retry.multiplier must be >= 1 (got %v)", gw.Retry.Multiplier)
	}
	if gw.Retry.MaxDelay < gw.Retry.BaseDelay {
		return fmt.Errorf("gateway.retry.max_delay must be >= base_delay")
	}
	if gw.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("gateway.circuit_breaker.failure_threshold must be at least 1")
	}
	if gw.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("gateway.circuit_breaker.success_threshold must be at least 1")
	}

	if cfg.Engine.AbortPriority < 1 || cfg.Engine.AbortPriority > 11 {
		return fmt.Errorf("engine.abort_priority must be within 1..11 (got %d)", cfg.Engine.AbortPriority)
	}
	if cfg.Engine.DefaultPriority < 1 || cfg.Engine.DefaultPriority > 10 {
		return fmt.Errorf("engine.default_priority must be within 1..10 (got %d)", cfg.Engine.DefaultPriority)
	}

	if cfg.Memory.Path == "" {
		return fmt.Errorf("memory.path is required")
	}

	for name, w := range cfg.Workers {
		if !WorkerNamePattern.MatchString(name) {
			return fmt.Errorf("workers: invalid worker name %q", name)
		}
		if w.Enabled && strings.TrimSpace(w.Kind) == "" {
			return fmt.Errorf("worker %q: kind is required for enabled workers", name)
		}
		if w.Config != nil {
			if err := checkUnresolvedEnvVars(w.Config, name); err != nil {
				return err
			}
		}
	}

	if cfg.API.Enabled {
		if envVarPattern.MatchString(cfg.API.Auth.APIKey) {
			matches := envVarPattern.FindStringSubmatch(cfg.API.Auth.APIKey)
			return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", matches[1])
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth requires api_key or tokens when api is enabled")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if envVarPattern.MatchString(tok.Token) {
				matches := envVarPattern.FindStringSubmatch(tok.Token)
				return fmt.Errorf("api.auth.tokens[%d].token: environment variable ${%s} is not set", i, matches[1])
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	return nil
}

// checkUnresolvedEnvVars rejects worker config values still holding ${VAR}
// placeholders so secrets never reach workers half-resolved.
func checkUnresolvedEnvVars(data map[string]any, workerName string) error {
	for key, value := range data {
		switch v := value.(type) {
		case string:
			if matches := envVarPattern.FindStringSubmatch(v); len(matches) > 1 {
				return fmt.Errorf("worker %q: config.%s: environment variable ${%s} is not set", workerName, key, matches[1])
			}
		case map[string]any:
			if err := checkUnresolvedEnvVars(v, workerName); err != nil {
				return err
			}
		}
	}
	return nil
}
