package config

import "time"

// Config represents the complete dispatchd configuration.
type Config struct {
	Service ServiceConfig         `yaml:"service"`
	Gateway GatewayConfig         `yaml:"gateway"`
	Backend BackendConfig         `yaml:"backend"`
	Engine  EngineConfig          `yaml:"engine"`
	Memory  MemoryConfig          `yaml:"memory"`
	Workers map[string]WorkerConf `yaml:"workers"`
	API     APIConfig             `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	PIDFile   string `yaml:"pid_file"`
}

// GatewayConfig defines the resilient model-call layer.
type GatewayConfig struct {
	// Models is the ordered fallback chain. The first entry is the primary.
	Models       []string             `yaml:"models"`
	TokenLimit   int                  `yaml:"token_limit"`
	Temperature  float64              `yaml:"temperature"`
	Timeout      time.Duration        `yaml:"timeout"`
	CacheEnabled bool                 `yaml:"cache_enabled"`
	CacheTTL     time.Duration        `yaml:"cache_ttl"`
	CacheMax     int                  `yaml:"cache_max_entries"`
	Retry        RetryConfig          `yaml:"retry"`
	Breaker      CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig defines exponential backoff for model calls.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      time.Duration `yaml:"jitter"`
}

// CircuitBreakerConfig defines circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// BackendConfig points at an OpenAI-compatible chat completion endpoint.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// EngineConfig tunes batch execution.
type EngineConfig struct {
	AbortPriority   int `yaml:"abort_priority"`
	DefaultPriority int `yaml:"default_priority"`
}

// MemoryConfig defines the memory store location.
type MemoryConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// WorkerConf defines a single worker.
type WorkerConf struct {
	Enabled bool           `yaml:"enabled"`
	Kind    string         `yaml:"kind"`
	Config  map[string]any `yaml:"config,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "dispatchd",
			LogLevel:  "info",
			LogFormat: "json",
			PIDFile:   "./data/dispatchd.pid",
		},
		Gateway: GatewayConfig{
			Models:       []string{"gpt-4.1", "gpt-4.1", "o4-mini", "gpt-4o-mini"},
			TokenLimit:   1024,
			Temperature:  0.2,
			Timeout:      60 * time.Second,
			CacheEnabled: true,
			CacheTTL:     5 * time.Minute,
			CacheMax:     512,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    8 * time.Second,
				Multiplier:  2,
				Jitter:      250 * time.Millisecond,
			},
			Breaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
				SuccessThreshold: 2,
			},
		},
		Backend: BackendConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Engine: EngineConfig{
			AbortPriority:   8,
			DefaultPriority: 5,
		},
		Memory: MemoryConfig{
			Path:      "./data/memory.db",
			Retention: 30 * 24 * time.Hour,
		},
		Workers: map[string]WorkerConf{
			"memorySync":  {Enabled: true, Kind: "memory_sync"},
			"memoryPrune": {Enabled: true, Kind: "memory_prune"},
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
