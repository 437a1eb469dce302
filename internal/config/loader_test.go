package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
service:
  log_level: debug
gateway:
  models: [primary-model, secondary-model]
  retry:
    max_attempts: 4
memory:
  path: ./test.db
`,
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.LogLevel != "debug" {
					t.Error("log_level not parsed")
				}
				if len(cfg.Gateway.Models) != 2 || cfg.Gateway.Models[0] != "primary-model" {
					t.Errorf("models not parsed: %v", cfg.Gateway.Models)
				}
				if cfg.Gateway.Retry.MaxAttempts != 4 {
					t.Error("retry.max_attempts not parsed")
				}
				// Check defaults applied
				if cfg.Gateway.Retry.Multiplier != 2 {
					t.Error("default retry multiplier not applied")
				}
				if cfg.Gateway.Breaker.FailureThreshold != 5 {
					t.Error("default breaker threshold not applied")
				}
				if !cfg.Gateway.CacheEnabled {
					t.Error("cache should default to enabled")
				}
				if cfg.Engine.AbortPriority != 8 {
					t.Errorf("abort priority default = %d", cfg.Engine.AbortPriority)
				}
				if _, ok := cfg.Workers["memorySync"]; !ok {
					t.Error("default workers not applied")
				}
			},
		},
		{
			name: "durations and explicit cache off",
			yaml: `
gateway:
  timeout: 15s
  cache_enabled: false
  cache_ttl: 90s
  circuit_breaker:
    failure_threshold: 3
    reset_timeout: 2m
engine:
  abort_priority: 9
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Gateway.Timeout != 15*time.Second {
					t.Errorf("timeout = %v", cfg.Gateway.Timeout)
				}
				if cfg.Gateway.CacheEnabled {
					t.Error("cache_enabled: false ignored")
				}
				if cfg.Gateway.CacheTTL != 90*time.Second {
					t.Errorf("cache_ttl = %v", cfg.Gateway.CacheTTL)
				}
				if cfg.Gateway.Breaker.ResetTimeout != 2*time.Minute {
					t.Errorf("reset_timeout = %v", cfg.Gateway.Breaker.ResetTimeout)
				}
				if cfg.Engine.AbortPriority != 9 {
					t.Errorf("abort_priority = %d", cfg.Engine.AbortPriority)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
backend:
  api_key: ${TEST_BACKEND_KEY}
memory:
  path: ${TEST_MEMORY_PATH}
workers:
  digest:
    enabled: true
    kind: echo
    config:
      endpoint: ${TEST_ENDPOINT}
`,
			env: map[string]string{
				"TEST_BACKEND_KEY": "secret123",
				"TEST_MEMORY_PATH": "/tmp/memory.db",
				"TEST_ENDPOINT":    "https://api.example.com",
			},
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Backend.APIKey != "secret123" {
					t.Errorf("env var not interpolated in backend.api_key: %s", cfg.Backend.APIKey)
				}
				if cfg.Memory.Path != "/tmp/memory.db" {
					t.Errorf("env var not interpolated in memory.path: %s", cfg.Memory.Path)
				}
				if cfg.Workers["digest"].Config["endpoint"] != "https://api.example.com" {
					t.Error("env var not interpolated in worker config")
				}
			},
		},
		{
			name: "missing env var in worker config fails validation",
			yaml: `
workers:
  digest:
    enabled: true
    kind: echo
    config:
      secret: ${DISPATCHD_MISSING_VAR}
`,
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: invalid
`,
			wantErr: true,
		},
		{
			name: "invalid worker name",
			yaml: `
workers:
  "bad worker":
    enabled: true
    kind: echo
`,
			wantErr: true,
		},
		{
			name: "enabled worker requires kind",
			yaml: `
workers:
  digest:
    enabled: true
`,
			wantErr: true,
		},
		{
			name: "abort priority out of range",
			yaml: `
engine:
  abort_priority: 12
`,
			wantErr: true,
		},
		{
			name: "api enabled without credentials",
			yaml: `
api:
  enabled: true
  listen: 127.0.0.1:9999
`,
			wantErr: true,
		},
		{
			name: "disabled worker skips kind check",
			yaml: `
workers:
  test:
    enabled: false
`,
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Workers["test"].Enabled {
					t.Error("worker should be disabled")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.yaml), 0644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			cfg, err := Load(configPath)

			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectoryAndDotEnv(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte("backend:\n  api_key: ${DISPATCHD_DOTENV_KEY}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, ".env"), []byte("DISPATCHD_DOTENV_KEY=from-dotenv\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("DISPATCHD_DOTENV_KEY") })

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.APIKey != "from-dotenv" {
		t.Errorf("expected key from .env, got %q", cfg.Backend.APIKey)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestInterpolateEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple replacement",
			input: "path: ${DISPATCHD_T_HOME}/data",
			env:   map[string]string{"DISPATCHD_T_HOME": "/users/test"},
			want:  "path: /users/test/data",
		},
		{
			name:  "multiple vars",
			input: "${DISPATCHD_T_USER}:${DISPATCHD_T_PASS}",
			env: map[string]string{
				"DISPATCHD_T_USER": "admin",
				"DISPATCHD_T_PASS": "secret",
			},
			want: "admin:secret",
		},
		{
			name:  "unset var stays as placeholder",
			input: "key: ${DISPATCHD_T_UNSET}",
			want:  "key: ${DISPATCHD_T_UNSET}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if got := interpolateEnv(tt.input); got != tt.want {
				t.Errorf("interpolateEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFingerprintIgnoresSecrets(t *testing.T) {
	a := Defaults()
	b := Defaults()
	b.Backend.APIKey = "sk-different"

	fa, err := Fingerprint(a)
	if err != nil {
		t.Fatal(err)
	}
	fb, err := Fingerprint(b)
	if err != nil {
		t.Fatal(err)
	}
	if fa != fb {
		t.Errorf("fingerprint changed with secret: %s vs %s", fa, fb)
	}

	b.Gateway.Models = []string{"other"}
	fc, _ := Fingerprint(b)
	if fc == fa {
		t.Error("fingerprint should change when models change")
	}
	if len(fa) != 16 {
		t.Errorf("fingerprint length = %d", len(fa))
	}
}
