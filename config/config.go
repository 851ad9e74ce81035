// Copyright 2025 MPCGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the gateway configuration: a YAML blob with
// environment overrides, plus the secret sources that supply the token
// and signing keyrings.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"mpcgate/gateway/auth"
	"mpcgate/gateway/backend"
	"mpcgate/gateway/contract"
	"mpcgate/gateway/policy"
)

// Config is the root of the gateway configuration file. Every field has a
// working default; a missing file yields a gateway that serves the
// built-in catalog with mock adapters.
//
// Environment variable references in the file (${VAR} or ${VAR:-default})
// are expanded before parsing. Secrets never belong in the file itself:
// API keys are named indirectly via api_key_env, and signing/token keys
// come from the environment or AWS Secrets Manager (see LoadKeyrings).
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Limits      LimitsConfig      `yaml:"limits"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Audit       AuditConfig       `yaml:"audit"`
	Policy      PolicyConfig      `yaml:"policy"`
	Injection   InjectionConfig   `yaml:"injection"`
	Backends    []BackendConfig   `yaml:"backends"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	ReadTimeoutMs  int      `yaml:"read_timeout_ms"`
	WriteTimeoutMs int      `yaml:"write_timeout_ms"`
	CORSOrigins    []string `yaml:"cors_origins"`
}

// LimitsConfig bounds what a single replica accepts.
type LimitsConfig struct {
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`
	MaxConcurrent   int   `yaml:"max_concurrent"`
	RetryAfterMs    int   `yaml:"retry_after_ms"`
}

// IdempotencyConfig selects and sizes the duplicate-suppression store.
// Store is "memory" (single replica) or "redis" (shared across replicas).
type IdempotencyConfig struct {
	Store    string `yaml:"store"`
	Capacity int    `yaml:"capacity"`
	TTLMs    int    `yaml:"ttl_ms"`
	RedisURL string `yaml:"redis_url"`
}

// AuditConfig controls where audit events land. Path is the JSONL file;
// PostgresDSN additionally mirrors events into Postgres when set.
type AuditConfig struct {
	Path        string `yaml:"path"`
	QueueSize   int    `yaml:"queue_size"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// PolicyConfig overrides individual cells of the built-in authorization
// tables. Roles absent from the map keep their defaults.
type PolicyConfig struct {
	Roles map[string]RolePolicy `yaml:"roles"`
}

// RolePolicy is one role's overrides. Nil slices and nil cost leave the
// corresponding default table row untouched.
type RolePolicy struct {
	Sensitivities []string `yaml:"sensitivities"`
	Hints         []string `yaml:"hints"`
	MaxCostUSD    *float64 `yaml:"max_cost_usd"`
}

// InjectionConfig appends extra patterns to the built-in injection corpus.
type InjectionConfig struct {
	Patterns []string `yaml:"patterns"`
}

// Adapter kinds accepted in backend entries.
const (
	AdapterOpenAI        = "openai"
	AdapterOllama        = "ollama"
	AdapterBedrock       = "bedrock"
	AdapterPIIScan       = "pii_scan"
	AdapterInjectionScan = "injection_scan"
	AdapterClassifier    = "classifier"
	AdapterMock          = "mock"
)

var validAdapterKinds = map[string]bool{
	AdapterOpenAI:        true,
	AdapterOllama:        true,
	AdapterBedrock:       true,
	AdapterPIIScan:       true,
	AdapterInjectionScan: true,
	AdapterClassifier:    true,
	AdapterMock:          true,
}

// BackendConfig declares one catalog entry together with the adapter that
// executes it.
type BackendConfig struct {
	ID                  string   `yaml:"id"`
	Type                string   `yaml:"type"`
	Capabilities        []string `yaml:"capabilities"`
	CostPer1KTokens     float64  `yaml:"cost_per_1k_tokens"`
	AvgLatencyMs        int      `yaml:"avg_latency_ms"`
	MaxTokens           int      `yaml:"max_tokens"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	PIIAllowed          bool     `yaml:"pii_allowed"`
	SensitivityAllowed  []string `yaml:"sensitivity_allowed"`

	Adapter AdapterConfig `yaml:"adapter"`
}

// AdapterConfig names the concrete adapter behind a backend. APIKeyEnv is
// the name of the environment variable holding the key, never the key.
type AdapterConfig struct {
	Kind      string              `yaml:"kind"`
	Endpoint  string              `yaml:"endpoint"`
	APIKeyEnv string              `yaml:"api_key_env"`
	Model     string              `yaml:"model"`
	Region    string              `yaml:"region"`
	Rules     map[string][]string `yaml:"rules"`
}

// Descriptor converts the entry into a catalog descriptor. Validation is
// left to the registry.
func (b BackendConfig) Descriptor() backend.Descriptor {
	caps := make([]backend.Capability, len(b.Capabilities))
	for i, c := range b.Capabilities {
		caps[i] = backend.Capability(c)
	}
	sens := make([]contract.Sensitivity, len(b.SensitivityAllowed))
	for i, s := range b.SensitivityAllowed {
		sens[i] = contract.Sensitivity(s)
	}
	return backend.Descriptor{
		ID:                  b.ID,
		Type:                backend.Type(b.Type),
		Capabilities:        caps,
		CostPer1KTokens:     b.CostPer1KTokens,
		AvgLatencyMs:        b.AvgLatencyMs,
		MaxTokens:           b.MaxTokens,
		ConfidenceThreshold: b.ConfidenceThreshold,
		PIIAllowed:          b.PIIAllowed,
		SensitivityAllowed:  sens,
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			ReadTimeoutMs:  15000,
			WriteTimeoutMs: 60000,
			CORSOrigins:    []string{"*"},
		},
		Limits: LimitsConfig{
			MaxPayloadBytes: 1 << 20,
			MaxConcurrent:   128,
			RetryAfterMs:    1000,
		},
		Idempotency: IdempotencyConfig{
			Store:    "memory",
			Capacity: 1024,
			TTLMs:    600000,
		},
		Audit: AuditConfig{
			Path:      "mpcgate-audit.log",
			QueueSize: 10000,
		},
	}
}

// Load reads the YAML file at path, expands environment references,
// applies environment overrides, and validates the result. An empty path
// returns the defaults (still subject to environment overrides).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment overrides, applied after the file so deployments can adjust
// a shared config without editing it.
//
//	MPC_LISTEN_ADDR          server.addr
//	MPC_AUDIT_LOG            audit.path
//	MPC_AUDIT_POSTGRES_DSN   audit.postgres_dsn
//	MPC_REDIS_URL            idempotency.redis_url
//	MPC_MAX_CONCURRENT       limits.max_concurrent
func (c *Config) applyEnvOverrides() {
	c.Server.Addr = getEnv("MPC_LISTEN_ADDR", c.Server.Addr)
	c.Audit.Path = getEnv("MPC_AUDIT_LOG", c.Audit.Path)
	c.Audit.PostgresDSN = getEnv("MPC_AUDIT_POSTGRES_DSN", c.Audit.PostgresDSN)
	c.Idempotency.RedisURL = getEnv("MPC_REDIS_URL", c.Idempotency.RedisURL)
	c.Limits.MaxConcurrent = getEnvInt("MPC_MAX_CONCURRENT", c.Limits.MaxConcurrent)
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr must not be empty")
	}
	if c.Limits.MaxPayloadBytes <= 0 {
		return fmt.Errorf("config: limits.max_payload_bytes must be positive")
	}
	if c.Limits.MaxConcurrent <= 0 {
		return fmt.Errorf("config: limits.max_concurrent must be positive")
	}
	switch c.Idempotency.Store {
	case "memory":
	case "redis":
		if c.Idempotency.RedisURL == "" {
			return fmt.Errorf("config: idempotency.redis_url is required for the redis store")
		}
	default:
		return fmt.Errorf("config: unknown idempotency store %q", c.Idempotency.Store)
	}
	if c.Idempotency.Capacity <= 0 {
		return fmt.Errorf("config: idempotency.capacity must be positive")
	}
	if c.Idempotency.TTLMs <= 0 {
		return fmt.Errorf("config: idempotency.ttl_ms must be positive")
	}
	if c.Audit.QueueSize <= 0 {
		return fmt.Errorf("config: audit.queue_size must be positive")
	}

	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("config: backends[%d] is missing an id", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("config: duplicate backend id %q", b.ID)
		}
		seen[b.ID] = true
		if err := b.Descriptor().Validate(); err != nil {
			return fmt.Errorf("config: backend %s: %w", b.ID, err)
		}
		if !validAdapterKinds[b.Adapter.Kind] {
			return fmt.Errorf("config: backend %s: unknown adapter kind %q", b.ID, b.Adapter.Kind)
		}
		if b.Adapter.Kind == AdapterClassifier && len(b.Adapter.Rules) == 0 {
			return fmt.Errorf("config: backend %s: classifier adapter requires rules", b.ID)
		}
	}

	for role := range c.Policy.Roles {
		if !auth.Role(role).Valid() {
			return fmt.Errorf("config: policy overrides reference unknown role %q", role)
		}
	}
	return nil
}

// Tables builds the authorization tables: defaults with the configured
// per-role overrides applied.
func (c *Config) Tables() policy.Tables {
	tables := policy.DefaultTables()
	for name, override := range c.Policy.Roles {
		role := auth.Role(name)
		if override.Sensitivities != nil {
			levels := make([]contract.Sensitivity, len(override.Sensitivities))
			for i, s := range override.Sensitivities {
				levels[i] = contract.Sensitivity(s)
			}
			tables.SensitivityAccess[role] = levels
		}
		if override.Hints != nil {
			hints := make([]contract.ProcessingHint, len(override.Hints))
			for i, h := range override.Hints {
				hints[i] = contract.ProcessingHint(h)
			}
			tables.ProcessingHints[role] = hints
		}
		if override.MaxCostUSD != nil {
			tables.MaxCostPerRequest[role] = *override.MaxCostUSD
		}
	}
	return tables
}

// envVarRegex matches ${VAR_NAME} or $VAR_NAME references.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars expands environment references in the raw file content.
// ${VAR:-default} falls back to default when VAR is unset; an unset
// variable without a default expands to the empty string.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		defaultVal := ""
		if idx := strings.Index(name, ":-"); idx != -1 {
			defaultVal = name[idx+2:]
			name = name[:idx]
		}

		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultVal
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
