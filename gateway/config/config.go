// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads gateway configuration from a YAML file with
// environment variable expansion, falling back to environment-only
// defaults when no file is given.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"axonflow/llm-gateway/gateway"
)

// Config is the root gateway configuration.
type Config struct {
	Version   string          `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Providers []ProviderEntry `yaml:"providers,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	ReadTimeoutMs  int      `yaml:"read_timeout_ms"`
	WriteTimeoutMs int      `yaml:"write_timeout_ms"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// RedisConfig configures the shared cache and rate-limit store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// PostgresConfig configures provider, credential and audit storage.
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// RateLimitConfig configures quota enforcement.
type RateLimitConfig struct {
	DefaultLimit  int    `yaml:"default_limit"`
	WindowSeconds int    `yaml:"window_seconds"`
	FailureMode   string `yaml:"failure_mode"` // open or closed
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	TTLSeconds int  `yaml:"ttl_seconds"`
	LocalSize  int  `yaml:"local_size"`
}

// SecretsConfig configures AWS Secrets Manager credential resolution.
type SecretsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region,omitempty"`
}

// ProviderEntry declares one upstream provider in the config file.
type ProviderEntry struct {
	ID            string                          `yaml:"id"`
	Name          string                          `yaml:"name,omitempty"`
	Type          string                          `yaml:"type"`
	Endpoint      string                          `yaml:"endpoint,omitempty"`
	Priority      int                             `yaml:"priority"`
	Enabled       bool                            `yaml:"enabled"`
	CredentialEnv string                          `yaml:"credential_env,omitempty"`
	SecretARN     string                          `yaml:"secret_arn,omitempty"`
	Pricing       map[string]gateway.ModelPricing `yaml:"pricing,omitempty"`
}

// Defaults applied when the file or environment leaves a field unset.
const (
	DefaultPort          = 8090
	DefaultReadTimeoutMs = 30000
	// Upstream model calls can legitimately take over a minute.
	DefaultWriteTimeoutMs = 120000
)

// Load reads configuration from path. An empty path loads defaults with
// environment overrides only.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Version: "1.0",
		Server: ServerConfig{
			Port:           DefaultPort,
			ReadTimeoutMs:  DefaultReadTimeoutMs,
			WriteTimeoutMs: DefaultWriteTimeoutMs,
		},
		RateLimit: RateLimitConfig{
			DefaultLimit:  60,
			WindowSeconds: 60,
			FailureMode:   "open",
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTLSeconds: 3600,
			LocalSize:  1024,
		},
	}
}

// applyEnv lets a handful of deployment-critical settings override the
// file without editing it.
func (c *Config) applyEnv() {
	if v := os.Getenv("GATEWAY_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("GATEWAY_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" && c.Postgres.URL == "" {
		c.Postgres.URL = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("GATEWAY_FAILURE_MODE"); v != "" {
		c.RateLimit.FailureMode = v
	}
}

// Validate checks the loaded configuration for structural problems.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.RateLimit.FailureMode {
	case "open", "closed":
	default:
		return fmt.Errorf("rate_limit.failure_mode must be 'open' or 'closed', got %q", c.RateLimit.FailureMode)
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.window_seconds must be positive")
	}
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d] must specify an id", i)
		}
		if !gateway.ProviderType(p.Type).Valid() {
			return fmt.Errorf("provider %q has unknown type %q", p.ID, p.Type)
		}
	}
	return nil
}

// GatewayProviders converts the file entries to registry providers.
func (c *Config) GatewayProviders() []gateway.Provider {
	if len(c.Providers) == 0 {
		return nil
	}
	out := make([]gateway.Provider, 0, len(c.Providers))
	for _, p := range c.Providers {
		name := p.Name
		if name == "" {
			name = p.ID
		}
		endpoint := p.Endpoint
		if endpoint == "" {
			// An entry without an endpoint gets its family's default URL
			// so installing file-configured providers never produces a
			// provider that cannot be called.
			endpoint = gateway.DefaultEndpoint(gateway.ProviderType(p.Type))
		}
		out = append(out, gateway.Provider{
			ID:            p.ID,
			Name:          name,
			Type:          gateway.ProviderType(p.Type),
			Endpoint:      endpoint,
			Priority:      p.Priority,
			Enabled:       p.Enabled,
			CredentialEnv: p.CredentialEnv,
			SecretARN:     p.SecretARN,
			Pricing:       p.Pricing,
		})
	}
	return out
}

// CacheTTL returns the configured cache lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// envVarRegex matches ${VAR_NAME} or $VAR_NAME patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars expands environment variable references in the string.
// Supports ${VAR_NAME}, $VAR_NAME and ${VAR_NAME:-default} syntax.
// Undefined variables without a default expand to the empty string.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultVal
	})
}

// GenerateExampleConfig returns a documented starter configuration.
func GenerateExampleConfig() string {
	return `# LLM Gateway Configuration
# Environment variables can be referenced using ${VAR_NAME} or
# ${VAR_NAME:-default} syntax.

version: "1.0"

server:
  port: ${GATEWAY_PORT:-8090}
  read_timeout_ms: 30000
  write_timeout_ms: 120000
  allowed_origins:
    - "*"

redis:
  addr: ${GATEWAY_REDIS_ADDR:-localhost:6379}
  password: ${GATEWAY_REDIS_PASSWORD}
  db: 0

postgres:
  url: ${DATABASE_URL}

rate_limit:
  default_limit: 60
  window_seconds: 60
  # open: allow requests when the store is unreachable
  # closed: reject requests when the store is unreachable
  failure_mode: open

cache:
  enabled: true
  ttl_seconds: 3600
  local_size: 1024

secrets:
  enabled: false
  region: ${AWS_REGION:-us-east-1}

providers:
  - id: openai
    name: OpenAI
    type: openai
    priority: 100
    enabled: true
    credential_env: OPENAI_API_KEY

  - id: anthropic
    name: Anthropic
    type: anthropic
    priority: 90
    enabled: true
    credential_env: ANTHROPIC_API_KEY

  - id: google
    name: Google Gemini
    type: google
    priority: 80
    enabled: true
    credential_env: GEMINI_API_KEY
`
}
