// Package config loads and validates all runtime configuration for the relay.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file; the routing table is YAML-only because
// its nested shape does not map onto env vars.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example ANTHROPIC_API_KEY becomes
// anthropic_api_key in YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/modelrelay/modelrelay/internal/providers"
	"github.com/modelrelay/modelrelay/internal/routing"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Routing holds the model alias table and the fallback timing knobs.
	Routing RoutingConfig

	// Provider credentials. A provider with no credentials is disabled; the
	// routing table must not reference it.
	Bedrock    BedrockConfig
	Anthropic  ProviderConfig
	OpenRouter OpenRouterConfig
	Cerebras   ProviderConfig
	Groq       ProviderConfig
	Gemini     ProviderConfig

	// Redis holds the connection URL for the Redis-backed cache and rate
	// limiter. Required only when CacheMode is "redis" or RPMLimit > 0.
	Redis RedisConfig

	// Cache controls response caching behaviour.
	Cache CacheConfig

	// RateLimit controls inbound request-rate limiting.
	RateLimit RateLimitConfig

	// History controls the async request history recorder.
	History HistoryConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// RoutingConfig holds the fallback table and timing parameters.
type RoutingConfig struct {
	// Models is the alias table, YAML-only (routing.models).
	Models []ModelRule

	// RetryTimeout is the pause before the next candidate after a transient
	// failure (RETRY_TIMEOUT_MILLIS). Rate-limited and fatal failures never
	// pause. Default: 1s.
	RetryTimeout time.Duration

	// RateLimitWindow is how long a rate-limited candidate stays blacklisted
	// (RATE_LIMIT_SECONDS). Default: 60s.
	RateLimitWindow time.Duration

	// RequestTimeout caps one request's whole upstream pass, attempts and
	// pacing included (REQUEST_TIMEOUT_SECONDS). Default: 10m.
	RequestTimeout time.Duration
}

// ModelRule maps one alias to its ordered fallback stages.
type ModelRule struct {
	Alias  string       `mapstructure:"alias"`
	Stages []ModelStage `mapstructure:"stages"`
}

// ModelStage is one provider with its ordered model variants.
type ModelStage struct {
	Provider string         `mapstructure:"provider"`
	Variants []ModelVariant `mapstructure:"variants"`
}

// ModelVariant is one concrete model, optionally pinned to a region.
type ModelVariant struct {
	Model  string `mapstructure:"model"`
	Region string `mapstructure:"region"`
}

// ProviderConfig holds configuration for a single API-key provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// OpenRouterConfig extends ProviderConfig with OpenRouter attribution headers.
type OpenRouterConfig struct {
	APIKey  string
	BaseURL string
	// Referer and Title populate the HTTP-Referer / X-Title attribution
	// headers OpenRouter uses for app rankings. Optional.
	Referer string
	Title   string
}

// BedrockConfig holds AWS Bedrock configuration.
type BedrockConfig struct {
	// AccessKey is the AWS access key ID.
	AccessKey string
	// SecretKey is the AWS secret access key.
	SecretKey string
	// SessionToken is the optional STS session token for temporary credentials.
	SessionToken string
	// Region is the default AWS region, e.g. "us-east-1". Variants may pin
	// their own region in the routing table.
	Region string
	// EndpointURL overrides the Bedrock runtime endpoint. Useful for local mocks.
	EndpointURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process bounded cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// MemoryEntries bounds the in-process cache. Default: 10.
	MemoryEntries int

	// ExcludeExact is a list of exact model aliases that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// aliases. Requests whose alias matches any pattern are not cached.
	ExcludePatterns []string
}

// RateLimitConfig controls inbound request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// HistoryConfig controls request history persistence.
type HistoryConfig struct {
	// Backend selects where completed passes are recorded:
	//   "clickhouse" — batched inserts into ClickHouse (requires CLICKHOUSE_ADDR).
	//   "stdout"     — structured log lines.
	//   "none"       — history disabled.
	// Default: "stdout".
	Backend string

	// ClickHouse connection settings, used when Backend is "clickhouse".
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string
}

// knownProviders is the set of provider names the routing table may reference.
var knownProviders = map[string]bool{
	"bedrock":    true,
	"anthropic":  true,
	"openrouter": true,
	"cerebras":   true,
	"groq":       true,
	"gemini":     true,
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// The routing table must define at least one alias, and every stage must name
// a provider with configured credentials.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_MEMORY_ENTRIES", 10)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Fallback timing defaults.
	v.SetDefault("RETRY_TIMEOUT_MILLIS", 1000)
	v.SetDefault("RATE_LIMIT_SECONDS", 60)
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 600)

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("HISTORY_BACKEND", "stdout")
	v.SetDefault("CLICKHOUSE_DATABASE", "default")
	v.SetDefault("CLICKHOUSE_USERNAME", "default")

	// ── Build config ──────────────────────────────────────────────────────────
	var rules []ModelRule
	if err := v.UnmarshalKey("routing.models", &rules); err != nil {
		return nil, fmt.Errorf("config: invalid routing.models: %w", err)
	}

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Routing: RoutingConfig{
			Models:          rules,
			RetryTimeout:    time.Duration(v.GetInt("RETRY_TIMEOUT_MILLIS")) * time.Millisecond,
			RateLimitWindow: time.Duration(v.GetInt("RATE_LIMIT_SECONDS")) * time.Second,
			RequestTimeout:  time.Duration(v.GetInt("REQUEST_TIMEOUT_SECONDS")) * time.Second,
		},

		Bedrock: BedrockConfig{
			AccessKey:    v.GetString("AWS_ACCESS_KEY_ID"),
			SecretKey:    v.GetString("AWS_SECRET_ACCESS_KEY"),
			SessionToken: v.GetString("AWS_SESSION_TOKEN"),
			Region:       v.GetString("AWS_REGION"),
			EndpointURL:  v.GetString("BEDROCK_ENDPOINT_URL"),
		},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		OpenRouter: OpenRouterConfig{
			APIKey:  v.GetString("OPENROUTER_API_KEY"),
			BaseURL: v.GetString("OPENROUTER_BASE_URL"),
			Referer: v.GetString("OPENROUTER_REFERER"),
			Title:   v.GetString("OPENROUTER_TITLE"),
		},
		Cerebras: ProviderConfig{APIKey: v.GetString("CEREBRAS_API_KEY"), BaseURL: v.GetString("CEREBRAS_BASE_URL")},
		Groq:     ProviderConfig{APIKey: v.GetString("GROQ_API_KEY"), BaseURL: v.GetString("GROQ_BASE_URL")},
		Gemini:   ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			MemoryEntries:   v.GetInt("CACHE_MEMORY_ENTRIES"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		History: HistoryConfig{
			Backend:            strings.ToLower(v.GetString("HISTORY_BACKEND")),
			ClickHouseAddr:     v.GetString("CLICKHOUSE_ADDR"),
			ClickHouseDatabase: v.GetString("CLICKHOUSE_DATABASE"),
			ClickHouseUsername: v.GetString("CLICKHOUSE_USERNAME"),
			ClickHousePassword: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Routing.RetryTimeout < 0 {
		return fmt.Errorf("config: RETRY_TIMEOUT_MILLIS must be ≥ 0")
	}
	if c.Routing.RequestTimeout < 0 {
		return fmt.Errorf("config: REQUEST_TIMEOUT_SECONDS must be ≥ 0")
	}
	if c.Routing.RateLimitWindow < 0 {
		return fmt.Errorf("config: RATE_LIMIT_SECONDS must be ≥ 0")
	}

	if len(c.Routing.Models) == 0 {
		return fmt.Errorf("config: routing.models must define at least one alias")
	}
	for _, rule := range c.Routing.Models {
		if rule.Alias == "" {
			return fmt.Errorf("config: routing rule with empty alias")
		}
		if len(rule.Stages) == 0 {
			return fmt.Errorf("config: alias %q has no stages", rule.Alias)
		}
		for _, stage := range rule.Stages {
			if !knownProviders[stage.Provider] {
				return fmt.Errorf("config: alias %q references unknown provider %q", rule.Alias, stage.Provider)
			}
			if !c.ProviderConfigured(stage.Provider) {
				return fmt.Errorf(
					"config: alias %q references provider %q which has no credentials configured",
					rule.Alias, stage.Provider,
				)
			}
			if len(stage.Variants) == 0 {
				return fmt.Errorf("config: alias %q stage %q has no variants", rule.Alias, stage.Provider)
			}
			for _, variant := range stage.Variants {
				if variant.Model == "" {
					return fmt.Errorf("config: alias %q stage %q has a variant with no model", rule.Alias, stage.Provider)
				}
			}
		}
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	switch c.History.Backend {
	case "clickhouse", "stdout", "none":
	default:
		return fmt.Errorf(
			"config: invalid HISTORY_BACKEND %q; must be one of: clickhouse, stdout, none",
			c.History.Backend,
		)
	}
	if c.History.Backend == "clickhouse" && c.History.ClickHouseAddr == "" {
		return fmt.Errorf("config: CLICKHOUSE_ADDR is required when HISTORY_BACKEND=clickhouse")
	}

	return nil
}

// ProviderConfigured reports whether the named provider has credentials.
func (c *Config) ProviderConfigured(name string) bool {
	switch name {
	case "bedrock":
		return c.Bedrock.AccessKey != "" && c.Bedrock.SecretKey != ""
	case "anthropic":
		return c.Anthropic.APIKey != ""
	case "openrouter":
		return c.OpenRouter.APIKey != ""
	case "cerebras":
		return c.Cerebras.APIKey != ""
	case "groq":
		return c.Groq.APIKey != ""
	case "gemini":
		return c.Gemini.APIKey != ""
	}
	return false
}

// Table converts the validated routing rules into the router's table form.
func (c *Config) Table() (*routing.Table, error) {
	rules := make([]routing.Rule, 0, len(c.Routing.Models))
	for _, m := range c.Routing.Models {
		stages := make([]routing.Stage, 0, len(m.Stages))
		for _, s := range m.Stages {
			variants := make([]providers.Variant, 0, len(s.Variants))
			for _, v := range s.Variants {
				variants = append(variants, providers.Variant{Model: v.Model, Region: v.Region})
			}
			stages = append(stages, routing.Stage{Provider: s.Provider, Variants: variants})
		}
		rules = append(rules, routing.Rule{Alias: m.Alias, Stages: stages})
	}
	return routing.NewTable(rules)
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
