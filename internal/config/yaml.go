package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Settings is the effective proxy configuration. Layering is defaults <
// nyati.yaml < NYATI_* environment variables.
type Settings struct {
	Server    ServerSettings    `mapstructure:"server" yaml:"server"`
	Store     StoreSettings     `mapstructure:"store" yaml:"store"`
	Limits    LimitSettings     `mapstructure:"limits" yaml:"limits"`
	Redis     RedisSettings     `mapstructure:"redis" yaml:"redis"`
	Cache     CacheSettings     `mapstructure:"cache" yaml:"cache"`
	Shaper    ShaperSettings    `mapstructure:"shaper" yaml:"shaper"`
	Upstream  UpstreamSettings  `mapstructure:"upstream" yaml:"upstream"`
	AI        AISettings        `mapstructure:"ai" yaml:"ai"`
	Redact    RedactSettings    `mapstructure:"redact" yaml:"redact"`
	Telemetry TelemetrySettings `mapstructure:"telemetry" yaml:"telemetry"`
	Metrics   MetricsSettings   `mapstructure:"metrics" yaml:"metrics"`
	Auth      AuthSettings      `mapstructure:"auth" yaml:"auth"`
	Log       LogSettings       `mapstructure:"log" yaml:"log"`
}

// ServerSettings controls the HTTP listener.
type ServerSettings struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
	IPRateLimit     int           `mapstructure:"ip_rate_limit" yaml:"ip_rate_limit"` // requests per minute per IP, 0 disables
	MaxBodySize     int64         `mapstructure:"max_body_size" yaml:"max_body_size"`
}

// StoreSettings selects the SQL backend.
type StoreSettings struct {
	Driver  string `mapstructure:"driver" yaml:"driver"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// LimitSettings configures the two quota limiters.
type LimitSettings struct {
	PerMinute    int           `mapstructure:"per_minute" yaml:"per_minute"`
	PerDay       int           `mapstructure:"per_day" yaml:"per_day"`
	Backend      string        `mapstructure:"backend" yaml:"backend"` // "store" or "redis"
	StoreTimeout time.Duration `mapstructure:"store_timeout" yaml:"store_timeout"`
}

// RedisSettings locates the Redis counter backend.
type RedisSettings struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// CacheSettings configures the validation cache.
type CacheSettings struct {
	TTL  time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Size int           `mapstructure:"size" yaml:"size"`
}

// ShaperSettings configures request shaping.
type ShaperSettings struct {
	MaxTokens        int `mapstructure:"max_tokens" yaml:"max_tokens"`
	TestMessageLimit int `mapstructure:"test_message_limit" yaml:"test_message_limit"`
}

// UpstreamSettings holds comma-separated credential pools per provider.
type UpstreamSettings struct {
	OpenAIKeys     string        `mapstructure:"openai_keys" yaml:"openai_keys"`
	AnthropicKeys  string        `mapstructure:"anthropic_keys" yaml:"anthropic_keys"`
	GroqKeys       string        `mapstructure:"groq_keys" yaml:"groq_keys"`
	OpenRouterKeys string        `mapstructure:"openrouter_keys" yaml:"openrouter_keys"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// AISettings points the chat endpoint at its model server.
type AISettings struct {
	URL   string `mapstructure:"url" yaml:"url"`
	Model string `mapstructure:"model" yaml:"model"`
}

// RedactSettings configures the stream redaction filter.
type RedactSettings struct {
	Words  []string `mapstructure:"words" yaml:"words"`
	Marker string   `mapstructure:"marker" yaml:"marker"`
}

// TelemetrySettings sizes the usage sink.
type TelemetrySettings struct {
	Workers int           `mapstructure:"workers" yaml:"workers"`
	Queue   int           `mapstructure:"queue" yaml:"queue"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MetricsSettings toggles the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// AuthSettings controls admin authentication.
type AuthSettings struct {
	JWTSecret string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTExpiry time.Duration `mapstructure:"jwt_expiry" yaml:"jwt_expiry"`
}

// LogSettings controls log output.
type LogSettings struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SetDefaults registers every setting with its default value. Registering a
// key is also what lets AutomaticEnv overrides reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.ip_rate_limit", 120)
	v.SetDefault("server.max_body_size", 10*1024*1024)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.data_dir", "")

	v.SetDefault("limits.per_minute", 5)
	v.SetDefault("limits.per_day", 100)
	v.SetDefault("limits.backend", "store")
	v.SetDefault("limits.store_timeout", "2s")

	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("cache.ttl", "30s")
	v.SetDefault("cache.size", 10000)

	v.SetDefault("shaper.max_tokens", 500)
	v.SetDefault("shaper.test_message_limit", 500)

	v.SetDefault("upstream.openai_keys", "")
	v.SetDefault("upstream.anthropic_keys", "")
	v.SetDefault("upstream.groq_keys", "")
	v.SetDefault("upstream.openrouter_keys", "")
	v.SetDefault("upstream.timeout", "60s")

	v.SetDefault("ai.url", "http://localhost:11434")
	v.SetDefault("ai.model", "llama3.2:1b")

	v.SetDefault("redact.words", []string{"password", "secret", "token", "key", "api_key", "private"})
	v.SetDefault("redact.marker", "[REDACTED]")

	v.SetDefault("telemetry.workers", 4)
	v.SetDefault("telemetry.queue", 1024)
	v.SetDefault("telemetry.timeout", "3s")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiry", "24h")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// BindEnv wires the NYATI_ environment prefix plus the provider-native
// variable names operators already export for upstream credentials.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix("NYATI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	aliases := map[string][]string{
		"upstream.openai_keys":     {"NYATI_UPSTREAM_OPENAI_KEYS", "OPENAI_API_KEYS", "OPENAI_API_KEY"},
		"upstream.anthropic_keys":  {"NYATI_UPSTREAM_ANTHROPIC_KEYS", "ANTHROPIC_API_KEYS", "ANTHROPIC_API_KEY"},
		"upstream.groq_keys":       {"NYATI_UPSTREAM_GROQ_KEYS", "GROQ_API_KEYS", "GROQ_API_KEY"},
		"upstream.openrouter_keys": {"NYATI_UPSTREAM_OPENROUTER_KEYS", "OPENROUTER_API_KEYS", "OPENROUTER_API_KEY"},
		"ai.url":                   {"NYATI_AI_URL", "OLLAMA_URL"},
	}
	for key, envs := range aliases {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Load decodes the effective settings out of v.
func Load(v *viper.Viper) (*Settings, error) {
	SetDefaults(v)
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &s, nil
}

// Validate rejects settings the proxy cannot run with.
func (s *Settings) Validate() error {
	switch s.Limits.Backend {
	case "store", "redis":
	default:
		return fmt.Errorf("limits.backend must be \"store\" or \"redis\", got %q", s.Limits.Backend)
	}
	if s.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if s.Cache.Size <= 0 {
		return fmt.Errorf("cache.size must be positive")
	}
	if s.Telemetry.Workers <= 0 || s.Telemetry.Queue <= 0 {
		return fmt.Errorf("telemetry.workers and telemetry.queue must be positive")
	}
	return nil
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() *Settings {
	v := viper.New()
	s, err := Load(v)
	if err != nil {
		// The defaults are static; a failure here is a programming error.
		panic(err)
	}
	return s
}

// YAML renders settings as YAML with durations in their string form.
func (s *Settings) YAML() ([]byte, error) {
	var node yaml.Node
	if err := node.Encode(s); err != nil {
		return nil, err
	}
	humanizeDurations(&node)
	return yaml.Marshal(&node)
}

const defaultConfigHeader = `# Nyati configuration
#
# Every key can be overridden with an environment variable: prefix NYATI_,
# dots become underscores (limits.per_minute -> NYATI_LIMITS_PER_MINUTE).
# Upstream credentials also honour OPENAI_API_KEYS, ANTHROPIC_API_KEYS,
# GROQ_API_KEYS and OPENROUTER_API_KEYS (comma-separated).

`

// WriteDefaultConfig writes the default configuration to a YAML file. The
// file may later hold credentials, so it is created owner-readable only.
func WriteDefaultConfig(path string) error {
	data, err := DefaultSettings().YAML()
	if err != nil {
		return err
	}
	return os.WriteFile(path, append([]byte(defaultConfigHeader), data...), 0600)
}

// humanizeDurations rewrites integer nanosecond scalars under duration keys
// as Go duration strings so the file round-trips through viper.
func humanizeDurations(n *yaml.Node) {
	if n.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, val := n.Content[i], n.Content[i+1]
			if durationKeys[k.Value] && val.Kind == yaml.ScalarNode {
				var ns int64
				if err := val.Decode(&ns); err == nil {
					val.Tag = "!!str"
					val.Value = time.Duration(ns).String()
				}
			}
		}
	}
	for _, c := range n.Content {
		humanizeDurations(c)
	}
}

var durationKeys = map[string]bool{
	"shutdown_timeout": true,
	"store_timeout":    true,
	"ttl":              true,
	"timeout":          true,
	"jwt_expiry":       true,
}
