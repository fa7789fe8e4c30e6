// Package config loads the service configuration from an optional YAML file
// overlaid by CREDITDESK_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nested keys are separated
// by a double underscore: CREDITDESK_AGENT__API_KEY sets agent.api_key.
const EnvPrefix = "CREDITDESK_"

// DefaultPath is read when no explicit path is given. A missing default file
// is not an error.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Cache     CacheConfig     `koanf:"cache"`
	Remote    RemoteConfig    `koanf:"remote"`
	Risk      RiskConfig      `koanf:"risk"`
	Agent     AgentConfig     `koanf:"agent"`
	Telemetry TelemetryConfig `koanf:"telemetry"`

	// Source is the absolute path of the file Load read, empty when none.
	Source string `koanf:"-"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type StorageConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres, memory
	DSN    string `koanf:"dsn"`
	Seed   bool   `koanf:"seed"`
}

// CacheConfig enables the Redis read-through cache when RedisAddr is set.
type CacheConfig struct {
	RedisAddr string        `koanf:"redis_addr"`
	Password  string        `koanf:"password"`
	DB        int           `koanf:"db"`
	TTL       time.Duration `koanf:"ttl"`
}

// RemoteConfig describes the scorer worker subprocess. An empty Command
// re-executes the current binary with the "scorer" subcommand.
type RemoteConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Command       string        `koanf:"command"`
	Args          []string      `koanf:"args"`
	InitTimeout   time.Duration `koanf:"init_timeout"`
	CallTimeout   time.Duration `koanf:"call_timeout"`
	WorkerTimeout time.Duration `koanf:"worker_timeout"`
}

type RiskConfig struct {
	Trigger              string  `koanf:"trigger"` // probability, status
	ProbabilityThreshold float64 `koanf:"probability_threshold"`
	DTIThreshold         float64 `koanf:"dti_threshold"`
	LegalAge             int     `koanf:"legal_age"`
	MinScore             int     `koanf:"min_score"`
}

type AgentConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Provider        string        `koanf:"provider"` // openai, anthropic
	APIKey          string        `koanf:"api_key"`
	BaseURL         string        `koanf:"base_url"`
	Model           string        `koanf:"model"`
	MaxIterations   int           `koanf:"max_iterations"`
	TurnTimeout     time.Duration `koanf:"turn_timeout"`
	RepromptOnText  bool          `koanf:"reprompt_on_text"`
	MaxPromptTokens int           `koanf:"max_prompt_tokens"`
}

type TelemetryConfig struct {
	Tracing bool `koanf:"tracing"`
}

var defaults = map[string]any{
	"server.port":                8080,
	"server.request_timeout":     "60s",
	"storage.driver":             "sqlite",
	"storage.dsn":                "file:creditdesk.db",
	"storage.seed":               true,
	"cache.ttl":                  "5m",
	"remote.enabled":             true,
	"remote.init_timeout":        "10s",
	"remote.call_timeout":        "10s",
	"remote.worker_timeout":      "20s",
	"risk.trigger":               "probability",
	"risk.probability_threshold": 0.75,
	"risk.dti_threshold":         20.0,
	"risk.legal_age":             18,
	"risk.min_score":             300,
	"agent.provider":             "openai",
	"agent.max_iterations":       12,
	"agent.turn_timeout":         "30s",
	"agent.max_prompt_tokens":    16000,
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (or DefaultPath when empty), then the environment, then
// fills defaults for anything still unset.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	loaded := true
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		loaded = false
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if loaded {
		cfg.Source = path
		if abs, err := filepath.Abs(path); err == nil {
			cfg.Source = abs
		}
	}

	cfg.Storage.DSN = substituteEnvVars(cfg.Storage.DSN)
	cfg.Cache.Password = substituteEnvVars(cfg.Cache.Password)
	cfg.Agent.APIKey = substituteEnvVars(cfg.Agent.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "sqlite", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
	}
	switch c.Risk.Trigger {
	case "probability", "status":
	default:
		errs = append(errs, fmt.Errorf("risk.trigger: unsupported %q", c.Risk.Trigger))
	}
	if c.Risk.ProbabilityThreshold <= 0 || c.Risk.ProbabilityThreshold > 1 {
		errs = append(errs, fmt.Errorf("risk.probability_threshold: %v not in (0, 1]", c.Risk.ProbabilityThreshold))
	}
	if c.Agent.Enabled {
		switch c.Agent.Provider {
		case "openai", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("agent.provider: unsupported %q", c.Agent.Provider))
		}
		if c.Agent.Model == "" {
			errs = append(errs, errors.New("agent.model: required when the agent is enabled"))
		}
	}
	return errors.Join(errs...)
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
