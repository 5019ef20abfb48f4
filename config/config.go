// Package config loads the process settings and the rate limit policy file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aryangodara/fixed_window_limiter"
	"github.com/aryangodara/fixed_window_limiter/rate_limiting_backends"
)

const (
	generatorHeader     = "header"
	generatorRemoteAddr = "remote_addr"
)

// Config is everything the example server needs at startup.
type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	LogLevel  slog.Level
	RateLimit RateLimitProperties
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port string
}

// RedisConfig holds the connection settings used when the repository is REDIS.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RateLimitProperties is the content of the rate limit policy file.
type RateLimitProperties struct {
	Enabled       bool           `yaml:"enabled"`
	Repository    string         `yaml:"repository"`
	FailOpen      bool           `yaml:"fail_open"`
	KeyGenerators []KeyGenerator `yaml:"key_generators"`
	Policies      []Policy       `yaml:"policies"`
}

// KeyGenerator declares a named way of deriving the key from a request.
// Type "header" joins the headers listed in Params; "remote_addr" uses the
// client address and trusts forwarding headers when Params is ["trust_forwarded"].
type KeyGenerator struct {
	Name   string   `yaml:"name"`
	Type   string   `yaml:"type"`
	Params []string `yaml:"params"`
}

// Policy limits the requests of one key generator on the listed routes to Count per Duration.
type Policy struct {
	Name         string   `yaml:"name"`
	Duration     Duration `yaml:"duration"`
	Count        int64    `yaml:"count"`
	KeyGenerator string   `yaml:"key_generator"`
	Block        Block    `yaml:"block"`
	Routes       []Route  `yaml:"routes"`
}

// Block keeps a key denied for Duration once its policy is exceeded.
type Block struct {
	Duration Duration `yaml:"duration"`
}

// Route restricts a policy to a path pattern and, optionally, a method.
type Route struct {
	URI    string `yaml:"uri"`
	Method string `yaml:"method"`
}

// Duration reads Go durations plus whole days ("1d").
type Duration time.Duration

// UnmarshalYAML decodes a duration string using ParseDuration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ParseDuration parses time.ParseDuration syntax and a "<n>d" day count.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// Load reads an optional .env file, the environment and the policy file named by RATE_LIMIT_CONFIG.
func Load() (Config, error) {
	_ = godotenv.Load()

	db, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "INFO"))); err != nil {
		return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	rateLimit, err := LoadRateLimit(getEnv("RATE_LIMIT_CONFIG", "rate_limit.yaml"))
	if err != nil {
		return Config{}, err
	}

	return Config{
		Server: ServerConfig{Port: getEnv("SERVER_PORT", "8080")},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       db,
		},
		LogLevel:  level,
		RateLimit: rateLimit,
	}, nil
}

// LoadRateLimit reads and validates the policy file at path.
func LoadRateLimit(path string) (RateLimitProperties, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RateLimitProperties{}, fmt.Errorf("failed to read rate limit config %v: %w", path, err)
	}
	return ParseRateLimit(data)
}

// ParseRateLimit decodes and validates a YAML policy document.
func ParseRateLimit(data []byte) (RateLimitProperties, error) {
	var props RateLimitProperties
	if err := yaml.Unmarshal(data, &props); err != nil {
		return RateLimitProperties{}, fmt.Errorf("failed to parse rate limit config: %w", err)
	}
	if err := props.Validate(); err != nil {
		return RateLimitProperties{}, err
	}
	return props, nil
}

// Validate checks a configuration that is enabled. Disabled configurations are never used.
func (p RateLimitProperties) Validate() error {
	if !p.Enabled {
		return nil
	}

	if strings.TrimSpace(p.Repository) == "" {
		return errors.New("rate limit repository must be set when rate limiting is enabled")
	}
	if _, err := rate_limiting_backends.ParseRepository(p.Repository); err != nil {
		return err
	}

	generators := make(map[string]bool, len(p.KeyGenerators))
	for _, g := range p.KeyGenerators {
		if g.Name == "" {
			return errors.New("key generator name must not be empty")
		}
		if generators[g.Name] {
			return fmt.Errorf("duplicate key generator %v", g.Name)
		}
		switch g.Type {
		case generatorHeader:
			if len(g.Params) == 0 {
				return fmt.Errorf("header key generator %v needs at least one header", g.Name)
			}
		case generatorRemoteAddr:
		default:
			return fmt.Errorf("key generator %v has unsupported type %q", g.Name, g.Type)
		}
		generators[g.Name] = true
	}

	for i, policy := range p.Policies {
		if !generators[policy.KeyGenerator] {
			return fmt.Errorf("policy %d refers to unknown key generator %q", i, policy.KeyGenerator)
		}
		if policy.Count < 1 {
			return fmt.Errorf("policy %d count must be at least 1", i)
		}
		if policy.Duration <= 0 {
			return fmt.Errorf("policy %d duration must be positive", i)
		}
		if policy.Block.Duration < 0 {
			return fmt.Errorf("policy %d block duration must not be negative", i)
		}
	}

	return nil
}

// RepositoryKind returns the backend selected by the file.
func (p RateLimitProperties) RepositoryKind() (rate_limiting_backends.Repository, error) {
	return rate_limiting_backends.ParseRepository(p.Repository)
}

// Rules converts the policies into middleware rules.
func (p RateLimitProperties) Rules() []fixed_window_limiter.Rule {
	extractors := make(map[string]fixed_window_limiter.Extractor, len(p.KeyGenerators))
	for _, g := range p.KeyGenerators {
		switch g.Type {
		case generatorHeader:
			extractors[g.Name] = fixed_window_limiter.NewHTTPHeaderExtractor(g.Params...)
		case generatorRemoteAddr:
			trust := len(g.Params) > 0 && g.Params[0] == "trust_forwarded"
			extractors[g.Name] = fixed_window_limiter.NewRemoteAddrExtractor(trust)
		}
	}

	rules := make([]fixed_window_limiter.Rule, 0, len(p.Policies))
	for i, policy := range p.Policies {
		name := policy.Name
		if name == "" {
			name = fmt.Sprintf("policy-%d", i)
		}

		routes := make([]fixed_window_limiter.Route, 0, len(policy.Routes))
		for _, r := range policy.Routes {
			routes = append(routes, fixed_window_limiter.Route{Method: r.Method, Pattern: r.URI})
		}

		rules = append(rules, fixed_window_limiter.Rule{
			Name:          name,
			Routes:        routes,
			Extractor:     extractors[policy.KeyGenerator],
			Window:        time.Duration(policy.Duration),
			Limit:         policy.Count,
			BlockDuration: time.Duration(policy.Block.Duration),
		})
	}

	return rules
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
