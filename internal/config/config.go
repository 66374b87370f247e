package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the broker configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Auth    AuthConfig    `yaml:"auth"`
	Limits  LimitsConfig  `yaml:"limits"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	// Runners maps runner ids to their shared secrets. RunnersFile points
	// at a YAML file with the same mapping; when set, the file is loaded
	// at startup and watched for changes.
	Runners     map[string]string `yaml:"runners"`
	RunnersFile string            `yaml:"runners_file"`
}

type LimitsConfig struct {
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	Burst          int     `yaml:"burst"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads configuration from an optional YAML file, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server:  ServerConfig{Addr: ":8080"},
		Redis:   RedisConfig{Addr: "localhost:6379"},
		Limits:  LimitsConfig{RequestsPerSec: 10, Burst: 20},
		Logging: LoggingConfig{Level: "info"},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides file values with environment variables if present.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("TETHERD_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TETHERD_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("TETHERD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TETHERD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("TETHERD_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TETHERD_REDIS_DB: %w", err)
		}
		cfg.Redis.DB = db
	}
	if v := os.Getenv("TETHERD_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("TETHERD_RUNNERS"); v != "" {
		runners, err := ParseRunnerList(v)
		if err != nil {
			return fmt.Errorf("TETHERD_RUNNERS: %w", err)
		}
		cfg.Auth.Runners = runners
	}
	if v := os.Getenv("TETHERD_RUNNERS_FILE"); v != "" {
		cfg.Auth.RunnersFile = v
	}
	if v := os.Getenv("TETHERD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TETHERD_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	return nil
}

// ParseRunnerList parses a comma-separated list of id:secret pairs, the
// format of the TETHERD_RUNNERS variable.
func ParseRunnerList(s string) (map[string]string, error) {
	runners := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, secret, ok := strings.Cut(pair, ":")
		if !ok || id == "" || secret == "" {
			return nil, fmt.Errorf("malformed runner entry %q, want id:secret", pair)
		}
		runners[id] = secret
	}
	return runners, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (set TETHERD_JWT_SECRET)")
	}
	if len(c.Auth.Runners) == 0 && c.Auth.RunnersFile == "" {
		return fmt.Errorf("runner credentials are required (auth.runners, auth.runners_file, or TETHERD_RUNNERS)")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Limits.RequestsPerSec <= 0 {
		return fmt.Errorf("limits.requests_per_sec must be positive")
	}
	if c.Limits.Burst <= 0 {
		return fmt.Errorf("limits.burst must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}
