// Package config loads queuewatch settings from an optional YAML file, .env
// files and QUEUEWATCH_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIURL         = "http://localhost:8000/api"
	DefaultBalancerURL    = "http://localhost:3000/api"
	DefaultCapacityPath   = "/api/server-status/"
	DefaultPollInterval   = 3 * time.Second
	DefaultSubmitCooldown = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultListenAddr     = ":8090"
	DefaultKeyPrefix      = "queuewatch"

	BackendMemory = "memory"
	BackendRedis  = "redis"
)

const envPrefix = "QUEUEWATCH_"

var DefaultCapacityEndpoints = []string{"http://127.0.0.1:8001", "http://127.0.0.1:8002"}

type Config struct {
	APIURL            string        `yaml:"api_url"`
	BalancerURL       string        `yaml:"balancer_url"`
	CapacityEndpoints []string      `yaml:"capacity_endpoints"`
	CapacityPath      string        `yaml:"capacity_path"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	SubmitCooldown    time.Duration `yaml:"submit_cooldown"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ListenAddr        string        `yaml:"listen_addr"`
	// StaticDir is served at / when set.
	StaticDir string        `yaml:"static_dir"`
	Session   SessionConfig `yaml:"session"`
	Log       LogConfig     `yaml:"log"`
}

type SessionConfig struct {
	// Backend is memory or redis.
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redis_addr"`
	KeyPrefix string `yaml:"key_prefix"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// LoadDotEnv loads .env files into the process environment. Missing files are
// ignored and variables already set are never overwritten.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		_ = godotenv.Load(p)
	}
}

// Load builds the config from defaults, the YAML file at path (skipped when
// path is empty) and environment overrides, then validates it.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	return parse(data)
}

// parse layers data and the environment over the defaults.
func parse(data []byte) (*Config, error) {
	cfg := defaults()

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		APIURL:            DefaultAPIURL,
		BalancerURL:       DefaultBalancerURL,
		CapacityEndpoints: append([]string(nil), DefaultCapacityEndpoints...),
		CapacityPath:      DefaultCapacityPath,
		PollInterval:      DefaultPollInterval,
		SubmitCooldown:    DefaultSubmitCooldown,
		RequestTimeout:    DefaultRequestTimeout,
		ListenAddr:        DefaultListenAddr,
		Session: SessionConfig{
			Backend:   BackendMemory,
			KeyPrefix: DefaultKeyPrefix,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"API_URL":            &cfg.APIURL,
		"BALANCER_URL":       &cfg.BalancerURL,
		"CAPACITY_PATH":      &cfg.CapacityPath,
		"LISTEN_ADDR":        &cfg.ListenAddr,
		"STATIC_DIR":         &cfg.StaticDir,
		"SESSION_BACKEND":    &cfg.Session.Backend,
		"SESSION_REDIS_ADDR": &cfg.Session.RedisAddr,
		"SESSION_KEY_PREFIX": &cfg.Session.KeyPrefix,
		"LOG_LEVEL":          &cfg.Log.Level,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"POLL_INTERVAL":   &cfg.PollInterval,
		"SUBMIT_COOLDOWN": &cfg.SubmitCooldown,
		"REQUEST_TIMEOUT": &cfg.RequestTimeout,
	}
	for name, dst := range durations {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = d
	}

	if v, ok := lookup("CAPACITY_ENDPOINTS"); ok {
		cfg.CapacityEndpoints = splitList(v)
	}

	if v, ok := lookup("LOG_JSON"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLOG_JSON: %w", envPrefix, err)
		}
		cfg.Log.JSON = b
	}

	return nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validate(cfg *Config) error {
	if err := validateURL("api_url", cfg.APIURL); err != nil {
		return err
	}
	if err := validateURL("balancer_url", cfg.BalancerURL); err != nil {
		return err
	}
	for i, e := range cfg.CapacityEndpoints {
		if err := validateURL(fmt.Sprintf("capacity_endpoints[%d]", i), e); err != nil {
			return err
		}
	}
	if !strings.HasPrefix(cfg.CapacityPath, "/") {
		return errors.New("capacity_path must start with /")
	}
	if cfg.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if cfg.SubmitCooldown < time.Second {
		return errors.New("submit_cooldown must be at least 1s")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}

	switch cfg.Session.Backend {
	case BackendMemory:
	case BackendRedis:
		if cfg.Session.RedisAddr == "" {
			return errors.New("session.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("session.backend: unknown backend %q", cfg.Session.Backend)
	}

	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s: %q is not an http(s) URL", field, raw)
	}
	return nil
}
