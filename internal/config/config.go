// Package config loads collector and agent settings from an optional YAML
// file overlaid with UXTRACE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vincentbai/uxtrace/internal/delivery"
)

type Collector struct {
	Address         string        `yaml:"address"`
	DatabasePath    string        `yaml:"database_path"`
	APIKeys         []string      `yaml:"api_keys"`
	LogLevel        string        `yaml:"log_level"`
	ReadLimitBytes  int64         `yaml:"read_limit_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Agent struct {
	ServerURL         string        `yaml:"server_url"`
	APIKey            string        `yaml:"api_key"`
	UserAgent         string        `yaml:"user_agent"`
	SessionFile       string        `yaml:"session_file"`
	ThrottleWindow    time.Duration `yaml:"throttle_window"`
	QueueCapacity     int           `yaml:"queue_capacity"`
	Overflow          string        `yaml:"overflow"`
	Reconnect         string        `yaml:"reconnect"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
	LogLevel          string        `yaml:"log_level"`
}

// DataDir is the platform application data directory.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "UXTrace"), nil
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", "UXTrace"), nil
	default: // linux and others
		return filepath.Join(home, ".local", "share", "UXTrace"), nil
	}
}

func DefaultCollector() Collector {
	cfg := Collector{
		Address:         "127.0.0.1:8080",
		LogLevel:        "info",
		ReadLimitBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
	if dir, err := DataDir(); err == nil {
		cfg.DatabasePath = filepath.Join(dir, "events.db")
	}
	return cfg
}

func DefaultAgent() Agent {
	cfg := Agent{
		ServerURL:         "ws://127.0.0.1:8080/ingest",
		UserAgent:         "uxtrace-agent/1.0",
		ThrottleWindow:    200 * time.Millisecond,
		Overflow:          delivery.DropOldest.String(),
		Reconnect:         "none",
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		ReconnectMaxDelay: 30 * time.Second,
		LogLevel:          "info",
	}
	if dir, err := DataDir(); err == nil {
		cfg.SessionFile = filepath.Join(dir, "session.json")
	}
	return cfg
}

// LoadCollector reads path (if not empty) over the defaults, then the
// environment, and validates the result.
func LoadCollector(path string) (Collector, error) {
	cfg, err := ReadCollector(path)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ReadCollector is LoadCollector without validation, for callers that apply
// further overrides first.
func ReadCollector(path string) (Collector, error) {
	cfg := DefaultCollector()
	if err := readFile(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.Address = getEnv("UXTRACE_ADDRESS", cfg.Address)
	cfg.DatabasePath = getEnv("UXTRACE_DATABASE", cfg.DatabasePath)
	cfg.LogLevel = getEnv("UXTRACE_LOG_LEVEL", cfg.LogLevel)
	cfg.ReadLimitBytes = int64(getEnvInt("UXTRACE_READ_LIMIT", int(cfg.ReadLimitBytes)))
	if v := strings.TrimSpace(os.Getenv("UXTRACE_API_KEYS")); v != "" {
		cfg.APIKeys = SplitCSV(v)
	}
	return cfg, nil
}

func (c Collector) Validate() error {
	if c.Address == "" {
		return errors.New("address cannot be empty")
	}
	if c.DatabasePath == "" {
		return errors.New("database_path cannot be empty")
	}
	if len(c.APIKeys) == 0 {
		return errors.New("at least one API key is required")
	}
	if c.ReadLimitBytes <= 0 {
		return errors.New("read_limit_bytes must be positive")
	}
	return nil
}

// LoadAgent reads path (if not empty) over the defaults, then the
// environment. A missing credential is not an error here; the agent reports
// it when connecting.
func LoadAgent(path string) (Agent, error) {
	cfg := DefaultAgent()
	if err := readFile(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.ServerURL = getEnv("UXTRACE_SERVER_URL", cfg.ServerURL)
	cfg.APIKey = getEnv("UXTRACE_API_KEY", cfg.APIKey)
	cfg.UserAgent = getEnv("UXTRACE_USER_AGENT", cfg.UserAgent)
	cfg.SessionFile = getEnv("UXTRACE_SESSION_FILE", cfg.SessionFile)
	cfg.Reconnect = getEnv("UXTRACE_RECONNECT", cfg.Reconnect)
	cfg.LogLevel = getEnv("UXTRACE_LOG_LEVEL", cfg.LogLevel)
	cfg.QueueCapacity = getEnvInt("UXTRACE_QUEUE_CAPACITY", cfg.QueueCapacity)
	if _, err := cfg.Buffer(); err != nil {
		return cfg, err
	}
	if _, err := cfg.Policy(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Buffer builds the delivery buffer: unbounded when QueueCapacity is 0.
func (a Agent) Buffer() (delivery.Buffer, error) {
	if a.QueueCapacity < 0 {
		return nil, errors.New("queue_capacity cannot be negative")
	}
	overflow, err := delivery.ParseOverflow(a.Overflow)
	if err != nil {
		return nil, err
	}
	if a.QueueCapacity == 0 {
		return delivery.NewQueue(), nil
	}
	return delivery.NewBoundedQueue(a.QueueCapacity, overflow), nil
}

func (a Agent) Policy() (delivery.Policy, error) {
	return delivery.ParsePolicy(a.Reconnect, a.ReconnectAttempts, a.ReconnectDelay, a.ReconnectMaxDelay)
}

func readFile(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// SplitCSV splits comma-separated tokens trimming whitespace and skipping empties.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
