// Package config loads blestream settings from defaults, a targets file, the environment and
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blestream/internal/device"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "BLESTREAM_"

// ErrNoTargets is returned by Validate when nothing is configured to stream from
var ErrNoTargets = errors.New("no targets configured")

// Config holds application configuration.
//
// A targets file may use the explicit form
//
//	targets:
//	  - name: Sensor1
//	  - address: AA:BB:CC:DD:EE:FF
//
// or the short lists `names` / `addresses`; JSON files such as {"names": ["Sensor1"]} are
// accepted as well.
type Config struct {
	Targets   []device.Target `yaml:"targets" json:"targets"`
	Names     []string        `yaml:"names" json:"names"`
	Addresses []string        `yaml:"addresses" json:"addresses"`

	Window         time.Duration `yaml:"window" json:"window" default:"1s"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts" default:"2"`
	RetryDelay     time.Duration `yaml:"retry_delay" json:"retry_delay" default:"1s"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" json:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" default:"30s"`
	EventBuffer    int           `yaml:"event_buffer" json:"event_buffer" default:"256"`
	Format         string        `yaml:"format" json:"format" default:"text"`
	LogLevel       string        `yaml:"log_level" json:"log_level" default:"panic"`
}

// Default returns a Config holding only default values
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML or JSON file; unset values take their defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML (or JSON) content
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	defaults.SetDefaults(cfg)
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process environment without
// overriding variables already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// ApplyEnv overrides values from BLESTREAM_* variables found by lookup (os.LookupEnv in
// production). BLESTREAM_NAMES and BLESTREAM_ADDRESSES take comma-separated lists.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	durations := map[string]*time.Duration{
		"WINDOW":          &c.Window,
		"RETRY_DELAY":     &c.RetryDelay,
		"SCAN_TIMEOUT":    &c.ScanTimeout,
		"CONNECT_TIMEOUT": &c.ConnectTimeout,
	}
	for key, dst := range durations {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"MAX_ATTEMPTS": &c.MaxAttempts,
		"EVENT_BUFFER": &c.EventBuffer,
	}
	for key, dst := range ints {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	if v, ok := get("FORMAT"); ok {
		c.Format = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := get("NAMES"); ok {
		c.Names = append(c.Names, splitList(v)...)
	}
	if v, ok := get("ADDRESSES"); ok {
		c.Addresses = append(c.Addresses, splitList(v)...)
	}
	return nil
}

func splitList(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

// AllTargets merges explicit targets, names and addresses, dropping duplicates, in that order
func (c *Config) AllTargets() []device.Target {
	var all []device.Target
	all = append(all, c.Targets...)
	for _, n := range c.Names {
		all = append(all, device.ByName(strings.TrimSpace(n)))
	}
	for _, a := range c.Addresses {
		all = append(all, device.ByAddress(strings.TrimSpace(a)))
	}

	seen := make(map[string]bool, len(all))
	result := make([]device.Target, 0, len(all))
	for _, t := range all {
		if seen[t.Key()] {
			continue
		}
		seen[t.Key()] = true
		result = append(result, t)
	}
	return result
}

// Validate checks targets and tunables
func (c *Config) Validate() error {
	targets := c.AllTargets()
	if len(targets) == 0 {
		return ErrNoTargets
	}
	for i, t := range targets {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("target %d: %w", i+1, err)
		}
	}

	var errs []error
	positive := map[string]time.Duration{
		"window":          c.Window,
		"scan_timeout":    c.ScanTimeout,
		"connect_timeout": c.ConnectTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry_delay must not be negative, got %s", c.RetryDelay))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.EventBuffer < 1 {
		errs = append(errs, fmt.Errorf("event_buffer must be at least 1, got %d", c.EventBuffer))
	}
	if c.Format != "text" && c.Format != "json" {
		errs = append(errs, fmt.Errorf("format must be text or json, got %q", c.Format))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel
func (c *Config) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, _ := c.Level()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
