// Package config loads the service configuration from a YAML or JSON file.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"autopost/internal/cycle"
)

// EnvToken overrides telegram.token when set.
const EnvToken = "AUTOPOST_TELEGRAM_TOKEN"

type Config struct {
	Telegram     TelegramConfig `json:"telegram"`
	Timezone     string         `json:"timezone"`
	ScanInterval string         `json:"scan_interval"`
	ClaimTimeout string         `json:"claim_timeout"`
	SendTimeout  string         `json:"send_timeout"`
	Grace        GraceConfig    `json:"grace"`
	Workers      int            `json:"workers"`
	QueueSize    int            `json:"queue_size"`
	Storage      StorageConfig  `json:"storage"`
	HTTP         HTTPConfig     `json:"http"`
	Logging      LoggingConfig  `json:"logging"`
}

type TelegramConfig struct {
	Token      string `json:"token"`
	RatePerSec int    `json:"rate_per_sec"`
}

type GraceConfig struct {
	// Window "0s" disables the rule.
	Window string `json:"window"`
	Delay  string `json:"delay"`
}

type StorageConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console *bool  `json:"console"`
}

// Settings are the parsed values of a Config.
type Settings struct {
	ScanInterval time.Duration
	ClaimTimeout time.Duration
	SendTimeout  time.Duration
	BusyTimeout  time.Duration
	Grace        cycle.Grace
	Clock        *cycle.Clock
	LogLevel     zerolog.Level
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	def := func(s *string, v string) {
		if strings.TrimSpace(*s) == "" {
			*s = v
		}
	}
	def(&c.Timezone, cycle.DefaultZone)
	def(&c.ScanInterval, "10s")
	def(&c.ClaimTimeout, "10m")
	def(&c.SendTimeout, "60s")
	def(&c.Grace.Window, "15m")
	def(&c.Grace.Delay, "30s")
	def(&c.Storage.Driver, "sqlite")
	def(&c.Storage.BusyTimeout, "5s")
	def(&c.HTTP.Addr, ":8080")
	def(&c.Logging.Level, "info")
	if c.Storage.Driver == "sqlite" {
		def(&c.Storage.Path, "autopost.db")
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Telegram.RatePerSec <= 0 {
		c.Telegram.RatePerSec = 20
	}
	if c.Logging.Console == nil {
		on := true
		c.Logging.Console = &on
	}
}

// Settings parses the textual fields of c.
func (c *Config) Settings() (Settings, error) {
	var (
		s    Settings
		errs []error
	)
	dur := func(field, raw string, dst *time.Duration) bool {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err))
		case d < 0:
			errs = append(errs, fmt.Errorf("%s: duration must be >= 0", field))
		default:
			*dst = d
			return true
		}
		return false
	}
	dur("scan_interval", c.ScanInterval, &s.ScanInterval)
	claimOK := dur("claim_timeout", c.ClaimTimeout, &s.ClaimTimeout)
	sendOK := dur("send_timeout", c.SendTimeout, &s.SendTimeout)
	// A send must finish before its claim can be taken over.
	if claimOK && sendOK && s.ClaimTimeout > 0 {
		if s.SendTimeout == 0 || s.SendTimeout >= s.ClaimTimeout {
			errs = append(errs, fmt.Errorf("send_timeout: must be > 0 and below claim_timeout (%s)", s.ClaimTimeout))
		}
	}
	dur("grace.window", c.Grace.Window, &s.Grace.Window)
	dur("grace.delay", c.Grace.Delay, &s.Grace.Delay)
	dur("storage.busy_timeout", c.Storage.BusyTimeout, &s.BusyTimeout)
	if s.ScanInterval > 0 && s.ScanInterval < time.Second {
		errs = append(errs, errors.New("scan_interval: must be at least 1s"))
	}

	clk, err := cycle.NewClock(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	s.Clock = clk

	lvl, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level))
	if err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	s.LogLevel = lvl

	switch c.Storage.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for sqlite"))
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if err := errors.Join(errs...); err != nil {
		return Settings{}, fmt.Errorf("invalid config: %w", err)
	}
	return s, nil
}

// Load reads path from fs, applies defaults and the environment override and
// validates the result. An empty path yields the defaults.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		b, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = parse(path, b); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if tok := strings.TrimSpace(os.Getenv(EnvToken)); tok != "" {
		cfg.Telegram.Token = tok
	}
	cfg.applyDefaults()
	if _, err := cfg.Settings(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(path string, data []byte) (*Config, error) {
	jb := data
	if isYAML(path) {
		var err error
		if jb, err = yamlToJSON(data); err != nil {
			return nil, err
		}
	}
	var cfg Config
	if len(bytes.TrimSpace(jb)) == 0 || string(bytes.TrimSpace(jb)) == "null" {
		return &cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}
