package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/ubplink/internal/frame"
	"github.com/srg/ubplink/internal/link"
	"github.com/srg/ubplink/internal/metrics"
	"github.com/srg/ubplink/internal/radio/goble"
	"gopkg.in/yaml.v3"
)

// DefaultServiceUUID is the service advertised by UBP peripherals.
const DefaultServiceUUID = "2220"

// MaxChunkSize is the largest ATT payload a single write can carry.
const MaxChunkSize = 512

// Config holds application configuration
type Config struct {
	LogLevel            string        `yaml:"log_level" default:"info"`
	ScanTimeout         time.Duration `yaml:"scan_timeout" default:"3s"`
	ServiceFilter       []string      `yaml:"services"`
	ReadyPollInterval   time.Duration `yaml:"ready_poll_interval" default:"1s"`
	ChunkSize           int           `yaml:"chunk_size" default:"20"`
	MaxFrame            int           `yaml:"max_frame" default:"64"`
	MaxBuffered         int           `yaml:"max_buffered" default:"4096"`
	LegacyFlagsOffset   bool          `yaml:"legacy_flags_offset" default:"false"`
	WriteCharacteristic string        `yaml:"write_characteristic"`
	EventBuffer         int           `yaml:"event_buffer" default:"256"`
	MetricsAddr         string        `yaml:"metrics_addr"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.ServiceFilter = []string{DefaultServiceUUID}
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the link cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.ScanTimeout <= 0 {
		errs = append(errs, fmt.Errorf("scan_timeout must be positive, got %s", c.ScanTimeout))
	}
	if c.ReadyPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("ready_poll_interval must be positive, got %s", c.ReadyPollInterval))
	}
	if c.ChunkSize < 1 || c.ChunkSize > MaxChunkSize {
		errs = append(errs, fmt.Errorf("chunk_size must be within 1..%d, got %d", MaxChunkSize, c.ChunkSize))
	}
	if c.MaxFrame < frame.MinFrameSize {
		errs = append(errs, fmt.Errorf("max_frame must be at least %d, got %d", frame.MinFrameSize, c.MaxFrame))
	}
	if c.MaxBuffered < 0 {
		errs = append(errs, fmt.Errorf("max_buffered must not be negative, got %d", c.MaxBuffered))
	}
	if c.EventBuffer < 1 {
		errs = append(errs, fmt.Errorf("event_buffer must be positive, got %d", c.EventBuffer))
	}
	for _, s := range c.ServiceFilter {
		if _, err := ble.Parse(s); err != nil {
			errs = append(errs, fmt.Errorf("services: invalid UUID %q", s))
		}
	}
	if c.WriteCharacteristic != "" {
		if _, err := ble.Parse(c.WriteCharacteristic); err != nil {
			errs = append(errs, fmt.Errorf("write_characteristic: invalid UUID %q", c.WriteCharacteristic))
		}
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// LinkOptions builds the coordinator options. A MaxBuffered of 0 disables the receive bound.
func (c *Config) LinkOptions(m *metrics.LinkMetrics) *link.Options {
	maxBuffered := c.MaxBuffered
	if maxBuffered == 0 {
		maxBuffered = -1
	}
	return &link.Options{
		ScanTimeout:       c.ScanTimeout,
		ChunkSize:         c.ChunkSize,
		MaxBuffered:       maxBuffered,
		LegacyFlagsOffset: c.LegacyFlagsOffset,
		Metrics:           m,
	}
}

// AdapterOptions builds the go-ble adapter options.
func (c *Config) AdapterOptions() *goble.Options {
	return &goble.Options{
		ReadyPollInterval:   c.ReadyPollInterval,
		WriteCharacteristic: c.WriteCharacteristic,
	}
}
