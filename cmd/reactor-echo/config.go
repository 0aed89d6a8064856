package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/ghodss/yaml"
	"github.com/joeycumines/logiface"
)

// Config is the YAML configuration. Fields use JSON tags, as the YAML is
// converted to JSON before decoding.
type Config struct {
	// Listen is host:port, with an empty host meaning any address.
	Listen               string        `json:"listen"`
	LogLevel             string        `json:"logLevel"`
	Client               *ClientConfig `json:"client,omitempty"`
	Backlog              int           `json:"backlog"`
	InputBufferSize      int           `json:"inputBufferSize"`
	MinimumChunkSize     int           `json:"minimumChunkSize"`
	ResolverConcurrency  int           `json:"resolverConcurrency"`
	SendAllBeforeReading bool          `json:"sendAllBeforeReading"`
	Metrics              bool          `json:"metrics"`
}

// ClientConfig enables a client, which connects to the server, and sends
// Message every Interval, logging the echo.
type ClientConfig struct {
	// Host defaults to 127.0.0.1.
	Host string `json:"host"`
	// Message must not be empty.
	Message string `json:"message"`
	// Port defaults to the listen port.
	Port uint16 `json:"port"`
	// Interval also paces reconnect attempts.
	Interval Duration `json:"interval"`
}

// Duration is a time.Duration that decodes from strings like "1.5s".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() *Config {
	return &Config{
		Listen:               "127.0.0.1:7007",
		LogLevel:             "info",
		Backlog:              128,
		InputBufferSize:      8192,
		MinimumChunkSize:     512,
		ResolverConcurrency:  15,
		SendAllBeforeReading: true,
	}
}

// LoadConfig reads path, over the defaults. An empty path yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		return cfg, cfg.validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over the defaults, and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, _, err := c.ListenAddr(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Backlog <= 0 || c.InputBufferSize <= 0 || c.MinimumChunkSize <= 0 {
		return errors.New("config: backlog, inputBufferSize and minimumChunkSize must be positive")
	}
	if c.Client != nil {
		if c.Client.Message == "" {
			return errors.New("config: client message must not be empty")
		}
		if c.Client.Interval <= 0 {
			c.Client.Interval = Duration(time.Second)
		}
		if c.Client.Host == "" {
			c.Client.Host = "127.0.0.1"
		}
		if c.Client.Port == 0 {
			_, c.Client.Port, _ = c.ListenAddr()
		}
	}
	return nil
}

// ListenAddr splits Listen into host and port.
func (c *Config) ListenAddr() (string, uint16, error) {
	host, p, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return "", 0, fmt.Errorf("config: listen: %w", err)
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("config: listen port: %w", err)
	}
	return host, uint16(port), nil
}

// Level parses LogLevel, e.g. "debug" or "warning".
func (c *Config) Level() (logiface.Level, error) {
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == c.LogLevel {
			return level, nil
		}
	}
	return 0, fmt.Errorf("config: unknown log level %q", c.LogLevel)
}
