// Package config loads the agent's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/guseggert/hostagent/agent/command"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	// ClientCA enables mTLS: clients must present a certificate signed by it.
	ClientCA string `yaml:"clientCA"`
}

type Auth struct {
	// Token is the bearer token required on every operation. Empty disables authentication.
	Token string `yaml:"token"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Limits struct {
	ProcessList int `yaml:"processList"`
	SearchDepth int `yaml:"searchDepth"`
}

type Timeouts struct {
	Signal  time.Duration `yaml:"signal"`
	Service time.Duration `yaml:"service"`
	Command time.Duration `yaml:"command"`
	Stats   time.Duration `yaml:"stats"`
	Ports   time.Duration `yaml:"ports"`
}

type Command struct {
	Mode string `yaml:"mode"`
}

type Hub struct {
	MaxConnections int           `yaml:"maxConnections"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
}

// RateLimit is applied per client IP. A zero limit disables it.
type RateLimit struct {
	Limit float64 `yaml:"limit"`
	Burst int     `yaml:"burst"`
}

type Config struct {
	ListenAddr string    `yaml:"listenAddr"`
	Auth       Auth      `yaml:"auth"`
	TLS        TLS       `yaml:"tls"`
	Log        Log       `yaml:"log"`
	Limits     Limits    `yaml:"limits"`
	Timeouts   Timeouts  `yaml:"timeouts"`
	Command    Command   `yaml:"command"`
	Hub        Hub       `yaml:"hub"`
	RateLimit  RateLimit `yaml:"rateLimit"`
}

var (
	ErrConfigFileUnreadable      = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable  = errors.New("config file is unmarshallable")
	ErrListenAddrMissing         = errors.New("listenAddr is missing in config")
	ErrTLSIncomplete             = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrClientCAWithoutTLS        = errors.New("tls.clientCA requires tls.cert and tls.key")
	ErrInvalidLogLevel           = errors.New("log.level is invalid")
	ErrInvalidLogFormat          = errors.New("log.format must be console or json")
	ErrInvalidCommandMode        = errors.New("command.mode must be shell or argv")
	ErrNegativeLimit             = errors.New("limits must not be negative")
	ErrNegativeTimeout           = errors.New("timeouts must not be negative")
	ErrHubMaxConnectionsNegative = errors.New("hub.maxConnections must not be negative")
	ErrRateLimitBurstMissing     = errors.New("rateLimit.burst must be positive when rateLimit.limit is set")
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr: "0.0.0.0:8080",
		Log:        Log{Level: "info", Format: "console"},
		Limits:     Limits{ProcessList: 50, SearchDepth: 50},
		Timeouts: Timeouts{
			Signal:  10 * time.Second,
			Service: 30 * time.Second,
			Command: 30 * time.Second,
			Stats:   10 * time.Second,
			Ports:   10 * time.Second,
		},
		Command: Command{Mode: string(command.ModeShell)},
		Hub:     Hub{WriteTimeout: 10 * time.Second},
	}
}

// Load reads configFile over the defaults and validates the result.
func Load(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfigFileUnreadable, err)
	}
	cfg := Default()
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfigFileUnmarshallable, err)
	}
	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return ErrListenAddrMissing
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return ErrTLSIncomplete
	}
	if c.TLS.ClientCA != "" && c.TLS.Cert == "" {
		return ErrClientCAWithoutTLS
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return ErrInvalidLogFormat
	}
	if _, err := command.ParseMode(c.Command.Mode); err != nil {
		return ErrInvalidCommandMode
	}
	if c.Limits.ProcessList < 0 || c.Limits.SearchDepth < 0 {
		return ErrNegativeLimit
	}
	t := c.Timeouts
	for _, d := range []time.Duration{t.Signal, t.Service, t.Command, t.Stats, t.Ports, c.Hub.WriteTimeout} {
		if d < 0 {
			return ErrNegativeTimeout
		}
	}
	if c.Hub.MaxConnections < 0 {
		return ErrHubMaxConnectionsNegative
	}
	if c.RateLimit.Limit > 0 && c.RateLimit.Burst <= 0 {
		return ErrRateLimitBurstMissing
	}
	return nil
}

// LogLevel parses Log.Level. The empty string is info.
func (c *Config) LogLevel() (zapcore.Level, error) {
	if c.Log.Level == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	err := l.UnmarshalText([]byte(c.Log.Level))
	if err != nil {
		return l, fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}
	return l, nil
}

// CommandMode returns the validated execution mode.
func (c *Config) CommandMode() command.Mode {
	m, err := command.ParseMode(c.Command.Mode)
	if err != nil {
		return command.ModeShell
	}
	return m
}
