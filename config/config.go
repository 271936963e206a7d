package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Okgate   OkgateConfig   `yaml:"okgate"`
	Logging  LoggingConfig  `yaml:"logging"`
	Redis    RedisConfig    `yaml:"redis"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Listen   ListenConfig   `yaml:"listen"`
	Report   ReportConfig   `yaml:"report"`
	Servers  []ServerConfig `yaml:"servers"`
}

type OkgateConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type ExchangeConfig struct {
	WSURL     string        `yaml:"ws_url"`
	Timeout   time.Duration `yaml:"timeout"`
	RetryMin  time.Duration `yaml:"retry_min"`
	RetryMax  time.Duration `yaml:"retry_max"`
	SendRate  int           `yaml:"send_rate"`
	SendBurst int           `yaml:"send_burst"`
}

type ListenConfig struct {
	Channel string `yaml:"channel"`
	InfoKey string `yaml:"info_key"`
}

type ReportConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Interval   time.Duration    `yaml:"interval"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

// ServerConfig describes one named exchange connection opened at boot.
type ServerConfig struct {
	Name      string   `yaml:"name"`
	APIKey    string   `yaml:"api_key"`
	Secret    string   `yaml:"secret"`
	Password  string   `yaml:"password"`
	Subscribe []string `yaml:"subscribe"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment variable values.
// Unset variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// LoadConfig reads and validates the gateway configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Okgate.Name == "" {
		c.Okgate.Name = "okgate"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379"
	}
	if c.Exchange.WSURL == "" {
		c.Exchange.WSURL = "wss://real.okex.com:8443/ws/v3"
	}
	if c.Exchange.Timeout <= 0 {
		c.Exchange.Timeout = 25 * time.Second
	}
	if c.Exchange.RetryMin <= 0 {
		c.Exchange.RetryMin = 10 * time.Second
	}
	if c.Exchange.RetryMax <= 0 {
		c.Exchange.RetryMax = 900 * time.Second
	}
	if c.Exchange.SendRate <= 0 {
		c.Exchange.SendRate = 5
	}
	if c.Exchange.SendBurst <= 0 {
		c.Exchange.SendBurst = 5
	}
	if c.Listen.Channel == "" {
		c.Listen.Channel = "trade-ws"
	}
	if c.Listen.InfoKey == "" {
		c.Listen.InfoKey = "trade-ws/info"
	}
	if c.Report.Interval <= 0 {
		c.Report.Interval = 30 * time.Second
	}
}

func (c *Config) validate() error {
	if c.Exchange.RetryMin > c.Exchange.RetryMax {
		return fmt.Errorf("exchange.retry_min %s exceeds retry_max %s", c.Exchange.RetryMin, c.Exchange.RetryMax)
	}
	seen := make(map[string]struct{}, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("servers[%d]: name is required", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("servers[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}
