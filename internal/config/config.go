package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/feedrelay/internal/article"
	"github.com/TobiSchelling/feedrelay/internal/relay"
	"github.com/TobiSchelling/feedrelay/internal/store"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Sources  []article.Source `yaml:"sources"`
	Relays   []relay.Strategy `yaml:"relays"`
	Fetch    Fetch            `yaml:"fetch"`
	Snapshot Snapshot         `yaml:"snapshot"`
	Refresh  Refresh          `yaml:"refresh"`
	Store    Store            `yaml:"store"`
	Enrich   Enrich           `yaml:"enrich"`
	Output   Output           `yaml:"output"`
	Server   Server           `yaml:"server"`
	Logging  Logging          `yaml:"logging"`
}

type Fetch struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

type Snapshot struct {
	Path string        `yaml:"path"`
	TTL  time.Duration `yaml:"ttl"`
}

type Refresh struct {
	Schedule string `yaml:"schedule"`
}

type Store struct {
	Driver string            `yaml:"driver"` // sqlite, redis or memory
	Redis  store.RedisConfig `yaml:"redis"`
}

type Enrich struct {
	Images  bool          `yaml:"images"`
	Limit   int           `yaml:"limit"`
	Timeout time.Duration `yaml:"timeout"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port         int           `yaml:"port"`
	ProxyTimeout time.Duration `yaml:"proxy_timeout"`
	Notice       string        `yaml:"notice"` // Markdown shown above the list
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for feedrelay.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "feedrelay")
}

// DataDir returns the XDG data directory for feedrelay.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "feedrelay")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/feedrelay/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'feedrelay init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the embedded default configuration.
func Default() *Config {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded default config is invalid: %v", err))
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Fetch: Fetch{
			Timeout:   relay.DefaultTimeout,
			UserAgent: relay.DefaultUserAgent,
		},
		Snapshot: Snapshot{Path: "articles.json", TTL: 5 * time.Minute},
		Refresh:  Refresh{Schedule: "@every 5m"},
		Store:    Store{Driver: "sqlite", Redis: store.RedisConfig{Addr: "localhost:6379", Prefix: "feedrelay:"}},
		Enrich:   Enrich{Limit: 30, Timeout: 15 * time.Second},
		Server:   Server{Port: 3000, ProxyTimeout: 15 * time.Second},
		Logging:  Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for i, s := range c.Relays {
		switch s.Kind {
		case relay.KindDirect, "":
			c.Relays[i].Kind = relay.KindDirect
		case relay.KindRelay, relay.KindJSON:
			if strings.TrimSpace(s.Base) == "" {
				return fmt.Errorf("relay %q: base is required for kind %s", s.Name, s.Kind)
			}
		default:
			return fmt.Errorf("relay %q: unknown kind %q", s.Name, s.Kind)
		}
		if s.Name == "" {
			return fmt.Errorf("relay %d: name is required", i+1)
		}
	}
	switch c.Store.Driver {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("store driver must be sqlite, redis or memory, got %q", c.Store.Driver)
	}
	return nil
}

// RelayStrategies returns the configured strategies, or a single direct
// strategy when none are configured.
func (c *Config) RelayStrategies() []relay.Strategy {
	if len(c.Relays) == 0 {
		return []relay.Strategy{{Name: "direct", Kind: relay.KindDirect}}
	}
	return c.Relays
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DatabasePath returns the SQLite state file location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.GetDataDir(), "feedrelay.db")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
