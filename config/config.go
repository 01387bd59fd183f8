// Package config handles the relayctl user configuration.
//
// Config is stored at $XDG_CONFIG_HOME/relayctl/config.yaml (defaults to
// ~/.config/relayctl/config.yaml). Every key is optional; missing keys fall
// back to the defaults below, and command-line flags override both.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultURL          = "http://localhost"
	DefaultUsername     = "cmkadmin"
	DefaultPassword     = "cmk"
	DefaultRegistry     = "docker.io/checkmk"
	DefaultSNMPDImage   = "docker.io/library/alpine:3.20"
	DefaultWorkDir      = "/tmp/cmk-dev-relay"
	DefaultPullTimeout  = 10 * time.Minute
	DefaultStartTimeout = 60 * time.Second
	DefaultStopTimeout  = 10 * time.Second
	DefaultProbeTimeout = 10 * time.Second
	DefaultRetryDelay   = 2 * time.Second
)

// Config holds the site connection and engine tuning values.
type Config struct {
	URL          string `yaml:"url,omitempty"`
	Username     string `yaml:"username,omitempty"`
	Password     string `yaml:"password,omitempty"`
	AgentNetwork string `yaml:"agent_network,omitempty"`
	Registry     string `yaml:"registry,omitempty"`
	SNMPDImage   string `yaml:"snmpd_image,omitempty"`
	WorkDir      string `yaml:"workdir,omitempty"`

	PullTimeout  time.Duration `yaml:"pull_timeout,omitempty"`
	StartTimeout time.Duration `yaml:"start_timeout,omitempty"`
	StopTimeout  time.Duration `yaml:"stop_timeout,omitempty"`
	ProbeTimeout time.Duration `yaml:"probe_timeout,omitempty"`
	RetryDelay   time.Duration `yaml:"retry_delay,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		URL:          DefaultURL,
		Username:     DefaultUsername,
		Password:     DefaultPassword,
		Registry:     DefaultRegistry,
		SNMPDImage:   DefaultSNMPDImage,
		WorkDir:      DefaultWorkDir,
		PullTimeout:  DefaultPullTimeout,
		StartTimeout: DefaultStartTimeout,
		StopTimeout:  DefaultStopTimeout,
		ProbeTimeout: DefaultProbeTimeout,
		RetryDelay:   DefaultRetryDelay,
	}
}

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/relayctl/config.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "relayctl", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "relayctl", "config.yaml")
}

// Load reads the config file. If the file does not exist, the defaults are
// returned (not an error).
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the config at path and fills unset keys with defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the config to disk, creating directories as needed.
func (c *Config) Save() error {
	p := Path()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks values that would otherwise fail late, deep inside a run.
func (c *Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q: scheme must be http or https", c.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q: missing host", c.URL)
	}
	for name, d := range map[string]time.Duration{
		"pull_timeout":  c.PullTimeout,
		"start_timeout": c.StartTimeout,
		"stop_timeout":  c.StopTimeout,
		"probe_timeout": c.ProbeTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must not be negative, got %s", c.RetryDelay)
	}
	if c.PullTimeout <= c.StartTimeout {
		return fmt.Errorf("pull_timeout (%s) must exceed start_timeout (%s)", c.PullTimeout, c.StartTimeout)
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := Default()
	setString := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	setString(&c.URL, d.URL)
	setString(&c.Username, d.Username)
	setString(&c.Password, d.Password)
	setString(&c.Registry, d.Registry)
	setString(&c.SNMPDImage, d.SNMPDImage)
	setString(&c.WorkDir, d.WorkDir)

	setDuration := func(v *time.Duration, def time.Duration) {
		if *v == 0 {
			*v = def
		}
	}
	setDuration(&c.PullTimeout, d.PullTimeout)
	setDuration(&c.StartTimeout, d.StartTimeout)
	setDuration(&c.StopTimeout, d.StopTimeout)
	setDuration(&c.ProbeTimeout, d.ProbeTimeout)
	setDuration(&c.RetryDelay, d.RetryDelay)
}
