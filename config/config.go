// Package config loads the offline cache manager settings.
// Values are layered: built-in defaults, then an optional YAML file, then TK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Address to listen on.
	Listen string `yaml:"listen" env:"TK_LISTEN"`
	// URL of the origin (the recipe backend).
	Origin string `yaml:"origin" env:"TK_ORIGIN"`
	// Hostname to use for origin requests, if it differs from the origin URL host.
	OriginHost string `yaml:"originHost" env:"TK_ORIGIN_HOST"`
	// Store database file, or "memory".
	DB string `yaml:"db" env:"TK_DB"`
	// Version tag of the stores, used when the store names are not set explicitly.
	Version    string `yaml:"version" env:"TK_CACHE_VERSION"`
	ShellStore string `yaml:"shellStore" env:"TK_SHELL_STORE"`
	DataStore  string `yaml:"dataStore" env:"TK_DATA_STORE"`
	// URLs seeded into the shell store at install.
	ShellManifest []string `yaml:"shellManifest" env:"TK_SHELL_MANIFEST" envSeparator:","`
	// Path prefixes that are never cached.
	ExclusionPrefixes   []string      `yaml:"exclusionPrefixes" env:"TK_EXCLUDE" envSeparator:","`
	OfflineFallbackPath string        `yaml:"offlineFallback" env:"TK_OFFLINE_FALLBACK"`
	FetchTimeout        time.Duration `yaml:"fetchTimeout" env:"TK_FETCH_TIMEOUT"`
	// Keep an installed version waiting until a SKIP_WAITING message.
	WaitForSkip bool `yaml:"waitForSkip" env:"TK_WAIT_FOR_SKIP"`
	// Expose prometheus metrics.
	Metrics bool `yaml:"metrics" env:"TK_METRICS"`
}

// Default returns the configuration of the original deployment.
func Default() Config {
	return Config{
		Listen:  ":8080",
		DB:      "offline-cache.db",
		Version: "v1",
		ShellManifest: []string{
			"/",
			"/manifest.json",
			"/pages/html/home.html",
			"/pages/html/offline.html",
			"/pages/css/home.css",
			"/pages/js/home.js",
			"/pages/js/sw-register.js",
			"/assets/icon-192x192.png",
			"/assets/icon-512x512.png",
			"/assets/logo.svg",
			"/assets/logo2.svg",
		},
		ExclusionPrefixes: []string{
			"/api/session",
			"/api/logout",
			"/login",
			"/register",
			"/logout",
		},
		OfflineFallbackPath: "/pages/html/offline.html",
		FetchTimeout:        30 * time.Second,
	}
}

// Load reads the configuration.
// If filename is empty, only defaults and environment are used.
func Load(filename string) (Config, error) {
	config := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	config.fillStoreNames()
	return config, nil
}

func (c *Config) fillStoreNames() {
	if c.ShellStore == "" {
		c.ShellStore = "tk-cache-" + c.Version
	}
	if c.DataStore == "" {
		c.DataStore = "tk-data-" + c.Version
	}
}

// OriginURL parses and validates the origin.
func (c Config) OriginURL() (*url.URL, error) {
	if c.Origin == "" {
		return nil, errors.New("origin not configured")
	}
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("origin %s: scheme must be http or https", c.Origin)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("origin %s: origins with paths are not supported", c.Origin)
	}
	return u, nil
}

// Validate checks the settings that the cache manager cannot work without.
func (c Config) Validate() error {
	if _, err := c.OriginURL(); err != nil {
		return err
	}
	if c.ShellStore == c.DataStore {
		return fmt.Errorf("shell and data store must differ, both are %s", c.ShellStore)
	}
	if c.OfflineFallbackPath != "" && !slices.Contains(c.ShellManifest, c.OfflineFallbackPath) {
		return fmt.Errorf("offline fallback %s is not part of the shell manifest", c.OfflineFallbackPath)
	}
	for _, prefix := range c.ExclusionPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("exclusion prefix %q must start with /", prefix)
		}
	}
	return nil
}
