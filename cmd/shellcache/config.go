package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	shellcache "github.com/always-cache/shellcache"
	"github.com/always-cache/shellcache/pkg/allowlist"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SHELLCACHE_"

type Config struct {
	Version string `yaml:"version" env:"VERSION"`
	Origin  string `yaml:"origin" env:"ORIGIN"`
	Host    string `yaml:"host" env:"HOST"`
	// Base path of the app. Used for the default allow-list rule.
	BasePath     string          `yaml:"basePath" env:"BASE_PATH"`
	Manifest     []string        `yaml:"manifest" env:"MANIFEST" envSeparator:","`
	TrustedHosts []string        `yaml:"trustedHosts" env:"TRUSTED_HOSTS" envSeparator:","`
	AllowList    allowlist.Rules `yaml:"allowList"`
	Port         int             `yaml:"port" env:"PORT"`
	// Cache DB file name. "memory" keeps the cache in memory.
	DB  string    `yaml:"db" env:"DB"`
	Log LogConfig `yaml:"log" envPrefix:"LOG_"`
}

type LogConfig struct {
	File       string `yaml:"file" env:"FILE"`
	MaxSize    int    `yaml:"maxSize" env:"MAX_SIZE"`
	MaxBackups int    `yaml:"maxBackups" env:"MAX_BACKUPS"`
	Compress   bool   `yaml:"compress" env:"COMPRESS"`
	Trace      bool   `yaml:"trace" env:"TRACE"`
}

func defaultConfig() Config {
	return Config{
		Version:      shellcache.DefaultVersion,
		BasePath:     shellcache.DefaultBasePath,
		Manifest:     append([]string(nil), shellcache.DefaultManifest...),
		TrustedHosts: append([]string(nil), shellcache.DefaultTrustedHosts...),
		Port:         8080,
		DB:           "cache.db",
		Log: LogConfig{
			MaxSize:    100,
			MaxBackups: 3,
		},
	}
}

// getConfig loads the defaults, then the config file (if any), then SHELLCACHE_* environment variables.
func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: envPrefix}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

func (c Config) validate() error {
	if c.Origin == "" {
		return errors.New("no origin specified")
	}
	if c.Version == "" {
		return errors.New("no version specified")
	}
	if len(c.Manifest) == 0 {
		return errors.New("empty manifest")
	}
	return nil
}

func (c Config) originURL() (url.URL, error) {
	originUrl, err := url.Parse(c.Origin)
	if err != nil {
		return url.URL{}, err
	}
	if !originUrl.IsAbs() || originUrl.Host == "" {
		return url.URL{}, fmt.Errorf("origin %q is not an absolute URL", c.Origin)
	}
	return *originUrl, nil
}

// allowList returns the configured rules, or the base path and trusted hosts if there are none.
func (c Config) allowList() allowlist.Rules {
	if len(c.AllowList) > 0 {
		return c.AllowList
	}
	rules := allowlist.Rules{}
	if c.BasePath != "" {
		rules = append(rules, allowlist.PrefixRule(c.BasePath))
	}
	return append(rules, allowlist.HostRules(c.TrustedHosts...)...)
}

// dbFilename maps "memory" to the in-memory database.
func (c Config) dbFilename() string {
	if c.DB == "memory" {
		return ""
	}
	return c.DB
}
