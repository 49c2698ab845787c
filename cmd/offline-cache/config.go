package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	classifier "github.com/always-cache/offline-cache/pkg/request-classifier"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen         string              `yaml:"listen"`
	ProxyProtocol  bool                `yaml:"proxy_protocol"`
	Origin         string              `yaml:"origin"`
	OriginHost     string              `yaml:"origin_host"`
	Name           string              `yaml:"name"`
	Version        string              `yaml:"version"`
	Manifest       []string            `yaml:"manifest"`
	ManifestFile   string              `yaml:"manifest_file"`
	RootDocument   string              `yaml:"root_document"`
	SkipWaiting    bool                `yaml:"skip_waiting"`
	ClientIdle     time.Duration       `yaml:"client_idle"`
	Retain         []string            `yaml:"retain"`
	NetworkTimeout time.Duration       `yaml:"network_timeout"`
	Classifier     classifier.Patterns `yaml:"classifier"`
	Store          StoreConfig         `yaml:"store"`
	Log            LogConfig           `yaml:"log"`
	// Watch the config file and register a new generation when it changes.
	Watch bool `yaml:"watch"`
}

type StoreConfig struct {
	// sqlite (default), memory or redis
	Type          string `yaml:"type"`
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("name", offlinecache.DefaultName)
	v.SetDefault("version", offlinecache.DefaultVersion)
	v.SetDefault("root_document", offlinecache.DefaultRootDocument)
	v.SetDefault("skip_waiting", true)
	v.SetDefault("client_idle", offlinecache.DefaultClientIdle)
	v.SetDefault("network_timeout", offlinecache.DefaultNetworkTimeout)
	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.path", "cache.db")
	v.SetDefault("log.level", "debug")
}

// loadConfig loads a config from a file. If filePath is empty, it will
// search for a file named "config" in the working directory; without one
// the defaults are used.
func loadConfig(filePath string) (*Config, string, error) {
	v := viper.New()
	setDefaults(v)

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(filePath) > 0 || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}

// manifest returns the configured manifest: the manifest file, then the
// manifest list, then the default manifest.
func (c *Config) manifest() ([]string, error) {
	if c.ManifestFile != "" {
		b, err := os.ReadFile(c.ManifestFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest file: %w", err)
		}
		var manifest []string
		if err := yaml.Unmarshal(b, &manifest); err != nil {
			return nil, fmt.Errorf("failed to parse manifest file %s: %w", c.ManifestFile, err)
		}
		return manifest, nil
	}
	if len(c.Manifest) > 0 {
		return c.Manifest, nil
	}
	return offlinecache.DefaultManifest(), nil
}

// patterns fills unset classifier patterns with the defaults.
func (c *Config) patterns() classifier.Patterns {
	p := c.Classifier
	d := classifier.DefaultPatterns()
	if p.StaticPrefixes == nil {
		p.StaticPrefixes = d.StaticPrefixes
	}
	if p.StaticExtensions == nil {
		p.StaticExtensions = d.StaticExtensions
	}
	if p.StaticHosts == nil {
		p.StaticHosts = d.StaticHosts
	}
	if p.APIPrefixes == nil {
		p.APIPrefixes = d.APIPrefixes
	}
	return p
}
