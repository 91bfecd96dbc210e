// Package config loads the engine's YAML configuration file and applies
// defaults. Every backend the engine can wire (Mongo, Redis, model providers,
// the media synthesis service) is configured here; empty sections mean the
// corresponding in-memory fallback is used.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/neomentor/engine/runtime/quota"
)

// Model provider names accepted in the model section.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

type (
	// Config is the root configuration document.
	Config struct {
		Server ServerConfig `yaml:"server"`
		Auth   AuthConfig   `yaml:"auth"`
		Mongo  MongoConfig  `yaml:"mongo"`
		Redis  RedisConfig  `yaml:"redis"`
		Model  ModelConfig  `yaml:"model"`
		Media  MediaConfig  `yaml:"media"`
		Synth  SynthConfig  `yaml:"synth"`
		Quota  QuotaConfig  `yaml:"quota"`
		Submit SubmitConfig `yaml:"submit"`
	}

	// ServerConfig configures the HTTP listener.
	ServerConfig struct {
		// Addr is the listen address. Defaults to ":8080".
		Addr string `yaml:"addr"`
		// ShutdownGrace bounds graceful shutdown. Defaults to 30s.
		ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	}

	// AuthConfig configures bearer token verification.
	AuthConfig struct {
		// Secret is the HMAC key used to verify tokens. Required.
		Secret string `yaml:"secret"`
	}

	// MongoConfig configures the durable session store. An empty URI selects
	// the in-memory store.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// RedisConfig configures the quota ledger and Pulse event mirroring. An
	// empty address selects the in-memory ledger and disables mirroring.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	}

	// ModelConfig selects and configures the language model provider.
	ModelConfig struct {
		// Provider is one of openai, anthropic, bedrock. Defaults to openai.
		Provider string `yaml:"provider"`
		// Name is the provider-specific model identifier.
		Name string `yaml:"name"`
		// APIKey authenticates openai and anthropic providers. Bedrock uses
		// the ambient AWS credential chain.
		APIKey string `yaml:"api_key"`
	}

	// MediaConfig configures generated media storage.
	MediaConfig struct {
		// Dir is the root directory of the filesystem media store.
		// Defaults to "media".
		Dir string `yaml:"dir"`
	}

	// SynthConfig configures the media synthesis service client.
	SynthConfig struct {
		// BaseURL is the synthesis service endpoint. Required for video and
		// voice pipelines.
		BaseURL string `yaml:"base_url"`
	}

	// QuotaConfig configures per-tier consumption caps.
	QuotaConfig struct {
		// Tiers maps tier name to limits. Defaults to the built-in tiers.
		Tiers map[string]quota.Limits `yaml:"tiers"`
	}

	// SubmitConfig bounds session admission.
	SubmitConfig struct {
		// Rate is the sustained submissions-per-second cap. Zero means
		// unlimited.
		Rate float64 `yaml:"rate"`
		// Burst is the admission burst size. Defaults to 10 when Rate is set.
		Burst int `yaml:"burst"`
	}
)

// Default returns the configuration used when no file is provided.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080", ShutdownGrace: 30 * time.Second},
		Mongo:  MongoConfig{Database: "neomentor"},
		Model:  ModelConfig{Provider: ProviderOpenAI},
		Media:  MediaConfig{Dir: "media"},
		Quota:  QuotaConfig{Tiers: quota.DefaultTierLimits()},
	}
}

// Load reads the YAML file at path and merges it over the defaults. An empty
// path returns the defaults. Unknown fields are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, cfg.validate()
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.ShutdownGrace <= 0 {
		c.Server.ShutdownGrace = def.Server.ShutdownGrace
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = def.Mongo.Database
	}
	if c.Model.Provider == "" {
		c.Model.Provider = def.Model.Provider
	}
	if c.Media.Dir == "" {
		c.Media.Dir = def.Media.Dir
	}
	if len(c.Quota.Tiers) == 0 {
		c.Quota.Tiers = def.Quota.Tiers
	}
	if c.Submit.Rate > 0 && c.Submit.Burst <= 0 {
		c.Submit.Burst = 10
	}
}

func (c Config) validate() error {
	switch c.Model.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderBedrock:
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	if c.Submit.Rate < 0 {
		return errors.New("submit rate must not be negative")
	}
	for tier, limits := range c.Quota.Tiers {
		if limits.Daily < -1 || limits.Monthly < -1 {
			return fmt.Errorf("tier %s: limits below -1 are not valid", tier)
		}
	}
	return nil
}
