// Package config loads the stopboard configuration from a YAML file.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Feed is one agency's data sources.
type Feed struct {
	Code          string            `yaml:"code" validate:"required"`
	StaticURL     string            `yaml:"staticUrl" validate:"required,url"`
	StaticHeaders map[string]string `yaml:"staticHeaders"`
	Realtime      []Realtime        `yaml:"realtime" validate:"dive"`
}

// Realtime is one GTFS Realtime endpoint of a feed.
type Realtime struct {
	URL     string            `yaml:"url" validate:"required,url"`
	Headers map[string]string `yaml:"headers"`
}

// Storage selects and parameterizes the timetable store.
type Storage struct {
	// memory, sqlite or postgres
	Backend string `yaml:"backend" validate:"omitempty,oneof=memory sqlite postgres"`

	// Directory for the sqlite backend. Empty means in-memory
	// databases.
	Directory string `yaml:"directory"`

	// Connection string for the postgres backend.
	PostgresURL string `yaml:"postgresUrl"`
}

// Logging controls log output. When File is set, logs rotate there
// instead of going to the console.
type Logging struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb" validate:"gte=0"`
	MaxBackups int    `yaml:"maxBackups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"maxAgeDays" validate:"gte=0"`
}

// NATS parameterizes the publish command.
type NATS struct {
	URL     string `yaml:"url" validate:"omitempty,url"`
	Subject string `yaml:"subject"`
}

// Config is the root configuration.
type Config struct {
	Listen  string  `yaml:"listen" validate:"omitempty,hostname_port"`
	Storage Storage `yaml:"storage"`
	Logging Logging `yaml:"logging"`
	NATS    NATS    `yaml:"nats"`
	Feeds   []Feed  `yaml:"feeds" validate:"required,min=1,dive"`

	// Subscription poll interval in seconds. 0 means the default.
	PollIntervalSeconds int `yaml:"pollIntervalSeconds" validate:"gte=0"`
}

// Load reads, validates and defaults a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if cfg.Listen == "" {
		cfg.Listen = "localhost:8753"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "stopboard.snapshots"
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating %s: %w", path, err)
	}

	seen := map[string]bool{}
	for _, feed := range cfg.Feeds {
		if seen[feed.Code] {
			return nil, fmt.Errorf("duplicated feed code '%s'", feed.Code)
		}
		seen[feed.Code] = true
	}

	return &cfg, nil
}

// Feed returns the feed with the given code, or the first feed when
// code is empty.
func (c *Config) Feed(code string) (*Feed, error) {
	if code == "" {
		return &c.Feeds[0], nil
	}
	for i := range c.Feeds {
		if c.Feeds[i].Code == code {
			return &c.Feeds[i], nil
		}
	}
	return nil, fmt.Errorf("unknown feed code '%s'", code)
}
