// Package config loads server settings from a YAML file, .env and COLLAB_*
// environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration accepts "30s" style strings or plain seconds in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Storage struct {
		// Documents is memory, bolt or firestore.
		Documents string `yaml:"documents"`
		// History is memory, pebble, firestore or postgres.
		History          string   `yaml:"history"`
		Path             string   `yaml:"path"`
		PostgresDSN      string   `yaml:"postgres_dsn"`
		FirestoreProject string   `yaml:"firestore_project"`
		CacheFlush       Duration `yaml:"cache_flush"`
	} `yaml:"storage"`

	Broker struct {
		// Kind is memory or redis.
		Kind      string `yaml:"kind"`
		RedisAddr string `yaml:"redis_addr"`
	} `yaml:"broker"`

	Autosave struct {
		Interval Duration `yaml:"interval"`
	} `yaml:"autosave"`

	Limits struct {
		OpsPerSecond float64 `yaml:"ops_per_second"`
		Burst        int     `yaml:"burst"`
	} `yaml:"limits"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Default returns the settings used when nothing is configured: everything
// in memory, autosave every 5 seconds.
func Default() *Config {
	var c Config
	c.Server.Addr = ":8080"
	c.Storage.Documents = "memory"
	c.Storage.History = "memory"
	c.Storage.Path = "./data"
	c.Broker.Kind = "memory"
	c.Autosave.Interval = Duration(5 * time.Second)
	c.Limits.OpsPerSecond = 50
	c.Limits.Burst = 100
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	return &c
}

// Load reads path over the defaults, then applies .env and COLLAB_*
// variables. A missing file is not an error when path is the default one.
func Load(path string, required bool) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !required:
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup("COLLAB_" + key); ok && v != "" {
			*dst = v
		}
	}
	str("ADDR", &c.Server.Addr)
	str("DOCUMENTS", &c.Storage.Documents)
	str("HISTORY", &c.Storage.History)
	str("DATA_PATH", &c.Storage.Path)
	str("POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("FIRESTORE_PROJECT", &c.Storage.FirestoreProject)
	str("BROKER", &c.Broker.Kind)
	str("REDIS_ADDR", &c.Broker.RedisAddr)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	durations := map[string]*Duration{
		"CACHE_FLUSH":       &c.Storage.CacheFlush,
		"AUTOSAVE_INTERVAL": &c.Autosave.Interval,
	}
	for key, dst := range durations {
		if v, ok := lookup("COLLAB_" + key); ok && v != "" {
			d, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("COLLAB_%s: %w", key, err)
			}
			*dst = Duration(d)
		}
	}

	if v, ok := lookup("COLLAB_OPS_PER_SECOND"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("COLLAB_OPS_PER_SECOND: %w", err)
		}
		c.Limits.OpsPerSecond = f
	}
	if v, ok := lookup("COLLAB_BURST"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("COLLAB_BURST: %w", err)
		}
		c.Limits.Burst = n
	}
	return nil
}

// Validate checks backend names and the settings each backend needs.
func (c *Config) Validate() error {
	switch c.Storage.Documents {
	case "memory", "bolt":
	case "firestore":
		if c.Storage.FirestoreProject == "" {
			return errors.New("storage.documents=firestore needs storage.firestore_project")
		}
	default:
		return fmt.Errorf("unknown storage.documents %q", c.Storage.Documents)
	}

	switch c.Storage.History {
	case "memory", "pebble":
	case "firestore":
		if c.Storage.FirestoreProject == "" {
			return errors.New("storage.history=firestore needs storage.firestore_project")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.history=postgres needs storage.postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown storage.history %q", c.Storage.History)
	}

	switch c.Broker.Kind {
	case "memory":
	case "redis":
		if c.Broker.RedisAddr == "" {
			return errors.New("broker.kind=redis needs broker.redis_addr")
		}
	default:
		return fmt.Errorf("unknown broker.kind %q", c.Broker.Kind)
	}

	if c.Autosave.Interval < 0 || c.Storage.CacheFlush < 0 {
		return errors.New("intervals must not be negative")
	}
	if c.Limits.OpsPerSecond < 0 || c.Limits.Burst < 0 {
		return errors.New("limits must not be negative")
	}
	return nil
}
