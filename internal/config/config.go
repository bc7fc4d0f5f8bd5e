// Package config loads the sink configuration: a YAML file overlaid with
// MONGOSINK__ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"mongosink/sink/mongo"
	"mongosink/sink/redis"
	"mongosink/sink/stdout"
	"mongosink/source/kafka"
)

const (
	SupportedSchema = "v1"
	EnvPrefix       = "MONGOSINK__"
)

type BufferCfg struct {
	Capacity int `koanf:"capacity"`
}

type CollectionCfg struct {
	Format string `koanf:"format"` // {$topic} and ${topic} are replaced
}

type StoreCfg struct {
	Kind    string        `koanf:"kind"`    // mongo|redis|stdout
	Timeout time.Duration `koanf:"timeout"` // per store call
}

type SourceCfg struct {
	Driver string `koanf:"driver"` // sarama|kgo
}

type LogCfg struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

type MetricsCfg struct {
	Port            int           `koanf:"port"`
	MonitorInterval time.Duration `koanf:"monitor_interval"`
}

type ControlCfg struct {
	Port int `koanf:"port"` // 0 disables the control server
}

type Config struct {
	SchemaVersion string `koanf:"schema_version"`

	Buffer     BufferCfg     `koanf:"buffer"`
	Collection CollectionCfg `koanf:"collection"`
	Store      StoreCfg      `koanf:"store"`
	Mongo      mongo.Config  `koanf:"mongo"`
	Redis      redis.Config  `koanf:"redis"`
	Stdout     stdout.Config `koanf:"stdout"`
	Source     SourceCfg     `koanf:"source"`
	Kafka      kafka.Config  `koanf:"kafka"`
	Log        LogCfg        `koanf:"log"`
	Metrics    MetricsCfg    `koanf:"metrics"`
	Control    ControlCfg    `koanf:"control"`
}

// Load merges YAML (if present) with env-vars (prefix `MONGOSINK__`,
// delimiter `__`, e.g. MONGOSINK__MONGO__DATABASE). Comma separated env
// values become lists.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	if err := k.Load(env.ProviderWithValue(EnvPrefix, "__", envValue), nil); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	if !k.Exists("buffer.capacity") {
		cfg.Buffer.Capacity = 20_000
	}
	// an explicit 0 disables the control server
	if !k.Exists("control.port") {
		cfg.Control.Port = 7070
	}
	applyDefaults(&cfg)
	return cfg, cfg.Validate()
}

func envValue(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if strings.Contains(value, ",") {
		return key, strings.Split(value, ",")
	}
	return key, value
}

func applyDefaults(c *Config) {
	if c.SchemaVersion == "" {
		c.SchemaVersion = SupportedSchema
	}
	if c.Collection.Format == "" {
		c.Collection.Format = "{$topic}"
	}
	if c.Store.Kind == "" {
		c.Store.Kind = "mongo"
	}
	if c.Store.Timeout == 0 {
		c.Store.Timeout = 10 * time.Second
	}
	if c.Source.Driver == "" {
		c.Source.Driver = "sarama"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9100
	}
	if c.Metrics.MonitorInterval == 0 {
		c.Metrics.MonitorInterval = 30 * time.Second
	}
	c.Mongo.ApplyDefaults()
	c.Redis.ApplyDefaults()
	c.Kafka.ApplyDefaults()
}

// Validate checks what the components cannot default. Kafka and store
// settings are checked again by the drivers that own them.
func (c Config) Validate() error {
	if c.SchemaVersion != SupportedSchema {
		return fmt.Errorf("config: schema_version %q not supported (want %q)", c.SchemaVersion, SupportedSchema)
	}
	if c.Buffer.Capacity < 1 {
		return fmt.Errorf("config: buffer.capacity must be at least 1, got %d", c.Buffer.Capacity)
	}
	switch c.Store.Kind {
	case "mongo":
		if c.Mongo.Database == "" {
			return errors.New("config: mongo.database is required")
		}
	case "redis", "stdout":
	default:
		return fmt.Errorf("config: unknown store.kind %q", c.Store.Kind)
	}
	switch c.Source.Driver {
	case "sarama", "kgo":
	default:
		return fmt.Errorf("config: unknown source.driver %q", c.Source.Driver)
	}
	return c.Kafka.Validate()
}

// StoreConfig returns the gateway settings for the configured kind.
func (c Config) StoreConfig() any {
	switch c.Store.Kind {
	case "redis":
		return c.Redis
	case "stdout":
		return c.Stdout
	default:
		return c.Mongo
	}
}
