package kafka

import (
	"errors"
	"time"
)

type CheckpointCfg struct {
	CommitInt time.Duration `koanf:"commit_interval"` // flush+commit cadence
	// FlushTimeout bounds one flush before a commit; a timed out flush
	// skips that commit round.
	FlushTimeout time.Duration `koanf:"flush_timeout"`
}

// TopicSchema names the key and value schemas of a topic whose records
// carry no schema headers.
type TopicSchema struct {
	Key   string `koanf:"key"`
	Value string `koanf:"value"`
}

type Config struct {
	Brokers   []string `koanf:"brokers"`
	Topics    []string `koanf:"topics"`
	GroupID   string   `koanf:"group_id"`
	StartFrom string   `koanf:"start_from"` // oldest|newest (default oldest)
	Version   string   `koanf:"version"`
	TLSEn     bool     `koanf:"tls_enabled"`
	SASLUser  string   `koanf:"sasl_user"`
	SASLPass  string   `koanf:"sasl_pass"`

	Checkpoint CheckpointCfg          `koanf:"checkpoint"`
	Schemas    map[string]TopicSchema `koanf:"schemas"`
}

func (c *Config) ApplyDefaults() {
	if c.Checkpoint.CommitInt == 0 {
		c.Checkpoint.CommitInt = 5 * time.Second
	}
	if c.Checkpoint.FlushTimeout == 0 {
		c.Checkpoint.FlushTimeout = 30 * time.Second
	}
	if c.StartFrom == "" {
		c.StartFrom = "oldest"
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka: topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka: group_id is required")
	}
	if c.StartFrom != "oldest" && c.StartFrom != "newest" {
		return errors.New("kafka: start_from must be oldest or newest")
	}
	return nil
}
