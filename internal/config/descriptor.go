package config

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Descriptor is the pipeline document accepted by the control service.
type Descriptor struct {
	SchemaVersion string `yaml:"schema_version"`
	Name          string `yaml:"name"`

	Source struct {
		Driver string   `yaml:"driver"`
		Topics []string `yaml:"topics"`
	} `yaml:"source"`

	Store struct {
		Kind             string `yaml:"kind"`
		CollectionFormat string `yaml:"collection_format"`
	} `yaml:"store"`
}

// ParseDescriptor parses a pipeline YAML and validates schema_version.
func ParseDescriptor(raw []byte) (Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return d, err
	}
	if d.SchemaVersion == "" {
		d.SchemaVersion = SupportedSchema
	}
	if d.SchemaVersion != SupportedSchema {
		return d, fmt.Errorf("pipeline schema_version %q not supported (want %q)", d.SchemaVersion, SupportedSchema)
	}
	if len(d.Source.Topics) == 0 {
		return d, errors.New("pipeline: source.topics is required")
	}
	return d, nil
}
