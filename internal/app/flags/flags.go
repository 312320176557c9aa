package flags

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrFlagNotFound = errors.New("flag not found")

// DefaultSegment is the override consulted when a caller's segment has no
// configuration of its own.
const DefaultSegment = "default"

// SegmentConfig gates a flag for one segment: whether the flag is on at all,
// what fraction of subjects get the variant, and which variant they get.
type SegmentConfig struct {
	Enabled           bool   `yaml:"enabled" json:"enabled"`
	RolloutPercentage int    `yaml:"rolloutPercentage" json:"rolloutPercentage"`
	Variant           string `yaml:"variant" json:"variant"`
}

// Flag is a feature flag with per-segment overrides. Read-mostly; mutated
// only through the operator surface.
type Flag struct {
	Name           string                   `yaml:"name" json:"name"`
	DefaultVariant string                   `yaml:"default_variant" json:"default_variant"`
	Enabled        bool                     `yaml:"enabled" json:"enabled"`
	Segments       map[string]SegmentConfig `yaml:"segments" json:"segments"`
}

// Store is the durable flag configuration the core reads through but does
// not own. Implementations must be safe for concurrent use.
type Store interface {
	GetFlag(ctx context.Context, name string) (*Flag, error)
	PutFlag(ctx context.Context, f *Flag) error
	ListFlags(ctx context.Context) ([]*Flag, error)
}

func (sc SegmentConfig) validate() error {
	if sc.RolloutPercentage < 0 || sc.RolloutPercentage > 100 {
		return fmt.Errorf("rolloutPercentage %d outside [0,100]", sc.RolloutPercentage)
	}
	return nil
}

// SetSegment applies an operator override for one segment, rejecting
// malformed config without partial application.
func SetSegment(ctx context.Context, store Store, name, segment string, cfg SegmentConfig) (*Flag, error) {
	if name == "" || segment == "" {
		return nil, fmt.Errorf("flag name and segment are required")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config for flag '%s': %v", name, err)
	}

	f, err := store.GetFlag(ctx, name)
	if errors.Is(err, ErrFlagNotFound) {
		f = &Flag{Name: name, DefaultVariant: "control", Enabled: true}
	} else if err != nil {
		return nil, err
	}
	if f.Segments == nil {
		f.Segments = make(map[string]SegmentConfig)
	}
	f.Segments[segment] = cfg
	if err := store.PutFlag(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

type flagFile struct {
	Flags []Flag `yaml:"flags"`
}

// LoadFile reads a flag bootstrap file. Loaded flags seed the store at
// startup and stay mutable afterwards.
func LoadFile(path string) ([]Flag, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading flags file: %v", err)
	}
	var file flagFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("error unmarshalling flags YAML: %v", err)
	}
	for _, f := range file.Flags {
		if f.Name == "" {
			return nil, fmt.Errorf("flags file '%s' contains a flag without a name", path)
		}
		for segment, cfg := range f.Segments {
			if err := cfg.validate(); err != nil {
				return nil, fmt.Errorf("flag '%s' segment '%s': %v", f.Name, segment, err)
			}
		}
	}
	return file.Flags, nil
}
