package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is a file listing instances to seed into a store.
type Manifest struct {
	Instances []Instance `json:"instances" yaml:"instances"`
}

// LoadManifest reads a YAML or JSON manifest. The format is chosen by extension;
// anything other than .json is parsed as YAML.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data, filepath.Ext(path))
}

// ParseManifest decodes manifest bytes. ext selects the decoder (".json" or YAML).
func ParseManifest(data []byte, ext string) (*Manifest, error) {
	var m Manifest
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse manifest: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse manifest: %w", err)
		}
	}
	seen := make(map[string]struct{}, len(m.Instances))
	for i := range m.Instances {
		inst := &m.Instances[i]
		if err := inst.Validate(); err != nil {
			return nil, fmt.Errorf("manifest entry %d: %w", i, err)
		}
		if _, dup := seen[inst.ID]; dup {
			return nil, fmt.Errorf("manifest: duplicate instance id %q", inst.ID)
		}
		seen[inst.ID] = struct{}{}
	}
	return &m, nil
}

// Seed upserts every instance into the store and returns how many were written.
func Seed(ctx context.Context, store Store, instances []Instance) (int, error) {
	n := 0
	for _, inst := range instances {
		if err := store.Put(ctx, inst); err != nil {
			return n, fmt.Errorf("seed %s: %w", inst.ID, err)
		}
		n++
	}
	return n, nil
}
