package assets

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/satriahrh/voxloop/domain/entities"
)

// Asset describes one downloadable blob the pipeline needs offline
type Asset struct {
	ID          string `yaml:"id" json:"id"`
	Version     string `yaml:"version" json:"version"`
	URL         string `yaml:"url" json:"url"`
	SHA256      string `yaml:"sha256" json:"sha256,omitempty"`
	ContentType string `yaml:"content_type" json:"content_type,omitempty"`
	Required    bool   `yaml:"required" json:"required"`
}

// Key returns the versioned cache key of the asset
func (a Asset) Key() entities.AssetKey {
	return entities.AssetKey{ID: a.ID, Version: a.Version}
}

// Manifest is the versioned list of assets the cache must hold
type Manifest struct {
	Version string  `yaml:"version" json:"version"`
	Assets  []Asset `yaml:"assets" json:"assets"`
}

// Validate checks ids are unique and every asset is fetchable
func (m Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("manifest version is required")
	}
	seen := make(map[string]struct{}, len(m.Assets))
	for i, a := range m.Assets {
		if a.ID == "" {
			return fmt.Errorf("asset %d: id is required", i)
		}
		if a.ID == manifestRecordID {
			return fmt.Errorf("asset %d: id %q is reserved", i, a.ID)
		}
		if a.Version == "" {
			return fmt.Errorf("asset %s: version is required", a.ID)
		}
		if a.URL == "" {
			return fmt.Errorf("asset %s: url is required", a.ID)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("asset %s: duplicate id", a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	return nil
}

// Lookup finds an asset by id
func (m Manifest) Lookup(id string) (Asset, bool) {
	for _, a := range m.Assets {
		if a.ID == id {
			return a, true
		}
	}
	return Asset{}, false
}

// Keys returns the cache keys of every asset
func (m Manifest) Keys() []entities.AssetKey {
	keys := make([]entities.AssetKey, 0, len(m.Assets))
	for _, a := range m.Assets {
		keys = append(keys, a.Key())
	}
	return keys
}

// RequiredKeys returns the keys that must be cached for offline operation
func (m Manifest) RequiredKeys() []entities.AssetKey {
	var keys []entities.AssetKey
	for _, a := range m.Assets {
		if a.Required {
			keys = append(keys, a.Key())
		}
	}
	return keys
}

// LoadManifest reads a YAML manifest from path
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("invalid manifest: %w", err)
	}
	return m, nil
}
