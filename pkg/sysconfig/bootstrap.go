package sysconfig

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML bootstrap file loaded at startup. The system_config
// section feeds this package; the permissions and roles sections extend the
// seeded catalog and are applied by the server binary through the rbac
// store.
type SeedFile struct {
	SystemConfig map[string]interface{} `yaml:"system_config"`
	Permissions  []SeedPermission       `yaml:"permissions"`
	Roles        []SeedRole             `yaml:"roles"`
}

// SeedPermission is an extra catalog entry beyond the built-in defaults.
type SeedPermission struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Category    string `yaml:"category"`
	Scope       string `yaml:"scope"`
}

// SeedRole is an extra global role beyond the built-in defaults.
type SeedRole struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Permissions  []string `yaml:"permissions"`
	InheritsFrom []string `yaml:"inherits_from"`
}

// LoadSeedFile parses a bootstrap YAML file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &seed, nil
}

// ApplySeed writes the file's system_config section through Set, so unknown
// keys fail loudly and unchanged values stay silent. The first failure
// aborts.
func (s *Store) ApplySeed(ctx context.Context, actorID string, seed *SeedFile) error {
	for key, value := range seed.SystemConfig {
		if err := s.Set(ctx, actorID, key, value); err != nil {
			return fmt.Errorf("failed to apply seed value %s: %w", key, err)
		}
	}
	return nil
}
