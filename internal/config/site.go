package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Site is the public identity of a deployment.
type Site struct {
	Name      string `yaml:"name"`
	Creator   string `yaml:"creator"`
	Version   string `yaml:"version"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DefaultSite is used when no site file exists.
func DefaultSite() Site {
	return Site{
		Name:    "rapigate",
		Creator: "rapigate",
		Version: "1.0.0",
	}
}

// LoadSite reads the YAML site file at path. A missing file yields
// DefaultSite; fields left empty in the file keep their defaults.
func LoadSite(path string) (Site, error) {
	site := DefaultSite()
	if path == "" {
		return site, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return site, nil
		}
		return Site{}, fmt.Errorf("failed to read site config: %w", err)
	}

	var parsed Site
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return Site{}, fmt.Errorf("failed to parse site config %s: %w", path, err)
	}

	if parsed.Name != "" {
		site.Name = parsed.Name
	}
	if parsed.Creator != "" {
		site.Creator = parsed.Creator
	}
	if parsed.Version != "" {
		site.Version = parsed.Version
	}
	site.KeyPrefix = parsed.KeyPrefix
	return site, nil
}
