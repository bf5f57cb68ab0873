package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load reads the YAML config at path, expands ${VAR} references from the
// environment, applies defaults and validates. An empty path yields the
// built-in defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Base layer so Unmarshal always has a map to work from.
	if err := k.Load(confmap.Provider(map[string]any{}, "."), nil); err != nil {
		return nil, fmt.Errorf("config: failed to initialise: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: failed to load %s: %w", path, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}

	cfg.expandEnv()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the built-in configuration, defaulted and validated.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
