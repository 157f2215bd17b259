package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the polystream YAML file at path. ${VAR} references are filled
// from the environment first, and ${VAR:-fallback} uses fallback when VAR is
// unset or empty. Keys that map to no field are rejected. An empty path
// yields an empty Config, so callers can run on defaults alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadWithDefaults is Load followed by filling every unset field.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate returns a config ready for the stream and version
// commands. The record command additionally checks ValidateRecorder.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		if path == "" {
			path = "defaults"
		}
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func expandEnv(s string) string {
	return os.Expand(s, func(ref string) string {
		name, fallback, ok := strings.Cut(ref, ":-")
		if v := os.Getenv(name); v != "" || !ok {
			return v
		}
		return fallback
	})
}
