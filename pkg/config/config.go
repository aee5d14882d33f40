// Package config provides configuration loading and management for
// dvfwarp. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"dvfwarp/pkg/resample"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Resampling parameters
	Resample struct {
		// Interpolation selects how samples are read between voxel
		// centers: "linear" or "nearest"
		Interpolation string `yaml:"interpolation"`

		// DefaultValue fills output voxels that map outside the source
		// volume, e.g. -1000 for CT air
		DefaultValue float64 `yaml:"defaultValue"`
	} `yaml:"resample"`

	// Pipeline parameters
	Pipeline struct {
		// KeepRigidWarp retains the rigid-only warp so it can be
		// exported alongside the fully warped volume
		KeepRigidWarp bool `yaml:"keepRigidWarp"`
	} `yaml:"pipeline"`

	// Output parameters
	Output struct {
		// Directory receives every file the run writes
		Directory string `yaml:"directory"`

		// SavePreviews writes mid-slice PNGs next to each saved volume
		SavePreviews bool `yaml:"savePreviews"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Resample.Interpolation = "linear"
	cfg.Resample.DefaultValue = 0

	cfg.Pipeline.KeepRigidWarp = true

	cfg.Output.Directory = "."
	cfg.Output.SavePreviews = false
	cfg.Output.Verbose = true

	return cfg
}

// ResampleOptions converts the resampling section into engine options.
func (c *Config) ResampleOptions() (resample.Options, error) {
	mode, err := resample.ParseMode(c.Resample.Interpolation)
	if err != nil {
		return resample.Options{}, fmt.Errorf("resample.interpolation: %w", err)
	}
	return resample.Options{
		Interpolation: mode,
		DefaultValue:  c.Resample.DefaultValue,
	}, nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
