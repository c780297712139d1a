// Package config provides configuration loading and management for cryobackproject.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers is the number of goroutines that back-project images,
		// each with its own private accumulator
		Workers int `yaml:"workers"`

		// First caps the number of images back-projected; 0 means all
		First int `yaml:"first"`

		// LogInterval is the number of images between progress messages
		LogInterval int `yaml:"logInterval"`

		// Lazy reads images from disk on demand instead of preloading the stack
		Lazy bool `yaml:"lazy"`
	} `yaml:"processing"`

	// Dataset loading parameters
	Data struct {
		// InvertData flips the sign of the real-space images before transforming
		InvertData bool `yaml:"invertData"`

		// Norm is the (shift, scale) applied to the Hartley coefficients;
		// empty estimates it from the data
		Norm []float64 `yaml:"norm"`

		// Datadir is the path prefix for stacks listed in a .txt particle file
		Datadir string `yaml:"datadir"`
	} `yaml:"data"`

	// Tilt series parameters
	Tilt struct {
		// TiltDeg is the right-handed x-axis tilt offset for a paired tilt stack
		TiltDeg float64 `yaml:"tiltDeg"`

		// DosePerTilt is the expected exposure per tilt in electrons/A^2
		DosePerTilt float64 `yaml:"dosePerTilt"`

		// AnglePerTilt is the tilt angle increment in degrees
		AnglePerTilt float64 `yaml:"anglePerTilt"`

		// Voltage is the microscope voltage in kV used by the critical exposure curve
		Voltage float64 `yaml:"voltage"`
	} `yaml:"tilt"`

	// Output parameters
	Output struct {
		// PreviewDir receives central slice images of the output volume when set
		PreviewDir string `yaml:"previewDir"`

		// PreviewFormat is one of png, jpg or tiff
		PreviewFormat string `yaml:"previewFormat"`

		// LogLevel controls the level of logging output
		LogLevel string `yaml:"logLevel"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Workers = runtime.NumCPU()
	cfg.Processing.First = 10000
	cfg.Processing.LogInterval = 100
	cfg.Processing.Lazy = false

	cfg.Data.InvertData = true
	cfg.Data.Norm = []float64{0, 1}

	cfg.Tilt.TiltDeg = 45
	cfg.Tilt.DosePerTilt = 2.93
	cfg.Tilt.AnglePerTilt = 3
	cfg.Tilt.Voltage = 300

	cfg.Output.PreviewFormat = "png"
	cfg.Output.LogLevel = "info"

	return cfg
}

// Validate checks values that would otherwise fail deep inside a run
func (c *Config) Validate() error {
	if c.Processing.Workers < 1 {
		return fmt.Errorf("processing.workers must be at least 1, got %d", c.Processing.Workers)
	}
	if c.Processing.First < 0 {
		return fmt.Errorf("processing.first must not be negative, got %d", c.Processing.First)
	}
	if len(c.Data.Norm) != 0 && len(c.Data.Norm) != 2 {
		return fmt.Errorf("data.norm must be empty or have 2 values (shift, scale), got %d", len(c.Data.Norm))
	}
	if len(c.Data.Norm) == 2 && c.Data.Norm[1] == 0 {
		return fmt.Errorf("data.norm scale must be non-zero")
	}
	switch c.Output.PreviewFormat {
	case "png", "jpg", "jpeg", "tiff":
	default:
		return fmt.Errorf("output.previewFormat %q is not one of png, jpg, tiff", c.Output.PreviewFormat)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

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
