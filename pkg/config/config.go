// Package config provides configuration loading and management for
// volreg. It handles loading configuration from YAML files and provides
// default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the registration configuration loaded from YAML.
type Config struct {
	// Registration parameters
	Registration struct {
		// Scales is the ordered list of downsampling factors, coarse to fine
		Scales []int `yaml:"scales"`

		// Iterations is the matching list of per-scale iteration budgets
		Iterations []int `yaml:"iterations"`

		// Loss selects the similarity metric ("cc" or "mse")
		Loss string `yaml:"loss"`

		// Tolerance is the convergence tolerance
		Tolerance float64 `yaml:"tolerance"`

		// MaxToleranceIters is how many consecutive non-improving
		// iterations are allowed before a scale stops early
		MaxToleranceIters int `yaml:"maxToleranceIters"`

		// ToleranceMode compares losses absolutely ("atol") or
		// relative to the previous value ("rtol")
		ToleranceMode string `yaml:"toleranceMode"`
	} `yaml:"registration"`

	// Optimizer parameters
	Optimizer struct {
		// Rule is the update rule, "sgd" or "adam"
		Rule string `yaml:"rule"`

		// LearningRate is the step size
		LearningRate float64 `yaml:"learningRate"`

		// Momentum applies to the sgd rule only
		Momentum float64 `yaml:"momentum"`

		// Beta1, Beta2 and Epsilon apply to the adam rule only
		Beta1   float64 `yaml:"beta1"`
		Beta2   float64 `yaml:"beta2"`
		Epsilon float64 `yaml:"epsilon"`
	} `yaml:"optimizer"`

	// Input parameters
	Input struct {
		// FixedSpacing and MovingSpacing are the physical voxel
		// spacings (x, y, z) assigned to the loaded slice stacks
		FixedSpacing  []float64 `yaml:"fixedSpacing"`
		MovingSpacing []float64 `yaml:"movingSpacing"`
	} `yaml:"input"`

	// Output parameters
	Output struct {
		// SaveMoved records the moved image at the end of every scale
		SaveMoved bool `yaml:"saveMoved"`

		// MovedDir is the directory moved-image slices are written to
		MovedDir string `yaml:"movedDir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default registration parameters
	cfg.Registration.Scales = []int{4, 2, 1}
	cfg.Registration.Iterations = []int{200, 100, 50}
	cfg.Registration.Loss = "cc"
	cfg.Registration.Tolerance = 1e-6
	cfg.Registration.MaxToleranceIters = 10
	cfg.Registration.ToleranceMode = "atol"

	// Set default optimizer parameters
	cfg.Optimizer.Rule = "adam"
	cfg.Optimizer.LearningRate = 0.05

	// Set default input parameters
	cfg.Input.FixedSpacing = []float64{1, 1, 1}
	cfg.Input.MovingSpacing = []float64{1, 1, 1}

	// Set default output parameters
	cfg.Output.SaveMoved = false
	cfg.Output.MovedDir = "moved_images"
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
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

// SaveConfig saves the configuration to a YAML file.
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

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
