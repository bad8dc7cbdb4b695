// Package config provides configuration loading and management for ccefficiency.
// It handles loading configuration from YAML or TOML files and provides default values.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/natefinch/lumberjack"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML or TOML
type Config struct {
	// Input and output locations
	Paths struct {
		// DataDir holds the atlas-space inputs
		DataDir string `yaml:"dataDir" toml:"dataDir"`

		// OutputDir receives the derived masks
		OutputDir string `yaml:"outputDir" toml:"outputDir"`

		// Atlas is the white-matter label atlas (JHU ICBM labels by default)
		Atlas string `yaml:"atlas" toml:"atlas"`

		// BrainMask is the template brain mask whose voxels are tested for eligibility
		BrainMask string `yaml:"brainMask" toml:"brainMask"`

		// Template is the anatomical template registered to each subject
		Template string `yaml:"template" toml:"template"`
	} `yaml:"paths" toml:"paths"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many workers build the eligible region
		NumCores int `yaml:"numCores" toml:"numCores"`

		// UseVoxelSpacing scales distances by the affine voxel sizes instead
		// of treating the grid as isotropic
		UseVoxelSpacing bool `yaml:"useVoxelSpacing" toml:"useVoxelSpacing"`

		// DisallowedMode is "bbox" or "brain"
		DisallowedMode string `yaml:"disallowedMode" toml:"disallowedMode"`

		// Region is the atlas region to build the mask from
		Region string `yaml:"region" toml:"region"`

		// CCLabels overrides the atlas labels of Region when not empty
		CCLabels []int `yaml:"ccLabels" toml:"ccLabels"`
	} `yaml:"processing" toml:"processing"`

	// External registration tool
	Registration struct {
		// Binary is the flirt executable
		Binary string `yaml:"binary" toml:"binary"`

		// Attempts is how many times a failing command is run
		Attempts int `yaml:"attempts" toml:"attempts"`
	} `yaml:"registration" toml:"registration"`

	// Output parameters
	Output struct {
		// Verbose enables debug logging
		Verbose bool `yaml:"verbose" toml:"verbose"`

		// LogFile, when set, receives log output through a rotating file
		LogFile string `yaml:"logFile" toml:"logFile"`

		// LogMaxSize is the size in megabytes at which the log rotates
		LogMaxSize int `yaml:"logMaxSize" toml:"logMaxSize"`

		// LogMaxAge is the number of days rotated logs are kept
		LogMaxAge int `yaml:"logMaxAge" toml:"logMaxAge"`
	} `yaml:"output" toml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default paths
	cfg.Paths.DataDir = "data"
	cfg.Paths.OutputDir = "data"
	cfg.Paths.Atlas = "/usr/share/fsl/5.0/data/atlases/JHU/JHU-ICBM-labels-1mm.nii.gz"
	cfg.Paths.BrainMask = "/usr/share/fsl/5.0/data/standard/MNI152_T1_1mm_brain_mask.nii.gz"
	cfg.Paths.Template = "/usr/share/fsl/5.0/data/standard/MNI152_T1_1mm.nii.gz"

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.UseVoxelSpacing = false
	cfg.Processing.DisallowedMode = "bbox"
	cfg.Processing.Region = "corpus_callosum"

	// Set default registration parameters
	cfg.Registration.Binary = "flirt"
	cfg.Registration.Attempts = 1

	// Set default output parameters
	cfg.Output.Verbose = false
	cfg.Output.LogMaxSize = 100
	cfg.Output.LogMaxAge = 30

	return cfg
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig loads configuration from a YAML file, or a TOML file when the
// name ends in .toml. If the file doesn't exist, it returns the default
// configuration. Relative paths are resolved against the file's directory.
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

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing TOML config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.ResolvePaths(filepath.Dir(configPath)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePaths turns every relative path into an absolute one rooted at baseDir
func (c *Config) ResolvePaths(baseDir string) error {
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("error resolving config directory: %w", err)
	}
	for _, p := range []*string{
		&c.Paths.DataDir,
		&c.Paths.OutputDir,
		&c.Paths.Atlas,
		&c.Paths.BrainMask,
		&c.Paths.Template,
		&c.Output.LogFile,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	return nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	if isTOML(configPath) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = yaml.Marshal(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetupLogging configures the standard logrus logger from the output
// section. With a log file, output goes to a rotating lumberjack logger.
// The returned closer releases the file.
func (c *Config) SetupLogging() io.Closer {
	if c.Output.Verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	if c.Output.LogFile == "" {
		return nopCloser{}
	}

	fmt.Printf("Sending log messages to: %s\n", c.Output.LogFile)
	l := &lumberjack.Logger{
		Filename: c.Output.LogFile,
		MaxSize:  c.Output.LogMaxSize, // megabytes
		MaxAge:   c.Output.LogMaxAge,  // days
	}
	log.SetOutput(l)
	return l
}
