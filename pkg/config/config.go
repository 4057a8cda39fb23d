// Package config provides configuration loading and management for wsipatch.
// It handles loading configuration from YAML files, applies environment
// overrides and provides default values.
package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"wsipatch/pkg/slicer"
	"wsipatch/pkg/slide"
	"wsipatch/pkg/store"
	"wsipatch/pkg/tissue"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Extraction parameters
	Extraction struct {
		// PatchSize is the edge length of one patch in base-resolution pixels
		PatchSize int `yaml:"patchSize"`

		// SliceMinPatch is the minimum number of patches for a tissue slice to be kept
		SliceMinPatch int `yaml:"sliceMinPatch"`

		// Connectivity is 4 or 8
		Connectivity int `yaml:"connectivity"`

		// Aggregation is the mask cell policy, "any" or "majority"
		Aggregation string `yaml:"aggregation"`

		// MaskCellPixels is the number of thumbnail pixels along one patch edge
		MaskCellPixels int `yaml:"maskCellPixels"`

		JPEGQuality int `yaml:"jpegQuality"`

		// Extensions lists accepted slide file extensions
		Extensions []string `yaml:"extensions"`

		// TileCacheSize is the number of tiles the tiling view keeps. Patch
		// extraction reads each full-resolution tile once; lower levels are
		// assembled from cached tiles of the level above
		TileCacheSize int `yaml:"tileCacheSize"`
	} `yaml:"extraction"`

	// Stain normalization parameters
	Normalization struct {
		// ReferenceImage is the patch whose stain appearance is the target
		ReferenceImage string `yaml:"referenceImage"`

		StandardizeLuminosity bool `yaml:"standardizeLuminosity"`

		// LuminosityThreshold separates tissue from background (0-1)
		LuminosityThreshold float64 `yaml:"luminosityThreshold"`

		// Percentile of stain concentrations used as the maximum
		Percentile float64 `yaml:"percentile"`

		NMFIterations int     `yaml:"nmfIterations"`
		Sparsity      float64 `yaml:"sparsity"`
		MaxFitPixels  int     `yaml:"maxFitPixels"`

		ImageExtensions []string `yaml:"imageExtensions"`
	} `yaml:"normalization"`

	// Input and output locations
	Paths struct {
		SlideDir      string `yaml:"slideDir"`
		PatchDir      string `yaml:"patchDir"`
		NormalizedDir string `yaml:"normalizedDir"`
	} `yaml:"paths"`

	// Storage backend for written images
	Storage struct {
		Backend string `yaml:"backend"`

		S3 struct {
			Endpoint  string `yaml:"endpoint"`
			Region    string `yaml:"region"`
			AccessKey string `yaml:"accessKey"`
			SecretKey string `yaml:"secretKey"`
			Bucket    string `yaml:"bucket"`
			UseSSL    bool   `yaml:"useSSL"`
			Prefix    string `yaml:"prefix"`
		} `yaml:"s3"`
	} `yaml:"storage"`

	// Output parameters
	Output struct {
		// SaveIntermediaryResults writes masks, label maps and histograms per slide
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// IntermediaryDir is a local directory of its own; it must not be
		// inside paths.patchDir, whose subdirectories are read back as slides
		IntermediaryDir string `yaml:"intermediaryDir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Extraction.PatchSize = 256
	cfg.Extraction.SliceMinPatch = 500
	cfg.Extraction.Connectivity = int(slicer.Four)
	cfg.Extraction.Aggregation = string(tissue.AggregateAny)
	cfg.Extraction.MaskCellPixels = 4
	cfg.Extraction.JPEGQuality = store.DefaultQuality
	cfg.Extraction.Extensions = append([]string(nil), slide.Extensions...)
	cfg.Extraction.TileCacheSize = 64

	cfg.Normalization.StandardizeLuminosity = false
	cfg.Normalization.LuminosityThreshold = 0.8
	cfg.Normalization.Percentile = 99
	cfg.Normalization.NMFIterations = 50
	cfg.Normalization.Sparsity = 0.01
	cfg.Normalization.MaxFitPixels = 20000
	cfg.Normalization.ImageExtensions = []string{".jpeg", ".jpg"}

	cfg.Paths.SlideDir = "slides"
	cfg.Paths.PatchDir = "preprocessed"
	cfg.Paths.NormalizedDir = "normalize_vahadane"

	cfg.Storage.Backend = store.BackendFilesystem
	cfg.Storage.S3.Region = "us-east-1"
	cfg.Storage.S3.UseSSL = true

	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.IntermediaryDir = "intermediary_results"
	cfg.Output.Verbose = true

	return cfg
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
	return SaveConfig(DefaultConfig(), configPath)
}

// ApplyEnv loads a .env file if one is present and overrides paths and
// storage settings from WSIPATCH_* variables. Secrets are expected to come
// from here rather than the YAML file.
func (c *Config) ApplyEnv() {
	_ = godotenv.Load()

	setString(&c.Paths.SlideDir, "WSIPATCH_SLIDE_DIR")
	setString(&c.Paths.PatchDir, "WSIPATCH_PATCH_DIR")
	setString(&c.Paths.NormalizedDir, "WSIPATCH_NORMALIZED_DIR")
	setString(&c.Normalization.ReferenceImage, "WSIPATCH_REFERENCE_IMAGE")

	setString(&c.Storage.Backend, "WSIPATCH_STORAGE_BACKEND")
	setString(&c.Storage.S3.Endpoint, "WSIPATCH_S3_ENDPOINT")
	setString(&c.Storage.S3.Region, "WSIPATCH_S3_REGION")
	setString(&c.Storage.S3.Bucket, "WSIPATCH_S3_BUCKET")
	setString(&c.Storage.S3.Prefix, "WSIPATCH_S3_PREFIX")
	setString(&c.Storage.S3.AccessKey, "WSIPATCH_S3_ACCESS_KEY", "MINIO_ROOT_USER")
	setString(&c.Storage.S3.SecretKey, "WSIPATCH_S3_SECRET_KEY", "MINIO_ROOT_PASSWORD")

	if raw := strings.TrimSpace(os.Getenv("WSIPATCH_S3_USE_SSL")); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			c.Storage.S3.UseSSL = v
		}
	}
}

// setString overwrites dst with the first non-empty variable among keys.
func setString(dst *string, keys ...string) {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			*dst = v
			return
		}
	}
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Extraction.PatchSize <= 0 {
		return fmt.Errorf("extraction.patchSize must be positive, got %d", c.Extraction.PatchSize)
	}
	if c.Extraction.SliceMinPatch < 0 {
		return fmt.Errorf("extraction.sliceMinPatch must not be negative, got %d", c.Extraction.SliceMinPatch)
	}
	if _, err := slicer.ParseConnectivity(c.Extraction.Connectivity); err != nil {
		return fmt.Errorf("extraction.connectivity: %w", err)
	}
	if _, err := tissue.ParseAggregation(c.Extraction.Aggregation); err != nil {
		return fmt.Errorf("extraction.aggregation: %w", err)
	}
	if q := c.Extraction.JPEGQuality; q < 1 || q > 100 {
		return fmt.Errorf("extraction.jpegQuality must be in [1, 100], got %d", q)
	}
	if p := c.Normalization.Percentile; p <= 0 || p > 100 {
		return fmt.Errorf("normalization.percentile must be in (0, 100], got %g", p)
	}
	if t := c.Normalization.LuminosityThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("normalization.luminosityThreshold must be in (0, 1], got %g", t)
	}
	switch c.Storage.Backend {
	case "", store.BackendFilesystem, store.BackendS3:
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	if c.Output.SaveIntermediaryResults && within(c.Output.IntermediaryDir, c.Paths.PatchDir) {
		return fmt.Errorf("output.intermediaryDir %q must not be inside paths.patchDir %q", c.Output.IntermediaryDir, c.Paths.PatchDir)
	}
	return nil
}

// within reports whether dir is root or lies below it.
func within(dir, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(dir))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// StoreOptions returns the store settings for writing below root. On S3 the
// last element of root is appended to the key prefix so patches and
// normalised images can share a bucket.
func (c *Config) StoreOptions(root string) store.Options {
	s3 := c.Storage.S3
	prefix := s3.Prefix
	if root != "" {
		prefix = path.Join(prefix, filepath.Base(root))
	}
	return store.Options{
		Backend: c.Storage.Backend,
		Root:    root,
		Quality: c.Extraction.JPEGQuality,
		S3: store.S3Config{
			Endpoint:  s3.Endpoint,
			Region:    s3.Region,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
			Bucket:    s3.Bucket,
			UseSSL:    s3.UseSSL,
			Prefix:    prefix,
		},
	}
}
