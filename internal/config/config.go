// Package config loads and validates the simulator configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"

	"github.com/orizon-lang/regionalloc/internal/cli"
	"github.com/orizon-lang/regionalloc/internal/errors"
)

// SchemaVersion is the version written by SaveConfig.
const SchemaVersion = "1.1.0"

// supportedSchema gates which configuration files this build understands.
const supportedSchema = "^1.0"

// Config is the top-level configuration file.
type Config struct {
	SchemaVersion string           `json:"schema_version"`
	LogLevel      string           `json:"log_level"`
	Heap          HeapConfig       `json:"heap"`
	Allocation    AllocationConfig `json:"allocation"`
	Metrics       MetricsConfig    `json:"metrics"`
	Workload      WorkloadConfig   `json:"workload"`
}

// HeapConfig sizes the region set.
type HeapConfig struct {
	RegionBytes        uint64 `json:"region_bytes"`
	RegionCount        int    `json:"region_count"`
	NumaNodes          int    `json:"numa_nodes"`
	MaxEdenRegions     int    `json:"max_eden_regions"`     // 0 means no limit
	MaxSurvivorRegions int    `json:"max_survivor_regions"` // 0 means no limit
}

// AllocationConfig holds the alloc region thresholds and buffer sizes.
type AllocationConfig struct {
	MinFillWords     uint64 `json:"min_fill_words"`
	MinRetainBytes   uint64 `json:"min_retain_bytes"`
	MinTLABWords     uint64 `json:"min_tlab_words"`
	DesiredTLABWords uint64 `json:"desired_tlab_words"`
}

// MetricsConfig controls the exposition endpoint.
type MetricsConfig struct {
	Addr  string `json:"addr"` // empty disables the endpoint
	HTTP3 bool   `json:"http3"`
}

// WorkloadConfig drives cmd/regionalloc-sim.
type WorkloadConfig struct {
	Mutators        int    `json:"mutators"`
	Pauses          int    `json:"pauses"`
	MinObjectWords  uint64 `json:"min_object_words"`
	MaxObjectWords  uint64 `json:"max_object_words"`
	SurvivorPercent int    `json:"survivor_percent"`
	GCWorkers       int    `json:"gc_workers"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		SchemaVersion: SchemaVersion,
		LogLevel:      "info",
		Heap: HeapConfig{
			RegionBytes:        1 << 20,
			RegionCount:        64,
			NumaNodes:          1,
			MaxEdenRegions:     32,
			MaxSurvivorRegions: 8,
		},
		Allocation: AllocationConfig{
			MinFillWords:     2,
			MinRetainBytes:   2 * 1024,
			MinTLABWords:     32,
			DesiredTLABWords: 512,
		},
		Workload: WorkloadConfig{
			Mutators:        4,
			Pauses:          4,
			MinObjectWords:  2,
			MaxObjectWords:  24,
			SurvivorPercent: 10,
			GCWorkers:       2,
		},
	}
}

// LoadConfig loads configuration from file. Fields missing from the file
// keep their defaults, and a missing file yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	config := Default()

	if configPath == "" {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil // Default config if file doesn't exist
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves configuration to file
func (c *Config) SaveConfig(configPath string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the schema version, the heap geometry and that the
// workload fits the allocation sizes.
func (c *Config) Validate() error {
	v, err := semver.NewVersion(c.SchemaVersion)
	if err != nil {
		return errors.InvalidConfig("schema_version", err.Error())
	}
	constraint, err := semver.NewConstraint(supportedSchema)
	if err != nil {
		return errors.InvalidConfig("schema_version", err.Error())
	}
	if !constraint.Check(v) {
		return errors.InvalidConfig("schema_version", fmt.Sprintf("%s does not satisfy %s", v, supportedSchema))
	}

	if _, err := cli.ParseLevel(c.LogLevel); err != nil {
		return errors.InvalidConfig("log_level", err.Error())
	}

	h := c.Heap
	switch {
	case h.RegionBytes == 0 || h.RegionBytes%8 != 0:
		return errors.InvalidConfig("heap.region_bytes", "must be a positive multiple of the word size")
	case h.RegionCount <= 0:
		return errors.InvalidConfig("heap.region_count", "must be positive")
	case h.NumaNodes <= 0:
		return errors.InvalidConfig("heap.numa_nodes", "must be positive")
	case h.MaxEdenRegions < 0 || h.MaxSurvivorRegions < 0:
		return errors.InvalidConfig("heap", "region limits must not be negative")
	}

	a := c.Allocation
	switch {
	case a.MinFillWords == 0:
		return errors.InvalidConfig("allocation.min_fill_words", "must be at least one word")
	case a.MinTLABWords < a.MinFillWords:
		return errors.InvalidConfig("allocation.min_tlab_words", "must be at least min_fill_words")
	case a.DesiredTLABWords < a.MinTLABWords:
		return errors.InvalidConfig("allocation.desired_tlab_words", "must be at least min_tlab_words")
	case a.DesiredTLABWords*8 > h.RegionBytes:
		return errors.InvalidConfig("allocation.desired_tlab_words", "does not fit a region")
	}

	w := c.Workload
	switch {
	case w.Mutators < 0 || w.Pauses < 0 || w.GCWorkers < 0:
		return errors.InvalidConfig("workload", "counts must not be negative")
	case w.MinObjectWords < a.MinFillWords:
		return errors.InvalidConfig("workload.min_object_words", "must be at least min_fill_words")
	case w.MaxObjectWords < w.MinObjectWords:
		return errors.InvalidConfig("workload.max_object_words", "must be at least min_object_words")
	case w.MaxObjectWords > a.MinTLABWords:
		return errors.InvalidConfig("workload.max_object_words", "must fit the smallest TLAB")
	case w.SurvivorPercent < 0 || w.SurvivorPercent > 100:
		return errors.InvalidConfig("workload.survivor_percent", "must be within [0, 100]")
	}
	return nil
}
