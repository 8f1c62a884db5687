package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DriverConfig holds the tieredmap driver's settings. The -log-level and
// -log-format flags override Logging. Buckets and FastPct are validated
// but not used by the driver: the placement subcommand always takes both
// from its positional arguments. ChunkSize, NumChunks and DiskRate have
// no command-line flags.
type DriverConfig struct {
	Buckets   int         `yaml:"buckets"`
	FastPct   int         `yaml:"fast_pct"`
	ChunkSize string      `yaml:"chunk_size"` // e.g. "4kb" (default: "4kb")
	NumChunks uint64      `yaml:"num_chunks"`
	DiskRate  string      `yaml:"disk_rate"` // e.g. "8mb" per second; empty/"0" disables throttling
	Logging   LoggingInfo `yaml:"logging"`

	// ChunkSizeRaw and DiskRateRaw are filled in by validate(); not read
	// from YAML.
	ChunkSizeRaw uint64  `yaml:"-"`
	DiskRateRaw  float64 `yaml:"-"`
}

// DefaultDriverConfig returns the driver's built-in defaults, used when no
// -config flag is given.
func DefaultDriverConfig() *DriverConfig {
	cfg := &DriverConfig{
		Buckets:   1024,
		FastPct:   20,
		ChunkSize: "4kb",
		NumChunks: 4096,
	}
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("config: built-in driver defaults are invalid: %v", err))
	}
	return cfg
}

// LoadDriverConfig reads and validates a YAML driver config file, layering
// it over the built-in defaults for any field left unset.
func LoadDriverConfig(path string) (*DriverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading driver config: %w", err)
	}

	cfg := DefaultDriverConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing driver config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating driver config: %w", err)
	}

	return cfg, nil
}

func (c *DriverConfig) validate() error {
	if c.Buckets <= 0 {
		return fmt.Errorf("buckets must be positive, got %d", c.Buckets)
	}
	if c.FastPct < 0 || c.FastPct > 100 {
		return fmt.Errorf("fast_pct must be between 0 and 100, got %d", c.FastPct)
	}

	if c.ChunkSize == "" {
		c.ChunkSize = "4kb"
	}
	parsed, err := ParseByteSize(c.ChunkSize)
	if err != nil {
		return fmt.Errorf("chunk_size: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("chunk_size must be > 0, got %s", c.ChunkSize)
	}
	c.ChunkSizeRaw = uint64(parsed)

	if c.NumChunks == 0 {
		c.NumChunks = 4096
	}

	if c.DiskRate == "" || c.DiskRate == "0" {
		c.DiskRateRaw = 0
	} else {
		rate, err := ParseByteSize(c.DiskRate)
		if err != nil {
			return fmt.Errorf("disk_rate: %w", err)
		}
		if rate < 0 {
			return fmt.Errorf("disk_rate must be >= 0, got %s", c.DiskRate)
		}
		c.DiskRateRaw = float64(rate)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	return nil
}
