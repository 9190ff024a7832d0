package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/image-info/config.toml"
	// DefaultScratchDir is where temporary mountpoints and converted images live
	DefaultScratchDir = "/var/tmp"
	// DefaultLVMBackend is the default LVM backend
	DefaultLVMBackend = "cli"
	// DefaultLVMRetries is how many times a missing physical volume is retried
	DefaultLVMRetries = 10
	// DefaultLVMRetryInterval is the base of the linear LVM retry backoff
	DefaultLVMRetryInterval = "1s"
	// DefaultOutput is the default report format
	DefaultOutput = "json"
)

// Config holds the inspector configuration
type Config struct {
	// ScratchDir is the parent directory for temporary mountpoints
	ScratchDir string `toml:"scratch_dir"`
	// LVMBackend selects how volume groups are activated: "cli" or "dbus"
	LVMBackend string `toml:"lvm_backend"`
	// LVMRetries bounds the retries while a physical volume is not yet visible.
	// A nil value means "not set"; zero disables retrying.
	LVMRetries *int `toml:"lvm_retries"`
	// LVMRetryInterval is a duration string, e.g. "1s" or "500ms"
	LVMRetryInterval string `toml:"lvm_retry_interval"`
	// Output is the report format: "json", "yaml" or "table"
	Output string `toml:"output"`
	// ConvertImages controls whether non-raw images are converted before reading.
	// A nil value means "not set" so that the default can be applied.
	ConvertImages *bool `toml:"convert_images"`
}

// Load loads configuration from a TOML file
// Returns an empty config if the file doesn't exist
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Merge merges CLI flags into the config, with CLI flags taking precedence
// over config file values. Empty CLI values are ignored.
func (c *Config) Merge(scratchDir, lvmBackend, output string) {
	if scratchDir != "" {
		c.ScratchDir = scratchDir
	}
	if lvmBackend != "" {
		c.LVMBackend = lvmBackend
	}
	if output != "" {
		c.Output = output
	}
}

// ApplyDefaults applies default values for any unset fields
func (c *Config) ApplyDefaults() {
	if c.ScratchDir == "" {
		c.ScratchDir = DefaultScratchDir
	}
	if c.LVMBackend == "" {
		c.LVMBackend = DefaultLVMBackend
	}
	if c.LVMRetries == nil {
		retries := DefaultLVMRetries
		c.LVMRetries = &retries
	}
	if c.LVMRetryInterval == "" {
		c.LVMRetryInterval = DefaultLVMRetryInterval
	}
	if c.Output == "" {
		c.Output = DefaultOutput
	}
	if c.ConvertImages == nil {
		convert := true
		c.ConvertImages = &convert
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.LVMBackend != "cli" && c.LVMBackend != "dbus" {
		return fmt.Errorf("lvm_backend must be 'cli' or 'dbus', got %q", c.LVMBackend)
	}

	if c.Retries() < 0 {
		return fmt.Errorf("lvm_retries must not be negative, got %d", c.Retries())
	}

	if _, err := c.RetryInterval(); err != nil {
		return err
	}

	switch c.Output {
	case "json", "yaml", "table":
	default:
		return fmt.Errorf("output must be 'json', 'yaml' or 'table', got %q", c.Output)
	}

	info, err := os.Stat(c.ScratchDir)
	if err != nil {
		return fmt.Errorf("scratch_dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("scratch_dir %q is not a directory", c.ScratchDir)
	}

	return nil
}

// RetryInterval parses LVMRetryInterval
func (c *Config) RetryInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.LVMRetryInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid lvm_retry_interval %q: %w", c.LVMRetryInterval, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("lvm_retry_interval must not be negative, got %s", d)
	}
	return d, nil
}

// Retries returns how often a missing physical volume is looked up again
func (c *Config) Retries() int {
	if c.LVMRetries == nil {
		return DefaultLVMRetries
	}
	return *c.LVMRetries
}

// Convert reports whether non-raw images should be converted to raw
func (c *Config) Convert() bool {
	return c.ConvertImages == nil || *c.ConvertImages
}
