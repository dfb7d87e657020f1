package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/memprobe/internal/arch"
	"github.com/tinyrange/memprobe/internal/pagecache"
)

// Config is memprobe's on-disk configuration: which connector to open,
// which architecture and DTB to walk it with, and whether to front the
// connector with a page cache.
type Config struct {
	Connector ConnectorConfig `yaml:"connector"`
	Arch      string          `yaml:"arch"`
	DTB       uint64          `yaml:"dtb"`
	Cache     CacheConfig     `yaml:"cache"`
}

// ConnectorConfig selects and configures a connector backend.
type ConnectorConfig struct {
	// Kind is "file" for an mmapped dump, or "dummy" for an in-memory
	// zero-filled buffer (useful for smoke-testing the CLI itself).
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
	Size uint64 `yaml:"size"`
}

// CacheConfig configures the page cache fronting the connector.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Size    uint64 `yaml:"size"`
	// Validator picks the cache's invalidation bookkeeping: "flag" (the
	// default) tracks one bool per slot and only ever invalidates what's
	// explicitly touched; "generation" bumps a single counter and
	// invalidates every slot in O(1), cheaper when a DTB switch or an
	// explicit flush needs to drop the whole cache at once.
	Validator string `yaml:"validator"`
}

func (c *Config) normalize() {
	if c.Connector.Kind == "" {
		c.Connector.Kind = "file"
	}
	if c.Cache.Size == 0 {
		c.Cache.Size = 2 << 20
	}
	if c.Cache.Validator == "" {
		c.Cache.Validator = "flag"
	}
	if c.Arch == "" {
		c.Arch = "x86_64"
	}
}

// validator builds the CacheConfig's configured Validator.
func (c CacheConfig) validator() (pagecache.Validator, error) {
	switch c.Validator {
	case "flag":
		return pagecache.NewFlagValidator(), nil
	case "generation":
		return pagecache.NewGenerationValidator(), nil
	default:
		return nil, fmt.Errorf("unknown cache validator %q", c.Validator)
	}
}

func (c Config) archIdent() (arch.Ident, error) {
	switch c.Arch {
	case "x86_32":
		return arch.X86_32, nil
	case "x86_32_pae":
		return arch.X86_32_PAE, nil
	case "x86_64":
		return arch.X86_64, nil
	case "aarch64_4k":
		return arch.AArch64_4K, nil
	default:
		return 0, fmt.Errorf("unknown architecture %q", c.Arch)
	}
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.normalize()
	if _, err := cfg.archIdent(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if _, err := cfg.Cache.validator(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}
