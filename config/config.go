// Package config handles configuration loading for the gridlink
// gateway. The canonical format is a top-level JSON file; YAML is
// accepted for hand-maintained deployments.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is looked up inside the --config directory.
const DefaultFileName = "gridlink.json"

// Config holds the complete gateway configuration.
type Config struct {
	// Plugins is the plugin search list: names the gateway enables at
	// boot, in registration order.
	Plugins []string `json:"plugins" yaml:"plugins"`

	// Autostart names nodes to start after the store is replayed.
	Autostart []string `json:"autostart,omitempty" yaml:"autostart,omitempty"`

	// BusPort is the loopback port of the embedded mailbox fabric.
	BusPort int `json:"bus_port,omitempty" yaml:"bus_port,omitempty"`

	// StorePath is the persistence database file. Relative paths
	// resolve against the config directory.
	StorePath string `json:"store_path,omitempty" yaml:"store_path,omitempty"`

	// Web is the REST listen address, host:port.
	Web string `json:"web,omitempty" yaml:"web,omitempty"`

	// LogDir receives gridlink.log and debug.log. Relative paths
	// resolve against the config directory.
	LogDir string `json:"log_dir,omitempty" yaml:"log_dir,omitempty"`

	// DebugFilter is the comma-separated subsystem filter of the
	// debug logger; empty logs everything.
	DebugFilter string `json:"debug_filter,omitempty" yaml:"debug_filter,omitempty"`

	// NodeSettings carries opaque per-node setting blobs applied at
	// boot, keyed by node name. The gateway never interprets them.
	NodeSettings map[string]string `json:"node_settings,omitempty" yaml:"node_settings,omitempty"`

	dataMu sync.Mutex
	path   string
}

// Defaults returns a config with the built-in defaults applied.
func Defaults() *Config {
	return &Config{
		Plugins:   []string{"sim", "modbus", "mqtt", "kafka", "valkey", "monitor"},
		BusPort:   4222,
		StorePath: "gridlink.db",
		Web:       "127.0.0.1:7000",
		LogDir:    ".",
	}
}

// Load reads the config file from dir, trying gridlink.json then
// .yaml/.yml variants. A missing file yields the defaults.
func Load(dir string) (*Config, error) {
	candidates := []string{
		filepath.Join(dir, DefaultFileName),
		filepath.Join(dir, "gridlink.yaml"),
		filepath.Join(dir, "gridlink.yml"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	cfg := Defaults()
	cfg.path = filepath.Join(dir, DefaultFileName)
	cfg.resolve(dir)
	return cfg, nil
}

// LoadFile reads one specific config file, picking the decoder by
// extension.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.path = path
	cfg.resolve(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve anchors relative paths at the config directory.
func (c *Config) resolve(dir string) {
	if c.StorePath != "" && !filepath.IsAbs(c.StorePath) {
		c.StorePath = filepath.Join(dir, c.StorePath)
	}
	if c.LogDir == "" {
		c.LogDir = dir
	} else if !filepath.IsAbs(c.LogDir) {
		c.LogDir = filepath.Join(dir, c.LogDir)
	}
}

func (c *Config) validate() error {
	if c.BusPort < 0 || c.BusPort > 65535 {
		return fmt.Errorf("bus_port %d out of range", c.BusPort)
	}
	seen := make(map[string]bool)
	for _, p := range c.Plugins {
		if p == "" {
			return fmt.Errorf("empty plugin name in search list")
		}
		if seen[p] {
			return fmt.Errorf("duplicate plugin %q in search list", p)
		}
		seen[p] = true
	}
	return nil
}

// Save writes the config back to its file as JSON, regardless of the
// format it was loaded from.
func (c *Config) Save() error {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()

	if c.path == "" {
		return fmt.Errorf("config has no backing file")
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

// Path returns the backing file path.
func (c *Config) Path() string {
	return c.path
}
