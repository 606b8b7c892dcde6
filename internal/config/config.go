package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults for settings not given in the file or environment.
const (
	DefaultPIDFile          = "/tmp/upnpd.pid"
	DefaultInterval         = time.Minute
	DefaultDiscoveryTimeout = 8 * time.Second
)

type Config struct {
	File             string        // UPNPD_FILE: mapping list (CSV), required for run/flush
	PIDFile          string        // UPNPD_PID_FILE (default /tmp/upnpd.pid)
	Interval         time.Duration // UPNPD_INTERVAL (default 1m)
	DiscoveryTimeout time.Duration // UPNPD_DISCOVERY_TIMEOUT (default 8s): per-interface SSDP bound
	NATSURL          string        // UPNPD_NATS_URL (optional, empty = no events)
	NATPMP           bool          // UPNPD_NATPMP=1: NAT-PMP fallback when UPnP discovery fails
}

// fileConfig is the optional TOML config file. Environment variables
// override it; command-line flags override both.
type fileConfig struct {
	File             string `toml:"file"`
	PIDFile          string `toml:"pid_file"`
	Interval         string `toml:"interval"`
	DiscoveryTimeout string `toml:"discovery_timeout"`
	NATSURL          string `toml:"nats_url"`
	NATPMP           bool   `toml:"natpmp"`
}

// Load builds the configuration from the TOML file at path (skipped only
// when path is empty) and the UPNPD_* environment. A configured path that
// cannot be read is an error: a typo'd --config must not silently fall
// through to defaults.
func Load(path string) (*Config, error) {
	c := &Config{
		PIDFile:          DefaultPIDFile,
		Interval:         DefaultInterval,
		DiscoveryTimeout: DefaultDiscoveryTimeout,
	}

	if path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		if err := c.applyFile(fc); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if v := os.Getenv("UPNPD_FILE"); v != "" {
		c.File = v
	}
	if v := os.Getenv("UPNPD_PID_FILE"); v != "" {
		c.PIDFile = v
	}
	if v := os.Getenv("UPNPD_NATS_URL"); v != "" {
		c.NATSURL = v
	}
	if v := os.Getenv("UPNPD_NATPMP"); v != "" {
		c.NATPMP = v == "1" || v == "true"
	}
	if v := os.Getenv("UPNPD_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("UPNPD_INTERVAL: %w", err)
		}
		c.Interval = d
	}
	if v := os.Getenv("UPNPD_DISCOVERY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("UPNPD_DISCOVERY_TIMEOUT: %w", err)
		}
		c.DiscoveryTimeout = d
	}

	if c.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	return c, nil
}

func (c *Config) applyFile(fc fileConfig) error {
	if fc.File != "" {
		c.File = fc.File
	}
	if fc.PIDFile != "" {
		c.PIDFile = fc.PIDFile
	}
	if fc.NATSURL != "" {
		c.NATSURL = fc.NATSURL
	}
	if fc.NATPMP {
		c.NATPMP = true
	}
	if fc.Interval != "" {
		d, err := time.ParseDuration(fc.Interval)
		if err != nil {
			return fmt.Errorf("interval: %w", err)
		}
		c.Interval = d
	}
	if fc.DiscoveryTimeout != "" {
		d, err := time.ParseDuration(fc.DiscoveryTimeout)
		if err != nil {
			return fmt.Errorf("discovery_timeout: %w", err)
		}
		c.DiscoveryTimeout = d
	}
	return nil
}
