// Package daemon is the node-side agent: it registers with the control
// plane, heartbeats, and provisions workloads on the local host as docker
// containers or supervised processes.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the daemon's startup configuration, loaded from a TOML file
// with flag overrides applied by the command.
type Config struct {
	// ServerURL is the control plane's base URL.
	ServerURL string `toml:"server_url"`

	// AdvertiseURL is the address the control plane reaches this daemon on.
	AdvertiseURL string `toml:"advertise_url"`

	// Name and Location are reported at registration.
	Name     string `toml:"name"`
	Location string `toml:"location"`

	// SharedSecret or JoinCode authenticates the first registration.
	// JoinCode wins when both are set.
	SharedSecret string `toml:"shared_secret"`
	JoinCode     string `toml:"join_code"`

	// APIKey lets the control plane call this daemon before its client
	// certificate is provisioned.
	APIKey string `toml:"api_key"`

	// DataDir holds the key, certificates, state ledgers, and workload
	// volumes.
	DataDir string `toml:"data_dir"`

	// Port is the daemon API listen port.
	Port uint `toml:"port"`

	// PortRangeStart/End bound host port allocation for workloads.
	PortRangeStart int `toml:"port_range_start"`
	PortRangeEnd   int `toml:"port_range_end"`

	// Declared capacity. Zero disables the corresponding admission check
	// on the control plane.
	CPUCores int64 `toml:"cpu_cores"`
	MemoryMB int64 `toml:"memory_mb"`
	DiskMB   int64 `toml:"disk_mb"`

	// HeartbeatInterval defaults to 30s.
	HeartbeatInterval time.Duration `toml:"-"`
	HeartbeatSeconds  int           `toml:"heartbeat_seconds"`
}

// LoadConfig reads the TOML file when present and fills in defaults.
// A missing file is fine: everything can come from flags.
func LoadConfig(path string) (*Config, error) {
	conf := &Config{}
	if path != "" {
		if _, err := toml.DecodeFile(path, conf); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if conf.DataDir == "" {
		conf.DataDir = "."
	}
	if conf.Port == 0 {
		conf.Port = 8240
	}
	if conf.PortRangeStart == 0 {
		conf.PortRangeStart = 30000
	}
	if conf.PortRangeEnd == 0 {
		conf.PortRangeEnd = 32767
	}
	if conf.HeartbeatSeconds > 0 {
		conf.HeartbeatInterval = time.Duration(conf.HeartbeatSeconds) * time.Second
	}
	if conf.HeartbeatInterval == 0 {
		conf.HeartbeatInterval = time.Second * 30
	}
	return conf, nil
}

// Validate checks the fields that have no workable default.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	if c.SharedSecret == "" && c.JoinCode == "" {
		return errors.New("either shared_secret or join_code is required")
	}
	if c.PortRangeEnd <= c.PortRangeStart {
		return fmt.Errorf("invalid port range %d-%d", c.PortRangeStart, c.PortRangeEnd)
	}
	return nil
}

func (c *Config) volumeDir(workloadID uint) string {
	return filepath.Join(c.DataDir, "volumes", fmt.Sprintf("wl-%d", workloadID))
}
