// Package config implements the offload server's JSON-file
// configuration, following the teacher's load-or-create-default
// CacheConfiguration pattern: a CONF_FOLDER-relative JSON file,
// defaulted on first run.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ConfFolder is the directory configuration files live under, mirroring
// the teacher's CONF_FOLDER constant.
const ConfFolder = "./conf"

const configFileName = "offload_conf.json"

// Config is the full offload server configuration: the core pipeline
// settings from spec.md §6 plus the domain-stack toggles SPEC_FULL.md
// adds.
type Config struct {
	// Core, spec.md §6.
	BaseServer        string `json:"base_server"`          // GBASESERVER
	BaseServerPort    int    `json:"base_server_port"`     // GBASESERVERPORT, default 80
	TimeoutSeconds    int    `json:"timeout_seconds"`       // GTIMEOUT, default 45-90
	OffloadDir        string `json:"offload_dir"`           // GOFFLOADDIR
	MaxDupeDownloads  int    `json:"max_dupe_downloads"`    // GMAXDUPEDOWNLOADS, 0 disables
	CacheName         string `json:"cache_name"`            // namespaces lock files and the dlregistry; see mod/cachemutex

	// Listener.
	ListenAddr string `json:"listen_addr"`

	// Excluded-path defense-in-depth mirror of the origin's exclusion
	// wildcards (SPEC_FULL.md "Excluded-path list").
	ExcludedPaths []string `json:"excluded_paths"`

	// Pool-aware purge: sibling offload instances' admin base URLs.
	PoolMembers []string `json:"pool_members"`

	// Admin surface.
	Admin AdminConfig `json:"admin"`

	// Registry backend selection: "local" or "redis".
	Registry RegistryConfig `json:"registry"`

	// Discovery (mDNS self-advertisement).
	Discovery DiscoveryConfig `json:"discovery"`

	// Origin health probing (ICMP).
	OriginHealth OriginHealthConfig `json:"origin_health"`

	// PROXY protocol support for preserving client IPs behind an L4 LB.
	ProxyProtocol bool `json:"proxy_protocol"`
}

// AdminConfig configures the session-authenticated admin endpoints.
type AdminConfig struct {
	Enabled      bool   `json:"enabled"`
	ListenAddr   string `json:"listen_addr"`
	SessionKey   string `json:"session_key"`
	AdminUser    string `json:"admin_user"`
	AdminPassword string `json:"admin_password"`
}

// RegistryConfig selects and configures the Duplicate-Download Registry
// backend.
type RegistryConfig struct {
	Backend string `json:"backend"` // "local" or "redis"
	Redis   struct {
		Addr     string `json:"addr"`
		Password string `json:"password"`
		DB       int    `json:"db"`
	} `json:"redis"`
	LivenessTTLSeconds int `json:"liveness_ttl_seconds"`
}

// DiscoveryConfig configures mDNS self-advertisement.
type DiscoveryConfig struct {
	Enabled  bool   `json:"enabled"`
	Instance string `json:"instance"`
	Service  string `json:"service"`
	Domain   string `json:"domain"`
}

// OriginHealthConfig configures the periodic ICMP origin probe.
type OriginHealthConfig struct {
	Enabled         bool `json:"enabled"`
	IntervalSeconds int  `json:"interval_seconds"`
}

// Timeout returns TimeoutSeconds as a time.Duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Default returns the default configuration, matching the teacher's
// DefaultCacheConfiguration shape.
func Default() *Config {
	c := &Config{
		BaseServer:       "localhost",
		BaseServerPort:   80,
		TimeoutSeconds:   60,
		OffloadDir:       filepath.Join(ConfFolder, "cache"),
		MaxDupeDownloads: 4,
		CacheName:        "offloadsrv",
		ListenAddr:       ":8080",
		ProxyProtocol:    false,
	}
	c.Admin.Enabled = true
	c.Admin.ListenAddr = ":8081"
	c.Admin.SessionKey = "change-me-session-key"
	c.Registry.Backend = "local"
	c.Registry.LivenessTTLSeconds = 1
	c.Discovery.Service = "_offloadsrv._tcp"
	c.Discovery.Domain = "local."
	c.OriginHealth.IntervalSeconds = 30
	return c
}

func path() string {
	return filepath.Join(ConfFolder, configFileName)
}

// Load reads the configuration file, creating it with defaults on first
// run, exactly the teacher's LoadCacheConfiguration behavior.
func Load() (*Config, error) {
	if err := os.MkdirAll(ConfFolder, 0755); err != nil {
		return nil, fmt.Errorf("config: create conf folder: %w", err)
	}

	p := path()
	if _, err := os.Stat(p); os.IsNotExist(err) {
		c := Default()
		if err := Save(c); err != nil {
			return nil, err
		}
		return c, nil
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", p, err)
	}

	c := Default()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", p, err)
	}
	return c, nil
}

// Save writes c to the configuration file.
func Save(c *Config) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(ConfFolder, 0755); err != nil {
		return fmt.Errorf("config: create conf folder: %w", err)
	}
	return os.WriteFile(path(), data, 0644)
}
