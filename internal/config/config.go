// Package config handles loading the agent's on-disk JSON configuration
// (spec section 6) and the parallel governance vote file, following the
// teacher's internal/config.Load shape: typed fields, documented defaults,
// environment-variable overrides for the handful of settings operators
// commonly want to tweak without editing the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// XRPLConfig is the xrpl section of agent.conf.json.
type XRPLConfig struct {
	Address                string   `json:"address"`
	Secret                 string   `json:"secret"`
	GovernorAddress        string   `json:"governorAddress"`
	Network                string   `json:"network,omitempty"`
	RippledServer          string   `json:"rippledServer"`
	FallbackRippledServers []string `json:"fallbackRippledServers,omitempty"`
	LeaseAmount            int64    `json:"leaseAmount"`
	AffordableExtraFee     int64    `json:"affordableExtraFee"`
	ReputationAddress      string   `json:"reputationAddress,omitempty"`
	ReputationSecret       string   `json:"reputationSecret,omitempty"`
}

// IPv6Config is networking.ipv6 in agent.conf.json.
type IPv6Config struct {
	Subnet    string `json:"subnet"`
	Interface string `json:"interface"`
}

// NetworkingConfig is the networking section of agent.conf.json.
type NetworkingConfig struct {
	IPv6 IPv6Config `json:"ipv6"`
}

// Config is the full agent configuration (spec section 6), plus the
// daemon/reconciler-side operational fields that aren't part of the
// tenant-facing contract but still live in the same file for this
// single-host agent.
type Config struct {
	Version    string           `json:"version"`
	XRPL       XRPLConfig       `json:"xrpl"`
	Networking NetworkingConfig `json:"networking"`

	DataDir    string `json:"data_dir"`
	SocketPath string `json:"socket_path"`

	MaxInstanceCount int `json:"max_instance_count"`
	InitPeerPort     int `json:"init_peer_port"`
	InitUserPort     int `json:"init_user_port"`
	InitGPTCPPort    int `json:"init_gp_tcp_port"`
	InitGPUDPPort    int `json:"init_gp_udp_port"`

	MomentSizeSeconds int64 `json:"moment_size_seconds"`

	TickSeconds                   int `json:"tick_seconds"`
	HaltTimeoutSeconds            int `json:"halt_timeout_seconds"`
	HaltThresholdPercent          int `json:"halt_threshold_percent"`
	OrphanPruneHours              int `json:"orphan_prune_hours"`
	ContainerCreateTimeoutSeconds int `json:"container_create_timeout_seconds"`
	LeaseAcquireWindowSeconds     int `json:"lease_acquire_window_seconds"`

	Daemon DaemonConfig `json:"daemon"`

	path string
}

// DaemonConfig carries the lifecycle daemon's host-specific wiring: script
// paths, resource limits, and the preflight checks spec section 4.1d
// requires before startup. Kept as its own section rather than flattened
// into Config since only cmd/sashimonod reads it - the reconciler
// (cmd/msgboard) never touches the container runtime directly.
type DaemonConfig struct {
	SocketGroup      string `json:"socket_group"`
	InstallScript    string `json:"install_script"`
	UninstallScript  string `json:"uninstall_script"`
	ContractBaseDir  string `json:"contract_base_dir"`
	ContractTemplate string `json:"contract_template_dir"`
	HostIP           string `json:"host_ip"`
	DockerRegistry   string `json:"docker_registry"`

	MaxCPUMicros  int64 `json:"max_cpu_micros"`
	MaxMemKBytes  int64 `json:"max_mem_kbytes"`
	MaxSwapKBytes int64 `json:"max_swap_kbytes"`
	StorageKBytes int64 `json:"storage_kbytes"`

	CgroupRulesService string `json:"cgroup_rules_service"`
	CgroupCPUMount     string `json:"cgroup_cpu_mount"`
	CgroupMemoryMount  string `json:"cgroup_memory_mount"`
	CgroupRulesFile    string `json:"cgroup_rules_file"`
	SashiUser          string `json:"sashi_user"`
	RebootRequiredFile string `json:"reboot_required_file"`

	MetricsAddr string `json:"metrics_addr"`
}

// Defaults mirror the literal values used throughout spec section 8's
// end-to-end scenarios.
const (
	DefaultTickSeconds                   = 2
	DefaultHaltTimeoutSeconds            = 60
	DefaultHaltThresholdPercent          = 25
	DefaultOrphanPruneHours              = 2
	DefaultContainerCreateTimeoutSeconds = 120
	DefaultMomentSizeSeconds             = 3600
)

func applyDefaults(c *Config) {
	if c.TickSeconds == 0 {
		c.TickSeconds = DefaultTickSeconds
	}
	if c.HaltTimeoutSeconds == 0 {
		c.HaltTimeoutSeconds = DefaultHaltTimeoutSeconds
	}
	if c.HaltThresholdPercent == 0 {
		c.HaltThresholdPercent = DefaultHaltThresholdPercent
	}
	if c.OrphanPruneHours == 0 {
		c.OrphanPruneHours = DefaultOrphanPruneHours
	}
	if c.ContainerCreateTimeoutSeconds == 0 {
		c.ContainerCreateTimeoutSeconds = DefaultContainerCreateTimeoutSeconds
	}
	if c.MomentSizeSeconds == 0 {
		c.MomentSizeSeconds = DefaultMomentSizeSeconds
	}
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(c.DataDir, "sa.sock")
	}
}

// envOverrides lets an operator override a handful of common knobs without
// touching the JSON file, the same convenience the teacher's config.Load
// offers for DATABASE_URL/PORT/etc.
func envOverrides(c *Config) error {
	if v := os.Getenv("SASHIMONO_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SASHIMONO_SOCKET_PATH"); v != "" {
		c.SocketPath = v
	}
	if v := os.Getenv("SASHIMONO_MAX_INSTANCE_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SASHIMONO_MAX_INSTANCE_COUNT: %w", err)
		}
		c.MaxInstanceCount = n
	}
	return nil
}

// Load reads and parses the agent configuration file at path. Parse errors
// are fatal per spec section 7 - the caller is expected to exit.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.path = path

	if err := envOverrides(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if cfg.XRPL.LeaseAmount <= 0 {
		return nil, fmt.Errorf("xrpl.leaseAmount must be positive")
	}
	return &cfg, nil
}

// MomentSize is the ledger moment duration as a time.Duration.
func (c *Config) MomentSize() time.Duration {
	return time.Duration(c.MomentSizeSeconds) * time.Second
}

// Save atomically rewrites the configuration file, used after lease-amount
// reconciliation (spec section 4.11) picks up an on-ledger amount change.
// The write-temp-then-rename sequence means a crash mid-write never
// corrupts the file the next Load sees.
func (c *Config) Save(path string) error {
	if path == "" {
		path = c.path
	}
	if path == "" {
		return fmt.Errorf("config: no path to save to")
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename config into place: %w", err)
	}
	c.path = path
	return nil
}
