package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListenPort          = 8953
	DefaultRelayTargetHost     = "127.0.0.1"
	DefaultRelayTargetPort     = 8888
	DefaultControlListen       = "127.0.0.1:8954"
	DefaultHeartbeatActiveSec  = 30
	DefaultHeartbeatIdleSec    = 60
	DefaultHeartbeatRetrySec   = 10
	DefaultHeartbeatTimeoutSec = 5
	DefaultGraceSec            = 30
	DefaultDeviceName          = "lanbridge"
)

// Config is the top-level YAML document.
type Config struct {
	Bridge *BridgeConfig `yaml:"bridge,omitempty"`
}

// BridgeConfig holds the relay process settings.
type BridgeConfig struct {
	ListenPort          int      `yaml:"listen_port"`
	RelayTargetHost     string   `yaml:"relay_target_host"`
	RelayTargetPort     int      `yaml:"relay_target_port"`
	ControlListen       string   `yaml:"control_listen"`
	DataDir             string   `yaml:"data_dir"`
	DBPath              string   `yaml:"db_path"`
	MetricsPath         string   `yaml:"metrics_path"`
	DeviceName          string   `yaml:"device_name"`
	Discovery           *bool    `yaml:"discovery"`
	HeartbeatActiveSec  int      `yaml:"heartbeat_active_sec"`
	HeartbeatIdleSec    int      `yaml:"heartbeat_idle_sec"`
	HeartbeatRetrySec   int      `yaml:"heartbeat_retry_sec"`
	HeartbeatTimeoutSec int      `yaml:"heartbeat_timeout_sec"`
	GraceSec            int      `yaml:"grace_sec"`
	STUNServers         []string `yaml:"stun_servers"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Bridge == nil {
		return fmt.Errorf("config must contain a bridge section")
	}
	b := cfg.Bridge
	if b.ListenPort <= 0 || b.ListenPort > 65535 {
		return fmt.Errorf("bridge.listen_port must be 1-65535")
	}
	if b.RelayTargetHost == "" {
		return fmt.Errorf("bridge.relay_target_host is required")
	}
	if b.RelayTargetPort <= 0 || b.RelayTargetPort > 65535 {
		return fmt.Errorf("bridge.relay_target_port must be 1-65535")
	}
	if b.DataDir == "" {
		return fmt.Errorf("bridge.data_dir is required")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Bridge == nil {
		return
	}
	b := cfg.Bridge
	if b.ListenPort == 0 {
		b.ListenPort = DefaultListenPort
	}
	if b.RelayTargetHost == "" {
		b.RelayTargetHost = DefaultRelayTargetHost
	}
	if b.RelayTargetPort == 0 {
		b.RelayTargetPort = DefaultRelayTargetPort
	}
	if b.ControlListen == "" {
		b.ControlListen = DefaultControlListen
	}
	if b.DeviceName == "" {
		b.DeviceName = DefaultDeviceName
	}
	if b.Discovery == nil {
		on := true
		b.Discovery = &on
	}
	if b.DBPath == "" && b.DataDir != "" {
		b.DBPath = filepath.Join(b.DataDir, "bridge.db")
	}
	if b.MetricsPath == "" && b.DataDir != "" {
		b.MetricsPath = filepath.Join(b.DataDir, "heartbeats.csv")
	}
	if b.HeartbeatActiveSec == 0 {
		b.HeartbeatActiveSec = DefaultHeartbeatActiveSec
	}
	if b.HeartbeatIdleSec == 0 {
		b.HeartbeatIdleSec = DefaultHeartbeatIdleSec
	}
	if b.HeartbeatRetrySec == 0 {
		b.HeartbeatRetrySec = DefaultHeartbeatRetrySec
	}
	if b.HeartbeatTimeoutSec == 0 {
		b.HeartbeatTimeoutSec = DefaultHeartbeatTimeoutSec
	}
	if b.GraceSec == 0 {
		b.GraceSec = DefaultGraceSec
	}
}
