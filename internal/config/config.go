// Package config loads and validates the agent's immutable startup configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthMode selects how the channel client authenticates its WebSocket upgrade.
type AuthMode string

const (
	AuthMutualTLS    AuthMode = "mtls"
	AuthSharedSecret AuthMode = "shared_secret"
)

// Extension names the agent recognizes. Anything outside this set is rejected
// at load time so a typo in the allow-list fails fast instead of silently
// never attaching.
const (
	ExtensionGeo        = "geo"
	ExtensionHealth     = "health"
	ExtensionLocalShell = "local-shell"
	ExtensionLogging    = "logging"
)

var recognizedExtensions = map[string]bool{
	ExtensionGeo:        true,
	ExtensionHealth:     true,
	ExtensionLocalShell: true,
	ExtensionLogging:    true,
}

// TLSConfig carries the credential material for one of the two authentication
// variants described in spec §4.1. Only the fields relevant to Mode are read.
type TLSConfig struct {
	Mode AuthMode `yaml:"mode"`

	// Mutual TLS
	ClientCertFile string `yaml:"client_cert_file"`
	ClientKeyFile  string `yaml:"client_key_file"`
	CACertFile     string `yaml:"ca_cert_file"`
	SNI            string `yaml:"sni"`

	// Shared secret (NH1-HMAC-<digest>-<iterations>-<key-length>)
	SharedSecretKeyID     string `yaml:"shared_secret_key_id"`
	SharedSecretSecret    string `yaml:"shared_secret_secret"`
	SharedSecretDigest    string `yaml:"shared_secret_digest"`    // e.g. "sha256"
	SharedSecretIterations int   `yaml:"shared_secret_iterations"`
	SharedSecretKeyLength int    `yaml:"shared_secret_key_length"`
}

// RetryConfig bounds one Downloader attempt's lifetime, per spec §4.3.
type RetryConfig struct {
	MaxDisconnects         int           `yaml:"max_disconnects"`
	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	MaxTimeout             time.Duration `yaml:"max_timeout"`
	TimeBetweenRetries     time.Duration `yaml:"time_between_retries"`
	WorstCaseDownloadSpeed int64         `yaml:"worst_case_download_speed_bytes"`
}

// Config is the agent's full, immutable-after-startup configuration (spec §3).
type Config struct {
	ServerURL string `yaml:"server_url"`

	TLS TLSConfig `yaml:"tls"`

	FirmwareDevicePath string            `yaml:"firmware_device_path"`
	FlasherBinaryPath  string            `yaml:"flasher_binary_path"`
	FlasherTaskName    string            `yaml:"flasher_task_name"`
	FlasherEnv         map[string]string `yaml:"flasher_env"`

	// SlotEnvFile is the KEY=VALUE file backing the slot key-value store
	// (spec §6's nerves_fw_* keys).
	SlotEnvFile string `yaml:"slot_env_file"`

	FirmwarePublicKeys []string `yaml:"firmware_public_keys"`
	ArchivePublicKeys  []string `yaml:"archive_public_keys"`

	// UpdateStrategy selects how a firmware update is applied: "streaming"
	// pipes bytes to the flasher as they download, "caching" writes the
	// whole file to disk first. Defaults to "streaming".
	UpdateStrategy string `yaml:"update_strategy"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RejoinDelay       time.Duration `yaml:"rejoin_delay"`

	RemoteShellEnabled     bool          `yaml:"remote_shell_enabled"`
	RemoteShellIdleTimeout time.Duration `yaml:"remote_shell_idle_timeout"`

	ExtensionsAllowList []string `yaml:"extensions_allow_list"`

	// GeoLatitude/GeoLongitude are the device's fixed position, for
	// installations without onboard GPS. Either left nil means "not yet
	// known" rather than an error; the geo extension simply reports nothing
	// until both are set.
	GeoLatitude  *float64 `yaml:"geo_latitude"`
	GeoLongitude *float64 `yaml:"geo_longitude"`

	Retry RetryConfig `yaml:"retry"`

	DataDir              string `yaml:"data_dir"`
	WaitForNetworkBefore bool   `yaml:"wait_for_network_before_connecting"`

	DeviceIdentifier string `yaml:"device_identifier"`
}

// Load reads and parses a YAML configuration file, then validates it.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a Config pre-populated with the agent's documented defaults;
// Load starts from it so a sparse YAML file only overrides what it names.
func Default() *Config {
	return &Config{
		HeartbeatInterval:      30 * time.Second,
		RejoinDelay:            5 * time.Second,
		RemoteShellIdleTimeout: 5 * time.Minute,
		Retry: RetryConfig{
			MaxDisconnects:         3,
			IdleTimeout:            60 * time.Second,
			MaxTimeout:             30 * time.Minute,
			TimeBetweenRetries:     5 * time.Second,
			WorstCaseDownloadSpeed: 10_000, // 10 KB/s
		},
		DataDir:        "/data/fleetlink",
		UpdateStrategy: "streaming",
		SlotEnvFile:    "/etc/fw_env.config",
	}
}

// Validate checks required fields and rejects unrecognized extension names.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.FlasherBinaryPath == "" {
		return fmt.Errorf("flasher_binary_path is required")
	}
	switch c.TLS.Mode {
	case AuthMutualTLS:
		if c.TLS.ClientCertFile == "" || c.TLS.ClientKeyFile == "" {
			return fmt.Errorf("tls.mode=mtls requires client_cert_file and client_key_file")
		}
	case AuthSharedSecret:
		if c.TLS.SharedSecretSecret == "" || c.TLS.SharedSecretKeyID == "" {
			return fmt.Errorf("tls.mode=shared_secret requires shared_secret_key_id and shared_secret_secret")
		}
		if c.TLS.SharedSecretDigest == "" {
			c.TLS.SharedSecretDigest = "sha256"
		}
	default:
		return fmt.Errorf("tls.mode must be %q or %q, got %q", AuthMutualTLS, AuthSharedSecret, c.TLS.Mode)
	}

	for _, ext := range c.ExtensionsAllowList {
		if !recognizedExtensions[ext] {
			return fmt.Errorf("unrecognized extension %q in extensions_allow_list", ext)
		}
	}

	if c.Retry.WorstCaseDownloadSpeed <= 0 {
		return fmt.Errorf("retry.worst_case_download_speed_bytes must be positive")
	}

	switch c.UpdateStrategy {
	case "", "streaming", "caching":
	default:
		return fmt.Errorf("update_strategy must be %q or %q, got %q", "streaming", "caching", c.UpdateStrategy)
	}

	return nil
}

// RecognizedExtension reports whether name is one of the extensions the agent
// knows how to discover (spec §3).
func RecognizedExtension(name string) bool {
	return recognizedExtensions[name]
}
