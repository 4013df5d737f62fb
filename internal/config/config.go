// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/bitalk/bitalk/internal/agent"
	"github.com/bitalk/bitalk/internal/discovery"
	"github.com/bitalk/bitalk/internal/radio"
	"github.com/bitalk/bitalk/pkg/broadcast"
	"github.com/bitalk/bitalk/pkg/proximity"
)

// Paths holds XDG-compliant paths for bitalk.
type Paths struct {
	ConfigDir   string // ~/.config/bitalk
	DataDir     string // ~/.local/share/bitalk
	ConfigFile  string // ~/.config/bitalk/agent.toml
	ProfilePath string // ~/.config/bitalk/profile.toml
	AgentSocket string // ~/.local/share/bitalk/agent.sock
}

// ExpandPath expands ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
// Panics if home directory cannot be determined when ~ expansion is needed.
func ExpandPath(path string) string {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get home directory: %v", err))
		}
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get home directory: %v", err))
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultPaths returns the default paths.
func DefaultPaths() Paths {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Sprintf("failed to get home directory: %v", err))
	}
	configDir := filepath.Join(home, ".config", "bitalk")
	dataDir := filepath.Join(home, ".local", "share", "bitalk")

	return Paths{
		ConfigDir:   configDir,
		DataDir:     dataDir,
		ConfigFile:  filepath.Join(configDir, "agent.toml"),
		ProfilePath: filepath.Join(configDir, "profile.toml"),
		AgentSocket: filepath.Join(dataDir, "agent.sock"),
	}
}

// EnsureDirectories creates the config and data directories.
func (p Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return err
	}
	return os.MkdirAll(p.DataDir, 0700)
}

// AgentConfig is the bitalk-agent configuration file.
type AgentConfig struct {
	Radio     RadioConfig     `toml:"radio"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Signal    SignalConfig    `toml:"signal"`
	Frame     FrameConfig     `toml:"frame"`
	Notify    NotifyConfig    `toml:"notify"`
	Storage   AgentStorage    `toml:"storage"`
}

// RadioConfig configures the LAN radio.
type RadioConfig struct {
	Port                 int      `toml:"port"`
	ListenAddrs          []string `toml:"listen_addrs"`
	MDNSEnabled          bool     `toml:"mdns_enabled"`
	BeaconIntervalMillis int      `toml:"beacon_interval_millis"`
	PingTimeoutMillis    int      `toml:"ping_timeout_millis"`
	PeerTTLSeconds       int      `toml:"peer_ttl_seconds"`
}

// DiscoveryConfig configures the scan lifecycle and peer aging.
type DiscoveryConfig struct {
	UserTimeoutSeconds         int  `toml:"user_timeout_seconds"`
	CleanupIntervalSeconds     int  `toml:"cleanup_interval_seconds"`
	ScanRestartIntervalSeconds int  `toml:"scan_restart_interval_seconds"`
	ScanRetryDelaySeconds      int  `toml:"scan_retry_delay_seconds"`
	RestartGraceMillis         int  `toml:"restart_grace_millis"`
	MinReadIntervalMillis      int  `toml:"min_read_interval_millis"`
	MaxConcurrentExchanges     int  `toml:"max_concurrent_exchanges"`
	ExchangeTimeoutSeconds     int  `toml:"exchange_timeout_seconds"`
	FilterTTLSeconds           int  `toml:"filter_ttl_seconds"`
	Opportunistic              bool `toml:"opportunistic"`
}

// SignalConfig configures RSSI smoothing and the distance model.
type SignalConfig struct {
	Window           int     `toml:"window"`
	TxPower          float64 `toml:"tx_power"`
	PathLossExponent float64 `toml:"path_loss_exponent"`
}

// FrameConfig bounds the advertised frame.
type FrameConfig struct {
	MaxSize int `toml:"max_size"`
}

// NotifyConfig configures match notifications.
type NotifyConfig struct {
	Enabled bool `toml:"enabled"`
}

// AgentStorage holds file locations.
type AgentStorage struct {
	ProfilePath string `toml:"profile_path"`
	SocketPath  string `toml:"socket_path"`
}

// DefaultAgentConfig returns the default agent configuration.
func DefaultAgentConfig() AgentConfig {
	paths := DefaultPaths()
	return AgentConfig{
		Radio: RadioConfig{
			Port:                 0,
			ListenAddrs:          []string{},
			MDNSEnabled:          true,
			BeaconIntervalMillis: int(radio.DefaultBeaconInterval / time.Millisecond),
			PingTimeoutMillis:    int(radio.DefaultPingTimeout / time.Millisecond),
			PeerTTLSeconds:       int(radio.DefaultPeerTTL / time.Second),
		},
		Discovery: DiscoveryConfig{
			UserTimeoutSeconds:         45,
			CleanupIntervalSeconds:     15,
			ScanRestartIntervalSeconds: 300,
			ScanRetryDelaySeconds:      5,
			RestartGraceMillis:         1000,
			MinReadIntervalMillis:      3000,
			MaxConcurrentExchanges:     agent.DefaultMaxConcurrentExchanges,
			ExchangeTimeoutSeconds:     10,
			FilterTTLSeconds:           180,
			Opportunistic:              true,
		},
		Signal: SignalConfig{
			Window:           proximity.DefaultWindow,
			TxPower:          proximity.DefaultTxPower,
			PathLossExponent: proximity.DefaultPathLossExponent,
		},
		Frame: FrameConfig{
			MaxSize: broadcast.DefaultMaxFrameSize,
		},
		Notify: NotifyConfig{
			Enabled: true,
		},
		Storage: AgentStorage{
			ProfilePath: paths.ProfilePath,
			SocketPath:  paths.AgentSocket,
		},
	}
}

// LoadAgentConfig loads agent configuration from a TOML file. Fields missing
// from the file keep their defaults.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultAgentConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}

	cfg.Storage.ProfilePath = ExpandPath(cfg.Storage.ProfilePath)
	cfg.Storage.SocketPath = ExpandPath(cfg.Storage.SocketPath)

	return &cfg, nil
}

// Validate checks the configuration.
func (c AgentConfig) Validate() error {
	if c.Radio.Port < 0 || c.Radio.Port > 65535 {
		return errors.New("port must be between 0 and 65535")
	}
	if c.Signal.Window <= 0 {
		return errors.New("signal window must be positive")
	}
	if c.Signal.PathLossExponent <= 0 {
		return errors.New("path loss exponent must be positive")
	}
	if c.Storage.SocketPath == "" {
		return errors.New("socket path is required")
	}
	return c.ServiceConfig().Validate()
}

// ServiceConfig converts the discovery settings.
func (c AgentConfig) ServiceConfig() agent.ServiceConfig {
	d := c.Discovery
	return agent.ServiceConfig{
		MaxFrameSize:           c.Frame.MaxSize,
		UserTimeout:            seconds(d.UserTimeoutSeconds),
		CleanupInterval:        seconds(d.CleanupIntervalSeconds),
		ScanRestartInterval:    seconds(d.ScanRestartIntervalSeconds),
		ScanRetryDelay:         seconds(d.ScanRetryDelaySeconds),
		RestartGrace:           millis(d.RestartGraceMillis),
		MinReadInterval:        millis(d.MinReadIntervalMillis),
		MaxConcurrentExchanges: d.MaxConcurrentExchanges,
		ExchangeTimeout:        seconds(d.ExchangeTimeoutSeconds),
		Opportunistic:          d.Opportunistic,
	}
}

// RegistryConfig converts the signal settings.
func (c AgentConfig) RegistryConfig() discovery.RegistryConfig {
	return discovery.RegistryConfig{
		FilterWindow: c.Signal.Window,
		Model: proximity.Model{
			TxPower:          c.Signal.TxPower,
			PathLossExponent: c.Signal.PathLossExponent,
		},
		FilterTTL: seconds(c.Discovery.FilterTTLSeconds),
	}
}

// LANConfig converts the radio settings.
func (c AgentConfig) LANConfig() radio.LANConfig {
	return radio.LANConfig{
		Port:           c.Radio.Port,
		ListenAddrs:    append([]string(nil), c.Radio.ListenAddrs...),
		EnableMDNS:     c.Radio.MDNSEnabled,
		BeaconInterval: millis(c.Radio.BeaconIntervalMillis),
		PingTimeout:    millis(c.Radio.PingTimeoutMillis),
		PeerTTL:        seconds(c.Radio.PeerTTLSeconds),
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
